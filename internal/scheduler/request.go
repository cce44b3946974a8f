package scheduler

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/t77yq/crawl-control/internal/decode"
	"github.com/t77yq/crawl-control/internal/model"
)

// JobRequest describes a job in configuration files and NATS commands.
// Schedule holds the ScheduleConfig fields as loose values: durations as
// "90s" or bare seconds, times as RFC 3339 and weekdays by name only.
type JobRequest struct {
	Name             string                 `json:"name" mapstructure:"name"`
	Type             model.ScheduleType     `json:"type" mapstructure:"type"`
	Schedule         map[string]interface{} `json:"schedule" mapstructure:"schedule"`
	Action           string                 `json:"action" mapstructure:"action"`
	Args             map[string]interface{} `json:"args,omitempty" mapstructure:"args"`
	Metadata         map[string]interface{} `json:"metadata,omitempty" mapstructure:"metadata"`
	MaxRetries       int                    `json:"max_retries,omitempty" mapstructure:"max_retries"`
	StartImmediately bool                   `json:"start_immediately,omitempty" mapstructure:"start_immediately"`
}

// ScheduleRequest decodes req and schedules it
func (s *TaskScheduler) ScheduleRequest(req JobRequest) (string, error) {
	if req.Name == "" || req.Action == "" {
		return "", fmt.Errorf("%w: name and action are required", ErrInvalidSchedule)
	}
	cfg, err := DecodeScheduleConfig(req.Schedule)
	if err != nil {
		return "", err
	}
	opts := []JobOption{WithArgs(req.Args), WithMetadata(req.Metadata)}
	if req.MaxRetries != 0 {
		opts = append(opts, WithMaxRetries(req.MaxRetries))
	}
	if req.StartImmediately {
		opts = append(opts, StartImmediately())
	}
	return s.Schedule(req.Name, req.Type, cfg, req.Action, opts...)
}

// DecodeScheduleConfig converts loosely typed values into a ScheduleConfig
func DecodeScheduleConfig(raw map[string]interface{}) (model.ScheduleConfig, error) {
	var cfg model.ScheduleConfig
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			weekdayHook,
			decode.DurationHook(),
			mapstructure.StringToTimeHookFunc(time.RFC3339),
		),
	})
	if err != nil {
		return cfg, err
	}
	if err := decoder.Decode(raw); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return cfg, nil
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// weekdayHook only accepts names. Numbering conventions differ (Go counts
// from Sunday, cron from Sunday, ISO from Monday) so numbers are rejected.
func weekdayHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(time.Weekday(0)) || from == to {
		return data, nil
	}
	if from.Kind() != reflect.String {
		return nil, fmt.Errorf("weekday %v: use a day name such as \"monday\"", data)
	}
	name := strings.ToLower(strings.TrimSpace(reflect.ValueOf(data).String()))
	if d, ok := weekdays[name]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("unknown weekday %q", name)
}
