package capability

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

// ChangeEvent is emitted by a ChangeDetector when a watched page changes
type ChangeEvent struct {
	MonitoringID    string                 `json:"monitoring_id" mapstructure:"monitoring_id"`
	URL             string                 `json:"url" mapstructure:"url"`
	ChangeType      string                 `json:"change_type,omitempty" mapstructure:"change_type"`
	Summary         string                 `json:"summary,omitempty" mapstructure:"summary"`
	BeforeContent   string                 `json:"before_content,omitempty" mapstructure:"before_content"`
	AfterContent    string                 `json:"after_content,omitempty" mapstructure:"after_content"`
	ImportanceScore float64                `json:"importance_score" mapstructure:"importance_score"`
	DetectedAt      time.Time              `json:"detected_at" mapstructure:"detected_at"`
	Metadata        map[string]interface{} `json:"metadata,omitempty" mapstructure:"metadata"`
}

// HasContent reports whether both sides of the change are known
func (e ChangeEvent) HasContent() bool {
	return e.BeforeContent != "" && e.AfterContent != ""
}

// EventData flattens e into an event payload
func (e ChangeEvent) EventData() map[string]interface{} {
	data := map[string]interface{}{
		"monitoring_id":    e.MonitoringID,
		"url":              e.URL,
		"change_type":      e.ChangeType,
		"summary":          e.Summary,
		"before_content":   e.BeforeContent,
		"after_content":    e.AfterContent,
		"importance_score": e.ImportanceScore,
		"detected_at":      e.DetectedAt.Format(time.RFC3339Nano),
	}
	if len(e.Metadata) > 0 {
		data["metadata"] = e.Metadata
	}
	return data
}

// ChangeEventFromData rebuilds a ChangeEvent from an event payload. Values
// are decoded weakly so payloads that went through JSON still parse.
func ChangeEventFromData(data map[string]interface{}) (ChangeEvent, error) {
	var ev ChangeEvent
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &ev,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return ChangeEvent{}, err
	}
	if err := decoder.Decode(data); err != nil {
		return ChangeEvent{}, fmt.Errorf("decode change event: %w", err)
	}
	if ev.URL == "" && ev.MonitoringID == "" {
		return ChangeEvent{}, fmt.Errorf("decode change event: missing url and monitoring_id")
	}
	return ev, nil
}
