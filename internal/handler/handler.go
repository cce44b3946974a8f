// Package handler implements the orchestrator's task handlers on top of the
// capability ports, one handler per task type.
package handler

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/t77yq/crawl-control/internal/decode"
	"github.com/t77yq/crawl-control/internal/model"
)

// decodeConfig decodes a task config map into out. Malformed configs never
// succeed on retry, so the error is permanent.
func decodeConfig(in map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			decode.DurationHook(),
			mapstructure.StringToTimeHookFunc(time.RFC3339),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(in); err != nil {
		return model.Permanent(fmt.Errorf("invalid task config: %w", err))
	}
	return nil
}

func result(task *model.Task, output interface{}) *model.TaskResult {
	return &model.TaskResult{
		TaskID:      task.ID,
		Status:      model.TaskStatusCompleted,
		Output:      output,
		CompletedAt: time.Now().UTC(),
	}
}

func requireField(name, value string) error {
	if value == "" {
		return model.Permanent(fmt.Errorf("invalid task config: %s is required", name))
	}
	return nil
}
