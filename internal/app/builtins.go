package app

import (
	"context"
	"fmt"
	"reflect"
	"strconv"

	"github.com/mitchellh/mapstructure"

	"github.com/t77yq/crawl-control/internal/decode"
	"github.com/t77yq/crawl-control/internal/model"
	"github.com/t77yq/crawl-control/internal/orchestrator"
	"github.com/t77yq/crawl-control/internal/workflow"
)

// Built-in names usable from workflow definitions and scheduled jobs
const (
	ActionSubmitTask   = "submit_task"
	ActionPublishEvent = "publish_event"
	ActionSetContext   = "set_context"
	ActionRunWorkflow  = "run_workflow"
	ActionPurgeHistory = "purge_history"

	PredicateTruthy = "truthy"
	PredicateEquals = "equals"

	LoopCounterBelow = "counter_below"
)

type submitTaskParams struct {
	Type         model.TaskType         `mapstructure:"type"`
	Config       map[string]interface{} `mapstructure:"config"`
	Priority     string                 `mapstructure:"priority"`
	Dependencies []string               `mapstructure:"dependencies"`
	Metadata     map[string]interface{} `mapstructure:"metadata"`
	// ResultKey stores the created task id in the workflow context
	ResultKey string `mapstructure:"result_key"`
}

type publishEventParams struct {
	Type   model.EventType        `mapstructure:"type"`
	Source string                 `mapstructure:"source"`
	Data   map[string]interface{} `mapstructure:"data"`
	// IncludeContext copies the workflow context into the event data
	IncludeContext bool `mapstructure:"include_context"`
}

type equalsParams struct {
	Key   string      `mapstructure:"key"`
	Value interface{} `mapstructure:"value"`
}

type counterParams struct {
	Key   string `mapstructure:"key"`
	Limit int    `mapstructure:"limit"`
}

func decodeParams(in map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       decode.DurationHook(),
	})
	if err != nil {
		return err
	}
	return decoder.Decode(in)
}

func (p submitTaskParams) options() ([]orchestrator.TaskOption, error) {
	var opts []orchestrator.TaskOption
	if p.Priority != "" {
		priority, err := model.ParsePriority(p.Priority)
		if err != nil {
			return nil, err
		}
		opts = append(opts, orchestrator.WithPriority(priority))
	}
	if len(p.Dependencies) > 0 {
		opts = append(opts, orchestrator.WithDependencies(p.Dependencies...))
	}
	if len(p.Metadata) > 0 {
		opts = append(opts, orchestrator.WithMetadata(p.Metadata))
	}
	return opts, nil
}

func (a *App) submitTask(ctx context.Context, params map[string]interface{}) (string, submitTaskParams, error) {
	var p submitTaskParams
	if err := decodeParams(params, &p); err != nil {
		return "", p, fmt.Errorf("%s: %w", ActionSubmitTask, err)
	}
	opts, err := p.options()
	if err != nil {
		return "", p, fmt.Errorf("%s: %w", ActionSubmitTask, err)
	}
	id, err := a.Orchestrator.CreateTask(ctx, p.Type, p.Config, opts...)
	if err != nil {
		return "", p, fmt.Errorf("%s: %w", ActionSubmitTask, err)
	}
	return id, p, nil
}

func (a *App) publishEvent(ctx context.Context, params map[string]interface{}, wctx *workflow.Context) (string, error) {
	var p publishEventParams
	if err := decodeParams(params, &p); err != nil {
		return "", fmt.Errorf("%s: %w", ActionPublishEvent, err)
	}
	if p.Type == "" {
		return "", fmt.Errorf("%s: type is required", ActionPublishEvent)
	}
	if p.Source == "" {
		p.Source = "workflow"
	}
	data := make(map[string]interface{}, len(p.Data))
	if p.IncludeContext && wctx != nil {
		for k, v := range wctx.Snapshot() {
			data[k] = v
		}
	}
	for k, v := range p.Data {
		data[k] = v
	}
	return a.Bus.Publish(ctx, p.Type, p.Source, data, nil)
}

// registerBuiltins installs the built-in actions and predicates
func (a *App) registerBuiltins(r *workflow.Registry) error {
	actions := map[string]workflow.ActionFunc{
		ActionSubmitTask: func(ctx context.Context, wctx *workflow.Context, params map[string]interface{}) (interface{}, error) {
			id, p, err := a.submitTask(ctx, params)
			if err != nil {
				return nil, err
			}
			if p.ResultKey != "" {
				wctx.Set(p.ResultKey, id)
			}
			return id, nil
		},
		ActionPublishEvent: func(ctx context.Context, wctx *workflow.Context, params map[string]interface{}) (interface{}, error) {
			return a.publishEvent(ctx, params, wctx)
		},
		ActionSetContext: func(_ context.Context, wctx *workflow.Context, params map[string]interface{}) (interface{}, error) {
			wctx.Merge(params)
			return len(params), nil
		},
	}
	for name, fn := range actions {
		if err := r.RegisterAction(name, fn); err != nil {
			return err
		}
	}

	if err := r.RegisterPredicate(PredicateTruthy, workflow.PredicateFunc(
		func(_ context.Context, wctx *workflow.Context, params map[string]interface{}) (bool, error) {
			key, _ := params["key"].(string)
			if key == "" {
				return false, fmt.Errorf("%s: key is required", PredicateTruthy)
			}
			v, _ := wctx.Get(key)
			return truthy(v), nil
		})); err != nil {
		return err
	}

	if err := r.RegisterPredicate(PredicateEquals, workflow.PredicateFunc(
		func(_ context.Context, wctx *workflow.Context, params map[string]interface{}) (bool, error) {
			var p equalsParams
			if err := decodeParams(params, &p); err != nil {
				return false, err
			}
			if p.Key == "" {
				return false, fmt.Errorf("%s: key is required", PredicateEquals)
			}
			v, _ := wctx.Get(p.Key)
			return looselyEqual(v, p.Value), nil
		})); err != nil {
		return err
	}

	return r.RegisterLoopPredicate(LoopCounterBelow, workflow.LoopPredicateFunc(
		func(_ context.Context, wctx *workflow.Context, iteration int, params map[string]interface{}) (bool, error) {
			var p counterParams
			if err := decodeParams(params, &p); err != nil {
				return false, err
			}
			if p.Key == "" {
				return iteration < p.Limit, nil
			}
			v, _ := wctx.Get(p.Key)
			n, ok := toFloat(v)
			if !ok {
				n = 0
			}
			return n < float64(p.Limit), nil
		}))
}

func truthy(v interface{}) bool {
	if v == nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(t)
		if err == nil {
			return b
		}
		return t != ""
	}
	if n, ok := toFloat(v); ok {
		return n != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() > 0
	case reflect.Ptr, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

// looselyEqual compares numbers by value so that 3 and 3.0 match
func looselyEqual(a, b interface{}) bool {
	if x, ok := toFloat(a); ok {
		if y, ok := toFloat(b); ok {
			return x == y
		}
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
