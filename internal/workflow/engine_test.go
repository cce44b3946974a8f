package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.RegisterAction("set", ActionFunc(func(_ context.Context, wctx *Context, p map[string]interface{}) (interface{}, error) {
		wctx.Set(p["key"].(string), p["value"])
		return p["value"], nil
	})))
	require.NoError(t, reg.RegisterAction("append", ActionFunc(func(_ context.Context, wctx *Context, p map[string]interface{}) (interface{}, error) {
		wctx.Update(func(v map[string]interface{}) {
			trail, _ := v["trail"].([]string)
			v["trail"] = append(trail, p["item"].(string))
		})
		return nil, nil
	})))
	require.NoError(t, reg.RegisterAction("fail", ActionFunc(func(context.Context, *Context, map[string]interface{}) (interface{}, error) {
		return nil, errors.New("boom")
	})))
	require.NoError(t, reg.RegisterAction("panic", ActionFunc(func(context.Context, *Context, map[string]interface{}) (interface{}, error) {
		panic("unexpected")
	})))
	require.NoError(t, reg.RegisterAction("increment", ActionFunc(func(_ context.Context, wctx *Context, _ map[string]interface{}) (interface{}, error) {
		var n int
		wctx.Update(func(v map[string]interface{}) {
			n, _ = v["counter"].(int)
			n++
			v["counter"] = n
		})
		return n, nil
	})))
	require.NoError(t, reg.RegisterPredicate("flag", PredicateFunc(func(_ context.Context, wctx *Context, _ map[string]interface{}) (bool, error) {
		v, _ := wctx.Get("flag")
		b, _ := v.(bool)
		return b, nil
	})))
	require.NoError(t, reg.RegisterPredicate("below", PredicateFunc(func(_ context.Context, wctx *Context, p map[string]interface{}) (bool, error) {
		v, _ := wctx.Get("counter")
		n, _ := v.(int)
		return n < p["limit"].(int), nil
	})))
	require.NoError(t, reg.RegisterLoopPredicate("iterations_below", LoopPredicateFunc(func(_ context.Context, _ *Context, i int, p map[string]interface{}) (bool, error) {
		return i < p["limit"].(int), nil
	})))

	e := NewEngine(cfg, reg, zaptest.NewLogger(t))
	t.Cleanup(e.Close)
	return e
}

func trail(res ExecutionResult) []string {
	tr, _ := res.Context["trail"].([]string)
	return tr
}

func TestEngine(t *testing.T) {
	ctx := context.Background()

	t.Run("Sequential Actions", func(t *testing.T) {
		e := newTestEngine(t, Config{})
		b := NewBuilder("seq")
		a := b.AddAction("a", "append", map[string]interface{}{"item": "a"})
		s := b.AddAction("b", "append", map[string]interface{}{"item": "b"})
		c := b.AddAction("c", "set", map[string]interface{}{"key": "done", "value": true})
		b.Connect(a, s).Connect(s, c)
		wf, err := b.Build()
		require.NoError(t, err)

		res, err := e.ExecuteWorkflow(ctx, wf, map[string]interface{}{"seed": 1})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, res.Status)
		assert.Equal(t, []string{"a", "b"}, trail(res))
		assert.Equal(t, true, res.Context["done"])
		assert.Equal(t, 1, res.Context["seed"])
		require.Len(t, res.Results, 3)
		assert.Equal(t, true, res.Results[c].Output)
		assert.Equal(t, c, res.Results[c].StepID)
	})

	t.Run("Condition Branches", func(t *testing.T) {
		for _, flag := range []bool{true, false} {
			e := newTestEngine(t, Config{})
			b := NewBuilder("branch")
			yes := b.AddAction("yes", "append", map[string]interface{}{"item": "yes"}, WithStepID("yes"))
			no := b.AddAction("no", "append", map[string]interface{}{"item": "no"}, WithStepID("no"))
			cond := b.AddCondition("check", "flag", nil, yes, no, WithStepID("check"))
			b.SetStart(cond)
			wf, err := b.Build()
			require.NoError(t, err)

			res, err := e.ExecuteWorkflow(ctx, wf, map[string]interface{}{"flag": flag})
			require.NoError(t, err)
			require.Equal(t, StatusCompleted, res.Status)
			if flag {
				assert.Equal(t, []string{"yes"}, trail(res))
			} else {
				assert.Equal(t, []string{"no"}, trail(res))
			}
			assert.Equal(t, flag, res.Results["check"].Output)
		}
	})

	t.Run("Step Failure Halts Workflow", func(t *testing.T) {
		e := newTestEngine(t, Config{})
		b := NewBuilder("halt")
		f := b.AddAction("fail", "fail", nil)
		after := b.AddAction("after", "append", map[string]interface{}{"item": "after"})
		b.Connect(f, after)
		wf, err := b.Build()
		require.NoError(t, err)

		res, err := e.ExecuteWorkflow(ctx, wf, nil)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, res.Status)
		assert.Contains(t, res.Error, "boom")
		assert.Empty(t, trail(res))
		assert.NotContains(t, res.Results, after)
		assert.False(t, res.Results[f].Success)
	})

	t.Run("Panicking Action Fails Step", func(t *testing.T) {
		e := newTestEngine(t, Config{})
		b := NewBuilder("panic")
		p := b.AddAction("p", "panic", nil)
		wf, err := b.Build()
		require.NoError(t, err)

		res, err := e.ExecuteWorkflow(ctx, wf, nil)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, res.Status)
		assert.Contains(t, res.Results[p].Error, "unexpected")
	})

	t.Run("Unknown Action Rejected At Start", func(t *testing.T) {
		e := newTestEngine(t, Config{})
		b := NewBuilder("unknown")
		b.AddAction("x", "does_not_exist", nil)
		wf, err := b.Build()
		require.NoError(t, err)

		_, err = e.ExecuteWorkflow(ctx, wf, nil)
		require.ErrorIs(t, err, ErrUnknownAction)
	})

	t.Run("Revisit Limited By Visit Cap", func(t *testing.T) {
		build := func(maxVisits int) *Workflow {
			b := NewBuilder("revisit").WithMaxStepVisits(maxVisits)
			inc := b.AddAction("inc", "increment", nil, WithStepID("inc"), WithNext("check"))
			b.AddCondition("check", "below", map[string]interface{}{"limit": 3}, inc, "", WithStepID("check"))
			wf, err := b.Build()
			require.NoError(t, err)
			return wf
		}

		e := newTestEngine(t, Config{})
		res, err := e.ExecuteWorkflow(ctx, build(0), nil)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, res.Status)
		assert.Contains(t, res.Error, ErrStepVisitLimit.Error())
		assert.Equal(t, 1, res.Context["counter"])

		res, err = e.ExecuteWorkflow(ctx, build(3), nil)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, res.Status)
		assert.Equal(t, 3, res.Context["counter"])
	})

	t.Run("Engine Default Visit Cap", func(t *testing.T) {
		e := newTestEngine(t, Config{MaxStepVisits: 5})
		b := NewBuilder("revisit")
		inc := b.AddAction("inc", "increment", nil, WithStepID("inc"), WithNext("check"))
		b.AddCondition("check", "below", map[string]interface{}{"limit": 4}, inc, "", WithStepID("check"))
		wf, err := b.Build()
		require.NoError(t, err)

		res, err := e.ExecuteWorkflow(ctx, wf, nil)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, res.Status)
		assert.Equal(t, 4, res.Context["counter"])
	})

	t.Run("Parallel Wait All", func(t *testing.T) {
		e := newTestEngine(t, Config{})
		b := NewBuilder("parallel")
		x := b.AddAction("x", "set", map[string]interface{}{"key": "x", "value": 1})
		y := b.AddAction("y", "set", map[string]interface{}{"key": "y", "value": 2})
		par := b.AddParallel("both", []string{x, y}, true)
		b.SetStart(par)
		wf, err := b.Build()
		require.NoError(t, err)

		res, err := e.ExecuteWorkflow(ctx, wf, nil)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, res.Status)
		assert.Equal(t, 1, res.Context["x"])
		assert.Equal(t, 2, res.Context["y"])
		out := res.Results[par].Output.(map[string]interface{})
		assert.Equal(t, 1, out[x])
		assert.Equal(t, 2, out[y])
	})

	t.Run("Parallel Wait All Fails On Any Branch", func(t *testing.T) {
		e := newTestEngine(t, Config{})
		b := NewBuilder("parallel")
		x := b.AddAction("x", "set", map[string]interface{}{"key": "x", "value": 1})
		f := b.AddAction("f", "fail", nil)
		par := b.AddParallel("both", []string{x, f}, true)
		b.SetStart(par)
		wf, err := b.Build()
		require.NoError(t, err)

		res, err := e.ExecuteWorkflow(ctx, wf, nil)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, res.Status)
		assert.False(t, res.Results[par].Success)
		assert.Contains(t, res.Results[par].Error, "boom")
	})

	t.Run("Parallel First Completion Cancels Others", func(t *testing.T) {
		e := newTestEngine(t, Config{})
		var cancelled atomic.Bool
		require.NoError(t, e.Registry().RegisterAction("slow", ActionFunc(func(ctx context.Context, _ *Context, _ map[string]interface{}) (interface{}, error) {
			select {
			case <-ctx.Done():
				cancelled.Store(true)
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return "slow", nil
			}
		})))

		b := NewBuilder("race")
		fast := b.AddAction("fast", "set", map[string]interface{}{"key": "winner", "value": "fast"})
		slow := b.AddAction("slow", "slow", nil)
		par := b.AddParallel("race", []string{slow, fast}, false)
		b.SetStart(par)
		wf, err := b.Build()
		require.NoError(t, err)

		res, err := e.ExecuteWorkflow(ctx, wf, nil)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, res.Status)
		assert.Equal(t, fast, res.Results[par].Metadata["winner"])
		assert.True(t, cancelled.Load())
	})

	t.Run("Loop Stops On Predicate", func(t *testing.T) {
		e := newTestEngine(t, Config{})
		b := NewBuilder("loop")
		inc := b.AddAction("inc", "increment", nil)
		loop := b.AddLoop("loop", []string{inc}, "iterations_below", map[string]interface{}{"limit": 4}, 10)
		b.SetStart(loop)
		wf, err := b.Build()
		require.NoError(t, err)

		res, err := e.ExecuteWorkflow(ctx, wf, nil)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, res.Status)
		assert.Equal(t, 4, res.Context["counter"])
		assert.Equal(t, 4, res.Results[loop].Metadata["iterations"])
	})

	t.Run("Loop Stops At Max Iterations", func(t *testing.T) {
		e := newTestEngine(t, Config{})
		b := NewBuilder("loop")
		inc := b.AddAction("inc", "increment", nil)
		loop := b.AddLoop("loop", []string{inc}, "", nil, 3)
		b.SetStart(loop)
		wf, err := b.Build()
		require.NoError(t, err)

		res, err := e.ExecuteWorkflow(ctx, wf, nil)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, res.Status)
		assert.Equal(t, 3, res.Context["counter"])
	})

	t.Run("Wait Step", func(t *testing.T) {
		e := newTestEngine(t, Config{})
		b := NewBuilder("wait")
		w := b.AddWait("pause", 20*time.Millisecond)
		d := b.AddAction("done", "set", map[string]interface{}{"key": "done", "value": true})
		b.Connect(w, d)
		wf, err := b.Build()
		require.NoError(t, err)

		res, err := e.ExecuteWorkflow(ctx, wf, nil)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, res.Status)
		assert.GreaterOrEqual(t, res.Results[w].ExecutionTime, 20*time.Millisecond)
	})

	t.Run("Callbacks On Terminal Status", func(t *testing.T) {
		e := newTestEngine(t, Config{})
		var mu sync.Mutex
		var seen []Status
		e.RegisterCallback(func(_ context.Context, r ExecutionResult) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, r.Status)
		})
		e.RegisterCallback(func(context.Context, ExecutionResult) { panic("callback") })

		b := NewBuilder("cb")
		b.AddAction("a", "set", map[string]interface{}{"key": "k", "value": 1})
		wf, err := b.Build()
		require.NoError(t, err)
		_, err = e.ExecuteWorkflow(ctx, wf, nil)
		require.NoError(t, err)

		b = NewBuilder("cb-fail")
		b.AddAction("f", "fail", nil)
		wf, err = b.Build()
		require.NoError(t, err)
		_, err = e.ExecuteWorkflow(ctx, wf, nil)
		require.NoError(t, err)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []Status{StatusCompleted, StatusFailed}, seen)
	})
}

func TestEngineLifecycle(t *testing.T) {
	ctx := context.Background()

	blocking := func(t *testing.T, e *Engine) (entered chan struct{}, release chan struct{}, calls *atomic.Int32) {
		entered = make(chan struct{}, 4)
		release = make(chan struct{})
		calls = &atomic.Int32{}
		require.NoError(t, e.Registry().RegisterAction("block", ActionFunc(func(ctx context.Context, _ *Context, _ map[string]interface{}) (interface{}, error) {
			calls.Add(1)
			entered <- struct{}{}
			select {
			case <-release:
				return "released", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})))
		return entered, release, calls
	}

	build := func(t *testing.T) (*Workflow, string) {
		b := NewBuilder("lifecycle")
		blk := b.AddAction("block", "block", nil, WithStepID("block"))
		after := b.AddAction("after", "append", map[string]interface{}{"item": "after"})
		b.Connect(blk, after)
		wf, err := b.Build()
		require.NoError(t, err)
		return wf, blk
	}

	t.Run("Pause And Resume", func(t *testing.T) {
		e := newTestEngine(t, Config{})
		entered, release, calls := blocking(t, e)
		wf, blk := build(t)

		require.NoError(t, e.Start(ctx, wf, nil))
		<-entered
		require.NoError(t, e.PauseWorkflow(wf.ID))

		st, err := e.GetWorkflowStatus(wf.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPaused, st.Status)
		assert.Equal(t, blk, st.CurrentStep)
		assert.ErrorIs(t, e.PauseWorkflow(wf.ID), ErrWorkflowNotRunning)
		assert.ErrorIs(t, e.Start(ctx, wf, nil), ErrWorkflowActive)

		require.NoError(t, e.ResumeWorkflow(ctx, wf.ID))
		<-entered
		close(release)

		res, err := e.Wait(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, res.Status)
		assert.Equal(t, []string{"after"}, trail(res))
		assert.Equal(t, int32(2), calls.Load())
		assert.ErrorIs(t, e.ResumeWorkflow(ctx, wf.ID), ErrWorkflowNotPaused)
	})

	t.Run("Cancel Running", func(t *testing.T) {
		e := newTestEngine(t, Config{})
		entered, _, _ := blocking(t, e)
		wf, _ := build(t)

		require.NoError(t, e.Start(ctx, wf, nil))
		<-entered
		require.NoError(t, e.CancelWorkflow(wf.ID))

		st, err := e.GetWorkflowStatus(wf.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, st.Status)
		assert.NotNil(t, st.CompletedAt)
		assert.ErrorIs(t, e.CancelWorkflow(wf.ID), ErrWorkflowFinished)
	})

	t.Run("Cancel Paused", func(t *testing.T) {
		e := newTestEngine(t, Config{})
		entered, _, _ := blocking(t, e)
		wf, _ := build(t)

		var got atomic.Value
		e.RegisterCallback(func(_ context.Context, r ExecutionResult) { got.Store(r.Status) })

		require.NoError(t, e.Start(ctx, wf, nil))
		<-entered
		require.NoError(t, e.PauseWorkflow(wf.ID))
		require.NoError(t, e.CancelWorkflow(wf.ID))

		assert.Equal(t, StatusCancelled, wf.Status())
		assert.Equal(t, StatusCancelled, got.Load())
	})

	t.Run("Caller Context Cancels Run", func(t *testing.T) {
		e := newTestEngine(t, Config{})
		entered, _, _ := blocking(t, e)
		wf, _ := build(t)

		runCtx, cancel := context.WithCancel(ctx)
		require.NoError(t, e.Start(runCtx, wf, nil))
		<-entered
		cancel()

		require.Eventually(t, func() bool { return wf.Status() == StatusCancelled }, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("Independent Instances", func(t *testing.T) {
		e := newTestEngine(t, Config{})
		def := Definition{
			Name:  "counter",
			Steps: []StepDefinition{{ID: "inc", Type: StepAction, Action: "increment"}},
		}
		var wg sync.WaitGroup
		results := make([]ExecutionResult, 8)
		for i := range results {
			wf, err := def.Build()
			require.NoError(t, err)
			wg.Add(1)
			go func(i int, wf *Workflow) {
				defer wg.Done()
				res, err := e.ExecuteWorkflow(ctx, wf, nil)
				assert.NoError(t, err)
				results[i] = res
			}(i, wf)
		}
		wg.Wait()
		for _, res := range results {
			assert.Equal(t, StatusCompleted, res.Status)
			assert.Equal(t, 1, res.Context["counter"])
		}
		assert.Len(t, e.ListWorkflows(), len(results))
	})

	t.Run("Unknown Workflow", func(t *testing.T) {
		e := newTestEngine(t, Config{})
		_, err := e.GetWorkflowStatus("missing")
		assert.ErrorIs(t, err, ErrWorkflowNotFound)
		assert.ErrorIs(t, e.PauseWorkflow("missing"), ErrWorkflowNotFound)
		assert.ErrorIs(t, e.CancelWorkflow("missing"), ErrWorkflowNotFound)
	})

	t.Run("Closed Engine Rejects Start", func(t *testing.T) {
		e := newTestEngine(t, Config{})
		blocking(t, e)
		e.Close()
		wf, _ := build(t)
		assert.ErrorIs(t, e.Start(ctx, wf, nil), ErrEngineClosed)
	})
}
