package tasks

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-mgmt/pkg/errors"
)

func newTestEngine(t *testing.T) *Engine {
	engine := NewEngine(Config{}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})
	return engine
}

func value(name string, v any, ran *[]string, mutex *sync.Mutex) *Task {
	return New(name, func(tc *Context) (any, error) {
		mutex.Lock()
		*ran = append(*ran, name)
		mutex.Unlock()
		return v, nil
	})
}

func TestTask_SimpleResult(t *testing.T) {
	engine := newTestEngine(t)
	task := New("answer", func(tc *Context) (any, error) { return 42, nil })

	result, err := engine.SubmitAndGet(task)
	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, StateSucceeded, task.State())
	assert.True(t, task.IsDone())
	assert.Nil(t, task.Submitter())
}

func TestTask_FailureIsWrapped(t *testing.T) {
	engine := newTestEngine(t)
	cause := stderrors.New("disk full")
	task := New("write", func(tc *Context) (any, error) { return nil, cause })

	_, err := engine.SubmitAndGet(task)
	require.Error(t, err)
	assert.True(t, errors.IsTaskExecutionError(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, StateFailed, task.State())
	assert.Equal(t, cause, task.Err())
}

func TestTask_PanicBecomesInternalError(t *testing.T) {
	engine := newTestEngine(t)
	task := New("panics", func(tc *Context) (any, error) { panic("boom") })

	_, err := engine.SubmitAndGet(task)
	assert.True(t, errors.IsInternalError(err))
}

func TestTask_SubmitTwiceIsConflict(t *testing.T) {
	engine := newTestEngine(t)
	task := New("once", nil)
	_, err := engine.Submit(task)
	require.NoError(t, err)

	_, err = engine.Submit(task)
	assert.True(t, errors.IsConflictError(err))
}

func TestQueue_RunsInOrder(t *testing.T) {
	engine := newTestEngine(t)
	var mutex sync.Mutex
	var ran []string

	parent := New("parent", func(tc *Context) (any, error) {
		for _, name := range []string{"a", "b", "c"} {
			if _, err := tc.Queue(value(name, name, &ran, &mutex)); err != nil {
				return nil, err
			}
		}
		return "done", nil
	})

	result, err := engine.SubmitAndGet(parent)
	require.NoError(t, err)
	assert.Equal(t, "done", result)
	assert.Equal(t, []string{"a", "b", "c"}, ran)

	children := parent.Children()
	require.Len(t, children, 3)
	for _, child := range children {
		assert.Equal(t, parent, child.Submitter())
		assert.Equal(t, StateSucceeded, child.State())
	}
}

func TestQueue_FailFast(t *testing.T) {
	engine := newTestEngine(t)
	var mutex sync.Mutex
	var ran []string
	cause := stderrors.New("b failed")

	a := value("a", 1, &ran, &mutex)
	b := New("b", func(tc *Context) (any, error) {
		mutex.Lock()
		ran = append(ran, "b")
		mutex.Unlock()
		return nil, cause
	})
	c := value("c", 3, &ran, &mutex)

	_, err := engine.SubmitAndGet(Sequential("abc", a, b, c))
	require.Error(t, err)
	assert.True(t, errors.IsTaskExecutionError(err))
	assert.ErrorIs(t, err, cause)

	assert.Equal(t, []string{"a", "b"}, ran)
	assert.Equal(t, StateSucceeded, a.State())
	assert.Equal(t, StateFailed, b.State())
	assert.Equal(t, StateFailed, c.State())
	assert.True(t, c.IsCancelled())
	_, startedAt, _ := c.Times()
	assert.True(t, startedAt.IsZero())
}

func TestQueue_WaitForLast(t *testing.T) {
	engine := newTestEngine(t)

	parent := New("parent", func(tc *Context) (any, error) {
		if _, err := tc.Queue(New("compute", func(*Context) (any, error) { return 7, nil })); err != nil {
			return nil, err
		}
		v, err := tc.WaitForLast()
		if err != nil {
			return nil, err
		}
		return v.(int) * 6, nil
	})

	result, err := engine.SubmitAndGet(parent)
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}

func TestQueue_WithoutContext(t *testing.T) {
	_, err := Queue(nil, New("orphan", nil))
	assert.True(t, errors.IsNoQueueingContextError(err))
}

func TestQueue_AfterBodyFinished(t *testing.T) {
	engine := newTestEngine(t)
	var captured *Context
	_, err := engine.SubmitAndGet(New("parent", func(tc *Context) (any, error) {
		captured = tc
		return nil, nil
	}))
	require.NoError(t, err)

	_, err = Queue(captured, New("late", nil))
	assert.True(t, errors.IsNoQueueingContextError(err))
}

func TestQueue_NestedSubtasks(t *testing.T) {
	engine := newTestEngine(t)
	var mutex sync.Mutex
	var ran []string

	inner := New("inner", func(tc *Context) (any, error) {
		_, err := tc.Queue(value("leaf", nil, &ran, &mutex))
		return nil, err
	})
	outer := Sequential("outer", inner, value("after", nil, &ran, &mutex))

	_, err := engine.SubmitAndGet(outer)
	require.NoError(t, err)
	assert.Equal(t, []string{"leaf", "after"}, ran)
	assert.Equal(t, outer, inner.Submitter())
}

func TestCancel_CascadesAndSkips(t *testing.T) {
	engine := newTestEngine(t)
	started := make(chan struct{})
	var laterRan atomic.Bool

	blocking := New("blocking", func(tc *Context) (any, error) {
		close(started)
		<-tc.Context().Done()
		return nil, tc.Context().Err()
	})
	later := New("later", func(*Context) (any, error) {
		laterRan.Store(true)
		return nil, nil
	})
	parent := Sequential("parent", blocking, later)

	_, err := engine.Submit(parent)
	require.NoError(t, err)
	<-started

	assert.True(t, parent.Cancel())
	assert.False(t, parent.Cancel())

	_, err = parent.Get()
	assert.True(t, errors.IsCancelledError(err))
	assert.True(t, parent.IsCancelled())

	_, err = blocking.GetOrTimeout(time.Second)
	assert.True(t, errors.IsCancelledError(err))

	_, err = later.GetOrTimeout(time.Second)
	assert.True(t, errors.IsCancelledError(err))
	assert.False(t, laterRan.Load())
}

func TestCancel_BeforeSubmit(t *testing.T) {
	task := New("never", func(*Context) (any, error) { return 1, nil })
	assert.True(t, task.Cancel())
	_, err := task.Get()
	assert.True(t, errors.IsCancelledError(err))
	assert.Equal(t, StateFailed, task.State())
}

func TestGetOrTimeout(t *testing.T) {
	engine := newTestEngine(t)
	release := make(chan struct{})
	task := New("slow", func(tc *Context) (any, error) {
		<-release
		return "late", nil
	})
	_, err := engine.Submit(task)
	require.NoError(t, err)

	_, err = task.GetOrTimeout(20 * time.Millisecond)
	assert.True(t, errors.IsTimeoutError(err))
	assert.False(t, task.IsDone())

	close(release)
	result, err := task.GetOrTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "late", result)
}

func TestParallel(t *testing.T) {
	engine := newTestEngine(t)
	subs := []*Task{
		New("one", func(*Context) (any, error) { return 1, nil }),
		New("two", func(*Context) (any, error) { return 2, nil }),
	}
	result, err := engine.SubmitAndGet(Parallel("both", subs...))
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2}, result)
}

func TestParallel_FailureCancelsSiblings(t *testing.T) {
	engine := newTestEngine(t)
	cause := stderrors.New("nope")
	slow := New("slow", func(tc *Context) (any, error) {
		<-tc.Context().Done()
		return nil, tc.Context().Err()
	})
	failing := New("failing", func(*Context) (any, error) { return nil, cause })

	_, err := engine.SubmitAndGet(Parallel("both", slow, failing))
	assert.ErrorIs(t, err, cause)

	_, err = slow.GetOrTimeout(time.Second)
	assert.True(t, errors.IsCancelledError(err))
}

func TestTyped(t *testing.T) {
	engine := newTestEngine(t)
	typed := NewTyped("size", func(*Context) (int, error) { return 3, nil })
	_, err := engine.Submit(typed.Task)
	require.NoError(t, err)

	size, err := typed.Get()
	require.NoError(t, err)
	assert.Equal(t, 3, size)

	wrong := AsTyped[bool](typed.Task)
	_, err = wrong.Get()
	assert.True(t, errors.IsTaskExecutionError(err))
}

func TestEffectorCall(t *testing.T) {
	engine := newTestEngine(t)
	var found *Task
	var ok bool

	leaf := New("leaf", func(tc *Context) (any, error) {
		found, ok = EffectorCall(tc.Task())
		return nil, nil
	})
	root := Sequential("start", leaf)
	root.tags = Tags{EntityID: "web", Effector: "start", Params: map[string]any{"n": 1}}

	_, err := engine.SubmitAndGet(root)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, root, found)
	assert.Equal(t, "web", found.Tags().EntityID)

	_, ok = EffectorCall(New("plain", nil))
	assert.False(t, ok)
}

func TestEngine_BoundsRootConcurrency(t *testing.T) {
	engine := NewEngine(Config{MaxConcurrentRoots: 2}, nil)
	defer engine.Shutdown(context.Background())

	var active, peak atomic.Int32
	release := make(chan struct{})
	list := make([]*Task, 0, 5)
	for i := 0; i < 5; i++ {
		task := New("bounded", func(*Context) (any, error) {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			active.Add(-1)
			return nil, nil
		})
		_, err := engine.Submit(task)
		require.NoError(t, err)
		list = append(list, task)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	for _, task := range list {
		_, err := task.GetOrTimeout(time.Second)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestEngine_LookupAndShutdown(t *testing.T) {
	engine := NewEngine(Config{}, nil)
	task := Func("wait", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, WithTags(Tags{EntityID: "e1"}))
	_, err := engine.Submit(task)
	require.NoError(t, err)

	found, ok := engine.Lookup(task.ID())
	require.True(t, ok)
	assert.Equal(t, task, found)
	assert.Len(t, engine.TasksForEntity("e1"), 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, engine.Shutdown(ctx))
	assert.True(t, task.IsCancelled())

	_, err = engine.Submit(New("after", nil))
	assert.True(t, errors.IsConflictError(err))
}
