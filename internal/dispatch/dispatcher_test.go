package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/whispo/contextd/internal/dispatch"
	"github.com/whispo/contextd/internal/protocol"
	"github.com/whispo/contextd/internal/registry"
	"github.com/whispo/contextd/pkg/models"
)

const limitSchema = `{"type":"object","properties":{"limit":{"type":"integer","minimum":1,"maximum":100}},"additionalProperties":false}`

func register(t *testing.T, reg *registry.Registry, name string, mutating bool, h registry.Handler) {
	t.Helper()
	desc := models.ToolDescriptor{Name: name, InputSchema: json.RawMessage(limitSchema), Mutating: mutating}
	if err := reg.RegisterLocal(desc, h); err != nil {
		t.Fatalf("RegisterLocal(%s) error = %v", name, err)
	}
}

func TestDispatch_UnknownTool(t *testing.T) {
	d := dispatch.New(registry.New())
	_, err := d.Dispatch(context.Background(), "nope", nil)
	if !errors.Is(err, protocol.ErrToolNotFound) {
		t.Fatalf("Dispatch() error = %v, want ToolNotFound", err)
	}
}

func TestDispatch_InvalidArgumentsSkipHandler(t *testing.T) {
	reg := registry.New()
	var calls atomic.Int32
	register(t, reg, "history", false, func(context.Context, map[string]any) (*protocol.CallToolResult, error) {
		calls.Add(1)
		return protocol.TextResult("ok"), nil
	})
	d := dispatch.New(reg)

	for _, args := range []map[string]any{
		{"limit": float64(0)},
		{"limit": float64(101)},
		{"limit": "ten"},
		{"unknown": true},
	} {
		_, err := d.Dispatch(context.Background(), "history", args)
		if !errors.Is(err, protocol.ErrInvalidArguments) {
			t.Errorf("Dispatch(%v) error = %v, want InvalidArguments", args, err)
		}
		var pe *protocol.Error
		if errors.As(err, &pe) && pe.Constraint == "" {
			t.Errorf("Dispatch(%v) did not name the violated constraint", args)
		}
	}
	if calls.Load() != 0 {
		t.Fatalf("handler invoked %d times, want 0", calls.Load())
	}

	if _, err := d.Dispatch(context.Background(), "history", map[string]any{"limit": float64(5)}); err != nil {
		t.Fatalf("Dispatch(valid) error = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("handler invoked %d times, want 1", calls.Load())
	}
}

func TestDispatch_HandlerErrorWrapped(t *testing.T) {
	reg := registry.New()
	cause := errors.New("disk full")
	register(t, reg, "save", true, func(context.Context, map[string]any) (*protocol.CallToolResult, error) {
		return nil, cause
	})
	register(t, reg, "pick", false, func(context.Context, map[string]any) (*protocol.CallToolResult, error) {
		return nil, protocol.InvalidArguments("pick", "unknown profile")
	})
	d := dispatch.New(reg)

	_, err := d.Dispatch(context.Background(), "save", nil)
	if !errors.Is(err, protocol.ErrToolExecutionFailed) {
		t.Fatalf("Dispatch(save) error = %v, want ToolExecutionFailed", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("Dispatch(save) lost the cause: %v", err)
	}

	_, err = d.Dispatch(context.Background(), "pick", nil)
	if !errors.Is(err, protocol.ErrInvalidArguments) {
		t.Errorf("Dispatch(pick) error = %v, want InvalidArguments", err)
	}
}

// concurrency records the peak number of handlers running at once.
type concurrency struct {
	mu       sync.Mutex
	cur, max int
}

func (c *concurrency) handler(hold time.Duration) registry.Handler {
	return func(context.Context, map[string]any) (*protocol.CallToolResult, error) {
		c.mu.Lock()
		c.cur++
		if c.cur > c.max {
			c.max = c.cur
		}
		c.mu.Unlock()
		time.Sleep(hold)
		c.mu.Lock()
		c.cur--
		c.mu.Unlock()
		return protocol.TextResult("done"), nil
	}
}

func runParallel(t *testing.T, d *dispatch.Dispatcher, name string, n int) {
	t.Helper()
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Dispatch(context.Background(), name, nil); err != nil {
				t.Errorf("Dispatch(%s) error = %v", name, err)
			}
		}()
	}
	wg.Wait()
}

func TestDispatch_MutatingToolsSerialized(t *testing.T) {
	reg := registry.New()
	var writes, reads concurrency
	register(t, reg, "update_glossary", true, writes.handler(20*time.Millisecond))
	register(t, reg, "get_config", false, reads.handler(50*time.Millisecond))
	d := dispatch.New(reg)

	runParallel(t, d, "update_glossary", 5)
	if writes.max != 1 {
		t.Errorf("mutating tool peak concurrency = %d, want 1", writes.max)
	}

	runParallel(t, d, "get_config", 5)
	if reads.max < 2 {
		t.Errorf("read-only tool peak concurrency = %d, want > 1", reads.max)
	}
}

func TestDispatch_MutatingWaitHonoursContext(t *testing.T) {
	reg := registry.New()
	started := make(chan struct{})
	release := make(chan struct{})
	register(t, reg, "switch", true, func(context.Context, map[string]any) (*protocol.CallToolResult, error) {
		close(started)
		<-release
		return protocol.TextResult("ok"), nil
	})
	d := dispatch.New(reg)

	go func() { _, _ = d.Dispatch(context.Background(), "switch", nil) }()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := d.Dispatch(ctx, "switch", nil)
	close(release)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Dispatch() error = %v, want deadline exceeded", err)
	}
}

func TestList(t *testing.T) {
	reg := registry.New()
	register(t, reg, "b", false, func(context.Context, map[string]any) (*protocol.CallToolResult, error) { return nil, nil })
	register(t, reg, "a", false, func(context.Context, map[string]any) (*protocol.CallToolResult, error) { return nil, nil })
	_ = reg.ReplaceNamespace("fs", []models.ToolDescriptor{{Name: "remote"}})

	got := dispatch.New(reg).List()
	if len(got) != 2 || got[0].Name != "a" || got[1].Name != "b" {
		t.Fatalf("List() = %+v, want [a b]", got)
	}
}
