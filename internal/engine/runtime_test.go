package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/starford/notegraph/internal/apperr"
	"github.com/starford/notegraph/internal/models"
	"github.com/starford/notegraph/internal/testutil"
	"github.com/starford/notegraph/internal/toolexec"
)

func newRuntime(t *testing.T, opts Options) *Runtime {
	t.Helper()
	rt, err := NewRuntime(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Close(ctx)
	})
	return rt
}

func TestLimitChangeAppliedInPlace(t *testing.T) {
	rt := newRuntime(t, testOptions(t))
	before := rt.Engine()

	if err := rt.ApplySettings(context.Background(), Settings{ConcurrencyLimit: 5}); err != nil {
		t.Fatal(err)
	}
	if rt.Engine() != before {
		t.Error("limit-only change rebuilt the engine")
	}
	if got := rt.Settings(); got.ConcurrencyLimit != 5 || got.Persistent {
		t.Errorf("settings = %+v", got)
	}
}

func TestInvalidSettingsRejected(t *testing.T) {
	rt := newRuntime(t, testOptions(t))
	if err := rt.ApplySettings(context.Background(), Settings{ConcurrencyLimit: 0}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("err = %v, want validation", err)
	}
	if rt.Settings().ConcurrencyLimit != 2 {
		t.Errorf("limit changed by rejected settings: %d", rt.Settings().ConcurrencyLimit)
	}
}

func TestPersistToggleRebuildsAndReattaches(t *testing.T) {
	rt := newRuntime(t, testOptions(t))
	ctx := context.Background()
	before := rt.Engine()

	var calls atomic.Int64
	unsub := rt.Subscribe(func() { calls.Add(1) })
	defer unsub()

	_ = rt.RegisterToolDefinition("custom", toolexec.Function{Fn: func(context.Context, any) (any, error) {
		return "still here", nil
	}})

	if err := rt.ApplySettings(ctx, Settings{ConcurrencyLimit: 2, Persistent: true}); err != nil {
		t.Fatal(err)
	}
	eng := rt.Engine()
	if eng == before {
		t.Fatal("persist toggle did not rebuild the engine")
	}
	if !eng.Persistent() {
		t.Error("new engine is not persistent")
	}
	afterRebuild := calls.Load()
	if afterRebuild == 0 {
		t.Error("listeners not told about the rebuild")
	}

	if _, err := eng.GetNote(ctx, FileToolID); err != nil {
		t.Errorf("built-in not re-bound: %v", err)
	}

	_, _ = eng.AddNote(ctx, &models.Note{ID: "custom", Type: models.TypeTool})
	out, err := eng.ExecuteTool(ctx, "custom", nil)
	if err != nil || out != "still here" {
		t.Errorf("custom registration lost: %v, %v", out, err)
	}
	if calls.Load() <= afterRebuild {
		t.Error("listener not re-attached to the new engine")
	}
}

func TestPersistToggleDoesNotWaitForRunningTasks(t *testing.T) {
	rt := newRuntime(t, testOptions(t))
	ctx := context.Background()
	old := rt.Engine()

	release := make(chan struct{})
	var started atomic.Bool
	_ = rt.RegisterToolDefinition("hang", toolexec.Function{Fn: func(context.Context, any) (any, error) {
		started.Store(true)
		<-release
		return "late", nil
	}})
	_, _ = old.AddNote(ctx, &models.Note{ID: "hang", Type: models.TypeTool})
	_, _ = old.AddNote(ctx, &models.Note{ID: "slow", Type: models.TypeTask, ToolID: "hang"})
	testutil.Eventually(t, 3*time.Second, 10*time.Millisecond, started.Load, "task should be running")

	applied := make(chan error, 1)
	go func() { applied <- rt.ApplySettings(ctx, Settings{ConcurrencyLimit: 2, Persistent: true}) }()
	select {
	case err := <-applied:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("settings change blocked on a running task")
	}

	// The new engine serves requests while the old one drains.
	if _, err := rt.Engine().GetAllNotes(ctx); err != nil {
		t.Errorf("GetAllNotes on new engine: %v", err)
	}
	if old.sched.Running() != 1 {
		t.Errorf("old engine running = %d, want the task still in flight", old.sched.Running())
	}
	close(release)

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rt.Close(closeCtx); err != nil {
		t.Errorf("Close: %v", err)
	}
	if old.sched.Running() != 0 {
		t.Error("Close returned before the retired engine drained")
	}
}
