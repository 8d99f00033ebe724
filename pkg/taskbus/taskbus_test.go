package taskbus

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T, opts Options) *Bus {
	t.Helper()
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	if opts.BackoffBase == 0 {
		opts.BackoffBase = 20 * time.Millisecond
	}
	bus, err := Open(filepath.Join(t.TempDir(), "tasks.db"), opts)
	require.NoError(t, err)
	t.Cleanup(bus.Stop)
	return bus
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestEnqueueAndRun(t *testing.T) {
	bus := newTestBus(t, Options{Slots: 2})

	var ran atomic.Int32
	bus.Register("noop", func(ctx context.Context, task *Task) error {
		ran.Add(1)
		return nil
	})
	bus.Start()

	for i := 0; i < 5; i++ {
		_, err := bus.Enqueue(context.Background(), "noop", "", nil)
		require.NoError(t, err)
	}

	waitFor(t, 2*time.Second, func() bool { return ran.Load() == 5 })
	waitFor(t, 2*time.Second, func() bool {
		pending, err := bus.Pending()
		return err == nil && len(pending) == 0
	})
}

func TestPayloadRoundTrip(t *testing.T) {
	bus := newTestBus(t, Options{Slots: 1})

	type rebuild struct {
		CanonicalID string `json:"canonical_id"`
	}
	got := make(chan string, 1)
	bus.Register("rebuild_projection", func(ctx context.Context, task *Task) error {
		var p rebuild
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return err
		}
		got <- p.CanonicalID
		return nil
	})
	bus.Start()

	_, err := bus.Enqueue(context.Background(), "rebuild_projection", "", rebuild{CanonicalID: "ref-1"})
	require.NoError(t, err)

	select {
	case id := <-got:
		assert.Equal(t, "ref-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
}

func TestDedupeKeyCollapsesQueuedWork(t *testing.T) {
	bus := newTestBus(t, Options{Slots: 1})
	// No handler registered yet, so tasks stay queued.

	id1, err := bus.Enqueue(context.Background(), "rebuild_projection", "ref-1", nil)
	require.NoError(t, err)
	id2, err := bus.Enqueue(context.Background(), "rebuild_projection", "ref-1", nil)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	id3, err := bus.Enqueue(context.Background(), "rebuild_projection", "ref-2", nil)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)

	pending, err := bus.Pending()
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestEnqueueDuringLeaseQueuesFreshRun(t *testing.T) {
	bus := newTestBus(t, Options{Slots: 1, Lease: time.Second})

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var runs atomic.Int32
	bus.Register("rebuild_projection", func(ctx context.Context, task *Task) error {
		started <- struct{}{}
		if runs.Add(1) == 1 {
			<-release
		}
		return nil
	})
	bus.Start()

	id1, err := bus.Enqueue(context.Background(), "rebuild_projection", "ref-1", nil)
	require.NoError(t, err)

	// The first run holds the lease and may have read its input already, so
	// an enqueue under the same key must schedule a second run.
	<-started
	id2, err := bus.Enqueue(context.Background(), "rebuild_projection", "ref-1", nil)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	close(release)
	waitFor(t, 5*time.Second, func() bool { return runs.Load() == 2 })
	waitFor(t, 2*time.Second, func() bool {
		pending, err := bus.Pending()
		return err == nil && len(pending) == 0
	})
}

func TestRetryThenSucceed(t *testing.T) {
	bus := newTestBus(t, Options{Slots: 1, MaxAttempts: 5})

	var attempts atomic.Int32
	bus.Register("flaky", func(ctx context.Context, task *Task) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	bus.Start()

	_, err := bus.Enqueue(context.Background(), "flaky", "", nil)
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool { return attempts.Load() >= 3 })
	waitFor(t, 2*time.Second, func() bool {
		pending, err := bus.Pending()
		return err == nil && len(pending) == 0
	})

	dead, err := bus.DeadLetters()
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestExhaustedTaskIsDeadLettered(t *testing.T) {
	bus := newTestBus(t, Options{Slots: 1, MaxAttempts: 2})

	bus.Register("doomed", func(ctx context.Context, task *Task) error {
		return errors.New("always fails")
	})
	bus.Start()

	id, err := bus.Enqueue(context.Background(), "doomed", "", nil)
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		dead, err := bus.DeadLetters()
		return err == nil && len(dead) == 1
	})

	dead, err := bus.DeadLetters()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)
	assert.Equal(t, 2, dead[0].Attempts)
	assert.Contains(t, dead[0].LastError, "always fails")

	pending, err := bus.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRetryDeadLetter(t *testing.T) {
	bus := newTestBus(t, Options{Slots: 1, MaxAttempts: 1})

	var fail atomic.Bool
	fail.Store(true)
	var succeeded atomic.Int32
	bus.Register("recoverable", func(ctx context.Context, task *Task) error {
		if fail.Load() {
			return errors.New("broken dependency")
		}
		succeeded.Add(1)
		return nil
	})
	bus.Start()

	id, err := bus.Enqueue(context.Background(), "recoverable", "", nil)
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		dead, err := bus.DeadLetters()
		return err == nil && len(dead) == 1
	})

	fail.Store(false)
	require.NoError(t, bus.RetryDeadLetter(id))

	waitFor(t, 5*time.Second, func() bool { return succeeded.Load() == 1 })
}

func TestTasksSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")

	bus, err := Open(path, Options{})
	require.NoError(t, err)
	_, err = bus.Enqueue(context.Background(), "later", "", nil)
	require.NoError(t, err)
	bus.Stop()

	bus, err = Open(path, Options{Slots: 1, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	defer bus.Stop()

	var mu sync.Mutex
	ran := false
	bus.Register("later", func(ctx context.Context, task *Task) error {
		mu.Lock()
		ran = true
		mu.Unlock()
		return nil
	})
	bus.Start()

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ran
	})
}

func TestEnqueueAfterStop(t *testing.T) {
	bus, err := Open(filepath.Join(t.TempDir(), "tasks.db"), Options{})
	require.NoError(t, err)
	bus.Stop()

	_, err = bus.Enqueue(context.Background(), "noop", "", nil)
	assert.ErrorIs(t, err, ErrBusClosed)
}
