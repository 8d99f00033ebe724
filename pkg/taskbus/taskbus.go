package taskbus

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"

	"github.com/destinylab/destiny/pkg/log"
	"github.com/destinylab/destiny/pkg/metrics"
)

var (
	bucketTasks      = []byte("tasks")
	bucketTaskKeys   = []byte("task_keys")
	bucketDeadLetter = []byte("dead_letter")
)

// ErrBusClosed is returned by Enqueue after Stop.
var ErrBusClosed = errors.New("task bus is closed")

// Task is one unit of asynchronous work.
type Task struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Key         string          `json:"key,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Attempts    int             `json:"attempts"`
	NotBefore   time.Time       `json:"not_before"`
	LeasedUntil time.Time       `json:"leased_until"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	LastError   string          `json:"last_error,omitempty"`
}

// Handler processes one task. A nil return completes the task; an error
// schedules a retry until the attempt budget is spent.
type Handler func(ctx context.Context, task *Task) error

// Options tune the bus. Zero values fall back to defaults.
type Options struct {
	Slots        int
	PollInterval time.Duration
	Lease        time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Slots <= 0 {
		out.Slots = 4
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 500 * time.Millisecond
	}
	if out.Lease <= 0 {
		out.Lease = 30 * time.Second
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 5
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = 5 * time.Second
	}
	if out.BackoffCap <= 0 {
		out.BackoffCap = 5 * time.Minute
	}
	return out
}

// Bus is a durable single-process task queue over bbolt. Tasks survive
// restarts; a crashed worker's lease expires and the task is claimed again.
type Bus struct {
	db   *bbolt.DB
	opts Options

	mu       sync.RWMutex
	handlers map[string]Handler

	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// Open opens (or creates) the bus database at path.
func Open(path string, opts Options) (*Bus, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open task database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketTasks, bucketTaskKeys, bucketDeadLetter} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Bus{
		db:       db,
		opts:     opts.withDefaults(),
		handlers: make(map[string]Handler),
		stopCh:   make(chan struct{}),
	}, nil
}

// Register installs the handler for a task kind. Tasks of an unregistered
// kind stay queued until a handler appears.
func (b *Bus) Register(kind string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = h
}

// Start launches the worker slots.
func (b *Bus) Start() {
	logger := log.WithComponent("taskbus")
	logger.Info().Int("slots", b.opts.Slots).Msg("Starting task bus")
	for i := 0; i < b.opts.Slots; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}
}

// Stop drains the workers and closes the database.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	close(b.stopCh)
	b.wg.Wait()
	b.db.Close()
}

// Enqueue appends a task. When key is non-empty and a pending task with the
// same kind and key exists, the new task is dropped and the existing ID is
// returned. A task already leased to a worker may have read its input before
// this enqueue, so it is never collapsed onto; a fresh task is queued behind
// it instead. Completed work is not deduplicated.
func (b *Bus) Enqueue(ctx context.Context, kind, key string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.RLock()
	stopped := b.stopped
	b.mu.RUnlock()
	if stopped {
		return "", ErrBusClosed
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("failed to marshal task payload: %w", err)
		}
		raw = data
	}

	var id string
	err := b.db.Update(func(tx *bbolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		keys := tx.Bucket(bucketTaskKeys)

		if key != "" {
			if existing := keys.Get(dedupeKey(kind, key)); existing != nil {
				if prior, err := hex.DecodeString(string(existing)); err == nil {
					if v := tasks.Get(prior); v != nil {
						var queued Task
						if json.Unmarshal(v, &queued) == nil && !queued.LeasedUntil.After(time.Now()) {
							id = queued.ID
							return nil
						}
					}
				}
			}
		}

		seq, err := tasks.NextSequence()
		if err != nil {
			return err
		}
		seqBytes := make([]byte, 8)
		binary.BigEndian.PutUint64(seqBytes, seq)
		id = hex.EncodeToString(seqBytes)

		task := Task{
			ID:         id,
			Kind:       kind,
			Key:        key,
			Payload:    raw,
			NotBefore:  time.Now(),
			EnqueuedAt: time.Now(),
		}
		data, err := json.Marshal(&task)
		if err != nil {
			return err
		}
		if err := tasks.Put(seqBytes, data); err != nil {
			return err
		}
		if key != "" {
			if err := keys.Put(dedupeKey(kind, key), []byte(id)); err != nil {
				return err
			}
		}
		metrics.TasksEnqueued.WithLabelValues(kind).Inc()
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func dedupeKey(kind, key string) []byte {
	return []byte(kind + "\x00" + key)
}

func (b *Bus) worker(slot int) {
	defer b.wg.Done()
	logger := log.WithComponent("taskbus")

	ticker := time.NewTicker(b.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			for {
				task, seqBytes := b.claim()
				if task == nil {
					break
				}
				b.execute(task, seqBytes, logger)
				select {
				case <-b.stopCh:
					return
				default:
				}
			}
		}
	}
}

// claim leases the oldest runnable task. The single-writer Update transaction
// makes the scan-and-lease atomic across slots.
func (b *Bus) claim() (*Task, []byte) {
	var claimed *Task
	var claimedKey []byte

	now := time.Now()
	err := b.db.Update(func(tx *bbolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		c := tasks.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var task Task
			if err := json.Unmarshal(v, &task); err != nil {
				continue
			}
			if task.NotBefore.After(now) || task.LeasedUntil.After(now) {
				continue
			}
			b.mu.RLock()
			_, ok := b.handlers[task.Kind]
			b.mu.RUnlock()
			if !ok {
				continue
			}

			task.Attempts++
			task.LeasedUntil = now.Add(b.opts.Lease)
			data, err := json.Marshal(&task)
			if err != nil {
				return err
			}
			if err := tasks.Put(k, data); err != nil {
				return err
			}
			claimed = &task
			claimedKey = append([]byte(nil), k...)
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, nil
	}
	return claimed, claimedKey
}

func (b *Bus) execute(task *Task, seqBytes []byte, logger zerolog.Logger) {
	b.mu.RLock()
	handler := b.handlers[task.Kind]
	b.mu.RUnlock()
	if handler == nil {
		return
	}

	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Renew the lease while the handler runs so a slow task is not claimed
	// twice.
	renewDone := make(chan struct{})
	go b.renewLease(ctx, seqBytes, renewDone)

	timer := metrics.NewTimer()
	err := handler(ctx, task)
	timer.ObserveDuration(metrics.TaskDuration.WithLabelValues(task.Kind))

	cancel()
	<-renewDone

	if err == nil {
		if cerr := b.complete(seqBytes, task); cerr != nil {
			logger.Error().Str("task_id", task.ID).Err(cerr).Msg("Failed to complete task")
		}
		return
	}

	metrics.TasksFailed.WithLabelValues(task.Kind).Inc()
	logger.Warn().
		Str("task_id", task.ID).
		Str("kind", task.Kind).
		Int("attempts", task.Attempts).
		Err(err).
		Msg("Task attempt failed")

	if task.Attempts >= b.opts.MaxAttempts {
		if derr := b.deadLetter(seqBytes, task, err); derr != nil {
			logger.Error().Str("task_id", task.ID).Err(derr).Msg("Failed to dead-letter task")
		}
		return
	}
	if rerr := b.scheduleRetry(seqBytes, task, err); rerr != nil {
		logger.Error().Str("task_id", task.ID).Err(rerr).Msg("Failed to schedule task retry")
	}
}

func (b *Bus) renewLease(ctx context.Context, seqBytes []byte, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(b.opts.Lease / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = b.db.Update(func(tx *bbolt.Tx) error {
				tasks := tx.Bucket(bucketTasks)
				v := tasks.Get(seqBytes)
				if v == nil {
					return nil
				}
				var task Task
				if err := json.Unmarshal(v, &task); err != nil {
					return err
				}
				task.LeasedUntil = time.Now().Add(b.opts.Lease)
				data, err := json.Marshal(&task)
				if err != nil {
					return err
				}
				return tasks.Put(seqBytes, data)
			})
		}
	}
}

func (b *Bus) complete(seqBytes []byte, task *Task) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketTasks).Delete(seqBytes); err != nil {
			return err
		}
		return clearDedupeKey(tx, task)
	})
}

// clearDedupeKey removes the key mapping unless a later enqueue already
// repointed it at a newer task.
func clearDedupeKey(tx *bbolt.Tx, task *Task) error {
	if task.Key == "" {
		return nil
	}
	keys := tx.Bucket(bucketTaskKeys)
	if v := keys.Get(dedupeKey(task.Kind, task.Key)); v != nil && string(v) == task.ID {
		return keys.Delete(dedupeKey(task.Kind, task.Key))
	}
	return nil
}

func (b *Bus) scheduleRetry(seqBytes []byte, task *Task, cause error) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		task.LeasedUntil = time.Time{}
		task.NotBefore = time.Now().Add(b.backoff(task.Attempts))
		task.LastError = cause.Error()
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTasks).Put(seqBytes, data)
	})
}

func (b *Bus) deadLetter(seqBytes []byte, task *Task, cause error) error {
	metrics.TasksDeadLettered.Inc()
	return b.db.Update(func(tx *bbolt.Tx) error {
		task.LastError = cause.Error()
		task.LeasedUntil = time.Time{}
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketDeadLetter).Put(seqBytes, data); err != nil {
			return err
		}
		if err := tx.Bucket(bucketTasks).Delete(seqBytes); err != nil {
			return err
		}
		return clearDedupeKey(tx, task)
	})
}

// backoff doubles per attempt from the base, capped.
func (b *Bus) backoff(attempts int) time.Duration {
	d := b.opts.BackoffBase
	for i := 1; i < attempts && d < b.opts.BackoffCap; i++ {
		d *= 2
	}
	if d > b.opts.BackoffCap {
		d = b.opts.BackoffCap
	}
	return d
}

// Pending returns queued tasks in FIFO order, leased or not.
func (b *Bus) Pending() ([]Task, error) {
	return b.list(bucketTasks)
}

// DeadLetters returns tasks that exhausted their attempt budget.
func (b *Bus) DeadLetters() ([]Task, error) {
	return b.list(bucketDeadLetter)
}

func (b *Bus) list(bucket []byte) ([]Task, error) {
	var out []Task
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			var task Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			out = append(out, task)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RetryDeadLetter moves a dead-lettered task back onto the queue with a
// fresh attempt budget.
func (b *Bus) RetryDeadLetter(id string) error {
	seqBytes, err := hex.DecodeString(id)
	if err != nil {
		return fmt.Errorf("invalid task id %q", id)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		dead := tx.Bucket(bucketDeadLetter)
		v := dead.Get(seqBytes)
		if v == nil {
			return fmt.Errorf("no dead-lettered task %s", id)
		}
		var task Task
		if err := json.Unmarshal(v, &task); err != nil {
			return err
		}
		task.Attempts = 0
		task.NotBefore = time.Now()
		task.LastError = ""
		data, err := json.Marshal(&task)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketTasks).Put(seqBytes, data); err != nil {
			return err
		}
		if task.Key != "" {
			if err := tx.Bucket(bucketTaskKeys).Put(dedupeKey(task.Kind, task.Key), []byte(task.ID)); err != nil {
				return err
			}
		}
		return dead.Delete(seqBytes)
	})
}
