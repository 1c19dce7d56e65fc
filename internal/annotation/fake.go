package annotation

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"
)

// Op names a Fake operation for error and delay injection.
type Op string

const (
	OpCreate Op = "create"
	OpList   Op = "list"
	OpFetch  Op = "fetch"
	OpHealth Op = "health"
)

type fakeTask struct {
	imagePath   string
	export      []byte
	completed   bool
	completedAt time.Time
}

// Fake is an in-memory Client for tests and local runs. Task ids are
// assigned sequentially as T1, T2, ... unless SetNextID overrides the next one.
type Fake struct {
	mu       sync.Mutex
	seq      int
	nextID   string
	tasks    map[string]*fakeTask
	errs     map[Op]error
	delays   map[Op]time.Duration
	calls    map[Op]int
	lastDone time.Time
}

// NewFake creates an empty Fake.
func NewFake() *Fake {
	return &Fake{
		tasks:  make(map[string]*fakeTask),
		errs:   make(map[Op]error),
		delays: make(map[Op]time.Duration),
		calls:  make(map[Op]int),
	}
}

// SetError makes every later call to op fail with err. A nil err clears it.
func (f *Fake) SetError(op Op, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, op)
		return
	}
	f.errs[op] = err
}

// SetDelay makes every later call to op wait d or until its context ends.
func (f *Fake) SetDelay(op Op, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays[op] = d
}

// SetNextID fixes the id of the next created task.
func (f *Fake) SetNextID(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID = id
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// ImagePath returns the path a task was created for.
func (f *Fake) ImagePath(taskID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return "", false
	}
	return t.imagePath, true
}

// Tasks returns every task id in sorted order.
func (f *Fake) Tasks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Sorted(maps.Keys(f.tasks))
}

// Complete marks taskID annotated with export and returns the completion
// time, which strictly increases across calls. Unknown ids are registered
// so tasks created outside the receiver can be simulated.
func (f *Fake) Complete(taskID string, export []byte) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now().UTC()
	if !now.After(f.lastDone) {
		now = f.lastDone.Add(time.Microsecond)
	}
	f.lastDone = now

	t, ok := f.tasks[taskID]
	if !ok {
		t = &fakeTask{}
		f.tasks[taskID] = t
	}
	t.export = export
	t.completed = true
	t.completedAt = now
	return now
}

func (f *Fake) CreateTask(ctx context.Context, imagePath string) (string, error) {
	if err := f.enter(ctx, OpCreate); err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID = ""
	if id == "" {
		f.seq++
		id = "T" + strconv.Itoa(f.seq)
	}
	f.tasks[id] = &fakeTask{imagePath: imagePath}
	return id, nil
}

func (f *Fake) ListCompletedSince(ctx context.Context, cursor time.Time) ([]CompletedTask, error) {
	if err := f.enter(ctx, OpList); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var out []CompletedTask
	for id, t := range f.tasks {
		if t.completed && t.completedAt.After(cursor) {
			out = append(out, CompletedTask{TaskID: id, CompletedAt: t.completedAt})
		}
	}
	slices.SortFunc(out, func(a, b CompletedTask) int {
		return a.CompletedAt.Compare(b.CompletedAt)
	})
	return out, nil
}

func (f *Fake) FetchExport(ctx context.Context, taskID string) ([]byte, error) {
	if err := f.enter(ctx, OpFetch); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: task %s not found", ErrRejected, taskID)
	}
	if !t.completed {
		return nil, fmt.Errorf("%w: task %s has no annotations", ErrRejected, taskID)
	}
	return slices.Clone(t.export), nil
}

func (f *Fake) Health(ctx context.Context) error {
	return f.enter(ctx, OpHealth)
}

// enter counts the call, applies any injected delay, then any injected error.
func (f *Fake) enter(ctx context.Context, op Op) error {
	f.mu.Lock()
	f.calls[op]++
	delay := f.delays[op]
	err := f.errs[op]
	f.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrUnreachable, ctx.Err())
		case <-timer.C:
		}
	}

	return err
}
