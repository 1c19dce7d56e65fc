package reconcile_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/JaimeStill/aperture/internal/annotation"
	"github.com/JaimeStill/aperture/internal/content"
	"github.com/JaimeStill/aperture/internal/images"
	"github.com/JaimeStill/aperture/internal/ingest"
	"github.com/JaimeStill/aperture/internal/reconcile"
	"github.com/JaimeStill/aperture/internal/testutil"
	"github.com/JaimeStill/aperture/pkg/lifecycle"
	"github.com/JaimeStill/aperture/pkg/pagination"
)

const export = `{"id":42,"annotations":[{"result":[{"value":{"brushlabels":["bridge"]}}]}]}`

// countingImages counts status updates that reach the repository.
type countingImages struct {
	images.System
	updates atomic.Int32
}

func (c *countingImages) UpdateStatus(ctx context.Context, id uuid.UUID, t images.Transition) (*images.Image, error) {
	c.updates.Add(1)
	return c.System.UpdateStatus(ctx, id, t)
}

type memoryArchive struct {
	mu    sync.Mutex
	blobs map[string]string
	err   error
}

func (a *memoryArchive) Upload(_ context.Context, key string, r io.Reader, _ string) error {
	if a.err != nil {
		return a.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.blobs == nil {
		a.blobs = make(map[string]string)
	}
	a.blobs[key] = string(data)
	return nil
}

func (a *memoryArchive) Exists(_ context.Context, key string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.blobs[key]
	return ok, nil
}

type fixture struct {
	svc    reconcile.Service
	ingest ingest.Service
	images *countingImages
	store  content.Store
	fake   *annotation.Fake
}

func newFixture(t *testing.T, archive reconcile.Archive, cfg *reconcile.Config) *fixture {
	t.Helper()

	if cfg == nil {
		cfg = &reconcile.Config{}
	}
	if err := cfg.Finalize(nil); err != nil {
		t.Fatalf("finalize reconcile config: %v", err)
	}

	ingestCfg := &ingest.Config{ResubmitRate: 1000}
	if err := ingestCfg.Finalize(nil); err != nil {
		t.Fatalf("finalize ingest config: %v", err)
	}

	logger := testutil.Logger()
	store, err := content.New(&content.Config{Root: t.TempDir()}, logger)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	imgs := &countingImages{
		System: images.New(testutil.DB(t), logger, pagination.Config{DefaultPageSize: 50, MaxPageSize: 100}),
	}
	fake := annotation.NewFake()

	return &fixture{
		svc:    reconcile.New(cfg, imgs, store, fake, archive, time.Second, logger),
		ingest: ingest.New(ingestCfg, imgs, store, fake, time.Second, logger),
		images: imgs,
		store:  store,
		fake:   fake,
	}
}

// submit ingests payload and returns the image queued under taskID.
func (f *fixture) submit(t *testing.T, payload, filename, taskID string) *images.Image {
	t.Helper()

	f.fake.SetNextID(taskID)
	result, err := f.ingest.Ingest(context.Background(), strings.NewReader(payload), filename)
	if err != nil {
		t.Fatalf("ingest %s: %v", filename, err)
	}
	if result.TaskID != taskID {
		t.Fatalf("task id = %q, want %q", result.TaskID, taskID)
	}
	return result.Image
}

func (f *fixture) status(t *testing.T, id uuid.UUID) *images.Image {
	t.Helper()
	img, err := f.images.Find(context.Background(), id)
	if err != nil {
		t.Fatalf("find %s: %v", id, err)
	}
	return img
}

func TestPollCycleReconciles(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	img := f.submit(t, "abc", "joint.png", "T42")
	completedAt := f.fake.Complete("T42", []byte(export))

	report, err := f.svc.PollCycle(ctx)
	if err != nil {
		t.Fatalf("PollCycle: %v", err)
	}
	if report.Tasks != 1 || report.Reconciled != 1 || report.Failed != 0 {
		t.Errorf("report = %+v, want 1 task reconciled", report)
	}
	if !report.Cursor.Equal(completedAt) || !f.svc.Cursor().Equal(completedAt) {
		t.Errorf("cursor = %v, want %v", f.svc.Cursor(), completedAt)
	}

	got := f.status(t, img.ID)
	if got.Status != images.Labeled {
		t.Errorf("Status = %q, want labeled", got.Status)
	}
	if got.LabeledAt == nil || got.SentAt == nil || got.LabeledAt.Before(*got.SentAt) {
		t.Errorf("timestamps sent=%v labeled=%v", got.SentAt, got.LabeledAt)
	}

	if ok, _ := f.store.Exists(img.ContentHash, content.Unlabeled); ok {
		t.Error("content still present in unlabeled area")
	}
	rel, err := f.store.Locate(img.ContentHash, content.Labeled)
	if err != nil {
		t.Fatalf("locate labeled: %v", err)
	}
	if want := "labeled/ba/78/" + img.ContentHash + "/joint.png"; rel != want {
		t.Errorf("labeled path = %q, want %q", rel, want)
	}

	data, err := os.ReadFile(f.store.Abs(path.Join(path.Dir(rel), content.AnnotationFile)))
	if err != nil {
		t.Fatalf("read annotation: %v", err)
	}
	if string(data) != export {
		t.Errorf("annotation = %s, want %s", data, export)
	}
}

func TestReconcileOneIdempotent(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	f.submit(t, "abc", "joint.png", "T42")
	f.fake.Complete("T42", []byte(export))

	outcome, err := f.svc.ReconcileOne(ctx, "T42")
	if err != nil || outcome != reconcile.Reconciled {
		t.Fatalf("first ReconcileOne = %q, %v", outcome, err)
	}

	fetches := f.fake.Calls(annotation.OpFetch)
	updates := f.images.updates.Load()

	outcome, err = f.svc.ReconcileOne(ctx, "T42")
	if err != nil {
		t.Fatalf("second ReconcileOne: %v", err)
	}
	if outcome != reconcile.SkippedLabeled {
		t.Errorf("outcome = %q, want skipped_labeled", outcome)
	}
	if got := f.fake.Calls(annotation.OpFetch); got != fetches {
		t.Errorf("fetch calls = %d, want %d", got, fetches)
	}
	if got := f.images.updates.Load(); got != updates {
		t.Errorf("status updates = %d, want %d", got, updates)
	}
}

func TestReconcileOneUnknownTask(t *testing.T) {
	f := newFixture(t, nil, nil)
	completedAt := f.fake.Complete("T999", []byte(export))

	outcome, err := f.svc.ReconcileOne(context.Background(), "T999")
	if err != nil {
		t.Fatalf("ReconcileOne: %v", err)
	}
	if outcome != reconcile.SkippedUnknown {
		t.Errorf("outcome = %q, want skipped_unknown", outcome)
	}

	report, err := f.svc.PollCycle(context.Background())
	if err != nil {
		t.Fatalf("PollCycle: %v", err)
	}
	if report.Skipped != 1 || report.Failed != 0 {
		t.Errorf("report = %+v, want 1 skipped", report)
	}
	if !f.svc.Cursor().Equal(completedAt) {
		t.Errorf("cursor = %v, want %v", f.svc.Cursor(), completedAt)
	}
	if f.fake.Calls(annotation.OpFetch) != 0 {
		t.Error("export fetched for unknown task")
	}
}

func TestReconcileOneRejectsErrorRecord(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	img := f.submit(t, "abc", "joint.png", "T1")
	if _, err := f.images.UpdateStatus(ctx, img.ID, images.Transition{
		Status:       images.Error,
		ErrorMessage: "operator flagged",
	}); err != nil {
		t.Fatalf("mark error: %v", err)
	}
	f.fake.Complete("T1", []byte(export))

	_, err := f.svc.ReconcileOne(ctx, "T1")
	if !errors.Is(err, images.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if got := f.status(t, img.ID); got.Status != images.Error {
		t.Errorf("Status = %q, want error", got.Status)
	}
	if ok, _ := f.store.Exists(img.ContentHash, content.Unlabeled); !ok {
		t.Error("content left the unlabeled area")
	}
}

func TestPollCycleExportFailureKeepsState(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	img := f.submit(t, "abc", "joint.png", "T42")
	f.fake.Complete("T42", []byte(export))
	f.fake.SetError(annotation.OpFetch, annotation.ErrUnreachable)

	report, err := f.svc.PollCycle(ctx)
	if err != nil {
		t.Fatalf("PollCycle: %v", err)
	}
	if report.Failed != 1 || report.Reconciled != 0 {
		t.Errorf("report = %+v, want 1 failed", report)
	}
	if !f.svc.Cursor().IsZero() {
		t.Errorf("cursor advanced to %v after a failed task", f.svc.Cursor())
	}
	if got := f.status(t, img.ID); got.Status != images.SentToAnnotation {
		t.Errorf("Status = %q, want sent_to_annotation", got.Status)
	}
	if ok, _ := f.store.Exists(img.ContentHash, content.Unlabeled); !ok {
		t.Error("content left the unlabeled area")
	}

	f.fake.SetError(annotation.OpFetch, nil)

	report, err = f.svc.PollCycle(ctx)
	if err != nil {
		t.Fatalf("retry PollCycle: %v", err)
	}
	if report.Reconciled != 1 {
		t.Errorf("retry report = %+v, want 1 reconciled", report)
	}
	if got := f.status(t, img.ID); got.Status != images.Labeled {
		t.Errorf("Status = %q, want labeled", got.Status)
	}
}

func TestPollCycleContinuesPastFailure(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	broken := f.submit(t, "first", "a.png", "T1")
	healthy := f.submit(t, "second", "b.png", "T2")

	if err := os.RemoveAll(f.store.Abs(path.Dir(broken.StoragePath))); err != nil {
		t.Fatal(err)
	}

	f.fake.Complete("T1", []byte(export))
	f.fake.Complete("T2", []byte(export))

	report, err := f.svc.PollCycle(ctx)
	if err != nil {
		t.Fatalf("PollCycle: %v", err)
	}
	if report.Tasks != 2 || report.Reconciled != 1 || report.Failed != 1 {
		t.Errorf("report = %+v, want 1 reconciled and 1 failed", report)
	}
	if !f.svc.Cursor().IsZero() {
		t.Errorf("cursor advanced to %v after a failed task", f.svc.Cursor())
	}

	if got := f.status(t, broken.ID); got.Status != images.SentToAnnotation {
		t.Errorf("broken Status = %q, want sent_to_annotation", got.Status)
	}
	if got := f.status(t, healthy.ID); got.Status != images.Labeled {
		t.Errorf("healthy Status = %q, want labeled", got.Status)
	}
}

func TestReconcileResumesAfterMove(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	img := f.submit(t, "abc", "joint.png", "T42")
	f.fake.Complete("T42", []byte(export))

	// The content was moved but the record never reached labeled.
	if _, err := f.store.Move(ctx, img.ContentHash, content.Unlabeled, content.Labeled); err != nil {
		t.Fatalf("move: %v", err)
	}

	outcome, err := f.svc.ReconcileOne(ctx, "T42")
	if err != nil || outcome != reconcile.Reconciled {
		t.Fatalf("ReconcileOne = %q, %v", outcome, err)
	}
	if got := f.status(t, img.ID); got.Status != images.Labeled {
		t.Errorf("Status = %q, want labeled", got.Status)
	}
}

func TestReconcileOneConcurrent(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.submit(t, "abc", "joint.png", "T42")
	f.fake.Complete("T42", []byte(export))
	before := f.images.updates.Load()

	var (
		wg   sync.WaitGroup
		errs atomic.Int32
	)
	for range 8 {
		wg.Go(func() {
			outcome, err := f.svc.ReconcileOne(context.Background(), "T42")
			if err != nil || (outcome != reconcile.Reconciled && outcome != reconcile.SkippedLabeled) {
				errs.Add(1)
			}
		})
	}
	wg.Wait()

	if errs.Load() != 0 {
		t.Errorf("%d calls failed", errs.Load())
	}
	if got := f.images.updates.Load() - before; got != 1 {
		t.Errorf("status updates = %d, want 1", got)
	}
}

func TestPollCycleNoOverlap(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.fake.SetDelay(annotation.OpList, 300*time.Millisecond)

	var (
		wg       sync.WaitGroup
		firstErr error
	)
	wg.Go(func() {
		_, firstErr = f.svc.PollCycle(context.Background())
	})

	deadline := time.Now().Add(2 * time.Second)
	for f.fake.Calls(annotation.OpList) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	_, err := f.svc.PollCycle(context.Background())
	if !errors.Is(err, reconcile.ErrCycleInProgress) {
		t.Errorf("concurrent PollCycle err = %v, want ErrCycleInProgress", err)
	}
	if got := f.fake.Calls(annotation.OpList); got != 1 {
		t.Errorf("list calls = %d, want 1", got)
	}

	wg.Wait()
	if firstErr != nil {
		t.Errorf("first PollCycle: %v", firstErr)
	}
}

func TestPollCycleListFailure(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.fake.SetError(annotation.OpList, annotation.ErrUnreachable)

	_, err := f.svc.PollCycle(context.Background())
	if !errors.Is(err, annotation.ErrUnreachable) {
		t.Fatalf("err = %v, want ErrUnreachable", err)
	}

	f.fake.SetError(annotation.OpList, nil)
	if _, err := f.svc.PollCycle(context.Background()); err != nil {
		t.Errorf("PollCycle after recovery: %v", err)
	}
}

func TestReconcileArchives(t *testing.T) {
	archive := &memoryArchive{}
	f := newFixture(t, archive, nil)

	img := f.submit(t, "abc", "joint.png", "T42")
	f.fake.Complete("T42", []byte(export))

	if _, err := f.svc.ReconcileOne(context.Background(), "T42"); err != nil {
		t.Fatalf("ReconcileOne: %v", err)
	}

	dir := "labeled/ba/78/" + img.ContentHash
	want := map[string]string{
		dir + "/joint.png":       "abc",
		dir + "/annotation.json": export,
	}
	if len(archive.blobs) != len(want) {
		t.Fatalf("archived %d blobs, want %d: %v", len(archive.blobs), len(want), archive.blobs)
	}
	for key, data := range want {
		if archive.blobs[key] != data {
			t.Errorf("blob %s = %q, want %q", key, archive.blobs[key], data)
		}
	}
}

func TestReconcileArchiveFailureKeepsLabeled(t *testing.T) {
	f := newFixture(t, &memoryArchive{err: errors.New("archive offline")}, nil)

	img := f.submit(t, "abc", "joint.png", "T42")
	f.fake.Complete("T42", []byte(export))

	outcome, err := f.svc.ReconcileOne(context.Background(), "T42")
	if err != nil || outcome != reconcile.Reconciled {
		t.Fatalf("ReconcileOne = %q, %v", outcome, err)
	}
	if got := f.status(t, img.ID); got.Status != images.Labeled {
		t.Errorf("Status = %q, want labeled", got.Status)
	}
}

func TestStartSchedulesPollCycle(t *testing.T) {
	f := newFixture(t, nil, &reconcile.Config{Interval: "1s"})
	img := f.submit(t, "abc", "joint.png", "T42")
	f.fake.Complete("T42", []byte(export))

	lc := lifecycle.New()
	if err := f.svc.Start(lc); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := lc.WaitForStartup(); err != nil {
		t.Fatalf("WaitForStartup: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for f.status(t, img.ID).Status != images.Labeled {
		if time.Now().After(deadline) {
			t.Fatal("scheduled poll cycle never labeled the image")
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := lc.Shutdown(2 * time.Second); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestStartDisabled(t *testing.T) {
	disabled := false
	f := newFixture(t, nil, &reconcile.Config{Enabled: &disabled, Interval: "1s"})
	f.submit(t, "abc", "joint.png", "T42")
	f.fake.Complete("T42", []byte(export))

	lc := lifecycle.New()
	if err := f.svc.Start(lc); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(1500 * time.Millisecond)
	if got := f.fake.Calls(annotation.OpList); got != 0 {
		t.Errorf("list calls = %d, want 0", got)
	}
	if err := lc.Shutdown(time.Second); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestConfigFinalize(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := reconcile.Config{}
		if err := cfg.Finalize(nil); err != nil {
			t.Fatalf("Finalize: %v", err)
		}
		if !cfg.IsEnabled() || cfg.IntervalDuration() != time.Minute {
			t.Errorf("cfg = enabled %v interval %v", cfg.IsEnabled(), cfg.IntervalDuration())
		}
	})

	t.Run("env overrides", func(t *testing.T) {
		t.Setenv("TEST_RECONCILE_ENABLED", "false")
		t.Setenv("TEST_RECONCILE_INTERVAL", "30s")

		cfg := reconcile.Config{}
		err := cfg.Finalize(&reconcile.Env{
			Enabled:  "TEST_RECONCILE_ENABLED",
			Interval: "TEST_RECONCILE_INTERVAL",
		})
		if err != nil {
			t.Fatalf("Finalize: %v", err)
		}
		if cfg.IsEnabled() || cfg.IntervalDuration() != 30*time.Second {
			t.Errorf("cfg = enabled %v interval %v", cfg.IsEnabled(), cfg.IntervalDuration())
		}
	})

	tests := []struct {
		name     string
		interval string
		want     string
	}{
		{"unparseable", "soon", "invalid interval"},
		{"too short", "500ms", "at least 1s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := reconcile.Config{Interval: tt.interval}
			err := cfg.Finalize(nil)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}

	t.Run("invalid bool env", func(t *testing.T) {
		t.Setenv("TEST_RECONCILE_ENABLED", "maybe")
		cfg := reconcile.Config{}
		if err := cfg.Finalize(&reconcile.Env{Enabled: "TEST_RECONCILE_ENABLED"}); err == nil {
			t.Error("expected error for invalid bool")
		}
	})
}

func TestConfigMerge(t *testing.T) {
	disabled := false
	base := reconcile.Config{Interval: "1m"}
	base.Merge(&reconcile.Config{Enabled: &disabled})

	if base.IsEnabled() {
		t.Error("Enabled not merged")
	}
	if base.Interval != "1m" {
		t.Errorf("Interval = %q, want 1m (unchanged)", base.Interval)
	}
}
