package annotation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JaimeStill/aperture/internal/annotation"
)

func TestFakeSequentialIDs(t *testing.T) {
	f := annotation.NewFake()
	ctx := context.Background()

	first, _ := f.CreateTask(ctx, "unlabeled/a")
	f.SetNextID("T42")
	explicit, _ := f.CreateTask(ctx, "unlabeled/b")
	second, _ := f.CreateTask(ctx, "unlabeled/c")

	if first != "T1" || explicit != "T42" || second != "T2" {
		t.Errorf("ids = %s, %s, %s; want T1, T42, T2", first, explicit, second)
	}
	if p, ok := f.ImagePath("T42"); !ok || p != "unlabeled/b" {
		t.Errorf("ImagePath(T42) = %q, %v", p, ok)
	}
	if got := f.Calls(annotation.OpCreate); got != 3 {
		t.Errorf("create calls = %d, want 3", got)
	}
}

func TestFakeCompletion(t *testing.T) {
	f := annotation.NewFake()
	ctx := context.Background()

	id, _ := f.CreateTask(ctx, "unlabeled/a")

	if _, err := f.FetchExport(ctx, id); !errors.Is(err, annotation.ErrRejected) {
		t.Errorf("FetchExport before completion error = %v, want ErrRejected", err)
	}

	first := f.Complete(id, []byte(`{"id":1}`))
	second := f.Complete("T99", []byte(`{"id":99}`))
	if !second.After(first) {
		t.Errorf("completion times not increasing: %v then %v", first, second)
	}

	all, err := f.ListCompletedSince(ctx, time.Time{})
	if err != nil {
		t.Fatalf("ListCompletedSince: %v", err)
	}
	if len(all) != 2 || all[0].TaskID != id || all[1].TaskID != "T99" {
		t.Errorf("completed = %+v", all)
	}

	after, _ := f.ListCompletedSince(ctx, first)
	if len(after) != 1 || after[0].TaskID != "T99" {
		t.Errorf("completed after first = %+v", after)
	}

	export, err := f.FetchExport(ctx, id)
	if err != nil || string(export) != `{"id":1}` {
		t.Errorf("FetchExport = %s, %v", export, err)
	}
}

func TestFakeInjection(t *testing.T) {
	f := annotation.NewFake()
	ctx := context.Background()

	f.SetError(annotation.OpCreate, annotation.ErrUnreachable)
	if _, err := f.CreateTask(ctx, "unlabeled/a"); !errors.Is(err, annotation.ErrUnreachable) {
		t.Errorf("CreateTask error = %v, want ErrUnreachable", err)
	}
	if len(f.Tasks()) != 0 {
		t.Error("failed create registered a task")
	}

	f.SetError(annotation.OpCreate, nil)
	if _, err := f.CreateTask(ctx, "unlabeled/a"); err != nil {
		t.Errorf("CreateTask after clear: %v", err)
	}

	f.SetDelay(annotation.OpFetch, time.Second)
	timeout, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := f.FetchExport(timeout, "T1"); !errors.Is(err, annotation.ErrUnreachable) {
		t.Errorf("delayed FetchExport error = %v, want ErrUnreachable", err)
	}
	if !errors.Is(timeout.Err(), context.DeadlineExceeded) {
		t.Error("context should have expired")
	}
}
