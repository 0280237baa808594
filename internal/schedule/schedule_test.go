package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestAddRejectsDuplicateName(t *testing.T) {
	s := New(nil)
	entry := Entry{Name: "nightly", CronExpr: "*/1 * * * * *", Enabled: false}
	if err := s.Add(entry, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Add(entry, func(ctx context.Context) error { return nil }); err == nil {
		t.Fatalf("expected duplicate registration to be rejected")
	}
}

func TestAddRejectsInvalidCronExpression(t *testing.T) {
	s := New(nil)
	entry := Entry{Name: "bad", CronExpr: "not a cron expression", Enabled: true}
	if err := s.Add(entry, func(ctx context.Context) error { return nil }); err == nil {
		t.Fatalf("expected invalid cron expression to be rejected")
	}
}

func TestDisabledEntryNeverFires(t *testing.T) {
	s := New(nil)
	var fired int32
	entry := Entry{Name: "disabled", CronExpr: "* * * * * *", Enabled: false}
	if err := s.Add(entry, func(ctx context.Context) error {
		atomic.AddInt32(&fired, 1)
		return nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.Start()
	defer s.Stop(context.Background())
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatalf("expected disabled entry to never fire")
	}
}

func TestEnabledEntryFiresOnSchedule(t *testing.T) {
	s := New(nil)
	var fired int32
	entry := Entry{Name: "every_second", CronExpr: "* * * * * *", Enabled: true}
	if err := s.Add(entry, func(ctx context.Context) error {
		atomic.AddInt32(&fired, 1)
		return nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(stopCtx)
	}()
	time.Sleep(1500 * time.Millisecond)
	if atomic.LoadInt32(&fired) == 0 {
		t.Fatalf("expected enabled entry to fire at least once")
	}
}

func TestEntriesListsBothEnabledAndDisabled(t *testing.T) {
	s := New(nil)
	_ = s.Add(Entry{Name: "a", CronExpr: "* * * * * *", Enabled: true}, func(ctx context.Context) error { return nil })
	_ = s.Add(Entry{Name: "b", CronExpr: "* * * * * *", Enabled: false}, func(ctx context.Context) error { return nil })
	entries := s.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}
