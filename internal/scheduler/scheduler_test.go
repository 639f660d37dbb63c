package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestConfigWithDefaults(t *testing.T) {
	got := Config{}.withDefaults()
	want := DefaultConfig()
	if got.RunInterval != want.RunInterval {
		t.Fatalf("RunInterval = %v, want %v", got.RunInterval, want.RunInterval)
	}
	if got.JobTimeout != want.JobTimeout {
		t.Fatalf("JobTimeout = %v, want %v", got.JobTimeout, want.JobTimeout)
	}
	if got.LockTTL != want.LockTTL {
		t.Fatalf("LockTTL = %v, want %v", got.LockTTL, want.LockTTL)
	}

	custom := Config{
		RunInterval: 10 * time.Second,
		JobTimeout:  time.Minute,
		LockTTL:     2 * time.Minute,
		EnabledJobs: []string{"billing_sync"},
	}.withDefaults()
	if custom.RunInterval != 10*time.Second || custom.JobTimeout != time.Minute || custom.LockTTL != 2*time.Minute {
		t.Fatalf("explicit values must survive: %+v", custom)
	}
	if len(custom.EnabledJobs) != 1 {
		t.Fatalf("EnabledJobs must survive: %+v", custom.EnabledJobs)
	}
}

func TestNewRejectsMissingDeps(t *testing.T) {
	if _, err := New(Params{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestRenewalDueOncePerDate(t *testing.T) {
	s := &Scheduler{log: zap.NewNop(), cfg: DefaultConfig()}

	morning := time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC)
	if !s.renewalDue(morning) {
		t.Fatal("first run of the day should be due")
	}
	s.lastRenewalDate = morning.Format("2006-01-02")

	evening := morning.Add(12 * time.Hour)
	if s.renewalDue(evening) {
		t.Fatal("same calendar date must not run twice")
	}

	nextDay := morning.AddDate(0, 0, 1)
	if !s.renewalDue(nextDay) {
		t.Fatal("next calendar date should be due again")
	}
}

func TestIsJobEnabled(t *testing.T) {
	all := &Scheduler{cfg: Config{}.withDefaults()}
	for _, name := range []string{"did_renewal", "reservation_expiry", "billing_sync"} {
		if !all.isJobEnabled(name) {
			t.Fatalf("empty list must enable all jobs, %s disabled", name)
		}
	}

	selective := &Scheduler{cfg: Config{EnabledJobs: []string{"Billing_Sync"}}.withDefaults()}
	if !selective.isJobEnabled("billing_sync") {
		t.Fatal("job matching is case-insensitive")
	}
	if selective.isJobEnabled("did_renewal") {
		t.Fatal("unlisted jobs must stay disabled")
	}
}

func TestRunJobWrapsErrors(t *testing.T) {
	s := &Scheduler{log: zap.NewNop(), cfg: DefaultConfig()}

	boom := errors.New("boom")
	err := s.runJob(context.Background(), "billing_sync", func(ctx context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped job error, got %v", err)
	}

	// deadline and cancellation are logged, not propagated
	err = s.runJob(context.Background(), "billing_sync", func(ctx context.Context) error {
		return context.DeadlineExceeded
	})
	if err != nil {
		t.Fatalf("expected timeout to be swallowed, got %v", err)
	}

	err = s.runJob(context.Background(), "billing_sync", func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("expected clean run, got %v", err)
	}
}
