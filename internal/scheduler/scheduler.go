// Package scheduler drives the periodic batch jobs: daily DID renewal,
// reservation expiry and dispatch of due billing syncs. Multiple instances
// may run concurrently; a redis lock keeps each job single-flight and the
// storage-layer guards inside the jobs make overlap harmless anyway.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	syncdomain "github.com/smallbiznis/numera/internal/billingsync/domain"
	"github.com/smallbiznis/numera/internal/clock"
	orderdomain "github.com/smallbiznis/numera/internal/didorder/domain"
	"github.com/smallbiznis/numera/internal/renewal"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

type Params struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	RenewalSvc *renewal.Service
	OrderSvc   orderdomain.Service
	SyncSvc    syncdomain.Service
	Locker     *Locker `optional:"true"`
	Config     Config  `optional:"true"`
}

type Scheduler struct {
	log        *zap.Logger
	cfg        Config
	clock      clock.Clock
	renewalSvc *renewal.Service
	orderSvc   orderdomain.Service
	syncSvc    syncdomain.Service
	locker     *Locker

	// lastRenewalDate is the calendar date (UTC) the renewal job last ran
	// for; the job fires once per date, the other jobs fire every tick.
	lastRenewalDate string
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.RenewalSvc == nil || p.OrderSvc == nil || p.SyncSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		clock:      p.Clock,
		renewalSvc: p.RenewalSvc,
		orderSvc:   p.OrderSvc,
		syncSvc:    p.SyncSvc,
		locker:     p.Locker,
	}, nil
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	now := s.clock.Now().UTC()
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{"did_renewal", s.isJobEnabled("did_renewal") && s.renewalDue(now), s.RenewalJob},
		{"reservation_expiry", s.isJobEnabled("reservation_expiry"), s.ReservationExpiryJob},
		{"billing_sync", s.isJobEnabled("billing_sync"), s.BillingSyncJob},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, s.runJob(parent, job.Name, job.Run))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runJob wraps one job with a timeout and, when a locker is configured, a
// cross-instance lock. Losing the lock is not an error; another instance
// owns the sweep.
func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	if s.locker != nil {
		key := "numera:jobs:lock:" + name
		token, ok, err := s.locker.TryLock(ctx, key, s.cfg.LockTTL)
		if err != nil {
			return fmt.Errorf("%s: acquire lock: %w", name, err)
		}
		if !ok {
			s.log.Debug("job lock held elsewhere, skipping", zap.String("job", name))
			return nil
		}
		defer func() {
			if err := s.locker.Release(ctx, key, token); err != nil {
				s.log.Warn("failed to release job lock", zap.String("job", name), zap.Error(err))
			}
		}()
	}

	err := fn(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err))
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) renewalDue(now time.Time) bool {
	return now.Format("2006-01-02") != s.lastRenewalDate
}

func (s *Scheduler) RenewalJob(ctx context.Context) error {
	now := s.clock.Now().UTC()
	result, err := s.renewalSvc.Run(ctx, renewal.RunRequest{Date: now})
	if err != nil {
		return err
	}
	s.lastRenewalDate = now.Format("2006-01-02")
	if !result.OK() {
		return fmt.Errorf("renewal run finished with %d errors", result.Errors)
	}
	return nil
}

func (s *Scheduler) ReservationExpiryJob(ctx context.Context) error {
	result, err := s.orderSvc.ExpireDueReservations(ctx, orderdomain.ReaperRequest{Now: s.clock.Now()})
	if err != nil {
		return err
	}
	if !result.OK() {
		return fmt.Errorf("reservation expiry finished with %d errors", result.Errors)
	}
	return nil
}

func (s *Scheduler) BillingSyncJob(ctx context.Context) error {
	result, err := s.syncSvc.ProcessDue(ctx, s.clock.Now())
	if err != nil {
		return err
	}
	if result.Errors > 0 {
		return fmt.Errorf("billing sync finished with %d errors", result.Errors)
	}
	return nil
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}
