package consistency

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/waypoint/internal/flow"
	"github.com/pitabwire/waypoint/internal/observability"
)

// Sweeper periodically validates every live flow in the system. It is
// strictly advisory: findings go to logs and metrics, and nothing is ever
// repaired or mutated from the background. Operators act on the findings
// through the recovery endpoint.
type Sweeper struct {
	flows     flow.LiveLister
	validator *Validator
	metrics   *observability.Metrics
	logger    *zap.Logger
	interval  time.Duration
	now       func() time.Time
}

// SweepSummary is the outcome of one full sweep pass.
type SweepSummary struct {
	Checked      int
	Inconsistent int
	Critical     int
	Errors       int
}

// NewSweeper creates a background sweeper running every interval.
func NewSweeper(flows flow.LiveLister, validator *Validator, metrics *observability.Metrics, logger *zap.Logger, interval time.Duration) *Sweeper {
	return &Sweeper{
		flows:     flows,
		validator: validator,
		metrics:   metrics,
		logger:    logger,
		interval:  interval,
		now:       time.Now,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("consistency sweeper started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("consistency sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("consistency sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one validation pass over every live flow. A flow that fails to
// validate is logged and counted; it never aborts the rest of the pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepSummary, error) {
	start := s.now()

	flows, err := s.flows.ListLive(ctx)
	if err != nil {
		s.metrics.RecordSweep("error", s.now().Sub(start))
		return SweepSummary{}, err
	}

	var summary SweepSummary
	for i := range flows {
		f := &flows[i]
		summary.Checked++

		report, cerr := s.validator.Check(ctx, f)
		if cerr != nil {
			summary.Errors++
			s.logger.Error("sweep validation failed",
				zap.String("flow_id", f.ID),
				zap.String("account_id", f.AccountID),
				zap.String("engagement_id", f.EngagementID),
				zap.Error(cerr))
			continue
		}

		if report.IsConsistent {
			s.metrics.RecordValidation("consistent")
			continue
		}
		s.metrics.RecordValidation("inconsistent")
		summary.Inconsistent++

		codes := make([]string, 0, len(report.Findings))
		for _, finding := range report.Findings {
			s.metrics.RecordFinding(finding.Code)
			codes = append(codes, finding.Code)
		}

		if report.HasCritical() {
			summary.Critical++
			s.logger.Warn("sweep found critical inconsistency",
				zap.String("flow_id", f.ID),
				zap.String("account_id", f.AccountID),
				zap.String("engagement_id", f.EngagementID),
				zap.String("current_phase", f.CurrentPhase),
				zap.Strings("finding_codes", codes))
		} else {
			s.logger.Info("sweep found inconsistency",
				zap.String("flow_id", f.ID),
				zap.Strings("finding_codes", codes))
		}
	}

	status := "ok"
	if summary.Errors > 0 {
		status = "partial"
	}
	s.metrics.RecordSweep(status, s.now().Sub(start))
	s.logger.Info("consistency sweep finished",
		zap.Int("checked", summary.Checked),
		zap.Int("inconsistent", summary.Inconsistent),
		zap.Int("critical", summary.Critical),
		zap.Duration("duration", s.now().Sub(start)))
	return summary, nil
}
