package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	obsmetrics "github.com/gridsight/consentgate/internal/observability/metrics"
)

const (
	FindingOrphanSubscription = "orphan_subscription"
	FindingDanglingCall       = "dangling_call"
)

// SweepFinding is one consistency defect found by the sweep job. Findings
// are persisted so operators can query them after the fact.
type SweepFinding struct {
	ID         snowflake.ID `json:"id" gorm:"primaryKey"`
	Kind       string       `json:"kind"`
	SubjectID  snowflake.ID `json:"subject_id"`
	Details    string       `json:"details"`
	DetectedAt time.Time    `json:"detected_at"`
	CreatedAt  time.Time    `json:"created_at"`
}

func (SweepFinding) TableName() string { return "sweep_findings" }

// SweepJob cross-checks the subscription and call tables. An ACTIVE
// subscription should have exactly one live backing call; a live backing
// call should belong to an ACTIVE subscription. The job records what it
// finds, it never repairs.
func (s *Scheduler) SweepJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "sweep", s.cfg.MaxSweepBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	now := s.clock.Now()
	var jobErr error

	orphans, err := s.findOrphanSubscriptions(ctx, s.cfg.MaxSweepBatchSize)
	if err != nil {
		obsmetrics.Scheduler().IncRenewalError(obsmetrics.SweepStageOrphans, err)
		s.logSchedulerError(ctx, run, "scheduler.sweep.failed", "sweep", "", err)
		jobErr = errors.Join(jobErr, err)
	}
	for _, id := range orphans {
		if err := s.recordFinding(ctx, run, FindingOrphanSubscription, id, "active subscription without live backing call", now); err != nil {
			jobErr = errors.Join(jobErr, err)
		}
	}

	dangling, err := s.findDanglingCalls(ctx, s.cfg.MaxSweepBatchSize)
	if err != nil {
		obsmetrics.Scheduler().IncRenewalError(obsmetrics.SweepStageDangling, err)
		s.logSchedulerError(ctx, run, "scheduler.sweep.failed", "sweep", "", err)
		jobErr = errors.Join(jobErr, err)
	}
	for _, id := range dangling {
		if err := s.recordFinding(ctx, run, FindingDanglingCall, id, "live backing call without active subscription", now); err != nil {
			jobErr = errors.Join(jobErr, err)
		}
	}

	return jobErr
}

func (s *Scheduler) findOrphanSubscriptions(ctx context.Context, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := s.db.WithContext(ctx).Raw(
		`SELECT s.id
		 FROM subscriptions s
		 WHERE s.status = 'ACTIVE'
		   AND NOT EXISTS (
		       SELECT 1 FROM subscriptions_calls sc
		       JOIN webservice_call_subscriptions wcs
		         ON wcs.id = sc.webservice_call_subscription_id
		       WHERE sc.subscription_id = s.id AND wcs.superseded_at IS NULL
		   )
		   AND NOT EXISTS (
		       SELECT 1 FROM sweep_findings f
		       WHERE f.kind = 'orphan_subscription' AND f.subject_id = s.id
		   )
		 ORDER BY s.id
		 LIMIT ?`,
		limit,
	).Scan(&ids).Error
	return ids, err
}

func (s *Scheduler) findDanglingCalls(ctx context.Context, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := s.db.WithContext(ctx).Raw(
		`SELECT wcs.id
		 FROM webservice_call_subscriptions wcs
		 WHERE wcs.superseded_at IS NULL
		   AND NOT EXISTS (
		       SELECT 1 FROM subscriptions_calls sc
		       JOIN subscriptions s ON s.id = sc.subscription_id
		       WHERE sc.webservice_call_subscription_id = wcs.id
		         AND s.status = 'ACTIVE'
		   )
		   AND NOT EXISTS (
		       SELECT 1 FROM sweep_findings f
		       WHERE f.kind = 'dangling_call' AND f.subject_id = wcs.id
		   )
		 ORDER BY wcs.id
		 LIMIT ?`,
		limit,
	).Scan(&ids).Error
	return ids, err
}

func (s *Scheduler) recordFinding(ctx context.Context, run *jobRun, kind string, subjectID snowflake.ID, details string, now time.Time) error {
	finding := &SweepFinding{
		ID:         s.genID.Generate(),
		Kind:       kind,
		SubjectID:  subjectID,
		Details:    details,
		DetectedAt: now,
		CreatedAt:  now,
	}
	if err := s.db.WithContext(ctx).Create(finding).Error; err != nil {
		s.logSchedulerError(ctx, run, "scheduler.sweep.failed", "sweep", "", err,
			zap.String("kind", kind),
			zap.String("subject_id", subjectID.String()),
		)
		return err
	}
	obsmetrics.Scheduler().IncSweepFinding(kind)
	run.AddProcessed(1)
	s.logger(ctx).Warn("sweep finding",
		zap.String("kind", kind),
		zap.String("subject_id", subjectID.String()),
		zap.String("details", details),
	)
	return nil
}

// ListSweepFindings backs the operator endpoint.
func (s *Scheduler) ListSweepFindings(ctx context.Context, limit int) ([]SweepFinding, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	var findings []SweepFinding
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, kind, subject_id, details, detected_at, created_at
		 FROM sweep_findings
		 ORDER BY detected_at DESC, id DESC
		 LIMIT ?`,
		limit,
	).Scan(&findings).Error
	return findings, err
}
