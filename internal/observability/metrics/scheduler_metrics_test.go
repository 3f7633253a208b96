package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	consentdomain "github.com/gridsight/consentgate/internal/consent/domain"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: SchedulerJobReasonDeadlineExceeded,
		},
		{
			name: "no_consent",
			err:  consentdomain.ErrNoActiveConsent,
			want: SchedulerJobReasonNoConsent,
		},
		{
			name: "no_consent_wrapped",
			err:  fmt.Errorf("renewal gate: %w", consentdomain.ErrNoActiveConsent),
			want: SchedulerJobReasonNoConsent,
		},
		{
			name: "db_lock_timeout",
			err:  &pgconn.PgError{Code: "55P03"},
			want: SchedulerJobReasonDBLockTimeout,
		},
		{
			name: "serialization_failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: SchedulerJobReasonSerializationFailure,
		},
		{
			name: "unique_violation",
			err:  gorm.ErrDuplicatedKey,
			want: SchedulerJobReasonUniqueViolation,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: SchedulerJobReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{
		ServiceName: "consentgate",
		Environment: "test",
	})

	metrics.AddBatchProcessed("renewals", "subscriptions", 3)

	got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("renewals", "subscriptions"))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
}

func TestIncSweepFinding(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{
		ServiceName: "consentgate",
		Environment: "test",
	})

	metrics.IncSweepFinding("orphan_subscription")
	metrics.IncSweepFinding("orphan_subscription")
	metrics.IncSweepFinding("dangling_call")

	if got := testutil.ToFloat64(metrics.sweepFindings.WithLabelValues("orphan_subscription")); got != 2 {
		t.Fatalf("expected 2 orphan findings, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.sweepFindings.WithLabelValues("dangling_call")); got != 1 {
		t.Fatalf("expected 1 dangling finding, got %v", got)
	}
}
