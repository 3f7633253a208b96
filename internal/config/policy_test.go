package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffSpacing(t *testing.T) {
	policy := RenewalPolicy{
		BackoffBase: 5 * time.Minute,
		BackoffMax:  6 * time.Hour,
	}

	assert.Equal(t, time.Duration(0), policy.Backoff(0))
	assert.Equal(t, time.Duration(0), policy.Backoff(-1))
	assert.Equal(t, 5*time.Minute, policy.Backoff(1))
	assert.Equal(t, 10*time.Minute, policy.Backoff(2))
	assert.Equal(t, 20*time.Minute, policy.Backoff(3))
	assert.Equal(t, 160*time.Minute, policy.Backoff(6))

	// Doubling stops at the cap and stays there.
	assert.Equal(t, 6*time.Hour, policy.Backoff(8))
	assert.Equal(t, 6*time.Hour, policy.Backoff(50))
}

func TestBackoffBaseAboveMax(t *testing.T) {
	policy := RenewalPolicy{
		BackoffBase: 2 * time.Hour,
		BackoffMax:  time.Hour,
	}
	assert.Equal(t, time.Hour, policy.Backoff(1))
}

func TestValidateRenewalPolicy(t *testing.T) {
	valid := DefaultRenewalPolicy()
	assert.NoError(t, validateRenewalPolicy(valid))

	broken := valid
	broken.SafetyMargin = 0
	assert.Error(t, validateRenewalPolicy(broken))

	broken = valid
	broken.PendingLiveness = -time.Minute
	assert.Error(t, validateRenewalPolicy(broken))

	broken = valid
	broken.BackoffMax = broken.BackoffBase - time.Second
	assert.Error(t, validateRenewalPolicy(broken))

	broken = valid
	broken.AlertThreshold = 0
	assert.Error(t, validateRenewalPolicy(broken))
}

func TestStaticHolderReturnsStoredPolicy(t *testing.T) {
	policy := DefaultRenewalPolicy()
	policy.SafetyMargin = 48 * time.Hour

	holder := NewStaticRenewalPolicyHolder(policy)
	assert.Equal(t, policy, holder.Get())
}
