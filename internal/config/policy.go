package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// RenewalPolicy controls when and how aggressively subscriptions are renewed.
// It is operator-tunable at runtime through the policy file.
type RenewalPolicy struct {
	// SafetyMargin is the remaining-validity threshold below which a
	// subscription becomes a renewal candidate. A subscription with
	// remaining validity >= SafetyMargin is never renewed.
	SafetyMargin time.Duration `mapstructure:"safetyMargin"`

	// PendingLiveness is how long a pending call row is treated as a live
	// in-flight lock. Older pending rows are presumed abandoned and are
	// finalized FAILED by the recovery job.
	PendingLiveness time.Duration `mapstructure:"pendingLiveness"`

	BackoffBase time.Duration `mapstructure:"backoffBase"`
	BackoffMax  time.Duration `mapstructure:"backoffMax"`

	// AlertThreshold is the number of consecutive renewal failures after
	// which a subscription is escalated to an operator-visible alert log.
	AlertThreshold int `mapstructure:"alertThreshold"`
}

func DefaultRenewalPolicy() RenewalPolicy {
	return RenewalPolicy{
		SafetyMargin:    24 * time.Hour,
		PendingLiveness: 10 * time.Minute,
		BackoffBase:     5 * time.Minute,
		BackoffMax:      6 * time.Hour,
		AlertThreshold:  12,
	}
}

// Backoff returns the spacing to wait before the next renewal attempt after
// the given number of consecutive failures.
func (p RenewalPolicy) Backoff(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	delay := p.BackoffBase
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	if delay > p.BackoffMax {
		return p.BackoffMax
	}
	return delay
}

// RenewalPolicyHolder exposes the current policy and hot-reloads it when the
// policy file changes on disk.
type RenewalPolicyHolder struct {
	current atomic.Value // holds RenewalPolicy
}

func NewRenewalPolicyHolder() (*RenewalPolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("renewal")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/consentgate/config")
	v.AddConfigPath("/etc/consentgate")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CONSENTGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultRenewalPolicy()
	v.SetDefault("renewal.safetyMargin", defaults.SafetyMargin)
	v.SetDefault("renewal.pendingLiveness", defaults.PendingLiveness)
	v.SetDefault("renewal.backoffBase", defaults.BackoffBase)
	v.SetDefault("renewal.backoffMax", defaults.BackoffMax)
	v.SetDefault("renewal.alertThreshold", defaults.AlertThreshold)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var policy RenewalPolicy
	if err := v.UnmarshalKey("renewal", &policy); err != nil {
		return nil, err
	}
	if err := validateRenewalPolicy(policy); err != nil {
		return nil, err
	}

	holder := &RenewalPolicyHolder{}
	holder.current.Store(policy)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated RenewalPolicy
		if err := v.UnmarshalKey("renewal", &updated); err != nil {
			log.Printf("[renewal-policy] reload failed: %v", err)
			return
		}
		if err := validateRenewalPolicy(updated); err != nil {
			log.Printf("[renewal-policy] invalid policy ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[renewal-policy] reloaded from %s", e.Name)
	})

	return holder, nil
}

func NewStaticRenewalPolicyHolder(policy RenewalPolicy) *RenewalPolicyHolder {
	holder := &RenewalPolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func (h *RenewalPolicyHolder) Get() RenewalPolicy {
	return h.current.Load().(RenewalPolicy)
}

func validateRenewalPolicy(policy RenewalPolicy) error {
	if policy.SafetyMargin <= 0 {
		return errors.New("renewal.safetyMargin must be positive")
	}
	if policy.PendingLiveness <= 0 {
		return errors.New("renewal.pendingLiveness must be positive")
	}
	if policy.BackoffBase <= 0 || policy.BackoffMax < policy.BackoffBase {
		return errors.New("renewal backoff bounds are inconsistent")
	}
	if policy.AlertThreshold <= 0 {
		return errors.New("renewal.alertThreshold must be positive")
	}
	return nil
}
