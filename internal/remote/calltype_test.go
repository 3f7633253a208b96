package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallTypeForSeries(t *testing.T) {
	cases := []struct {
		series string
		want   CallType
		ok     bool
	}{
		{"consumption/power/active/raw", ConsumptionRaw, true},
		{"consumption/power/active/corrected", ConsumptionCorrected, true},
		{"consumption/energy/active/daily", ConsumptionIndex, true},
		{"consumption/energy/active/index", ConsumptionIndex, true},
		{"production/power/active/raw", ProductionRaw, true},
		{"production/energy/active/daily", ProductionIndex, true},
		{"production/raw", ProductionRaw, true},
		{"temperature/raw", "", false},
		{"consumption/power/active/smoothed", "", false},
		{"consumption", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		got, err := CallTypeForSeries(c.series)
		if !c.ok {
			assert.Error(t, err, "series %q", c.series)
			continue
		}
		require.NoError(t, err, "series %q", c.series)
		assert.Equal(t, c.want, got, "series %q", c.series)
	}
}

func TestCallTypeValid(t *testing.T) {
	for _, ct := range CallTypes {
		assert.True(t, ct.Valid(), "call type %q", ct)
	}
	assert.False(t, CallType("consumption/smoothed").Valid())
	assert.False(t, CallType("").Valid())
}

func TestCallTypeDirection(t *testing.T) {
	assert.Equal(t, "consumption", ConsumptionRaw.Direction())
	assert.Equal(t, "production", ProductionIndex.Direction())
}
