package remote

import (
	"fmt"
	"strings"
)

// CallType identifies the remote webservice operation behind a call. The set
// is closed: every value the remote side accepts is enumerated below.
type CallType string

const (
	ConsumptionRaw       CallType = "consumption/raw"
	ConsumptionCorrected CallType = "consumption/corrected"
	ConsumptionIndex     CallType = "consumption/index"
	ConsumptionEnable    CallType = "consumption/enable"
	ProductionRaw        CallType = "production/raw"
	ProductionCorrected  CallType = "production/corrected"
	ProductionIndex      CallType = "production/index"
	ProductionEnable     CallType = "production/enable"
)

// CallTypes lists every valid call type.
var CallTypes = []CallType{
	ConsumptionRaw,
	ConsumptionCorrected,
	ConsumptionIndex,
	ConsumptionEnable,
	ProductionRaw,
	ProductionCorrected,
	ProductionIndex,
	ProductionEnable,
}

func (c CallType) Valid() bool {
	switch c {
	case ConsumptionRaw, ConsumptionCorrected, ConsumptionIndex, ConsumptionEnable,
		ProductionRaw, ProductionCorrected, ProductionIndex, ProductionEnable:
		return true
	}
	return false
}

// Direction returns "consumption" or "production".
func (c CallType) Direction() string {
	return strings.SplitN(string(c), "/", 2)[0]
}

// CallTypeForSeries maps a measurement series name to the call type that
// keeps it live on the remote side. Series names follow the
// direction/quantity/.../kind convention, e.g. "consumption/power/active/raw"
// or "production/energy/active/daily".
func CallTypeForSeries(series string) (CallType, error) {
	parts := strings.Split(series, "/")
	if len(parts) < 2 {
		return "", fmt.Errorf("invalid series name %q", series)
	}

	direction := parts[0]
	if direction != "consumption" && direction != "production" {
		return "", fmt.Errorf("invalid series direction %q", series)
	}

	var kind string
	switch parts[len(parts)-1] {
	case "raw":
		kind = "raw"
	case "corrected":
		kind = "corrected"
	case "daily", "index":
		kind = "index"
	default:
		return "", fmt.Errorf("invalid series kind %q", series)
	}

	return CallType(direction + "/" + kind), nil
}
