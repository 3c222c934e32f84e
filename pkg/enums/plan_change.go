package enums

// PlanChangeType classifies a plan change by price direction.
type PlanChangeType string

const (
	PlanChangeUpgrade    PlanChangeType = "upgrade"
	PlanChangeDowngrade  PlanChangeType = "downgrade"
	PlanChangeCrossgrade PlanChangeType = "crossgrade"
)

// ProrationSource tells callers which path produced a prorated amount.
type ProrationSource string

const (
	ProrationSourceGateway  ProrationSource = "gateway"
	ProrationSourceEstimate ProrationSource = "estimate"
)
