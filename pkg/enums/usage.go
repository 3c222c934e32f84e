package enums

// UsageSource distinguishes metered usage from usage carried across a plan change.
type UsageSource string

const (
	UsageSourceRecorded    UsageSource = "recorded"
	UsageSourceTransferred UsageSource = "transferred"
)

// UsageReportStatus tracks a reconciliation batch against the gateway.
type UsageReportStatus string

const (
	UsageReportStatusPending  UsageReportStatus = "pending"
	UsageReportStatusReported UsageReportStatus = "reported"
)
