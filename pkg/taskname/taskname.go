package taskname

// Audit tasks, one per engine state transition.
const (
	AuditCampaignFinalized      = "audit:campaign:finalized"
	AuditBudgetSubmitted        = "audit:budget:submitted"
	AuditBudgetFinalized        = "audit:budget:finalized"
	AuditMilestoneReleased      = "audit:milestone:released"
	AuditDistributionCalculated = "audit:distribution:calculated"
	AuditProfitClaimed          = "audit:profit:claimed"
	AuditRefundClaimed          = "audit:refund:claimed"
)
