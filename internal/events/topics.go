package events

// Subject naming: <prefix>.<domain>.<name>
// Prefix is configured per deployment (e.g. "curtail").

const (
	DomainAudit   = "audit"
	DomainCurtail = "curtail"
)

const (
	AuditDataFetch = DomainAudit + ".data_fetch"
	AuditCommand   = DomainAudit + ".command"

	CurtailPlanExecuted   = DomainCurtail + ".plan_executed"
	CurtailPlanRolledBack = DomainCurtail + ".plan_rolled_back"
)
