package curtail

import (
	"errors"
	"time"
)

type Status string

const (
	StatusDraft             Status = "DRAFT"
	StatusExecuting         Status = "EXECUTING"
	StatusExecuted          Status = "EXECUTED"
	StatusPartiallyExecuted Status = "PARTIALLY_EXECUTED"
	StatusRolledBack        Status = "ROLLED_BACK"
)

type StepOutcome string

const (
	OutcomePending       StepOutcome = "pending"
	OutcomeApplied       StepOutcome = "applied"
	OutcomeFailed        StepOutcome = "failed"
	OutcomeRestored      StepOutcome = "restored"
	OutcomeRestoreFailed StepOutcome = "restore_failed"
)

var (
	ErrPlanNotFound       = errors.New("plan not found")
	ErrNotConfirmed       = errors.New("execution not confirmed")
	ErrAlreadyExecuting   = errors.New("plan already executing")
	ErrAlreadyExecuted    = errors.New("plan already executed")
	ErrAlreadyRolledBack  = errors.New("plan already rolled back")
	ErrRollbackInProgress = errors.New("plan rollback in progress")
	ErrNotExecuted        = errors.New("plan was never executed")
)

// Step throttles one miner. PriorPowerLimit is captured at snapshot time
// (immediately before mutation), not at compute time, so rollback stays
// correct even if fleet state drifted between calculate and execute.
type Step struct {
	MinerID         string      `json:"miner_id"`
	PriorPowerLimit float64     `json:"prior_power_limit"`
	NewPowerLimit   float64     `json:"new_power_limit"`
	Outcome         StepOutcome `json:"outcome"`
	Error           string      `json:"error,omitempty"`

	// planning inputs, kept for operator review
	EstimatedSavingsUSDPerDay float64 `json:"estimated_savings_usd_per_day"`
	MarginUSDPerDay           float64 `json:"margin_usd_per_day"`
}

// Plan lives in memory for the lifetime of the process; persistence is a
// non-goal of this core.
type Plan struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`

	ElectricityPriceUSDPerKWh float64 `json:"electricity_price_usd_per_kwh"`
	BTCPriceUSD               float64 `json:"btc_price_usd"`

	TargetSavingsUSDPerDay    float64 `json:"target_savings_usd_per_day"`
	EstimatedSavingsUSDPerDay float64 `json:"estimated_savings_usd_per_day"`
	// TargetShortfallUSDPerDay is non-zero when every miner reached the
	// floor limit before the target was met.
	TargetShortfallUSDPerDay float64 `json:"target_shortfall_usd_per_day,omitempty"`

	Steps []Step `json:"steps"`

	// exclusive-rollback flag; the status switch alone cannot reject a
	// second concurrent rollback because ROLLED_BACK is only set at the end
	rollbackActive bool
}

func (p *Plan) clone() *Plan {
	cp := *p
	cp.Steps = append([]Step(nil), p.Steps...)
	return &cp
}

func (p *Plan) failedSteps() int {
	n := 0
	for _, s := range p.Steps {
		if s.Outcome == OutcomeFailed || s.Outcome == OutcomeRestoreFailed {
			n++
		}
	}
	return n
}
