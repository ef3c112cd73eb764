package curtail

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"curtail-control/internal/audit"
	"curtail-control/internal/market"
	"curtail-control/internal/miner"
	"curtail-control/internal/registry"
)

// FloorLimit is the lowest power limit planning will ask of any miner.
// Below this, hashboards brown out instead of throttling cleanly.
const FloorLimit = 0.2

// defaultBTCPerTHSDay is used when no chain snapshot is available:
// roughly 50 sat per TH/s per day at current network conditions.
const defaultBTCPerTHSDay = 5.0e-7

// PlanTransitionRecorder is implemented by audit sinks that also want
// plan-level status changes (the NATS recorder does).
type PlanTransitionRecorder interface {
	RecordPlanTransition(planID, status, actor string, stepsTotal, stepsFailed int)
}

// Service computes, executes and rolls back curtailment plans over the
// miner fleet. It owns the in-memory plan store; a single orchestrator
// instance owns all plans and adapters.
type Service struct {
	log   *zap.Logger
	reg   *registry.Registry
	audit audit.Recorder

	mu    sync.Mutex
	plans map[string]*Plan

	now func() time.Time
}

func NewService(log *zap.Logger, reg *registry.Registry, rec audit.Recorder) *Service {
	if rec == nil {
		rec = audit.Nop{}
	}
	return &Service{
		log:   log.Named("curtail"),
		reg:   reg,
		audit: rec,
		plans: map[string]*Plan{},
		now:   time.Now,
	}
}

// PlanInput carries everything CalculatePlan needs; the computation itself
// is pure and touches no device.
type PlanInput struct {
	ElectricityPriceUSDPerKWh float64
	BTCPriceUSD               float64
	TargetSavingsUSDPerDay    float64
	States                    []miner.State
	// Chain refines the revenue estimate; nil falls back to a fixed
	// sat/TH baseline.
	Chain *market.ChainData
}

func btcPerTHSDay(chain *market.ChainData) float64 {
	if chain == nil || chain.NetworkHashratePHS <= 0 {
		return defaultBTCPerTHSDay
	}
	// share of network hashrate × 144 blocks × reward
	return 144 * chain.BlockRewardBTC / (chain.NetworkHashratePHS * 1000)
}

// CalculatePlan ranks miners ascending by marginal profit (least profitable
// first, ties broken by id ascending) and greedily throttles them toward
// the floor until cumulative savings meet the target. Identical inputs
// always yield identical steps and estimated savings.
func (s *Service) CalculatePlan(in PlanInput) (*Plan, error) {
	if in.TargetSavingsUSDPerDay <= 0 {
		return nil, fmt.Errorf("target savings must be positive: %w", miner.ErrInvalidArgument)
	}
	if in.ElectricityPriceUSDPerKWh <= 0 {
		return nil, fmt.Errorf("electricity price must be positive: %w", miner.ErrInvalidArgument)
	}

	revPerTHS := in.BTCPriceUSD * btcPerTHSDay(in.Chain)

	type ranked struct {
		st     miner.State
		margin float64 // USD/day at current operating point
	}
	cands := make([]ranked, 0, len(in.States))
	for _, st := range in.States {
		if !st.Online || st.PowerW <= 0 {
			continue
		}
		revenue := st.HashrateTHS * revPerTHS
		cost := st.PowerW / 1000 * 24 * in.ElectricityPriceUSDPerKWh
		cands = append(cands, ranked{st: st, margin: revenue - cost})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].margin != cands[j].margin {
			return cands[i].margin < cands[j].margin
		}
		return cands[i].st.ID < cands[j].st.ID
	})

	plan := &Plan{
		ID:                        uuid.NewString(),
		Status:                    StatusDraft,
		CreatedAt:                 s.now().UTC(),
		ElectricityPriceUSDPerKWh: in.ElectricityPriceUSDPerKWh,
		BTCPriceUSD:               in.BTCPriceUSD,
		TargetSavingsUSDPerDay:    in.TargetSavingsUSDPerDay,
	}

	remaining := in.TargetSavingsUSDPerDay
	for _, c := range cands {
		if remaining <= 0 {
			break
		}
		cur := c.st.PowerLimit
		if cur <= 0 || cur > 1 {
			cur = 1
		}
		if cur <= FloorLimit {
			continue // already at the floor
		}
		// nameplate draw backed out of the current operating point
		nameplateKW := c.st.PowerW / 1000 / cur
		savingsPerLimitUnit := nameplateKW * 24 * in.ElectricityPriceUSDPerKWh

		newLimit := FloorLimit
		full := (cur - FloorLimit) * savingsPerLimitUnit
		if full > remaining {
			// partial reduction is enough; round down so we never
			// under-deliver on the requested target
			newLimit = cur - remaining/savingsPerLimitUnit
			newLimit = math.Floor(newLimit*100) / 100
			if newLimit < FloorLimit {
				newLimit = FloorLimit
			}
		}
		saved := (cur - newLimit) * savingsPerLimitUnit
		if saved <= 0 {
			continue
		}
		plan.Steps = append(plan.Steps, Step{
			MinerID:                   c.st.ID,
			NewPowerLimit:             newLimit,
			Outcome:                   OutcomePending,
			EstimatedSavingsUSDPerDay: saved,
			MarginUSDPerDay:           c.margin,
		})
		plan.EstimatedSavingsUSDPerDay += saved
		remaining -= saved
	}
	if remaining > 0 {
		plan.TargetShortfallUSDPerDay = remaining
	}

	s.mu.Lock()
	s.plans[plan.ID] = plan
	s.mu.Unlock()

	s.log.Info("plan calculated",
		zap.String("plan_id", plan.ID),
		zap.Int("steps", len(plan.Steps)),
		zap.Float64("target_usd_day", plan.TargetSavingsUSDPerDay),
		zap.Float64("estimated_usd_day", plan.EstimatedSavingsUSDPerDay),
		zap.Float64("shortfall_usd_day", plan.TargetShortfallUSDPerDay),
	)
	return plan.clone(), nil
}

// Plan returns a copy of a stored plan.
func (s *Service) Plan(id string) (*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrPlanNotFound)
	}
	return p.clone(), nil
}

// Plans lists stored plans, newest first.
func (s *Service) Plans() []*Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Plan, 0, len(s.plans))
	for _, p := range s.plans {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ExecutePlan applies a confirmed plan. Each step snapshots the miner's
// current power limit immediately before mutating, then applies the new
// limit. All steps are attempted regardless of individual failures; miners
// are independent resources, so steps run in parallel.
func (s *Service) ExecutePlan(ctx context.Context, planID string, confirmed bool, actor string) (*Plan, error) {
	if !confirmed {
		return nil, ErrNotConfirmed
	}

	// DRAFT -> EXECUTING transition is exclusive: a second concurrent
	// execute on the same plan id must fail.
	s.mu.Lock()
	p, ok := s.plans[planID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", planID, ErrPlanNotFound)
	}
	switch p.Status {
	case StatusDraft:
		// proceed
	case StatusExecuting:
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", planID, ErrAlreadyExecuting)
	default:
		s.mu.Unlock()
		return nil, fmt.Errorf("%s (status %s): %w", planID, p.Status, ErrAlreadyExecuted)
	}
	p.Status = StatusExecuting
	steps := make([]Step, len(p.Steps))
	copy(steps, p.Steps)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for i := range steps {
		wg.Add(1)
		go func(st *Step) {
			defer wg.Done()
			s.executeStep(ctx, st, actor)
		}(&steps[i])
	}
	wg.Wait()

	allOK := true
	for _, st := range steps {
		if st.Outcome != OutcomeApplied {
			allOK = false
			break
		}
	}

	s.mu.Lock()
	p.Steps = steps
	if allOK {
		p.Status = StatusExecuted
	} else {
		p.Status = StatusPartiallyExecuted
	}
	out := p.clone()
	s.mu.Unlock()

	s.log.Info("plan executed",
		zap.String("plan_id", planID),
		zap.String("actor", actor),
		zap.String("status", string(out.Status)),
		zap.Int("failed_steps", out.failedSteps()),
	)
	if tr, ok := s.audit.(PlanTransitionRecorder); ok {
		tr.RecordPlanTransition(planID, string(out.Status), actor, len(out.Steps), out.failedSteps())
	}
	return out, nil
}

func (s *Service) executeStep(ctx context.Context, st *Step, actor string) {
	adapter, err := s.reg.Lookup(st.MinerID)
	if err != nil {
		st.Outcome = OutcomeFailed
		st.Error = err.Error()
		s.audit.RecordCommand(st.MinerID, "set_power_limit", actor, "error", st.Error)
		return
	}
	// Snapshot the live limit right before mutating; this, not the value
	// seen during planning, is what rollback restores.
	prior, err := adapter.PowerLimit(ctx)
	if err != nil {
		st.Outcome = OutcomeFailed
		st.Error = fmt.Sprintf("snapshot power limit: %v", err)
		s.audit.RecordCommand(st.MinerID, "set_power_limit", actor, "error", st.Error)
		return
	}
	st.PriorPowerLimit = prior

	if err := adapter.SetPowerLimit(ctx, st.NewPowerLimit); err != nil {
		st.Outcome = OutcomeFailed
		st.Error = err.Error()
		s.audit.RecordCommand(st.MinerID, "set_power_limit", actor, "error", st.Error)
		return
	}
	st.Outcome = OutcomeApplied
	s.audit.RecordCommand(st.MinerID, "set_power_limit", actor, "ok",
		fmt.Sprintf("%.2f -> %.2f", prior, st.NewPowerLimit))
}

// RollbackPlan restores the snapshot for every step that was actually
// applied, then marks the plan ROLLED_BACK. Not idempotent beyond the
// first successful call.
func (s *Service) RollbackPlan(ctx context.Context, planID, actor string) (*Plan, error) {
	s.mu.Lock()
	p, ok := s.plans[planID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", planID, ErrPlanNotFound)
	}
	switch p.Status {
	case StatusRolledBack:
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", planID, ErrAlreadyRolledBack)
	case StatusDraft, StatusExecuting:
		s.mu.Unlock()
		return nil, fmt.Errorf("%s (status %s): %w", planID, p.Status, ErrNotExecuted)
	}
	if p.rollbackActive {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", planID, ErrRollbackInProgress)
	}
	p.rollbackActive = true
	steps := make([]Step, len(p.Steps))
	copy(steps, p.Steps)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for i := range steps {
		st := &steps[i]
		if st.Outcome != OutcomeApplied {
			continue // failed steps never mutated the device
		}
		wg.Add(1)
		go func(st *Step) {
			defer wg.Done()
			adapter, err := s.reg.Lookup(st.MinerID)
			if err == nil {
				err = adapter.SetPowerLimit(ctx, st.PriorPowerLimit)
			}
			if err != nil {
				st.Outcome = OutcomeRestoreFailed
				st.Error = err.Error()
				s.audit.RecordCommand(st.MinerID, "set_power_limit", actor, "error", st.Error)
				return
			}
			st.Outcome = OutcomeRestored
			s.audit.RecordCommand(st.MinerID, "set_power_limit", actor, "ok",
				fmt.Sprintf("rollback -> %.2f", st.PriorPowerLimit))
		}(st)
	}
	wg.Wait()

	s.mu.Lock()
	p.Steps = steps
	p.Status = StatusRolledBack
	p.rollbackActive = false
	out := p.clone()
	s.mu.Unlock()

	s.log.Info("plan rolled back",
		zap.String("plan_id", planID),
		zap.String("actor", actor),
		zap.Int("failed_steps", out.failedSteps()),
	)
	if tr, ok := s.audit.(PlanTransitionRecorder); ok {
		tr.RecordPlanTransition(planID, string(StatusRolledBack), actor, len(out.Steps), out.failedSteps())
	}
	return out, nil
}

// FleetStates reads every configured miner concurrently. Offline or
// unreachable miners come back with Online=false rather than failing the
// whole read.
func (s *Service) FleetStates(ctx context.Context) ([]miner.State, error) {
	adapters, err := s.reg.All()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(adapters))
	for id := range adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	states := make([]miner.State, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string, a miner.Adapter) {
			defer wg.Done()
			st, err := a.ReadState(ctx)
			if err != nil {
				s.log.Debug("fleet read failed", zap.String("miner_id", id), zap.Error(err))
				states[i] = miner.State{ID: id, Online: false}
				return
			}
			states[i] = st
		}(i, id, adapters[id])
	}
	wg.Wait()
	return states, nil
}
