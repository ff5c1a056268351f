package domain

// RecoveryStrategy is the corrective action taken after a handler failure.
type RecoveryStrategy string

const (
	// StrategyRetryWithoutTools retries the failing node with disable_tools set.
	StrategyRetryWithoutTools RecoveryStrategy = "retry_without_tools"
	// StrategyRetrySimplified retries the failing node with simplified_mode set.
	StrategyRetrySimplified RecoveryStrategy = "retry_simplified"
	// StrategyRestart resets current_plan_step and restarts from the start node.
	StrategyRestart RecoveryStrategy = "restart"
)

// Valid reports whether s is one of the known strategies.
func (s RecoveryStrategy) Valid() bool {
	switch s {
	case StrategyRetryWithoutTools, StrategyRetrySimplified, StrategyRestart:
		return true
	}
	return false
}

// RecoveryPolicy decides how failures are classified and which strategy
// answers each category.
type RecoveryPolicy struct {
	Classify   func(error) ErrorCategory
	Strategies map[ErrorCategory]RecoveryStrategy
}

// DefaultRecoveryPolicy returns the built-in category table.
func DefaultRecoveryPolicy() RecoveryPolicy {
	return RecoveryPolicy{
		Classify: Classify,
		Strategies: map[ErrorCategory]RecoveryStrategy{
			CategoryToolFailure:      StrategyRetryWithoutTools,
			CategoryReasoningFailure: StrategyRetrySimplified,
			CategoryTimeout:          StrategyRestart,
			CategoryUnknown:          StrategyRestart,
		},
	}
}

// Decide classifies err and returns its category and strategy.
// Unmapped categories restart.
func (p RecoveryPolicy) Decide(err error) (ErrorCategory, RecoveryStrategy) {
	classify := p.Classify
	if classify == nil {
		classify = Classify
	}
	cat := classify(err)
	if s, ok := p.Strategies[cat]; ok && s.Valid() {
		return cat, s
	}
	return cat, StrategyRestart
}
