package runtime

import "github.com/njfio/tau/internal/state"

// classifyHealth derives {state, reason, recommendation} from the raw
// snapshot numbers. The mapping is fixed:
//
//	failing:  failure_streak ≥ 3, or failures this cycle with a backlog
//	degraded: failure_streak ≥ 1, or any retry this cycle
//	healthy:  otherwise
func classifyHealth(s *state.HealthSnapshot, retryAttempts int) {
	switch {
	case s.FailureStreak >= 3:
		s.State = state.HealthFailing
		s.Reason = "three or more consecutive cycles had failures"
		s.Recommendation = "check provider credentials and transport endpoints, then inspect runtime-events.jsonl"
	case s.LastCycleFailed > 0 && s.QueueDepth > 0:
		s.State = state.HealthFailing
		s.Reason = "events failed while a backlog is queued"
		s.Recommendation = "raise the queue limit or resolve the failing transport before the backlog grows"
	case s.FailureStreak >= 1:
		s.State = state.HealthDegraded
		s.Reason = "this cycle had failures"
		s.Recommendation = "watch the next cycles; three consecutive failing cycles escalate to failing"
	case retryAttempts > 0:
		s.State = state.HealthDegraded
		s.Reason = "deliveries needed retries this cycle"
		s.Recommendation = "transient provider errors observed; no action needed unless it persists"
	default:
		s.State = state.HealthHealthy
		s.Reason = "all events completed without retries"
		s.Recommendation = "none"
	}
}
