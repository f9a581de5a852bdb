package breaker

import "time"

// State is the position of a breaker in its state machine.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Snapshot is the persisted state of one breaker. Version increases on
// every write so a compare-and-swap on the serialized form never accepts
// a stale writer.
type Snapshot struct {
	Name                 string    `json:"name"`
	State                State     `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	TrialCalls           int       `json:"trial_calls"`
	TrialStartedAt       time.Time `json:"trial_started_at,omitempty"`
	OpenedAt             time.Time `json:"opened_at,omitempty"`
	LastFailureAt        time.Time `json:"last_failure_at,omitempty"`
	LastError            string    `json:"last_error,omitempty"`
	Version              int64     `json:"version"`
	Config               Config    `json:"config"`
}

func closedSnapshot(name string, cfg Config) Snapshot {
	return Snapshot{Name: name, State: StateClosed, Config: cfg}
}

// admit decides whether a call may be dispatched. changed reports whether
// the snapshot must be written back.
func admit(s Snapshot, now time.Time) (next Snapshot, allowed, changed bool) {
	switch s.State {
	case StateOpen:
		if now.Sub(s.OpenedAt) < s.Config.RecoveryTimeout {
			return s, false, false
		}
		s.State = StateHalfOpen
		s.ConsecutiveFailures = 0
		s.ConsecutiveSuccesses = 0
		s.TrialCalls = 1
		s.TrialStartedAt = now
		return s, true, true
	case StateHalfOpen:
		// Every guarded call ends within CallTimeout, so slots still counted
		// after that long belong to callers that died before recording.
		if s.TrialCalls > 0 && now.Sub(s.TrialStartedAt) >= s.Config.CallTimeout {
			s.TrialCalls = 0
		}
		if s.TrialCalls >= s.Config.HalfOpenMaxCalls {
			return s, false, false
		}
		s.TrialCalls++
		s.TrialStartedAt = now
		return s, true, true
	default:
		return s, true, false
	}
}

// onSuccess records a successful call.
func onSuccess(s Snapshot) (Snapshot, bool) {
	switch s.State {
	case StateHalfOpen:
		s.ConsecutiveSuccesses++
		if s.TrialCalls > 0 {
			s.TrialCalls--
		}
		if s.ConsecutiveSuccesses >= s.Config.SuccessThreshold {
			s.State = StateClosed
			s.ConsecutiveFailures = 0
			s.ConsecutiveSuccesses = 0
			s.TrialCalls = 0
			s.TrialStartedAt = time.Time{}
			s.OpenedAt = time.Time{}
		}
		return s, true
	case StateClosed:
		if s.ConsecutiveFailures == 0 {
			return s, false
		}
		s.ConsecutiveFailures = 0
		return s, true
	default:
		// A late result from a call admitted before the circuit opened.
		return s, false
	}
}

// onFailure records a failed call.
func onFailure(s Snapshot, now time.Time, cause string) (Snapshot, bool) {
	s.LastFailureAt = now
	s.LastError = cause
	switch s.State {
	case StateClosed:
		s.ConsecutiveFailures++
		if s.ConsecutiveFailures >= s.Config.FailureThreshold {
			s = trip(s, now)
		}
		return s, true
	case StateHalfOpen:
		return trip(s, now), true
	default:
		return s, true
	}
}

func trip(s Snapshot, now time.Time) Snapshot {
	s.State = StateOpen
	s.OpenedAt = now
	s.ConsecutiveFailures = 0
	s.ConsecutiveSuccesses = 0
	s.TrialCalls = 0
	s.TrialStartedAt = time.Time{}
	return s
}

func retryAfter(s Snapshot, now time.Time) time.Duration {
	if s.State != StateOpen {
		return 0
	}
	if d := s.Config.RecoveryTimeout - now.Sub(s.OpenedAt); d > 0 {
		return d
	}
	return 0
}
