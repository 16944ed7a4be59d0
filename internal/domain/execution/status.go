package execution

// Status is the lifecycle state of a node or plan execution.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusSuspended Status = "SUSPENDED"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusAborted   Status = "ABORTED"
	StatusExpired   Status = "EXPIRED"
	StatusSkipped   Status = "SKIPPED"
)

var transitions = map[Status][]Status{
	StatusQueued:    {StatusRunning, StatusAborted, StatusExpired, StatusSkipped},
	StatusRunning:   {StatusSucceeded, StatusFailed, StatusSuspended, StatusPaused, StatusAborted, StatusExpired, StatusSkipped},
	StatusSuspended: {StatusRunning, StatusAborted, StatusExpired},
	StatusPaused:    {StatusRunning, StatusAborted, StatusExpired},
}

// AllStatuses lists every status in declaration order.
func AllStatuses() []Status {
	return []Status{
		StatusQueued, StatusRunning, StatusPaused, StatusSuspended,
		StatusSucceeded, StatusFailed, StatusAborted, StatusExpired, StatusSkipped,
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusPaused, StatusSuspended,
		StatusSucceeded, StatusFailed, StatusAborted, StatusExpired, StatusSkipped:
		return true
	}
	return false
}

// IsTerminal reports whether s is final. Terminal statuses never change.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusAborted, StatusExpired, StatusSkipped:
		return true
	}
	return false
}

// IsPositive reports whether s counts as a successful outcome.
func (s Status) IsPositive() bool {
	return s == StatusSucceeded || s == StatusSkipped
}

// IsBroken reports whether s is a terminal failure outcome.
func (s Status) IsBroken() bool {
	return s == StatusFailed || s == StatusAborted || s == StatusExpired
}

// IsActive reports whether the execution has started and not finished.
func (s Status) IsActive() bool {
	return s == StatusRunning || s == StatusPaused || s == StatusSuspended
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s Status) CanTransitionTo(next Status) bool {
	for _, candidate := range transitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// CanForceFail reports whether the error-out path may move s to FAILED.
// Every non-terminal status qualifies.
func (s Status) CanForceFail() bool {
	return s.Valid() && !s.IsTerminal()
}

// Severity ranks broken outcomes so that simultaneous failures aggregate
// deterministically: ABORTED over EXPIRED over FAILED.
func (s Status) Severity() int {
	switch s {
	case StatusAborted:
		return 3
	case StatusExpired:
		return 2
	case StatusFailed:
		return 1
	}
	return 0
}

func (s Status) String() string {
	return string(s)
}
