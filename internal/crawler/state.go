package crawler

import "fmt"

var transitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusRunning, JobStatusPaused, JobStatusCancelled},
	JobStatusPaused:  {JobStatusRunning, JobStatusPending, JobStatusCancelled},
	JobStatusRunning: {JobStatusCompleted, JobStatusFailed, JobStatusPending},
	JobStatusFailed:  {JobStatusPending},
}

// CanTransition reports whether from -> to is a legal job transition.
func CanTransition(from, to JobStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition when from -> to is not allowed.
func ValidateTransition(from, to JobStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// IsTerminal reports whether a job in this status carries a completion time.
func IsTerminal(status JobStatus) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// ParseStatus validates a status name.
func ParseStatus(raw string) (JobStatus, error) {
	switch s := JobStatus(raw); s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted,
		JobStatusFailed, JobStatusPaused, JobStatusCancelled:
		return s, nil
	default:
		return "", fmt.Errorf("%w: status %q", ErrInvalidArgument, raw)
	}
}

// TruncateError caps an error message at MaxErrorMessageLength runes.
func TruncateError(msg string) string {
	runes := []rune(msg)
	if len(runes) <= MaxErrorMessageLength {
		return msg
	}
	return string(runes[:MaxErrorMessageLength])
}
