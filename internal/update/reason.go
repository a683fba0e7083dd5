package update

import "errors"

// Reason classifies the outcome of one update cycle, or a non-fatal step
// warning recorded alongside it.
type Reason uint8

const (
	ReasonSucceeded Reason = iota + 1
	ReasonResolutionFailed
	ReasonPullFailed
	ReasonStopFailedNonfatal
	ReasonStartFailed
	ReasonPostStartCheckFailed
	ReasonInProgress
)

func (r Reason) String() string {
	switch r {
	case ReasonSucceeded:
		return "succeeded"
	case ReasonResolutionFailed:
		return "resolution-failed"
	case ReasonPullFailed:
		return "pull-failed"
	case ReasonStopFailedNonfatal:
		return "stop-failed-nonfatal"
	case ReasonStartFailed:
		return "start-failed"
	case ReasonPostStartCheckFailed:
		return "post-start-check-failed"
	case ReasonInProgress:
		return "in-progress"
	default:
		return "unknown"
	}
}

func (r Reason) IsValid() bool {
	switch r {
	case ReasonSucceeded,
		ReasonResolutionFailed,
		ReasonPullFailed,
		ReasonStopFailedNonfatal,
		ReasonStartFailed,
		ReasonPostStartCheckFailed,
		ReasonInProgress:
		return true
	default:
		return false
	}
}

// ParseReason is the inverse of String. Unknown strings return 0.
func ParseReason(s string) Reason {
	for r := ReasonSucceeded; r <= ReasonInProgress; r++ {
		if r.String() == s {
			return r
		}
	}
	return 0
}

var (
	ErrResolution     = errors.New("resolve target image")
	ErrPull           = errors.New("pull image")
	ErrStart          = errors.New("start container")
	ErrPostStartCheck = errors.New("container not running after start")
	ErrInProgress     = errors.New("update already in progress")
)

// reasonFor maps a cycle error to its outcome reason.
func reasonFor(err error) Reason {
	switch {
	case err == nil:
		return ReasonSucceeded
	case errors.Is(err, ErrInProgress):
		return ReasonInProgress
	case errors.Is(err, ErrResolution):
		return ReasonResolutionFailed
	case errors.Is(err, ErrPull):
		return ReasonPullFailed
	case errors.Is(err, ErrPostStartCheck):
		return ReasonPostStartCheckFailed
	default:
		return ReasonStartFailed
	}
}
