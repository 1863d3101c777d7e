package health

import "fmt"

// Outcome classifies the result of one action attempt against a resource.
type Outcome int

const (
	// Success: the action completed normally.
	Success Outcome = iota
	// Transient: network error or timeout; retryable with backoff.
	Transient
	// SoftLimit: an explicit rate signal (HTTP 429-equivalent); expected and
	// recoverable, deferred rather than failed.
	SoftLimit
	// HardBlock: the resource was flagged, suspended, or challenged. Extended
	// cooldown; never silently retried against the same resource.
	HardBlock
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Transient:
		return "transient"
	case SoftLimit:
		return "soft_limit"
	case HardBlock:
		return "hard_block"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ParseOutcome is the inverse of Outcome.String. Unknown values map to
// Transient so replayed history degrades safely rather than erroring.
func ParseOutcome(s string) Outcome {
	switch s {
	case "success":
		return Success
	case "soft_limit":
		return SoftLimit
	case "hard_block":
		return HardBlock
	default:
		return Transient
	}
}
