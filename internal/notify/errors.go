package notify

// ErrorClass is the machine-readable failure taxonomy carried on every
// attempt result. Upstream layers branch on the class, never on message text.
type ErrorClass string

const (
	// ClassNone marks a successful attempt.
	ClassNone ErrorClass = ""
	// ClassValidation covers malformed requests or recipients. Not the
	// channel's fault: no retry, no breaker impact.
	ClassValidation ErrorClass = "validation"
	// ClassPermission covers rejected credentials/authorization. Non-retryable.
	ClassPermission ErrorClass = "permission"
	// ClassThrottled is a rate-limit denial; retryable after the bucket resets.
	ClassThrottled ErrorClass = "throttled"
	// ClassTransient is a recoverable channel failure, subject to the circuit
	// breaker and the retry budget.
	ClassTransient ErrorClass = "transient"
	// ClassCircuitOpen is synthesized when a breaker short-circuits a channel;
	// the channel itself was never contacted.
	ClassCircuitOpen ErrorClass = "circuit_open"
	// ClassExhausted marks a terminal failure after the retry budget ran out.
	ClassExhausted ErrorClass = "exhausted"
	// ClassCancelled marks caller-initiated cancellation. Terminal, not an error.
	ClassCancelled ErrorClass = "cancelled"
)

// Retryable reports whether a failure with this class may be handed to the
// retry manager. The non-retryable set is fixed by contract, not config.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassValidation, ClassPermission, ClassExhausted, ClassCancelled:
		return false
	default:
		return true
	}
}

// CountsAgainstBreaker reports whether the failure should trip the channel's
// circuit breaker. Validation/permission failures are the caller's fault;
// circuit-open results never contacted the channel at all.
func (c ErrorClass) CountsAgainstBreaker() bool {
	switch c {
	case ClassTransient:
		return true
	default:
		return false
	}
}
