package viapipe

// LogPolicy decides whether a failure caught by the encoder is logged.
type LogPolicy func(cause error, state State, debug bool) bool

// DefaultLogPolicy logs informative failures, unless the host already prints
// pipeline failures itself. Failures during the handshake are only logged in
// debug mode.
func DefaultLogPolicy(hostPrintsFailures bool) LogPolicy {
	return func(cause error, state State, debug bool) bool {
		if hostPrintsFailures || !IsInformative(cause) {
			return false
		}
		return state != StateHandshake || debug
	}
}
