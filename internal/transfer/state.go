package transfer

// State is the position of one execution in the transfer state machine.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateConfirming State = "confirming"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

var stateTransitions = map[State][]State{
	StateIdle:       {StateConnecting, StateFailed, StateCancelled},
	StateConnecting: {StateStreaming, StateFailed, StateCancelled},
	StateStreaming:  {StateConfirming, StateFailed, StateCancelled},
	StateConfirming: {StateCompleted, StateFailed, StateCancelled},
}

// CanTransition reports whether the machine may move from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range stateTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends an execution.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}
