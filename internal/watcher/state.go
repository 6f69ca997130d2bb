package watcher

// State is the orchestrator's position in the start/monitor/notify cycle.
type State int32

const (
	StateInitializing State = iota
	StateStarting
	StateRunning
	StateMonitoring
	StateNotifying
	StateRetrying
	StateFailed
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateMonitoring:
		return "monitoring"
	case StateNotifying:
		return "notifying"
	case StateRetrying:
		return "retrying"
	case StateFailed:
		return "failed"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s == StateFailed || s == StateShutdown }

var transitions = map[State][]State{
	StateInitializing: {StateStarting, StateShutdown},
	StateStarting:     {StateRunning, StateRetrying, StateShutdown},
	StateRunning:      {StateMonitoring, StateRetrying, StateShutdown},
	StateMonitoring:   {StateNotifying, StateRetrying, StateShutdown},
	StateNotifying:    {StateMonitoring, StateShutdown},
	StateRetrying:     {StateRunning, StateRetrying, StateFailed, StateShutdown},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

