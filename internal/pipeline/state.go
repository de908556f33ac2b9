package pipeline

// State is the position of a run in its lifecycle.
type State int

const (
	StateInit State = iota
	StateConnecting
	StateSchemaReady
	StateExtracting
	StateLoading
	StateVerifying
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateInit:        "INIT",
	StateConnecting:  "CONNECTING",
	StateSchemaReady: "SCHEMA_READY",
	StateExtracting:  "EXTRACTING",
	StateLoading:     "LOADING",
	StateVerifying:   "VERIFYING",
	StateDone:        "DONE",
	StateFailed:      "FAILED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

// transitions lists the legal successors of each non-terminal state.
// FAILED is reachable from all of them.
var transitions = map[State][]State{
	StateInit:        {StateConnecting},
	StateConnecting:  {StateSchemaReady},
	StateSchemaReady: {StateExtracting},
	StateExtracting:  {StateLoading, StateVerifying},
	StateLoading:     {StateExtracting},
	StateVerifying:   {StateDone},
}

// CanTransition reports whether a run may move from one state to another.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
