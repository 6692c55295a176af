package agent

// State is a step of the turn state machine. Every turn starts in
// StateRouting and ends in StateDone.
type State int

const (
	StateRouting State = iota
	StateDirectChat
	StateWorkoutTool
	StateProgressTool
	// StatePlainFallback is entered when the native tool-calling path
	// fails for any reason. It makes one tool-less chat call.
	StatePlainFallback
	StateDone
)

func (s State) String() string {
	switch s {
	case StateRouting:
		return "routing"
	case StateDirectChat:
		return "direct_chat"
	case StateWorkoutTool:
		return "workout_tool"
	case StateProgressTool:
		return "progress_tool"
	case StatePlainFallback:
		return "plain_fallback"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Trace is the sequence of states one turn passed through.
type Trace []State

// Strings returns the state names, for logging and JSON.
func (t Trace) Strings() []string {
	out := make([]string, len(t))
	for i, s := range t {
		out[i] = s.String()
	}
	return out
}

// Contains reports whether the turn visited s.
func (t Trace) Contains(s State) bool {
	for _, v := range t {
		if v == s {
			return true
		}
	}
	return false
}
