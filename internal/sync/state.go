package sync

// State is a step of one account's sync.
type State int

const (
	StateIdle State = iota
	StateAuthenticating
	StateListing
	StateFetching
	StateBatching
	StateCommitting
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateIdle:           "idle",
	StateAuthenticating: "authenticating",
	StateListing:        "listing",
	StateFetching:       "fetching",
	StateBatching:       "batching",
	StateCommitting:     "committing",
	StateDone:           "done",
	StateFailed:         "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText renders the state name in JSON summaries.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
