package capture

// State is a step of a capture invocation
type State string

const (
	StateIdle              State = "idle"
	StateLockAcquiring     State = "lock_acquiring"
	StateQuerying          State = "querying"
	StateCanonicalizing    State = "canonicalizing"
	StatePersisting        State = "persisting"
	StateRetentionTrimming State = "retention_trimming"
	StateDone              State = "done"
	StateLockDenied        State = "lock_denied"
	StateFailed            State = "failed"
)

// IsTerminal reports whether no step follows s
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateLockDenied || s == StateFailed
}

var transitions = map[State][]State{
	StateIdle:              {StateLockAcquiring, StateFailed},
	StateLockAcquiring:     {StateQuerying, StateLockDenied, StateFailed},
	StateQuerying:          {StateCanonicalizing, StateFailed},
	StateCanonicalizing:    {StatePersisting, StateFailed},
	StatePersisting:        {StateRetentionTrimming, StateFailed},
	StateRetentionTrimming: {StateDone},
}

// CanTransition reports whether the state machine allows from -> to
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
