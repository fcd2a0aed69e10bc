package request

// transitions is the full lifecycle table. Anything not listed is illegal;
// terminal states have no outgoing edges.
var transitions = map[Status][]Status{
	StatusPending: {
		StatusActive,
		StatusCanceledByClient,
		StatusCanceledByPerformer,
		StatusClosedAutomatically,
	},
	StatusActive: {
		StatusCompleted,
		StatusCanceledByClient,
		StatusCanceledByPerformer,
	},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status has no outgoing transitions.
func Terminal(s Status) bool {
	return len(transitions[s]) == 0
}
