package syncer

// ApplyDirection demotes actions whose target the direction does not permit to
// skips. It only relabels; the output has the same length and order as the input.
func ApplyDirection(actions []SyncAction, dir Direction) []SyncAction {
	out := make([]SyncAction, len(actions))
	for i, a := range actions {
		if a.Kind != ActionSkip && !dir.Permits(a.Target) {
			a.Restricted = a.Kind
			a.Kind = ActionSkip
			a.Reason = ReasonRestricted
		}
		out[i] = a
	}
	return out
}
