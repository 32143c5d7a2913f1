package syncer

import (
	"fmt"

	"github.com/openmined/splitsync/internal/store"
)

type PlanOptions struct {
	Direction Direction
	Diff      DiffOptions
	// Prune deletes files from the permitted side when the other side of the
	// pair no longer has them. Only meaningful with a single direction.
	Prune bool
	// Others holds the manifests of the split's stores outside the pair. A nil
	// manifest marks a store whose listing is unavailable.
	Others map[store.StoreID]store.Manifest
}

type Plan struct {
	Pair     Pair
	Split    store.SplitID
	Actions  []SyncAction
	Warnings []string
}

// Transfers counts the uploads, downloads and deletes in the plan.
func (p *Plan) Transfers() int {
	n := 0
	for _, a := range p.Actions {
		if a.Kind != ActionSkip {
			n++
		}
	}
	return n
}

// BuildPlan runs diff, direction policy and the optional prune step for one pair.
func BuildPlan(pair Pair, split store.SplitID, a, b store.Manifest, opts PlanOptions) *Plan {
	diffOpts := opts.Diff
	for _, id := range store.AllStores {
		if m := opts.Others[id]; m != nil {
			diffOpts.Witnesses = append(diffOpts.Witnesses, m)
		}
	}

	plan := &Plan{
		Pair:    pair,
		Split:   split,
		Actions: ApplyDirection(Diff(pair, split, a, b, diffOpts), opts.Direction),
	}
	if opts.Prune && opts.Direction != DirectionBoth {
		prune(plan, a, b, opts.Others, opts.Direction)
	}
	return plan
}

// prune turns restricted "missing on target" transfers into deletes on the
// store that still holds the file, when the direction permits writing there.
// A file is kept while any other store the direction treats as a source still
// holds it. An empty manifest on the authoritative side, or an unavailable
// source store, suppresses pruning for the pair.
func prune(plan *Plan, a, b store.Manifest, others map[store.StoreID]store.Manifest, dir Direction) {
	manifests := map[store.StoreID]store.Manifest{plan.Pair.A: a, plan.Pair.B: b}

	var sources []store.StoreID
	for _, id := range store.AllStores {
		if _, ok := others[id]; ok && !dir.Permits(id) {
			sources = append(sources, id)
		}
	}

	var candidates []int
	for i, act := range plan.Actions {
		if act.Kind != ActionSkip || act.Restricted == "" || act.Conflict {
			continue
		}
		if _, onTarget := manifests[act.Target][act.Name]; onTarget {
			continue
		}
		if !dir.Permits(act.Source) {
			continue
		}
		candidates = append(candidates, i)
	}
	if len(candidates) == 0 {
		return
	}

	for _, id := range sources {
		if others[id] == nil {
			plan.Warnings = append(plan.Warnings, fmt.Sprintf(
				"prune suppressed for %s %s: %s is unavailable", plan.Split, plan.Pair, id))
			return
		}
	}

	suppressed := map[store.StoreID]bool{}
	for _, i := range candidates {
		act := plan.Actions[i]
		authority := act.Target
		if len(manifests[authority]) == 0 {
			if !suppressed[authority] {
				suppressed[authority] = true
				plan.Warnings = append(plan.Warnings, fmt.Sprintf(
					"prune suppressed for %s %s: %s has no files", plan.Split, plan.Pair, authority))
			}
			continue
		}
		if heldElsewhere(act.Name, sources, others) {
			continue
		}

		plan.Actions[i] = SyncAction{
			Kind:   ActionDelete,
			Split:  act.Split,
			Name:   act.Name,
			Source: authority,
			Target: act.Source,
			Reason: ReasonPrune,
			Record: act.Record,
		}
	}
}

func heldElsewhere(name string, sources []store.StoreID, others map[store.StoreID]store.Manifest) bool {
	for _, id := range sources {
		if _, ok := others[id][name]; ok {
			return true
		}
	}
	return false
}
