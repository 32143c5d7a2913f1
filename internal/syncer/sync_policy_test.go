package syncer

import (
	"testing"

	"github.com/openmined/splitsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDirection(t *testing.T) {
	d, err := ParseDirection("TO-LOCAL")
	require.NoError(t, err)
	assert.Equal(t, DirectionToLocal, d)

	d, err = ParseDirection("")
	require.NoError(t, err)
	assert.Equal(t, DirectionBoth, d)

	_, err = ParseDirection("sideways")
	assert.Error(t, err)
}

func TestApplyDirectionToLocal(t *testing.T) {
	local := manifest(rec("up.jpg", 1, t0, "a"))
	remote := manifest(rec("down.jpg", 1, t0, "b"))
	raw := Diff(lr, store.Train, local, remote, defaultDiff())

	actions := ApplyDirection(raw, DirectionToLocal)
	require.Len(t, actions, len(raw))

	assert.Equal(t, ActionDownload, actions[0].Kind)
	assert.Equal(t, "down.jpg", actions[0].Name)

	assert.Equal(t, ActionSkip, actions[1].Kind)
	assert.Equal(t, ReasonRestricted, actions[1].Reason)
	assert.Equal(t, ActionUpload, actions[1].Restricted)

	for _, a := range actions {
		assert.False(t, a.Kind == ActionUpload && a.Target != store.Local, "no upload may leave local under to-local")
	}
}

func TestApplyDirectionToRemote(t *testing.T) {
	pair := Pair{A: store.Remote, B: store.Project}
	remote := manifest(rec("r.jpg", 1, t0, "a"))
	project := manifest(rec("p.jpg", 1, t0, "b"))

	actions := ApplyDirection(Diff(pair, store.Train, remote, project, defaultDiff()), DirectionToRemote)
	for _, a := range actions {
		assert.NotEqual(t, ActionSkip, a.Kind, "both targets are non-local")
	}

	actions = ApplyDirection(Diff(lr, store.Train, manifest(), remote, defaultDiff()), DirectionToRemote)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionSkip, actions[0].Kind)
	assert.Equal(t, ActionDownload, actions[0].Restricted)
}

func TestApplyDirectionNeverInventsActions(t *testing.T) {
	raw := Diff(lr, store.Valid,
		manifest(rec("a.jpg", 1, t0, "1"), rec("b.jpg", 1, t0, "2")),
		manifest(rec("b.jpg", 1, t0, "2"), rec("c.jpg", 1, t0, "3")),
		defaultDiff())

	for _, dir := range []Direction{DirectionBoth, DirectionToLocal, DirectionToRemote} {
		out := ApplyDirection(raw, dir)
		require.Len(t, out, len(raw))
		for i := range raw {
			assert.Equal(t, raw[i].Name, out[i].Name)
			if raw[i].Kind == ActionSkip {
				assert.Equal(t, raw[i], out[i])
			}
		}
	}
	assert.Equal(t, raw, ApplyDirection(raw, DirectionBoth))
}

func TestBuildPlanPrunesToLocal(t *testing.T) {
	local := manifest(rec("keep.jpg", 1, t0, "k"), rec("stale.jpg", 1, t0, "s"))
	remote := manifest(rec("keep.jpg", 1, t0, "k"), rec("new.jpg", 1, t0, "n"))

	plan := BuildPlan(lr, store.Train, local, remote, PlanOptions{
		Direction: DirectionToLocal,
		Diff:      defaultDiff(),
		Prune:     true,
	})
	require.Len(t, plan.Actions, 3)
	assert.Empty(t, plan.Warnings)

	byName := map[string]SyncAction{}
	for _, a := range plan.Actions {
		byName[a.Name] = a
	}
	assert.Equal(t, ActionDownload, byName["new.jpg"].Kind)
	assert.Equal(t, ActionSkip, byName["keep.jpg"].Kind)

	del := byName["stale.jpg"]
	assert.Equal(t, ActionDelete, del.Kind)
	assert.Equal(t, store.Local, del.Target)
	assert.Equal(t, store.Remote, del.Source)
	assert.Equal(t, ReasonPrune, del.Reason)
	assert.Equal(t, 2, plan.Transfers())
}

func TestBuildPlanPruneSuppressedOnEmptySource(t *testing.T) {
	local := manifest(rec("a.jpg", 1, t0, "a"), rec("b.jpg", 1, t0, "b"))

	plan := BuildPlan(lr, store.Valid, local, store.NewManifest(), PlanOptions{
		Direction: DirectionToLocal,
		Diff:      defaultDiff(),
		Prune:     true,
	})
	for _, a := range plan.Actions {
		assert.Equal(t, ActionSkip, a.Kind)
	}
	require.Len(t, plan.Warnings, 1)
	assert.Contains(t, plan.Warnings[0], "prune suppressed")
}

func TestBuildPlanPruneIgnoredForBoth(t *testing.T) {
	local := manifest(rec("a.jpg", 1, t0, "a"))
	remote := manifest(rec("b.jpg", 1, t0, "b"))

	plan := BuildPlan(lr, store.Test, local, remote, PlanOptions{Direction: DirectionBoth, Diff: defaultDiff(), Prune: true})
	for _, a := range plan.Actions {
		assert.NotEqual(t, ActionDelete, a.Kind)
	}
}

func TestBuildPlanPruneNeedsPermittedHolder(t *testing.T) {
	// under to-local neither store of remote<->project may be written
	pair := Pair{A: store.Remote, B: store.Project}
	plan := BuildPlan(pair, store.Train,
		manifest(rec("r.jpg", 1, t0, "r"), rec("s.jpg", 1, t0, "s")),
		manifest(rec("s.jpg", 1, t0, "s")),
		PlanOptions{Direction: DirectionToLocal, Diff: defaultDiff(), Prune: true})

	for _, a := range plan.Actions {
		assert.Equal(t, ActionSkip, a.Kind)
	}
	assert.Zero(t, plan.Transfers())
}

func TestPairs(t *testing.T) {
	all := Pairs(func(store.StoreID) bool { return true })
	assert.Equal(t, []Pair{
		{store.Local, store.Remote},
		{store.Local, store.Project},
		{store.Remote, store.Project},
	}, all)

	noRemote := Pairs(func(id store.StoreID) bool { return id != store.Remote })
	assert.Equal(t, []Pair{{store.Local, store.Project}}, noRemote)
}

func TestBuildPlanPruneKeepsFilesOfOtherSources(t *testing.T) {
	lp := Pair{A: store.Local, B: store.Project}
	local := manifest(rec("a.jpg", 1, t0, "a"), rec("r.jpg", 1, t0, "r"), rec("gone.jpg", 1, t0, "g"))
	project := manifest(rec("a.jpg", 1, t0, "a"))
	remote := manifest(rec("a.jpg", 1, t0, "a"), rec("r.jpg", 1, t0, "r"))

	plan := BuildPlan(lp, store.Train, local, project, PlanOptions{
		Direction: DirectionToLocal,
		Diff:      defaultDiff(),
		Prune:     true,
		Others:    map[store.StoreID]store.Manifest{store.Remote: remote},
	})

	kinds := map[string]ActionKind{}
	for _, a := range plan.Actions {
		kinds[a.Name] = a.Kind
	}
	assert.Equal(t, ActionSkip, kinds["r.jpg"], "the remote still holds it")
	assert.Equal(t, ActionDelete, kinds["gone.jpg"])
	assert.Empty(t, plan.Warnings)

	plan = BuildPlan(lp, store.Train, local, project, PlanOptions{
		Direction: DirectionToLocal,
		Diff:      defaultDiff(),
		Prune:     true,
		Others:    map[store.StoreID]store.Manifest{store.Remote: nil},
	})
	for _, a := range plan.Actions {
		assert.NotEqual(t, ActionDelete, a.Kind)
	}
	require.Len(t, plan.Warnings, 1)
	assert.Contains(t, plan.Warnings[0], "remote is unavailable")
}
