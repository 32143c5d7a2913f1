package main

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/openmined/splitsync/internal/config"
	"github.com/openmined/splitsync/internal/store"
	"github.com/openmined/splitsync/internal/syncer"
	"github.com/openmined/splitsync/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncCommandUploadsToProject(t *testing.T) {
	project, apiURL := newFakeProject(t)
	configPath, root := writeTestConfig(t, apiURL, "rf-key")
	writeFile(t, filepath.Join(root, "train", "a.jpg"), "aaaa")
	writeFile(t, filepath.Join(root, "train", "night", "b.PNG"), "bb")
	writeFile(t, filepath.Join(root, "train", "notes.txt"), "not an image")
	writeFile(t, filepath.Join(root, "valid", "c.jpeg"), "c")

	out, _, err := execute(t, "sync", "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "converged")
	assert.NotContains(t, out, "not converged")
	assert.ElementsMatch(t, []string{"a.jpg", "night/b.PNG"}, project.names("train"))
	assert.ElementsMatch(t, []string{"c.jpeg"}, project.names("valid"))
	assert.Equal(t, 3, project.uploadCount())

	// a second run finds nothing to do
	_, _, err = execute(t, "sync", "--config", configPath)
	require.NoError(t, err)
	assert.Equal(t, 3, project.uploadCount())
	assert.FileExists(t, syncer.DefaultHistoryPath(root))

	out, _, err = execute(t, "status", "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "3 transferred")
	assert.Contains(t, out, "0 transferred")
}

func TestSyncCommandDryRunJSON(t *testing.T) {
	project, apiURL := newFakeProject(t)
	configPath, root := writeTestConfig(t, apiURL, "rf-key")
	writeFile(t, filepath.Join(root, "test", "x.jpg"), "x")

	out, _, err := execute(t, "sync", "--config", configPath, "--dry-run", "--json", "--split", "test")
	require.NoError(t, err)
	assert.Zero(t, project.uploadCount())
	assert.False(t, utils.FileExists(syncer.DefaultHistoryPath(root)))

	var rep struct {
		DryRun bool `json:"dryRun"`
		Splits []struct {
			Split   string `json:"split"`
			Planned []struct {
				Kind   string `json:"kind"`
				Name   string `json:"name"`
				Target string `json:"target"`
			} `json:"planned"`
		} `json:"splits"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.True(t, rep.DryRun)
	require.Len(t, rep.Splits, 1)
	assert.Equal(t, "test", rep.Splits[0].Split)
	require.Len(t, rep.Splits[0].Planned, 1)
	assert.Equal(t, "upload", rep.Splits[0].Planned[0].Kind)
	assert.Equal(t, "x.jpg", rep.Splits[0].Planned[0].Name)
	assert.Equal(t, "project", rep.Splits[0].Planned[0].Target)
}

func TestSyncCommandDirectionFlag(t *testing.T) {
	project, apiURL := newFakeProject(t)
	configPath, root := writeTestConfig(t, apiURL, "rf-key")
	writeFile(t, filepath.Join(root, "train", "a.jpg"), "aaaa")

	_, _, err := execute(t, "sync", "--config", configPath, "--direction", "to-local")
	require.NoError(t, err)
	assert.Zero(t, project.uploadCount(), "to-local never writes to the project")
}

func TestSyncCommandFailsOnRejectedKey(t *testing.T) {
	project, apiURL := newFakeProject(t)
	configPath, root := writeTestConfig(t, apiURL, "wrong-key")
	writeFile(t, filepath.Join(root, "train", "a.jpg"), "aaaa")

	out, _, err := execute(t, "sync", "--config", configPath)
	require.ErrorIs(t, err, errRunFailed)
	assert.Contains(t, out, "not converged")
	assert.Contains(t, out, "backend project")
	assert.Zero(t, project.uploadCount())
}

func TestSyncCommandRejectsInvalidConfig(t *testing.T) {
	configPath, _ := writeTestConfig(t, "not-a-url", "rf-key")
	_, _, err := execute(t, "sync", "--config", configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "project.api_url")

	_, _, err = execute(t, "sync", "--config", configPath, "--watch", "--dry-run")
	require.Error(t, err)
}

func TestSyncCommandHonorsRunLock(t *testing.T) {
	_, apiURL := newFakeProject(t)
	configPath, root := writeTestConfig(t, apiURL, "rf-key")

	lock := syncer.NewRunLock(root)
	require.NoError(t, lock.Lock())
	defer lock.Unlock()

	_, _, err := execute(t, "sync", "--config", configPath)
	require.ErrorIs(t, err, syncer.ErrRunLocked)
}

func TestLocalWrites(t *testing.T) {
	root := filepath.FromSlash("/data")
	cfg := config.Default()
	cfg.Local.Root = root

	rep := syncer.NewSyncReport("run", []store.SplitID{store.Train}, syncer.DirectionBoth, false)
	sr := rep.Split(store.Train)
	add := func(kind syncer.ActionKind, name string, target store.StoreID, outcome syncer.Outcome) {
		require.NoError(t, sr.Add(syncer.SyncResult{
			Action:  syncer.SyncAction{Kind: kind, Split: store.Train, Name: name, Source: store.Remote, Target: target},
			Outcome: outcome,
		}))
	}
	add(syncer.ActionDownload, "sub/a.jpg", store.Local, syncer.OutcomeSucceeded)
	add(syncer.ActionDelete, "gone.jpg", store.Local, syncer.OutcomeRetried)
	add(syncer.ActionDownload, "failed.jpg", store.Local, syncer.OutcomeFailed)
	add(syncer.ActionSkip, "same.jpg", store.Local, syncer.OutcomeSucceeded)
	add(syncer.ActionUpload, "up.jpg", store.Project, syncer.OutcomeSucceeded)
	require.NoError(t, rep.Finalize(nil))

	assert.ElementsMatch(t, []string{
		filepath.Join(root, "train", "sub", "a.jpg"),
		filepath.Join(root, "train", "gone.jpg"),
	}, localWrites(cfg, rep))
	assert.Nil(t, localWrites(cfg, nil))
}
