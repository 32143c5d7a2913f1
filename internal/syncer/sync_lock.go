package syncer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/openmined/splitsync/internal/utils"
)

const (
	StateDirName = ".splitsync"
	lockFileName = "splitsync.lock"
	historyName  = "history.db"
)

var ErrRunLocked = errors.New("another sync run holds the dataset lock")

// StateDir is where a dataset keeps its lock and run history.
func StateDir(localRoot string) string {
	return filepath.Join(localRoot, StateDirName)
}

// DefaultHistoryPath is the history database of a dataset.
func DefaultHistoryPath(localRoot string) string {
	return filepath.Join(StateDir(localRoot), historyName)
}

// RunLock keeps two runs from reconciling the same dataset at once.
type RunLock struct {
	dir   string
	flock *flock.Flock
}

func NewRunLock(localRoot string) *RunLock {
	dir := StateDir(localRoot)
	return &RunLock{
		dir:   dir,
		flock: flock.New(filepath.Join(dir, lockFileName)),
	}
}

// Lock takes the lock without waiting. It returns ErrRunLocked when another
// process holds it.
func (l *RunLock) Lock() error {
	if err := utils.EnsureDir(l.dir); err != nil {
		return fmt.Errorf("create %s: %w", l.dir, err)
	}
	locked, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("lock %s: %w", l.flock.Path(), err)
	}
	if !locked {
		return ErrRunLocked
	}
	return nil
}

func (l *RunLock) Unlock() error {
	if !l.flock.Locked() {
		return nil
	}
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("unlock %s: %w", l.flock.Path(), err)
	}
	if err := os.Remove(l.flock.Path()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
