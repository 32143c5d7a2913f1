package syncer

import (
	"errors"
	"sort"
	"sync"

	"github.com/openmined/splitsync/internal/store"
)

var ErrBackendAborted = errors.New("backend aborted")

// BackendGuard tracks stores taken out of a run after rejecting credentials.
// Pending work that needs an aborted store is failed without touching it.
type BackendGuard struct {
	mu      sync.RWMutex
	aborted map[store.StoreID]error
}

func NewBackendGuard() *BackendGuard {
	return &BackendGuard{aborted: make(map[store.StoreID]error)}
}

// Abort marks a store as unusable. It returns true the first time only.
func (g *BackendGuard) Abort(id store.StoreID, cause error) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.aborted[id]; ok {
		return false
	}
	g.aborted[id] = cause
	return true
}

func (g *BackendGuard) Aborted(id store.StoreID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.aborted[id]
	return ok
}

// Check returns a KindAuth error when a store the action touches is aborted.
func (g *BackendGuard) Check(a SyncAction) error {
	touched := []store.StoreID{a.Target}
	if a.IsTransfer() {
		touched = append(touched, a.Source)
	}
	for _, id := range touched {
		if g.Aborted(id) {
			return store.NewError(store.KindAuth, id, string(a.Kind), a.Split, a.Name, ErrBackendAborted)
		}
	}
	return nil
}

func (g *BackendGuard) AbortedStores() []store.StoreID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]store.StoreID, 0, len(g.aborted))
	for id := range g.aborted {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
