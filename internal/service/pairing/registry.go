// Package pairing records which participants played together, scoped to a
// scene. The log is append-only; lookups for "wait for known group" go
// through a bounded LRU index so a long run never scans the whole log.
package pairing

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/crowdlab/session-engine/internal/domain/model"
)

const defaultIndexSize = 4096

// Registry is the append-only pairing store. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	records []model.PairingRecord

	// lastGroup caches subject+scene -> latest record.
	lastGroup *lru.Cache[string, model.PairingRecord]
}

func NewRegistry() *Registry {
	cache, _ := lru.New[string, model.PairingRecord](defaultIndexSize)
	return &Registry{lastGroup: cache}
}

// CreateGroup appends a pairing record for the members.
func (r *Registry) CreateGroup(members []model.SubjectID, sceneID model.SceneID, groupKey model.GroupKey) model.PairingRecord {
	rec := model.PairingRecord{
		SceneID:  sceneID,
		GroupKey: groupKey,
		Members:  append([]model.SubjectID(nil), members...),
		FormedAt: time.Now(),
	}

	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()

	for _, m := range members {
		r.lastGroup.Add(indexKey(m, sceneID), rec)
	}
	return rec
}

// GetLastGroupFor returns the most recent record the subject appears in
// for the scene.
func (r *Registry) GetLastGroupFor(subjectID model.SubjectID, sceneID model.SceneID) (model.PairingRecord, bool) {
	if rec, ok := r.lastGroup.Get(indexKey(subjectID, sceneID)); ok {
		return rec, true
	}

	// Cache miss (evicted): walk the log backwards once and refill.
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.records) - 1; i >= 0; i-- {
		rec := r.records[i]
		if rec.SceneID == sceneID && rec.HasMember(subjectID) {
			r.lastGroup.Add(indexKey(subjectID, sceneID), rec)
			return rec, true
		}
	}
	return model.PairingRecord{}, false
}

// Len reports the number of records appended so far.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func indexKey(s model.SubjectID, scene model.SceneID) string {
	return fmt.Sprintf("%s|%s", s, scene)
}
