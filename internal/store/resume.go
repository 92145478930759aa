package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tonimelisma/xfer-engine/internal/task"
)

// ResumeStore adapts Store's generic document API to engine.ResumeStore,
// persisting task.ResumeData JSON-encoded under CollectionResumeData.
type ResumeStore struct {
	store *Store
	clock func() int64
}

// NewResumeStore wraps s. clock supplies the nowMillis stamp Put requires.
func NewResumeStore(s *Store, clock func() int64) *ResumeStore {
	return &ResumeStore{store: s, clock: clock}
}

// SaveResumeData implements engine.ResumeStore.
func (r *ResumeStore) SaveResumeData(ctx context.Context, rd task.ResumeData) error {
	doc, err := json.Marshal(rd)
	if err != nil {
		return fmt.Errorf("store: encode resume data for %s: %w", rd.Task.TaskID, err)
	}

	return r.store.Put(ctx, CollectionResumeData, rd.Task.TaskID, doc, r.clock())
}

// DeleteResumeData implements engine.ResumeStore.
func (r *ResumeStore) DeleteResumeData(ctx context.Context, taskID string) error {
	return r.store.Delete(ctx, CollectionResumeData, taskID)
}

// GetResumeData implements engine.ResumeStore. ok is false (with a nil
// error) when no resume data exists for taskID.
func (r *ResumeStore) GetResumeData(ctx context.Context, taskID string) (task.ResumeData, bool, error) {
	doc, err := r.store.Get(ctx, CollectionResumeData, taskID)
	if errors.Is(err, ErrNotFound) {
		return task.ResumeData{}, false, nil
	}

	if err != nil {
		return task.ResumeData{}, false, fmt.Errorf("store: get resume data for %s: %w", taskID, err)
	}

	var rd task.ResumeData
	if err := json.Unmarshal(doc, &rd); err != nil {
		return task.ResumeData{}, false, fmt.Errorf("store: decode resume data for %s: %w", taskID, err)
	}

	return rd, true, nil
}
