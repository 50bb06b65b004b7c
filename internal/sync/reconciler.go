package sync

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/parley/internal/model"
	"github.com/matheus3301/parley/internal/store"
)

// Reconciler manages resync checkpoints in the session journal.
type Reconciler struct {
	db     *store.DB
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, logger: logger}
}

func checkpointKey(key model.ConversationKey) string {
	return "resync:" + key.String()
}

// RecordResync stores when key was last fully resynced.
func (r *Reconciler) RecordResync(key model.ConversationKey, at time.Time) error {
	if err := r.db.SetSyncState(checkpointKey(key), at.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("record resync of %s: %w", key, err)
	}
	return nil
}

// LastResync returns when key was last fully resynced.
func (r *Reconciler) LastResync(key model.ConversationKey) (time.Time, bool, error) {
	v, ok, err := r.db.SyncState(checkpointKey(key))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse checkpoint %q: %w", v, err)
	}
	return t, true, nil
}
