package artifacts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrNotFound = errors.New("artifacts: not found")

// Registry is the RID→CID index with history, layered over a content-
// addressed Store. It owns the mapping from semantic identifiers to
// content; the Store owns only bytes.
//
// The index is held in memory only and backs single-process deployments
// and tests; it is not persisted across restarts.
type Registry struct {
	store Store

	mu      sync.RWMutex
	current map[string]*Artifact   // rid -> current row
	history map[string][]*Artifact // rid -> closed rows, oldest first
}

// NewRegistry creates a Registry over the given byte store.
func NewRegistry(store Store) *Registry {
	return &Registry{
		store:   store,
		current: make(map[string]*Artifact),
		history: make(map[string][]*Artifact),
	}
}

// PutBytes stores data and returns its CID. Idempotent.
func (r *Registry) PutBytes(ctx context.Context, data []byte) (string, error) {
	return r.store.Store(ctx, data)
}

// GetBytes retrieves data by CID.
func (r *Registry) GetBytes(ctx context.Context, cid string) ([]byte, error) {
	return r.store.Get(ctx, cid)
}

// Exists reports whether a CID resolves in the store. Satisfies
// ledger.ArtifactResolver.
func (r *Registry) Exists(cid string) bool {
	ok, err := r.store.Exists(context.Background(), cid)
	return err == nil && ok
}

// UpsertArtifact records a (rid, cid) pairing. If the rid's current cid
// already matches, the call is a no-op (Unchanged). Otherwise the prior
// row (if any) is closed with validTo=now and a new current row is
// inserted: a single critical section makes this atomic in-process.
func (r *Registry) UpsertArtifact(rid, cid, format, stage string, metadata map[string]string) (UpsertResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()

	existing, ok := r.current[rid]
	if ok && existing.Cid == cid {
		return Unchanged, nil
	}

	size, err := r.sizeOf(cid)
	if err != nil {
		return "", err
	}

	next := &Artifact{
		Rid:       rid,
		Cid:       cid,
		Format:    format,
		Stage:     stage,
		Size:      size,
		CreatedAt: now,
		ValidFrom: now,
		Metadata:  metadata,
	}

	result := Created
	if ok {
		closedAt := now
		existing.ValidTo = &closedAt
		r.history[rid] = append(r.history[rid], existing)
		result = Revised
	}

	r.current[rid] = next
	return result, nil
}

func (r *Registry) sizeOf(cid string) (int64, error) {
	data, err := r.store.Get(context.Background(), cid)
	if err != nil {
		return 0, fmt.Errorf("artifacts: size lookup for %s: %w", cid, err)
	}
	return int64(len(data)), nil
}

// CurrentCID returns the current CID for rid.
func (r *Registry) CurrentCID(rid string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.current[rid]
	if !ok {
		return "", ErrNotFound
	}
	return a.Cid, nil
}

// RidForCid returns the RID whose current row carries cid, if any.
// Satisfies dedup.ArtifactIndex: the exact-match tier of the
// deduplication policy needs to know which RID a content hash already
// belongs to, without caring about its stage or history.
func (r *Registry) RidForCid(cid string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for rid, a := range r.current {
		if a.Cid == cid {
			return rid, true
		}
	}
	return "", false
}

// ByStage returns the current artifacts positioned at stage, in no
// particular order. Used by the embedding index and entity index to
// enumerate candidates without a dedicated secondary index.
func (r *Registry) ByStage(stage string) []*Artifact {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Artifact
	for _, a := range r.current {
		if a.Stage == stage {
			out = append(out, a)
		}
	}
	return out
}

// HistoryEntry is a single (cid, validFrom, validTo) row for History.
type HistoryEntry struct {
	Cid       string
	ValidFrom time.Time
	ValidTo   *time.Time
}

// History returns all CID pairings for rid, ordered oldest to newest,
// including the current row last.
func (r *Registry) History(rid string) ([]HistoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	closed, hasClosed := r.history[rid]
	current, hasCurrent := r.current[rid]
	if !hasClosed && !hasCurrent {
		return nil, ErrNotFound
	}

	entries := make([]HistoryEntry, 0, len(closed)+1)
	for _, a := range closed {
		entries = append(entries, HistoryEntry{Cid: a.Cid, ValidFrom: a.ValidFrom, ValidTo: a.ValidTo})
	}
	if hasCurrent {
		entries = append(entries, HistoryEntry{Cid: current.Cid, ValidFrom: current.ValidFrom, ValidTo: current.ValidTo})
	}
	return entries, nil
}

// Resolve looks up an Artifact by rid (returns the current row) or by
// cid (returns whichever row, current or historical, carries that cid).
func (r *Registry) Resolve(ridOrCid string) (*Artifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if a, ok := r.current[ridOrCid]; ok {
		return a, nil
	}
	for _, a := range r.current {
		if a.Cid == ridOrCid {
			return a, nil
		}
	}
	for _, rows := range r.history {
		for _, a := range rows {
			if a.Cid == ridOrCid {
				return a, nil
			}
		}
	}
	return nil, ErrNotFound
}
