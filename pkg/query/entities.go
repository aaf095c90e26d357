package query

import (
	"regexp"
	"strings"
	"sync"

	"github.com/regen-network/koi/pkg/identity"
	"github.com/regen-network/koi/pkg/pipeline"
)

var slugDisallowed = regexp.MustCompile(`[^a-z0-9]+`)

// entityRid mints a stable identifier for an entity from its kind and
// name, so the same named concept extracted from different artifacts
// resolves to one entity RID. Identity resolution beyond exact
// kind+name matching (aliasing, fuzzy merge) is out of scope here; the
// Pipeline Engine's ontology is the place that would own that.
func entityRid(kind, name string) string {
	slug := slugDisallowed.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "unknown"
	}
	rid, err := identity.MintRID("regen", "entity", strings.ToLower(kind)+"-"+slug)
	if err != nil {
		return ""
	}
	return string(rid)
}

// MemoryEntityIndex is the in-process EntityIndexer/EntityIndex
// implementation backing single-process deployments and tests. Its
// contents are held in memory only and do not survive a restart.
type MemoryEntityIndex struct {
	mu         sync.RWMutex
	byArtifact map[string][]pipeline.Entity
	byEntity   map[string][]string // entityRid -> source artifact RIDs, most recent last
}

// NewMemoryEntityIndex creates an empty MemoryEntityIndex.
func NewMemoryEntityIndex() *MemoryEntityIndex {
	return &MemoryEntityIndex{
		byArtifact: make(map[string][]pipeline.Entity),
		byEntity:   make(map[string][]string),
	}
}

// IndexEntities satisfies pipeline.EntityIndexer: it is called once per
// successful (non-skipped) extraction.
func (m *MemoryEntityIndex) IndexEntities(rid, cid string, entities []pipeline.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tagged := make([]pipeline.Entity, len(entities))
	for i, e := range entities {
		e.Rid = entityRid(e.Kind, e.Name)
		tagged[i] = e
	}
	m.byArtifact[rid] = tagged

	for _, e := range tagged {
		if e.Rid == "" {
			continue
		}
		m.byEntity[e.Rid] = appendUnique(m.byEntity[e.Rid], e.SourceArtifactRid)
	}
	return nil
}

// EntitiesOf returns the entities extracted from rid, if any.
func (m *MemoryEntityIndex) EntitiesOf(rid string) ([]pipeline.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byArtifact[rid], nil
}

// ArtifactsMentioning returns up to limit artifact RIDs that entityRid was
// extracted from, most recently indexed first. limit <= 0 means no cap.
func (m *MemoryEntityIndex) ArtifactsMentioning(entityRid string, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rids := m.byEntity[entityRid]
	out := make([]string, len(rids))
	for i, r := range rids {
		out[len(rids)-1-i] = r // most-recent-last -> most-recent-first
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func appendUnique(rids []string, rid string) []string {
	if rid == "" {
		return rids
	}
	for _, r := range rids {
		if r == rid {
			return rids
		}
	}
	return append(rids, rid)
}
