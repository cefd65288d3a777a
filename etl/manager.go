package etl

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/scottrbailey/dbtk/record"
)

// EntityStatus tracks where an entity is in its resolution lifecycle.
type EntityStatus string

const (
	StatusPending  EntityStatus = "pending"
	StatusResolved EntityStatus = "resolved"
	StatusError    EntityStatus = "error"
	StatusSkipped  EntityStatus = "skipped"
)

// ErrorDetail is a structured error attached to an entity.
type ErrorDetail struct {
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
	Field   string `json:"field,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Entity is one tracked import subject: its identifiers, enrichment data,
// status, and accumulated errors. The whole struct round-trips through JSON.
type Entity struct {
	IDs      map[string]any `json:"ids"`
	Data     map[string]any `json:"data,omitempty"`
	Status   EntityStatus   `json:"status"`
	Errors   []ErrorDetail  `json:"errors,omitempty"`
	Resolved []string       `json:"resolved,omitempty"`
}

// ID returns an identifier value by name, nil when unset.
func (e *Entity) ID(name string) any { return e.IDs[name] }

func (e *Entity) isResolved(idName string) bool {
	for _, r := range e.Resolved {
		if r == idName {
			return true
		}
	}
	return false
}

// Resolver turns a payload of known identifiers into a row carrying more of
// them. Prepared statements satisfy it.
type Resolver interface {
	QueryOne(payload map[string]any) (*record.Record, error)
}

// EntityManager keeps incremental, resumable state for multi-stage imports
// where each inbound record carries a reliable primary identifier and
// secondary identifiers are resolved on demand.
type EntityManager struct {
	primaryID    string
	secondaryIDs []string
	idTypes      []string

	// primary key (stringified) -> entity
	entities map[string]*Entity
	// secondary id name -> stringified value -> primary key
	index map[string]map[string]string

	resolvers map[string]Resolver
	log       *logrus.Entry
}

// NewEntityManager builds a manager tracking the given identifiers.
func NewEntityManager(primaryID string, secondaryIDs ...string) *EntityManager {
	m := &EntityManager{
		primaryID:    primaryID,
		secondaryIDs: secondaryIDs,
		idTypes:      append([]string{primaryID}, secondaryIDs...),
		entities:     make(map[string]*Entity),
		index:        make(map[string]map[string]string, len(secondaryIDs)),
		resolvers:    make(map[string]Resolver),
		log:          logrus.WithField("manager", primaryID),
	}
	for _, sid := range secondaryIDs {
		m.index[sid] = make(map[string]string)
	}
	return m
}

func idKey(v any) string { return fmt.Sprint(v) }

// SetMainResolver registers the resolver used for the given identifiers,
// defaulting to the primary.
func (m *EntityManager) SetMainResolver(r Resolver, fromIDs ...string) error {
	if len(fromIDs) == 0 {
		fromIDs = []string{m.primaryID}
	}
	for _, name := range fromIDs {
		if !m.knownID(name) {
			return fmt.Errorf("etl: invalid resolver id %q", name)
		}
		m.resolvers[name] = r
	}
	return nil
}

// AddFallbackResolver registers a resolver keyed on a secondary identifier,
// for the rare secondary-to-secondary case.
func (m *EntityManager) AddFallbackResolver(fromID string, r Resolver) error {
	for _, sid := range m.secondaryIDs {
		if sid == fromID {
			m.resolvers[fromID] = r
			return nil
		}
	}
	return fmt.Errorf("etl: fallback resolver id %q must be a secondary identifier", fromID)
}

func (m *EntityManager) knownID(name string) bool {
	for _, id := range m.idTypes {
		if id == name {
			return true
		}
	}
	return false
}

// ProcessRow gets or creates the entity for a primary value and resolves its
// remaining identifiers.
func (m *EntityManager) ProcessRow(primaryValue any) (*Entity, error) {
	entity := m.getOrCreate(primaryValue)
	if _, err := m.Resolve(entity); err != nil {
		return entity, err
	}
	return entity, nil
}

func (m *EntityManager) getOrCreate(primaryValue any) *Entity {
	key := idKey(primaryValue)
	if entity, ok := m.entities[key]; ok {
		return entity
	}
	entity := &Entity{
		IDs:    map[string]any{m.primaryID: primaryValue},
		Data:   make(map[string]any),
		Status: StatusPending,
	}
	m.entities[key] = entity
	return entity
}

// Resolve runs the registered resolvers over any identifier the entity
// already holds, filling in the others and enrichment data. It reports
// whether anything changed.
func (m *EntityManager) Resolve(entity *Entity) (bool, error) {
	updated := false
	primaryKey := idKey(entity.IDs[m.primaryID])

	for _, idName := range m.idTypes {
		if m.allIDsKnown(entity) {
			break
		}
		if entity.isResolved(idName) || entity.IDs[idName] == nil {
			continue
		}
		resolver, ok := m.resolvers[idName]
		if !ok {
			continue
		}
		changed, err := m.applyResolver(entity, idName, resolver, primaryKey)
		if err != nil {
			return updated, err
		}
		if changed {
			updated = true
			entity.Resolved = append(entity.Resolved, idName)
		}
	}

	if updated {
		entity.Status = StatusResolved
	}
	return updated, nil
}

func (m *EntityManager) allIDsKnown(entity *Entity) bool {
	for _, id := range m.idTypes {
		if entity.IDs[id] == nil {
			return false
		}
	}
	return true
}

func (m *EntityManager) applyResolver(entity *Entity, usingID string, resolver Resolver, primaryKey string) (bool, error) {
	rec, err := resolver.QueryOne(map[string]any{usingID: entity.IDs[usingID]})
	if err != nil {
		m.log.Errorf("resolver failed for %s=%v: %v", usingID, entity.IDs[usingID], err)
		return false, err
	}
	if rec == nil {
		return false, nil
	}

	updated := false
	row := rec.ToMap()

	for _, sid := range m.secondaryIDs {
		if sid == usingID {
			continue
		}
		newVal, ok := row[sid]
		if !ok || newVal == nil || idKey(entity.IDs[sid]) == idKey(newVal) && entity.IDs[sid] != nil {
			continue
		}
		newKey := idKey(newVal)
		if existing, taken := m.index[sid][newKey]; taken && existing != primaryKey {
			return updated, fmt.Errorf(
				"etl: secondary id conflict: %s=%v already maps to %s, cannot also map to %s",
				sid, newVal, existing, primaryKey)
		}
		if old := entity.IDs[sid]; old != nil {
			delete(m.index[sid], idKey(old))
		}
		entity.IDs[sid] = newVal
		m.index[sid][newKey] = primaryKey
		updated = true
	}

	for col, val := range row {
		if m.knownID(col) {
			continue
		}
		if cur, ok := entity.Data[col]; !ok || idKey(cur) != idKey(val) {
			entity.Data[col] = val
			updated = true
		}
	}
	return updated, nil
}

// GetByPrimary returns the entity for a primary value, or nil.
func (m *EntityManager) GetByPrimary(v any) *Entity {
	return m.entities[idKey(v)]
}

// GetBySecondary returns the entity a secondary identifier value maps to,
// or nil.
func (m *EntityManager) GetBySecondary(secondaryID string, v any) (*Entity, error) {
	idx, ok := m.index[secondaryID]
	if !ok {
		return nil, fmt.Errorf("etl: unknown secondary id %q", secondaryID)
	}
	key, ok := idx[idKey(v)]
	if !ok {
		return nil, nil
	}
	return m.entities[key], nil
}

// AddError attaches a structured error and flips the entity to error status.
func (m *EntityManager) AddError(entity *Entity, detail ErrorDetail) {
	entity.Errors = append(entity.Errors, detail)
	entity.Status = StatusError
}

// Entities returns all tracked entities, ordered by primary key for
// deterministic iteration.
func (m *EntityManager) Entities() []*Entity {
	keys := make([]string, 0, len(m.entities))
	for k := range m.entities {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*Entity, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.entities[k])
	}
	return out
}

// WithErrors returns the entities carrying errors, optionally filtered to
// one stage.
func (m *EntityManager) WithErrors(stage string) []*Entity {
	var out []*Entity
	for _, entity := range m.Entities() {
		for _, e := range entity.Errors {
			if stage == "" || e.Stage == stage {
				out = append(out, entity)
				break
			}
		}
	}
	return out
}

// Summary returns processing totals by status.
func (m *EntityManager) Summary() map[string]int {
	summary := map[string]int{
		"total":       len(m.entities),
		"resolved":    0,
		"pending":     0,
		"error":       0,
		"skipped":     0,
		"with_errors": 0,
	}
	for _, e := range m.entities {
		summary[string(e.Status)]++
		if len(e.Errors) > 0 {
			summary["with_errors"]++
		}
	}
	return summary
}

// Save writes the full entity state as indented JSON so an interrupted
// import can resume.
func (m *EntityManager) Save(path string) error {
	buf, err := json.MarshalIndent(m.entities, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, buf, 0644); err != nil {
		return err
	}
	m.log.Infof("entity state saved to %s (%d entities)", path, len(m.entities))
	return nil
}

// LoadEntityManager restores saved state; resolvers must be re-registered
// by the caller.
func LoadEntityManager(path, primaryID string, secondaryIDs ...string) (*EntityManager, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := NewEntityManager(primaryID, secondaryIDs...)
	if err := json.Unmarshal(buf, &m.entities); err != nil {
		return nil, fmt.Errorf("etl: loading entity state from %s: %w", path, err)
	}
	for key, entity := range m.entities {
		if entity.Data == nil {
			entity.Data = make(map[string]any)
		}
		for _, sid := range secondaryIDs {
			if val := entity.IDs[sid]; val != nil {
				m.index[sid][idKey(val)] = key
			}
		}
	}
	m.log.Infof("entity state loaded from %s (%d entities)", path, len(m.entities))
	return m, nil
}
