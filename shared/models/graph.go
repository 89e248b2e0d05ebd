package models

import "time"

// NodeKind - тип узла графа знаний.
type NodeKind string

const (
	NodeConcept   NodeKind = "Concept"
	NodeCharacter NodeKind = "Character"
	NodeLocation  NodeKind = "Location"
	NodeItem      NodeKind = "Item"
	NodeEvent     NodeKind = "Event"
	NodeUniverse  NodeKind = "Universe"
	NodePlayer    NodeKind = "Player"
	NodeMemory    NodeKind = "Memory"
)

// AllNodeKinds returns node kinds in declaration order.
func AllNodeKinds() []NodeKind {
	return []NodeKind{NodeConcept, NodeCharacter, NodeLocation, NodeItem, NodeEvent, NodeUniverse, NodePlayer, NodeMemory}
}

// RelationKind - тип ребра графа знаний.
type RelationKind string

const (
	RelLocatedIn  RelationKind = "LOCATED_IN"
	RelHasItem    RelationKind = "HAS_ITEM"
	RelRelatedTo  RelationKind = "RELATED_TO"
	RelPrecedes   RelationKind = "PRECEDES"
	RelConnectsTo RelationKind = "CONNECTS_TO" // props["direction"] задает выход
	RelHasMemory  RelationKind = "HAS_MEMORY"
	RelPartOf     RelationKind = "PART_OF" // локация -> вселенная
)

// Node представляет сущность графа знаний.
type Node struct {
	ID          string            `json:"id" db:"id"`
	Kind        NodeKind          `json:"kind" db:"kind"`
	Name        string            `json:"name" db:"name"`
	Description string            `json:"description" db:"description"`
	Props       map[string]string `json:"props,omitempty" db:"-"`
}

// Relationship представляет ребро графа знаний с необязательными свойствами.
type Relationship struct {
	Kind      RelationKind      `json:"kind"`
	FromID    string            `json:"from_id"`
	ToID      string            `json:"to_id"`
	Strength  *float64          `json:"strength,omitempty"`
	StartTime *time.Time        `json:"start_time,omitempty"`
	EndTime   *time.Time        `json:"end_time,omitempty"`
	Source    string            `json:"source,omitempty"`
	Inferred  bool              `json:"inferred"`
	Props     map[string]string `json:"props,omitempty"`
}

// Record - одна строка результата запроса к хранилищу знаний.
// Колонки типизированы по имени: id, kind, name, description, props и т.д.
type Record map[string]any

// String returns the named column as a string, or "" when absent.
func (r Record) String(key string) string {
	switch v := r[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	return ""
}

// Float returns the named column as float64.
func (r Record) Float(key string) (float64, bool) {
	switch v := r[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

// Node converts a record with node columns into a Node.
func (r Record) Node() Node {
	return Node{
		ID:          r.String("id"),
		Kind:        NodeKind(r.String("kind")),
		Name:        r.String("name"),
		Description: r.String("description"),
	}
}
