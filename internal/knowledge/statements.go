// Package knowledge holds the parameterized statements run against the graph store.
// Templates are portable between the PostgreSQL and SQLite adapters.
package knowledge

import (
	"encoding/json"
	"time"

	"tta-server/shared/models"
)

const (
	findNodesSQL = `
SELECT id, kind, name, description FROM kg_nodes
WHERE kind = $kind AND lower(name) LIKE lower(CAST($pattern AS TEXT))
ORDER BY name
LIMIT $limit`

	nodeByIDSQL = `
SELECT id, kind, name, description, props FROM kg_nodes
WHERE id = $id AND kind = $kind`

	nodeByNameSQL = `
SELECT id, kind, name, description, props FROM kg_nodes
WHERE kind = $kind AND lower(name) = lower(CAST($name AS TEXT))
ORDER BY id
LIMIT 1`

	outgoingSQL = `
SELECT n.id, n.kind, n.name, n.description, e.props AS edge_props FROM kg_edges e
JOIN kg_nodes n ON n.id = e.to_id
WHERE e.from_id = $from_id AND e.kind = $rel
ORDER BY n.name`

	incomingSQL = `
SELECT n.id, n.kind, n.name, n.description FROM kg_edges e
JOIN kg_nodes n ON n.id = e.from_id
WHERE e.to_id = $to_id AND e.kind = $rel
ORDER BY n.kind, n.name`

	itemAtLocationSQL = `
SELECT n.id, n.kind, n.name, n.description FROM kg_nodes n
JOIN kg_edges e ON e.from_id = n.id
WHERE n.kind = $kind AND lower(n.name) = lower(CAST($name AS TEXT)) AND e.kind = $rel AND e.to_id = $location_id
LIMIT 1`

	memoriesOfSQL = `
SELECT n.id, n.kind, n.name, n.description, n.props FROM kg_edges e
JOIN kg_nodes n ON n.id = e.to_id
WHERE e.from_id = $owner_id AND e.kind = $rel AND n.kind = $kind
ORDER BY e.start_time DESC, n.id
LIMIT $limit`

	upsertNodeSQL = `
INSERT INTO kg_nodes (id, kind, name, description, props)
VALUES ($id, $kind, $name, $description, $props)
ON CONFLICT (id) DO UPDATE SET name = excluded.name, description = excluded.description, props = excluded.props
RETURNING id, kind, name, description`

	insertNodeIfAbsentSQL = `
INSERT INTO kg_nodes (id, kind, name, description, props)
VALUES ($id, $kind, $name, $description, $props)
ON CONFLICT (id) DO NOTHING`

	deleteEdgesFromSQL = `
DELETE FROM kg_edges WHERE from_id = $from_id AND kind = $rel`

	upsertEdgeSQL = `
INSERT INTO kg_edges (kind, from_id, to_id, strength, start_time, end_time, source, inferred, props)
VALUES ($rel, $from_id, $to_id, $strength, $start_time, $end_time, $source, $inferred, $props)
ON CONFLICT (kind, from_id, to_id) DO UPDATE SET
	strength = excluded.strength, start_time = excluded.start_time, end_time = excluded.end_time,
	source = excluded.source, inferred = excluded.inferred, props = excluded.props`
)

// FindNodes ищет узлы по типу и шаблону имени (LIKE).
func FindNodes(kind models.NodeKind, pattern string, limit int) models.Statement {
	return models.Statement{
		Name:     "find_nodes",
		Template: findNodesSQL,
		Params:   map[string]any{"kind": string(kind), "pattern": pattern, "limit": limit},
	}
}

// NodeByID загружает узел заданного типа по id.
func NodeByID(kind models.NodeKind, id string) models.Statement {
	return models.Statement{
		Name:     "node_by_id",
		Template: nodeByIDSQL,
		Params:   map[string]any{"id": id, "kind": string(kind)},
	}
}

// NodeByName загружает первый узел заданного типа с точным (без учета регистра) именем.
func NodeByName(kind models.NodeKind, name string) models.Statement {
	return models.Statement{
		Name:     "node_by_name",
		Template: nodeByNameSQL,
		Params:   map[string]any{"kind": string(kind), "name": name},
	}
}

// Outgoing возвращает узлы, в которые ведут ребра rel из fromID.
func Outgoing(fromID string, rel models.RelationKind) models.Statement {
	return models.Statement{
		Name:     "outgoing_" + string(rel),
		Template: outgoingSQL,
		Params:   map[string]any{"from_id": fromID, "rel": string(rel)},
	}
}

// Incoming возвращает узлы, из которых ведут ребра rel в toID.
func Incoming(toID string, rel models.RelationKind) models.Statement {
	return models.Statement{
		Name:     "incoming_" + string(rel),
		Template: incomingSQL,
		Params:   map[string]any{"to_id": toID, "rel": string(rel)},
	}
}

// ItemAtLocation ищет предмет по имени в локации.
func ItemAtLocation(name, locationID string) models.Statement {
	return models.Statement{
		Name:     "item_at_location",
		Template: itemAtLocationSQL,
		Params: map[string]any{
			"kind": string(models.NodeItem), "name": name,
			"rel": string(models.RelLocatedIn), "location_id": locationID,
		},
	}
}

// MemoriesOf возвращает последние limit воспоминаний владельца, новые первыми.
func MemoriesOf(ownerID string, limit int) models.Statement {
	return models.Statement{
		Name:     "memories_of",
		Template: memoriesOfSQL,
		Params: map[string]any{
			"owner_id": ownerID, "rel": string(models.RelHasMemory),
			"kind": string(models.NodeMemory), "limit": limit,
		},
	}
}

// UpsertNode создает или обновляет узел.
func UpsertNode(n models.Node) models.Statement {
	return models.Statement{
		Name:     "upsert_node",
		Template: upsertNodeSQL,
		Params:   nodeParams(n),
	}
}

// InsertNodeIfAbsent создает узел, если его еще нет.
func InsertNodeIfAbsent(n models.Node) models.Statement {
	return models.Statement{
		Name:     "insert_node_if_absent",
		Template: insertNodeIfAbsentSQL,
		Params:   nodeParams(n),
	}
}

// DeleteEdgesFrom удаляет все ребра rel, выходящие из fromID.
func DeleteEdgesFrom(fromID string, rel models.RelationKind) models.Statement {
	return models.Statement{
		Name:     "delete_edges_" + string(rel),
		Template: deleteEdgesFromSQL,
		Params:   map[string]any{"from_id": fromID, "rel": string(rel)},
	}
}

// UpsertEdge создает или обновляет ребро со свойствами.
func UpsertEdge(r models.Relationship) models.Statement {
	var strength, start, end any
	if r.Strength != nil {
		strength = *r.Strength
	}
	if r.StartTime != nil {
		start = r.StartTime.UTC()
	}
	if r.EndTime != nil {
		end = r.EndTime.UTC()
	}
	var source any
	if r.Source != "" {
		source = r.Source
	}
	return models.Statement{
		Name:     "upsert_edge",
		Template: upsertEdgeSQL,
		Params: map[string]any{
			"rel": string(r.Kind), "from_id": r.FromID, "to_id": r.ToID,
			"strength": strength, "start_time": start, "end_time": end,
			"source": source, "inferred": r.Inferred, "props": encodeProps(r.Props),
		},
	}
}

// Edge is a shorthand for a relationship starting now.
func Edge(kind models.RelationKind, from, to, source string) models.Relationship {
	ts := time.Now().UTC().Truncate(time.Second)
	return models.Relationship{Kind: kind, FromID: from, ToID: to, StartTime: &ts, Source: source}
}

// DecodeProps разбирает JSON-колонку props; пустая или битая колонка дает пустую карту.
func DecodeProps(rec models.Record, column string) map[string]string {
	props := map[string]string{}
	raw := rec.String(column)
	if raw == "" {
		return props
	}
	_ = json.Unmarshal([]byte(raw), &props)
	return props
}

func nodeParams(n models.Node) map[string]any {
	return map[string]any{
		"id": n.ID, "kind": string(n.Kind), "name": n.Name,
		"description": n.Description, "props": encodeProps(n.Props),
	}
}

func encodeProps(props map[string]string) string {
	if len(props) == 0 {
		return "{}"
	}
	data, err := json.Marshal(props)
	if err != nil {
		return "{}"
	}
	return string(data)
}
