package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"tta-server/shared/models"
)

// Patch - частичная запись, которую роль возвращает за один вызов.
// nil-поле означает "не трогать"; у каждого поля свое правило слияния.
type Patch struct {
	Intent          *models.Intent            // overwrite
	World           *WorldPatch               // field-by-field
	Characters      map[string]CharacterPatch // keyed upsert
	Guidelines      []string                  // wholesale replace when non-nil
	MemoryRefs      []MemoryRef               // append
	ToolCalls       []ToolCall                // append to pending queue
	ToolResults     []ToolResult              // append
	NarrativeOutput *string                   // overwrite
}

// WorldPatch перезаписывает только заданные поля снимка мира.
// Params сливаются по ключу; пустое значение удаляет ключ.
type WorldPatch struct {
	LocationID        *string
	LocationName      *string
	UniverseID        *string
	CharactersPresent []string
	Inventory         []string
	Params            map[string]string
}

// CharacterPatch обновляет запись персонажа на месте.
type CharacterPatch struct {
	Name          *string
	LocationID    *string
	Condition     *string
	Disposition   *string
	Relationships map[string]float64
	Attributes    map[string]string
	Delete        bool
}

// Text is a helper for optional string fields.
func Text(s string) *string { return &s }

// IsEmpty reports whether the patch touches no field.
func (p Patch) IsEmpty() bool {
	return p.Intent == nil && p.World == nil && len(p.Characters) == 0 && p.Guidelines == nil &&
		len(p.MemoryRefs) == 0 && len(p.ToolCalls) == 0 && len(p.ToolResults) == 0 && p.NarrativeOutput == nil
}

// fields returns the character fields a patch writes, in a stable order.
func (cp CharacterPatch) fields() []string {
	var out []string
	if cp.Name != nil {
		out = append(out, "name")
	}
	if cp.LocationID != nil {
		out = append(out, "location_id")
	}
	if cp.Condition != nil {
		out = append(out, "condition")
	}
	if cp.Disposition != nil {
		out = append(out, "disposition")
	}
	for _, k := range sortedKeys(cp.Relationships) {
		out = append(out, "relationships."+k)
	}
	for _, k := range sortedKeys(cp.Attributes) {
		out = append(out, "attributes."+k)
	}
	if cp.Delete {
		out = append(out, "deleted")
	}
	return out
}

// Shape описывает форму патча без содержимого: список затронутых полей и ключей.
func (p Patch) Shape() []string {
	shape := []string{}
	if p.Intent != nil {
		shape = append(shape, "structured_intent")
	}
	if w := p.World; w != nil {
		if w.LocationID != nil {
			shape = append(shape, "world_snapshot.location_id")
		}
		if w.LocationName != nil {
			shape = append(shape, "world_snapshot.location_name")
		}
		if w.UniverseID != nil {
			shape = append(shape, "world_snapshot.universe_id")
		}
		if w.CharactersPresent != nil {
			shape = append(shape, "world_snapshot.characters_present")
		}
		if w.Inventory != nil {
			shape = append(shape, "world_snapshot.inventory")
		}
		for _, k := range sortedKeys(w.Params) {
			shape = append(shape, "world_snapshot.params."+k)
		}
	}
	for _, id := range sortedKeys(p.Characters) {
		for _, f := range p.Characters[id].fields() {
			shape = append(shape, characterShape(id, f))
		}
	}
	if p.Guidelines != nil {
		shape = append(shape, "active_guidelines")
	}
	if n := len(p.MemoryRefs); n > 0 {
		shape = append(shape, "memory_refs+"+strconv.Itoa(n))
	}
	if n := len(p.ToolCalls); n > 0 {
		shape = append(shape, "pending_tool_calls+"+strconv.Itoa(n))
	}
	if n := len(p.ToolResults); n > 0 {
		shape = append(shape, "tool_results+"+strconv.Itoa(n))
	}
	if p.NarrativeOutput != nil {
		shape = append(shape, "narrative_output")
	}
	return shape
}

func characterShape(id, field string) string {
	return fmt.Sprintf("character_records[%s].%s", id, field)
}

// NormalizeArgs приводит аргументы инструмента к JSON-виду (числа -> float64),
// чтобы очередь вызовов переживала сериализацию без изменений.
func NormalizeArgs(args map[string]any) (map[string]any, error) {
	if args == nil {
		return nil, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool args: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode tool args: %w", err)
	}
	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
