package tools

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"tta-server/internal/knowledge"
	"tta-server/shared/models"
)

// Имена встроенных инструментов графа знаний.
const (
	ToolQueryKnowledgeGraph = "query_knowledge_graph"
	ToolGetLocationDetails  = "get_location_details"
	ToolMovePlayer          = "move_player"
	ToolTakeItem            = "take_item"
	ToolCreateCharacter     = "create_character"
	ToolRelateEntities      = "relate_entities"
	ToolStoreMemory         = "store_memory"
	ToolReadLore            = "read_lore"
	ToolRecallMemories      = "recall_memories"
)

const (
	defaultQueryLimit = 5
	maxQueryLimit     = 25
	memoryTitleRunes  = 48

	defaultRecallLimit = 3
	recallScanLimit    = 50
	minKeywordRunes    = 3
)

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func nodeKindEnum() []string {
	kinds := models.AllNodeKinds()
	out := make([]string, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, string(k))
	}
	return out
}

// KnowledgeTools returns descriptors of the built-in graph tools.
func KnowledgeTools() []Descriptor {
	return []Descriptor{
		{
			Name:        ToolQueryKnowledgeGraph,
			Description: "Find entities of one kind by name.",
			Input: Schema{Fields: []Field{
				{Name: "kind", Type: TypeString, Required: true, Enum: nodeKindEnum()},
				{Name: "name", Type: TypeString, Required: true, MaxLen: 128},
				{Name: "match", Type: TypeString, Enum: []string{"exact", "contains"}},
				{Name: "limit", Type: TypeInteger},
			}},
			Handler: queryKnowledgeGraph,
		},
		{
			Name:        ToolGetLocationDetails,
			Description: "Describe a location: exits, characters, items and its universe.",
			Input: Schema{Fields: []Field{
				{Name: "location_id", Type: TypeString, Required: true, MaxLen: 128},
			}},
			Handler: getLocationDetails,
		},
		{
			Name:        ToolMovePlayer,
			Description: "Move the player node to another location.",
			Input: Schema{Fields: []Field{
				{Name: "player_id", Type: TypeString, Required: true},
				{Name: "location_id", Type: TypeString, Required: true},
			}},
			Handler: movePlayer,
			Mutates: true,
		},
		{
			Name:        ToolTakeItem,
			Description: "Pick up an item lying at the player's location.",
			Input: Schema{Fields: []Field{
				{Name: "player_id", Type: TypeString, Required: true},
				{Name: "location_id", Type: TypeString, Required: true},
				{Name: "item_name", Type: TypeString, Required: true, MaxLen: 128},
			}},
			Handler: takeItem,
			Mutates: true,
		},
		{
			Name:        ToolCreateCharacter,
			Description: "Create or update a character and place it in a location.",
			Input: Schema{Fields: []Field{
				{Name: "id", Type: TypeString, MaxLen: 128},
				{Name: "name", Type: TypeString, Required: true, MaxLen: 128},
				{Name: "description", Type: TypeString, MaxLen: 2000},
				{Name: "location_id", Type: TypeString},
			}},
			Handler: createCharacter,
			Mutates: true,
		},
		{
			Name:        ToolRelateEntities,
			Description: "Create or update a relationship between two entities.",
			Input: Schema{Fields: []Field{
				{Name: "from_id", Type: TypeString, Required: true},
				{Name: "to_id", Type: TypeString, Required: true},
				{Name: "kind", Type: TypeString, Required: true, Enum: []string{
					string(models.RelRelatedTo), string(models.RelPrecedes), string(models.RelHasItem), string(models.RelLocatedIn),
				}},
				{Name: "strength", Type: TypeNumber},
				{Name: "source", Type: TypeString, MaxLen: 128},
				{Name: "inferred", Type: TypeBoolean},
			}},
			Handler: relateEntities,
			Mutates: true,
		},
		{
			Name:        ToolStoreMemory,
			Description: "Store a long-term memory attached to an entity.",
			Input: Schema{Fields: []Field{
				{Name: "owner_id", Type: TypeString, Required: true},
				{Name: "content", Type: TypeString, Required: true, MaxLen: 2000},
				{Name: "tags", Type: TypeString, MaxLen: 256},
				{Name: "turn", Type: TypeInteger},
			}},
			Handler: storeMemory,
			Mutates: true,
		},
		{
			Name:        ToolRecallMemories,
			Description: "Recall the memories of an entity, most relevant to the query first.",
			Input: Schema{Fields: []Field{
				{Name: "owner_id", Type: TypeString, Required: true, MaxLen: 128},
				{Name: "query", Type: TypeString, MaxLen: 512},
				{Name: "limit", Type: TypeInteger},
			}},
			Handler: recallMemories,
		},
		{
			Name:         ToolReadLore,
			Description:  "Return the lore text of a concept, ready for the player.",
			Input:        Schema{Fields: []Field{{Name: "name", Type: TypeString, Required: true, MaxLen: 128}}},
			Handler:      readLore,
			DirectReturn: true,
		},
	}
}

// RegisterKnowledgeTools регистрирует встроенные инструменты в реестре.
func RegisterKnowledgeTools(r *Registry) error {
	for _, d := range KnowledgeTools() {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// PlayerNodeID returns the graph id of the player node of a session.
func PlayerNodeID(sessionID string) string {
	return "player_" + sessionID
}

func queryKnowledgeGraph(ctx context.Context, env Env, args map[string]any) (Output, error) {
	if env.Store == nil {
		return Output{}, fmt.Errorf("%w: no knowledge store", models.ErrStoreUnavailable)
	}
	name := strings.ReplaceAll(StringArg(args, "name"), "%", "")
	pattern := name
	if StringArg(args, "match") == "contains" {
		pattern = "%" + name + "%"
	}
	limit := IntArg(args, "limit", defaultQueryLimit)
	if limit <= 0 || limit > maxQueryLimit {
		limit = defaultQueryLimit
	}
	records, err := env.Store.Query(ctx, knowledge.FindNodes(models.NodeKind(StringArg(args, "kind")), pattern, limit))
	if err != nil {
		return Output{}, err
	}
	lines := make([]string, 0, len(records))
	for _, rec := range records {
		n := rec.Node()
		lines = append(lines, fmt.Sprintf("%s %s: %s", n.Kind, n.Name, n.Description))
	}
	return Output{Records: records, Text: strings.Join(lines, "\n")}, nil
}

func getLocationDetails(ctx context.Context, env Env, args map[string]any) (Output, error) {
	if env.Store == nil {
		return Output{}, fmt.Errorf("%w: no knowledge store", models.ErrStoreUnavailable)
	}
	locationID := StringArg(args, "location_id")
	rows, err := env.Store.Query(ctx, knowledge.NodeByID(models.NodeLocation, locationID))
	if err != nil {
		return Output{}, err
	}
	if len(rows) == 0 {
		return Output{}, fmt.Errorf("location %s: %w", locationID, models.ErrNotFound)
	}
	loc := rows[0].Node()

	exitRows, err := env.Store.Query(ctx, knowledge.Outgoing(locationID, models.RelConnectsTo))
	if err != nil {
		return Output{}, err
	}
	exits := map[string]string{}
	for _, rec := range exitRows {
		if dir := knowledge.DecodeProps(rec, "edge_props")["direction"]; dir != "" {
			exits[dir] = rec.String("id")
		}
	}

	contentRows, err := env.Store.Query(ctx, knowledge.Incoming(locationID, models.RelLocatedIn))
	if err != nil {
		return Output{}, err
	}
	characters, characterNames, items := []string{}, []string{}, []string{}
	for _, rec := range contentRows {
		n := rec.Node()
		switch n.Kind {
		case models.NodeCharacter:
			characters = append(characters, n.ID)
			characterNames = append(characterNames, n.Name)
		case models.NodeItem:
			items = append(items, n.Name)
		}
	}

	universeRows, err := env.Store.Query(ctx, knowledge.Outgoing(locationID, models.RelPartOf))
	if err != nil {
		return Output{}, err
	}
	var universeID string
	guidelines := []string{}
	if len(universeRows) > 0 {
		universeID = universeRows[0].String("id")
		uni, err := env.Store.Query(ctx, knowledge.NodeByID(models.NodeUniverse, universeID))
		if err != nil {
			return Output{}, err
		}
		if len(uni) > 0 {
			if raw := knowledge.DecodeProps(uni[0], "props")["guidelines"]; raw != "" {
				guidelines = strings.Split(raw, "|")
			}
		}
	}

	rec := models.Record{
		"id":              loc.ID,
		"name":            loc.Name,
		"description":     loc.Description,
		"exits":           exits,
		"characters":      characters,
		"character_names": characterNames,
		"items":           items,
		"universe_id":     universeID,
		"guidelines":      guidelines,
	}
	return Output{Records: []models.Record{rec}, Text: loc.Description}, nil
}

func movePlayer(ctx context.Context, env Env, args map[string]any) (Output, error) {
	if env.Store == nil || env.Tx == nil {
		return Output{}, fmt.Errorf("%w: no write transaction", models.ErrStoreUnavailable)
	}
	playerID, locationID := StringArg(args, "player_id"), StringArg(args, "location_id")
	rows, err := env.Store.Query(ctx, knowledge.NodeByID(models.NodeLocation, locationID))
	if err != nil {
		return Output{}, err
	}
	if len(rows) == 0 {
		return Output{}, fmt.Errorf("location %s: %w", locationID, models.ErrNotFound)
	}
	_, err = env.Tx.Exec(ctx,
		knowledge.InsertNodeIfAbsent(models.Node{ID: playerID, Kind: models.NodePlayer, Name: "Player"}),
		knowledge.DeleteEdgesFrom(playerID, models.RelLocatedIn),
		knowledge.UpsertEdge(knowledge.Edge(models.RelLocatedIn, playerID, locationID, string(env.Role))),
	)
	if err != nil {
		return Output{}, err
	}
	return Output{Records: rows, Text: rows[0].Node().Name}, nil
}

func takeItem(ctx context.Context, env Env, args map[string]any) (Output, error) {
	if env.Tx == nil {
		return Output{}, fmt.Errorf("%w: no write transaction", models.ErrStoreUnavailable)
	}
	playerID := StringArg(args, "player_id")
	found, err := env.Tx.Exec(ctx, knowledge.ItemAtLocation(StringArg(args, "item_name"), StringArg(args, "location_id")))
	if err != nil {
		return Output{}, err
	}
	if len(found) == 0 || len(found[0]) == 0 {
		return Output{}, fmt.Errorf("item %q: %w", StringArg(args, "item_name"), models.ErrNotFound)
	}
	item := found[0][0].Node()
	_, err = env.Tx.Exec(ctx,
		knowledge.InsertNodeIfAbsent(models.Node{ID: playerID, Kind: models.NodePlayer, Name: "Player"}),
		knowledge.DeleteEdgesFrom(item.ID, models.RelLocatedIn),
		knowledge.UpsertEdge(knowledge.Edge(models.RelHasItem, playerID, item.ID, string(env.Role))),
	)
	if err != nil {
		return Output{}, err
	}
	return Output{Records: found[0][:1], Text: item.Name}, nil
}

func createCharacter(ctx context.Context, env Env, args map[string]any) (Output, error) {
	if env.Tx == nil {
		return Output{}, fmt.Errorf("%w: no write transaction", models.ErrStoreUnavailable)
	}
	name := StringArg(args, "name")
	id := StringArg(args, "id")
	if id == "" {
		id = "npc_" + strings.Trim(slugRe.ReplaceAllString(strings.ToLower(name), "_"), "_")
	}
	stmts := []models.Statement{knowledge.UpsertNode(models.Node{
		ID: id, Kind: models.NodeCharacter, Name: name, Description: StringArg(args, "description"),
	})}
	if loc := StringArg(args, "location_id"); loc != "" {
		stmts = append(stmts,
			knowledge.DeleteEdgesFrom(id, models.RelLocatedIn),
			knowledge.UpsertEdge(knowledge.Edge(models.RelLocatedIn, id, loc, string(env.Role))),
		)
	}
	rows, err := env.Tx.Exec(ctx, stmts...)
	if err != nil {
		return Output{}, err
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return Output{}, fmt.Errorf("%w: upsert returned no row for %s", models.ErrMalformedResponse, id)
	}
	return Output{Records: rows[0], Text: name}, nil
}

func relateEntities(ctx context.Context, env Env, args map[string]any) (Output, error) {
	if env.Tx == nil {
		return Output{}, fmt.Errorf("%w: no write transaction", models.ErrStoreUnavailable)
	}
	source := StringArg(args, "source")
	if source == "" {
		source = string(env.Role)
	}
	rel := knowledge.Edge(models.RelationKind(StringArg(args, "kind")), StringArg(args, "from_id"), StringArg(args, "to_id"), source)
	rel.Inferred = BoolArg(args, "inferred")
	if strength, ok := FloatArg(args, "strength"); ok {
		rel.Strength = &strength
	}
	if _, err := env.Tx.Exec(ctx, knowledge.UpsertEdge(rel)); err != nil {
		return Output{}, err
	}
	return Output{Records: []models.Record{{"from_id": rel.FromID, "to_id": rel.ToID, "kind": string(rel.Kind)}}}, nil
}

func storeMemory(ctx context.Context, env Env, args map[string]any) (Output, error) {
	if env.Tx == nil {
		return Output{}, fmt.Errorf("%w: no write transaction", models.ErrStoreUnavailable)
	}
	content := StringArg(args, "content")
	title := content
	if runes := []rune(title); len(runes) > memoryTitleRunes {
		title = string(runes[:memoryTitleRunes])
	}
	mem := models.Node{ID: "mem_" + uuid.NewString(), Kind: models.NodeMemory, Name: title, Description: content}
	mem.Props = map[string]string{}
	if tags := StringArg(args, "tags"); tags != "" {
		mem.Props["tags"] = tags
	}
	if _, ok := args["turn"]; ok {
		mem.Props["turn"] = strconv.Itoa(IntArg(args, "turn", 0))
	}
	_, err := env.Tx.Exec(ctx,
		knowledge.UpsertNode(mem),
		knowledge.UpsertEdge(knowledge.Edge(models.RelHasMemory, StringArg(args, "owner_id"), mem.ID, string(env.Role))),
	)
	if err != nil {
		return Output{}, err
	}
	return Output{Records: []models.Record{{"id": mem.ID, "kind": string(mem.Kind), "name": mem.Name}}, Text: mem.ID}, nil
}

// recallMemories ранжирует воспоминания владельца по числу совпавших ключевых слов запроса,
// при равенстве новее выше.
func recallMemories(ctx context.Context, env Env, args map[string]any) (Output, error) {
	if env.Store == nil {
		return Output{}, fmt.Errorf("%w: no knowledge store", models.ErrStoreUnavailable)
	}
	limit := IntArg(args, "limit", defaultRecallLimit)
	if limit <= 0 || limit > maxQueryLimit {
		limit = defaultRecallLimit
	}
	rows, err := env.Store.Query(ctx, knowledge.MemoriesOf(StringArg(args, "owner_id"), recallScanLimit))
	if err != nil {
		return Output{}, err
	}

	type scored struct {
		rec   models.Record
		tags  string
		turn  int
		score int
	}
	keywords := keywordsOf(StringArg(args, "query"))
	list := make([]scored, 0, len(rows))
	for _, rec := range rows {
		props := knowledge.DecodeProps(rec, "props")
		turn, _ := strconv.Atoi(props["turn"])
		text := strings.ToLower(rec.String("description") + " " + props["tags"])
		score := 0
		for _, kw := range keywords {
			if strings.Contains(text, kw) {
				score++
			}
		}
		list = append(list, scored{rec: rec, tags: props["tags"], turn: turn, score: score})
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].score != list[j].score {
			return list[i].score > list[j].score
		}
		return list[i].turn > list[j].turn
	})
	if len(list) > limit {
		list = list[:limit]
	}

	records := make([]models.Record, 0, len(list))
	lines := make([]string, 0, len(list))
	for _, m := range list {
		records = append(records, models.Record{
			"id":          m.rec.String("id"),
			"kind":        string(models.NodeMemory),
			"name":        m.rec.String("name"),
			"description": m.rec.String("description"),
			"tags":        m.tags,
			"turn":        m.turn,
			"score":       m.score,
		})
		lines = append(lines, m.rec.String("description"))
	}
	return Output{Records: records, Text: strings.Join(lines, "\n")}, nil
}

// keywordsOf returns the distinct lowercase words of s that are long enough to rank by.
func keywordsOf(s string) []string {
	seen := map[string]bool{}
	var out []string
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(w)) < minKeywordRunes || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

func readLore(ctx context.Context, env Env, args map[string]any) (Output, error) {
	if env.Store == nil {
		return Output{}, fmt.Errorf("%w: no knowledge store", models.ErrStoreUnavailable)
	}
	rows, err := env.Store.Query(ctx, knowledge.NodeByName(models.NodeConcept, StringArg(args, "name")))
	if err != nil {
		return Output{}, err
	}
	if len(rows) == 0 {
		return Output{}, fmt.Errorf("lore %q: %w", StringArg(args, "name"), models.ErrNotFound)
	}
	return Output{Records: rows, Text: rows[0].String("description")}, nil
}
