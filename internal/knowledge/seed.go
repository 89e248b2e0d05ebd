package knowledge

import (
	"context"
	"fmt"

	"tta-server/shared/interfaces"
	"tta-server/shared/models"
)

// DefaultGuidelines - базовые метаконцепции сессии.
var DefaultGuidelines = []string{"Prioritize Player Agency", "Maintain Narrative Consistency"}

// StartingLocationID - локация, с которой начинается новая сессия по умолчанию.
const StartingLocationID = "village_square"

// Seed наполняет пустое хранилище стартовым миром. Повторный вызов безопасен (upsert).
func Seed(ctx context.Context, store interfaces.KnowledgeStore) error {
	tx, err := store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin seed transaction: %w", err)
	}
	if _, err := tx.Exec(ctx, seedStatements()...); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("failed to seed knowledge store: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit seed transaction: %w", err)
	}
	return nil
}

func seedStatements() []models.Statement {
	nodes := []models.Node{
		{ID: "universe_hearthvale", Kind: models.NodeUniverse, Name: "Hearthvale",
			Description: "A gentle valley where small kindnesses carry weight.",
			Props:       map[string]string{"guidelines": "Prioritize Player Agency|Maintain Narrative Consistency|Favor calm, grounded pacing"}},
		{ID: "village_square", Kind: models.NodeLocation, Name: "Village Square",
			Description: "You are standing in a small, quiet village square. Sunlight filters through the leaves of an ancient oak tree."},
		{ID: "forge", Kind: models.NodeLocation, Name: "The Forge",
			Description: "Heat rolls from a stone hearth. Tools hang in careful rows along the wall."},
		{ID: "oak_grove", Kind: models.NodeLocation, Name: "Oak Grove",
			Description: "Old oaks lean together over a mossy path. The air is still and cool."},
		{ID: "npc_blacksmith", Kind: models.NodeCharacter, Name: "Torvin Stonehand",
			Description: "The village blacksmith, broad-shouldered and slow to speak.",
			Props:       map[string]string{"disposition": "neutral"}},
		{ID: "item_rusty_key", Kind: models.NodeItem, Name: "rusty key",
			Description: "A small iron key, orange with rust. Someone kept it for a long time."},
		{ID: "item_oak_leaf", Kind: models.NodeItem, Name: "oak leaf",
			Description: "A broad green leaf, still soft. It smells faintly of rain."},
		{ID: "concept_oak", Kind: models.NodeConcept, Name: "ancient oak",
			Description: "Villagers say the ancient oak remembers every promise made beneath it."},
		{ID: "event_founding", Kind: models.NodeEvent, Name: "Founding of the village",
			Description: "The first families settled around the oak after a long winter."},
	}
	stmts := make([]models.Statement, 0, len(nodes)+12)
	for _, n := range nodes {
		stmts = append(stmts, UpsertNode(n))
	}

	exit := func(from, to, direction string) models.Statement {
		r := Edge(models.RelConnectsTo, from, to, "seed")
		r.Props = map[string]string{"direction": direction}
		return UpsertEdge(r)
	}
	stmts = append(stmts,
		UpsertEdge(Edge(models.RelPartOf, "village_square", "universe_hearthvale", "seed")),
		UpsertEdge(Edge(models.RelPartOf, "forge", "universe_hearthvale", "seed")),
		UpsertEdge(Edge(models.RelPartOf, "oak_grove", "universe_hearthvale", "seed")),
		exit("village_square", "forge", "east"),
		exit("forge", "village_square", "west"),
		exit("village_square", "oak_grove", "north"),
		exit("oak_grove", "village_square", "south"),
		UpsertEdge(Edge(models.RelLocatedIn, "npc_blacksmith", "village_square", "seed")),
		UpsertEdge(Edge(models.RelLocatedIn, "item_rusty_key", "village_square", "seed")),
		UpsertEdge(Edge(models.RelLocatedIn, "item_oak_leaf", "oak_grove", "seed")),
		UpsertEdge(Edge(models.RelRelatedTo, "concept_oak", "village_square", "seed")),
		UpsertEdge(Edge(models.RelPrecedes, "event_founding", "concept_oak", "seed")),
	)
	return stmts
}
