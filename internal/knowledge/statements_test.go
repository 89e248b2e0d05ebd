package knowledge

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"tta-server/shared/models"
)

func TestStatementsAreParameterized(t *testing.T) {
	strength := 0.8
	rel := Edge(models.RelRelatedTo, "a", "b", "test")
	rel.Strength = &strength

	stmts := []models.Statement{
		FindNodes(models.NodeItem, "%key%", 5),
		NodeByID(models.NodeLocation, "forge"),
		NodeByName(models.NodeConcept, "ancient oak"),
		Outgoing("forge", models.RelConnectsTo),
		Incoming("forge", models.RelLocatedIn),
		ItemAtLocation("rusty key", "village_square"),
		UpsertNode(models.Node{ID: "n", Kind: models.NodeItem, Name: "n"}),
		InsertNodeIfAbsent(models.Node{ID: "p", Kind: models.NodePlayer, Name: "Player"}),
		DeleteEdgesFrom("p", models.RelLocatedIn),
		UpsertEdge(rel),
		MemoriesOf("player_s1", 50),
	}
	stmts = append(stmts, seedStatements()...)
	for _, stmt := range stmts {
		assert.NoError(t, stmt.Validate(), stmt.Name)
	}
}

func TestDecodeProps(t *testing.T) {
	assert.Equal(t, map[string]string{"direction": "east"}, DecodeProps(models.Record{"edge_props": `{"direction":"east"}`}, "edge_props"))
	assert.Equal(t, map[string]string{}, DecodeProps(models.Record{"props": []byte("not json")}, "props"))
	assert.Equal(t, map[string]string{}, DecodeProps(models.Record{}, "props"))
}
