package graph

import (
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/kgraphio/kgraph/engine/domain"
	"github.com/kgraphio/kgraph/pkg/repo"
)

// newEntityRepo creates a Neo4j-backed repository over the shared :Entity
// label, used for point lookups and paged listing.
func newEntityRepo(driver neo4j.DriverWithContext) *repo.Neo4jRepo[domain.Entity, string] {
	return repo.NewNeo4jRepo[domain.Entity, string](
		driver,
		"Entity",
		entityProps,
		entityFromRecord,
	)
}

func entityFromRecord(rec *neo4j.Record) (domain.Entity, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
	if err != nil {
		return domain.Entity{}, err
	}
	return entityFromProps(node.Props), nil
}
