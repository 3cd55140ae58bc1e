package storage

import (
	"context"
	"fmt"

	"github.com/athapong/kgraph/pkg/graph"
	"github.com/neo4j/neo4j-go-driver/v4/neo4j"
	"github.com/sirupsen/logrus"
)

// Neo4jExporter mirrors committed project graphs into Neo4j
type Neo4jExporter struct {
	driver neo4j.Driver
	logger *logrus.Logger
}

// NewNeo4jExporter creates a new Neo4j exporter
func NewNeo4jExporter(uri, username, password string, logger *logrus.Logger) (*Neo4jExporter, error) {
	auth := neo4j.BasicAuth(username, password, "")
	driver, err := neo4j.NewDriver(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create Neo4j driver: %v", err)
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return &Neo4jExporter{driver: driver, logger: logger}, nil
}

// Close releases the driver
func (e *Neo4jExporter) Close() error {
	if e.driver != nil {
		return e.driver.Close()
	}
	return nil
}

// Export upserts every node and edge of dump in a single write transaction.
// Re-exporting the same dump leaves the Neo4j graph unchanged.
func (e *Neo4jExporter) Export(ctx context.Context, dump *graph.Dump) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	session := e.driver.NewSession(neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close()

	_, err := session.WriteTransaction(func(tx neo4j.Transaction) (interface{}, error) {
		_, err := tx.Run(`
			MERGE (p:Project {id: $id})
			SET p.name = $name, p.state = $state, p.version = $version
		`, map[string]interface{}{
			"id":      dump.Project.ID,
			"name":    dump.Project.Name,
			"state":   string(dump.Project.State),
			"version": int64(dump.Version),
		})
		if err != nil {
			return nil, err
		}

		for _, node := range dump.Nodes {
			params := map[string]interface{}{
				"project":  dump.Project.ID,
				"id":       node.ID,
				"type":     node.Type,
				"label":    node.Label,
				"aliases":  node.Aliases,
				"mentions": int64(node.Mentions),
				"evidence": evidenceQuotes(node.Evidence),
			}
			_, err := tx.Run(`
				MATCH (p:Project {id: $project})
				MERGE (e:Entity {id: $id})
				SET e.type = $type,
					e.label = $label,
					e.aliases = $aliases,
					e.mentions = $mentions,
					e.evidence = $evidence,
					e.updated_at = datetime()
				MERGE (e)-[:IN_PROJECT]->(p)
			`, params)
			if err != nil {
				return nil, err
			}
		}

		for _, edge := range dump.Edges {
			params := map[string]interface{}{
				"id":         edge.ID,
				"type":       edge.Type,
				"fromID":     edge.Source,
				"toID":       edge.Target,
				"confidence": edge.Confidence,
				"evidence":   evidenceQuotes(edge.Evidence),
			}
			_, err := tx.Run(`
				MATCH (from:Entity {id: $fromID})
				MATCH (to:Entity {id: $toID})
				MERGE (from)-[r:RELATES {id: $id}]->(to)
				SET r.type = $type,
					r.confidence = $confidence,
					r.evidence = $evidence,
					r.updated_at = datetime()
			`, params)
			if err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("neo4j export of project %s: %w", dump.Project.ID, err)
	}

	e.logger.WithFields(logrus.Fields{
		"project_id": dump.Project.ID,
		"nodes":      len(dump.Nodes),
		"edges":      len(dump.Edges),
	}).Info("Exported graph to Neo4j")
	return nil
}

func evidenceQuotes(evidence []graph.Evidence) []string {
	quotes := make([]string, 0, len(evidence))
	for _, ev := range evidence {
		quotes = append(quotes, ev.Quote)
	}
	return quotes
}
