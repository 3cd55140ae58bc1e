// Package confirmation lets a human accept or reject queued discoveries.
package confirmation

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/athapong/kgraph/pkg/graph"
	"github.com/athapong/kgraph/pkg/graph/extraction"
	"github.com/athapong/kgraph/pkg/graph/metrics"
	"github.com/athapong/kgraph/pkg/graph/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultActor is recorded when a decision names no actor
	DefaultActor = "user"

	addedTypeDescription = "Added from confirmed discovery"
)

// Workflow applies decisions on pending discoveries
type Workflow struct {
	store    *storage.Store
	resolver *extraction.Resolver
	logger   *logrus.Logger
}

// NewWorkflow creates a confirmation workflow
func NewWorkflow(store *storage.Store, resolver *extraction.Resolver, logger *logrus.Logger) *Workflow {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if resolver == nil {
		resolver = extraction.NewResolver(0)
	}
	return &Workflow{store: store, resolver: resolver, logger: logger}
}

// ListPending returns the project's pending discoveries, oldest first
func (w *Workflow) ListPending(projectID string) ([]graph.Discovery, error) {
	snap, err := w.store.Snapshot(projectID)
	if err != nil {
		return nil, err
	}
	return snap.Project().PendingDiscoveries(), nil
}

// ProjectOf returns the project owning a discovery
func (w *Workflow) ProjectOf(discoveryID string) (string, error) {
	projectID, _, err := w.store.FindDiscovery(discoveryID)
	return projectID, err
}

// Decide confirms or rejects a pending discovery. A confirmation commits the proposed fact,
// appending any type it introduces to the domain profile. Either way the discovery is kept
// with its decision, and the decision is written to the project's audit log first.
func (w *Workflow) Decide(ctx context.Context, discoveryID string, confirmed bool, actor string) (*graph.Discovery, error) {
	projectID, d, err := w.store.FindDiscovery(discoveryID)
	if err != nil {
		return nil, err
	}
	if d.Status != graph.DiscoveryPending {
		return nil, &graph.AlreadyDecidedError{DiscoveryID: d.ID, Status: d.Status}
	}
	if strings.TrimSpace(actor) == "" {
		actor = DefaultActor
	}
	decision := graph.DiscoveryRejected
	if confirmed {
		decision = graph.DiscoveryConfirmed
	}

	log := w.logger.WithFields(logrus.Fields{
		"project_id":   projectID,
		"discovery_id": discoveryID,
		"decision":     decision,
		"actor":        actor,
	})

	audit, err := w.store.Audit(projectID)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return nil, errors.Wrap(err, "encode discovery")
	}
	record, err := audit.Append(ctx, storage.AuditRecord{
		DiscoveryID: discoveryID,
		Decision:    string(decision),
		Actor:       actor,
		Outcome:     storage.OutcomeCommitted,
		Payload:     payload,
	})
	if err != nil {
		return nil, err
	}

	var decided graph.Discovery
	_, err = w.store.Update(ctx, projectID, func(tx *graph.Tx) error {
		current, ok := tx.Discovery(discoveryID)
		if !ok {
			return graph.NewNotFound("discovery", discoveryID)
		}
		if current.Status != graph.DiscoveryPending {
			return &graph.AlreadyDecidedError{DiscoveryID: current.ID, Status: current.Status}
		}
		if confirmed {
			resultID, err := w.commit(tx, current)
			if err != nil {
				return err
			}
			current.ResultID = resultID
		}
		now := time.Now().UTC()
		current.Status = decision
		current.DecidedAt = &now
		current.DecidedBy = actor
		decided = current
		return tx.UpdateDiscovery(current)
	})
	if err != nil {
		log.WithError(err).Error("Decision not committed")
		_, auditErr := audit.Append(context.WithoutCancel(ctx), storage.AuditRecord{
			DiscoveryID: discoveryID,
			Decision:    string(decision),
			Actor:       actor,
			Outcome:     storage.OutcomeAborted,
			Payload:     json.RawMessage(`{"compensates":"` + record.ID + `"}`),
		})
		if auditErr != nil {
			log.WithError(auditErr).Error("Failed to record aborted decision")
		}
		return nil, err
	}

	metrics.Decisions.WithLabelValues(string(decision)).Inc()
	log.WithField("result_id", decided.ResultID).Info("Discovery decided")
	return &decided, nil
}

// commit writes the discovery's payload and returns the ID of the resulting node or edge
func (w *Workflow) commit(tx *graph.Tx, d graph.Discovery) (string, error) {
	switch {
	case d.Kind == graph.DiscoveryNode && d.Node != nil:
		typeName, err := w.ensureThingType(tx, d.Node.Type)
		if err != nil {
			return "", err
		}
		id, _, err := w.resolveOrCreate(tx, d.Node.Label, typeName, d.Node.Evidence)
		return id, err

	case d.Kind == graph.DiscoveryEdge && d.Edge != nil:
		connType, err := w.ensureConnectionType(tx, d.Edge.Type)
		if err != nil {
			return "", err
		}
		source, err := w.endpoint(tx, d.Edge.SourceLabel, d.Edge.SourceType, d.Edge.Evidence)
		if err != nil {
			return "", err
		}
		target, err := w.endpoint(tx, d.Edge.TargetLabel, d.Edge.TargetType, d.Edge.Evidence)
		if err != nil {
			return "", err
		}
		id, _, err := tx.UpsertEdge(graph.EdgeUpsert{
			SourceID:   source,
			TargetID:   target,
			Type:       connType,
			Confidence: d.Edge.Confidence,
			Evidence:   d.Edge.Evidence,
			DocumentID: d.DocumentID,
		})
		return id, err

	default:
		return "", errors.Errorf("discovery %s carries no %s payload", d.ID, d.Kind)
	}
}

func (w *Workflow) endpoint(tx *graph.Tx, label, typeName string, evidence []graph.Evidence) (string, error) {
	if strings.TrimSpace(typeName) != "" {
		var err error
		if typeName, err = w.ensureThingType(tx, typeName); err != nil {
			return "", err
		}
	}
	if match, ok := w.resolver.Resolve(tx, label, typeName); ok {
		return match.Node.ID, nil
	}
	id, _, err := w.resolveOrCreate(tx, label, typeName, evidence)
	return id, err
}

// resolveOrCreate merges into the node label resolves to, or creates it when typeName is known
func (w *Workflow) resolveOrCreate(tx *graph.Tx, label, typeName string, evidence []graph.Evidence) (string, bool, error) {
	if match, ok := w.resolver.Resolve(tx, label, typeName); ok {
		id, _, err := tx.UpsertNode(graph.NodeUpsert{ID: match.Node.ID, Label: label, Evidence: evidence})
		return id, false, err
	}
	if typeName == "" {
		return "", false, graph.NewNotFound("node label", label)
	}
	return tx.UpsertNode(graph.NodeUpsert{Label: label, Type: typeName, Evidence: evidence})
}

func (w *Workflow) ensureThingType(tx *graph.Tx, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", &graph.SchemaError{Kind: "thing type", Name: name}
	}
	if t, ok := tx.Profile().ThingType(name); ok {
		return t.Name, nil
	}
	if _, err := tx.AppendThingType(graph.ThingType{Name: name, Description: addedTypeDescription, Priority: graph.PriorityLowest}); err != nil {
		return "", err
	}
	w.logger.WithFields(logrus.Fields{"project_id": tx.Project().ID, "thing_type": name}).Info("Appended thing type to domain profile")
	return name, nil
}

func (w *Workflow) ensureConnectionType(tx *graph.Tx, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", &graph.SchemaError{Kind: "connection type", Name: name}
	}
	if c, ok := tx.Profile().ConnectionType(name); ok {
		return c.Name, nil
	}
	if _, err := tx.AppendConnectionType(graph.ConnectionType{Name: name, Description: addedTypeDescription, Priority: graph.PriorityLowest}); err != nil {
		return "", err
	}
	w.logger.WithFields(logrus.Fields{"project_id": tx.Project().ID, "connection_type": name}).Info("Appended connection type to domain profile")
	return name, nil
}
