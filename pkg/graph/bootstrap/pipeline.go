// Package bootstrap infers a project's domain profile from a seed document.
package bootstrap

import (
	"context"

	"github.com/athapong/kgraph/pkg/graph"
	"github.com/athapong/kgraph/pkg/graph/metrics"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Pipeline runs the bootstrap stages strictly in order
type Pipeline struct {
	stages []Stage
	logger *logrus.Logger
}

// NewPipeline creates the six-stage pipeline backed by inferencer
func NewPipeline(inferencer graph.SchemaInferencer, logger *logrus.Logger) *Pipeline {
	return NewPipelineWithStages(DefaultStages(inferencer), logger)
}

// NewPipelineWithStages creates a pipeline from explicit stages
func NewPipelineWithStages(stages []Stage, logger *logrus.Logger) *Pipeline {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return &Pipeline{stages: stages, logger: logger}
}

// Stages returns the stage names in execution order
func (p *Pipeline) Stages() []string {
	names := make([]string, 0, len(p.stages))
	for _, s := range p.stages {
		names = append(names, s.Name)
	}
	return names
}

// Run produces a finalized profile, or a *graph.StageError naming the stage that failed.
// Cancellation is honoured between stages.
func (p *Pipeline) Run(ctx context.Context, doc graph.Document) (*graph.DomainProfile, error) {
	log := p.logger.WithField("doc_id", doc.ID)
	log.Info("Starting bootstrap pipeline")

	draft := Draft{Confidences: map[string]float64{}}
	for i, stage := range p.stages {
		if err := ctx.Err(); err != nil {
			metrics.BootstrapFailures.WithLabelValues(stage.Name).Inc()
			return nil, &graph.StageError{Stage: stage.Name, Err: err}
		}

		timer := prometheus.NewTimer(metrics.BootstrapStageDuration.WithLabelValues(stage.Name))
		next, err := stage.Run(ctx, doc, draft)
		timer.ObserveDuration()
		if err != nil {
			metrics.BootstrapFailures.WithLabelValues(stage.Name).Inc()
			log.WithError(err).WithField("stage", stage.Name).Error("Bootstrap stage failed")
			return nil, &graph.StageError{Stage: stage.Name, Err: err}
		}
		draft = next

		log.WithFields(logrus.Fields{
			"stage":      stage.Name,
			"step":       i + 1,
			"confidence": draft.Confidences[stage.Name],
		}).Info("Bootstrap stage completed")
	}

	if draft.Profile == nil {
		return nil, &graph.StageError{Stage: StageFinalizeProfile, Err: errors.New("pipeline produced no profile")}
	}
	log.WithFields(logrus.Fields{
		"domain":      draft.Profile.Name,
		"thing_types": len(draft.Profile.ThingTypes),
		"confidence":  draft.Profile.BootstrapConfidence,
	}).Info("Bootstrap pipeline completed")
	return draft.Profile, nil
}
