package config

import (
	"github.com/athapong/kgraph/pkg/graph"
	"github.com/athapong/kgraph/pkg/graph/processors"
	"github.com/athapong/kgraph/services"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Backends builds the Extractor and SchemaInferencer the configuration selects
func (c *Config) Backends(logger *logrus.Logger) (graph.Extractor, graph.SchemaInferencer, error) {
	switch c.Extractor.Backend {
	case BackendProse:
		return processors.NewProseExtractor(logger), processors.NewProseInferencer(), nil
	case BackendOpenAI:
		client, err := services.NewChatClient(c.ClientConfig())
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to create chat client")
		}
		opts := c.LLMOptions(logger)
		return processors.NewLLMExtractor(client, opts), processors.NewLLMInferencer(client, opts), nil
	default:
		return nil, nil, errors.Errorf("unknown extractor backend: %s", c.Extractor.Backend)
	}
}
