// Package main builds a knowledge graph from a directory of transcripts without an MCP client.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/athapong/kgraph/config"
	"github.com/athapong/kgraph/pkg/engine"
	"github.com/athapong/kgraph/pkg/graph"
	"github.com/athapong/kgraph/pkg/graph/processors"
	"github.com/athapong/kgraph/pkg/graph/storage"
	"github.com/athapong/kgraph/pkg/graph/visualizer"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type options struct {
	input       string
	output      string
	project     string
	dataDir     string
	configPath  string
	envFile     string
	backend     string
	logLevel    string
	visualize   bool
	vizOutput   string
	neo4jExport bool
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "generate_knowledge_graph",
		Short: "Build a knowledge graph from transcripts",
		Long: `Build a knowledge graph from a directory of transcripts.

The first file (in path order) bootstraps the project's domain profile; the
rest are extracted into it. Facts that need a human decision stay pending and
can be reviewed later through the MCP server's kg_review tools.

Examples:
  generate_knowledge_graph --input ./transcripts
  generate_knowledge_graph --input ./transcripts --backend prose --visualize
  generate_knowledge_graph --input episode1.txt --neo4j
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.input, "input", "i", "", "Transcript file or directory of transcripts")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "knowledge_graph.json", "Output file path for the knowledge graph")
	cmd.Flags().StringVar(&opts.project, "project", "", "Project name (defaults to the input's base name)")
	cmd.Flags().StringVar(&opts.dataDir, "data-dir", "", "Graph store directory (overrides config)")
	cmd.Flags().StringVar(&opts.configPath, "config", "", "Path to YAML config file")
	cmd.Flags().StringVar(&opts.envFile, "env", ".env", "Path to environment file")
	cmd.Flags().StringVar(&opts.backend, "backend", "", "Extractor backend: openai or prose (overrides config)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "Logging level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&opts.visualize, "visualize", false, "Generate a visualization of the knowledge graph")
	cmd.Flags().StringVar(&opts.vizOutput, "viz-output", "knowledge_graph.html", "Output file for the visualization")
	cmd.Flags().BoolVar(&opts.neo4jExport, "neo4j", false, "Mirror the graph into the configured Neo4j database")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}

func run(ctx context.Context, opts options) error {
	logger := logrus.New()
	level, err := logrus.ParseLevel(opts.logLevel)
	if err != nil {
		return errors.Wrap(err, "invalid log level")
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	if opts.backend != "" {
		if err := os.Setenv("KG_EXTRACTOR", opts.backend); err != nil {
			return err
		}
	}
	if opts.dataDir != "" {
		if err := os.Setenv("KG_DATA_DIR", opts.dataDir); err != nil {
			return err
		}
	}
	cfg, err := config.Load(opts.envFile, opts.configPath, logger)
	if err != nil {
		return err
	}

	registry := processors.NewRegistry(logger)
	files, err := inputFiles(registry, opts.input)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.Errorf("no transcripts found in %s", opts.input)
	}

	store, err := storage.Open(ctx, cfg.DataDir, storage.WithLogger(logger))
	if err != nil {
		return errors.Wrap(err, "failed to open graph store")
	}
	defer store.Close()

	extractor, inferencer, err := cfg.Backends(logger)
	if err != nil {
		return err
	}
	eng, err := engine.New(store, extractor, inferencer, engine.Options{
		QueueSize:  cfg.Queue.Size,
		Extraction: cfg.ExtractionOptions(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	name := opts.project
	if name == "" {
		name = filepath.Base(filepath.Clean(opts.input))
	}
	dump, err := generate(ctx, eng, registry, name, files, logger)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode knowledge graph")
	}
	if err := os.WriteFile(opts.output, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write knowledge graph")
	}
	logger.WithFields(logrus.Fields{
		"nodes":   len(dump.Nodes),
		"edges":   len(dump.Edges),
		"pending": len(dump.Project.PendingDiscoveries()),
		"output":  opts.output,
	}).Info("Knowledge graph saved")

	if opts.visualize {
		if err := visualizer.NewD3Visualizer(opts.vizOutput).Visualize(dump); err != nil {
			logger.WithError(err).Error("Failed to visualize knowledge graph")
		} else {
			logger.Infof("Visualization saved to %s", opts.vizOutput)
		}
	}

	if opts.neo4jExport {
		if cfg.Neo4j.URI == "" {
			return errors.New("--neo4j needs NEO4J_URI or neo4j.uri in the config")
		}
		exporter, err := storage.NewNeo4jExporter(cfg.Neo4j.URI, cfg.Neo4j.User, cfg.Neo4j.Password, logger)
		if err != nil {
			return err
		}
		defer exporter.Close()
		if err := exporter.Export(ctx, dump); err != nil {
			return err
		}
	}
	return nil
}

// generate creates a project, bootstraps it from the first file and extracts the rest.
// A file that fails extraction is logged and skipped.
func generate(ctx context.Context, eng *engine.Engine, registry *processors.Registry, name string, files []string, logger *logrus.Logger) (*graph.Dump, error) {
	project, err := eng.CreateProject(ctx, name)
	if err != nil {
		return nil, err
	}
	log := logger.WithField("project_id", project.ID)
	log.Infof("Processing %d input files...", len(files))

	for i, file := range files {
		doc, err := registry.LoadFile(ctx, file)
		if err != nil {
			if i == 0 {
				return nil, err
			}
			log.WithError(err).WithField("file", file).Error("Failed to load file")
			continue
		}

		if i == 0 {
			result, err := eng.Bootstrap(ctx, project.ID, *doc)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to bootstrap from %s", file)
			}
			log.WithFields(logrus.Fields{
				"file":        file,
				"domain":      result.Project.Profile.Name,
				"thing_types": len(result.Project.Profile.ThingTypes),
			}).Info("Bootstrapped domain profile")
			continue
		}

		result, err := eng.Extract(ctx, project.ID, *doc)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.WithError(err).WithField("file", file).Error("Failed to extract file")
			continue
		}
		log.WithFields(logrus.Fields{
			"file":        file,
			"nodes_added": result.NodesAdded,
			"edges_added": result.EdgesAdded,
			"discoveries": result.DiscoveriesQueued,
			"state":       result.State,
		}).Info("Extracted file")
	}

	return eng.Export(project.ID)
}

func inputFiles(registry *processors.Registry, input string) ([]string, error) {
	info, err := os.Stat(input)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read input")
	}
	if info.IsDir() {
		return registry.ListFiles(input)
	}
	if !registry.Supports(input) {
		return nil, errors.Errorf("unsupported file type: %s", input)
	}
	return []string{input}, nil
}
