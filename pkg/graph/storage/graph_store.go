package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/athapong/kgraph/pkg/graph"
	"github.com/pkg/errors"
)

// GraphPersister defines how a project's committed graph reaches durable storage
type GraphPersister interface {
	// StoreGraph durably replaces the persisted graph
	StoreGraph(ctx context.Context, dump *graph.Dump) error

	// LoadGraph loads the persisted graph
	LoadGraph(ctx context.Context) (*graph.Dump, error)
}

// JSONGraphStore implements GraphPersister using a JSON file
type JSONGraphStore struct {
	filePath string
}

// NewJSONGraphStore creates a new JSON graph store
func NewJSONGraphStore(filePath string) *JSONGraphStore {
	return &JSONGraphStore{
		filePath: filePath,
	}
}

// StoreGraph writes the graph to a temp file, fsyncs it and renames it over the
// previous file, so a crash leaves either the old or the new graph on disk.
func (s *JSONGraphStore) StoreGraph(ctx context.Context, dump *graph.Dump) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "create graph directory")
	}

	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode graph")
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.filePath)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp graph file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write temp graph file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync temp graph file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp graph file")
	}
	if err := os.Rename(tmpName, s.filePath); err != nil {
		return errors.Wrap(err, "replace graph file")
	}
	return syncDir(dir)
}

// syncDir flushes dir's entries so a completed rename survives power loss
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrap(err, "open graph directory")
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return errors.Wrap(err, "sync graph directory")
	}
	return nil
}

// LoadGraph loads a knowledge graph from the JSON file
func (s *JSONGraphStore) LoadGraph(ctx context.Context) (*graph.Dump, error) {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return nil, err
	}

	var dump graph.Dump
	if err := json.Unmarshal(data, &dump); err != nil {
		return nil, errors.Wrapf(err, "decode %s", s.filePath)
	}
	return &dump, nil
}
