package storage

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/athapong/kgraph/pkg/graph"
	"github.com/athapong/kgraph/pkg/graph/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	graphFileName = "graph.json"
	auditFileName = "audit.db"
)

// Store holds every project's committed graph. Writers of one project are serialized;
// readers get immutable snapshots and never wait for writers.
type Store struct {
	dir          string
	logger       *logrus.Logger
	newPersister func(path string) GraphPersister

	mu       sync.RWMutex
	projects map[string]*projectEntry
}

type projectEntry struct {
	writeMu   sync.Mutex
	current   atomic.Pointer[graph.Snapshot]
	persister GraphPersister
	audit     *AuditLog
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the store logger
func WithLogger(logger *logrus.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithPersister replaces how graph files are written, given the file path
func WithPersister(factory func(path string) GraphPersister) Option {
	return func(s *Store) { s.newPersister = factory }
}

// Open loads every project below dir. A project left in bootstrapping state by a
// crash is returned to created.
func Open(ctx context.Context, dir string, opts ...Option) (*Store, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	s := &Store{
		dir:      dir,
		logger:   logger,
		projects: make(map[string]*projectEntry),
		newPersister: func(path string) GraphPersister {
			return NewJSONGraphStore(path)
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	root := filepath.Join(dir, "projects")
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.Wrap(err, "create data directory")
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrap(err, "read data directory")
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := s.load(ctx, entry.Name()); err != nil {
			s.Close()
			return nil, errors.Wrapf(err, "load project %s", entry.Name())
		}
	}
	s.logger.WithFields(logrus.Fields{"dir": dir, "projects": len(s.projects)}).Info("Graph store opened")
	return s, nil
}

func (s *Store) load(ctx context.Context, id string) error {
	projectDir := filepath.Join(s.dir, "projects", id)
	persister := s.newPersister(filepath.Join(projectDir, graphFileName))
	dump, err := persister.LoadGraph(ctx)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			s.logger.WithField("project_id", id).Warn("Skipping project directory without graph file")
			return nil
		}
		return err
	}

	project := dump.Project
	if project.Profile == nil {
		project.Profile = dump.Profile
	}
	snap := graph.NewSnapshot(&project, dump.Nodes, dump.Edges, dump.Version)

	audit, err := OpenAuditLog(filepath.Join(projectDir, auditFileName))
	if err != nil {
		return err
	}
	entry := &projectEntry{persister: persister, audit: audit}
	entry.current.Store(snap)
	s.projects[project.ID] = entry

	if project.State == graph.StateBootstrapping {
		s.logger.WithField("project_id", project.ID).Warn("Project was interrupted during bootstrap, returning it to created")
		_, err := s.Update(ctx, project.ID, func(tx *graph.Tx) error {
			tx.SetState(graph.StateCreated)
			tx.SetLastError("bootstrap interrupted by restart")
			return nil
		})
		if err != nil {
			return err
		}
	}
	metrics.ObserveGraph(project.ID, snap.NodeCount(), snap.EdgeCount())
	return nil
}

// Close releases the audit databases
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for _, entry := range s.projects {
		if err := entry.audit.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// CreateProject registers a new, empty project in created state. Names are unique, ignoring case.
func (s *Store) CreateProject(ctx context.Context, name string) (*graph.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("project name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.projects {
		if strings.EqualFold(entry.current.Load().Project().Name, name) {
			return nil, errors.Errorf("project %q already exists", name)
		}
	}

	now := time.Now().UTC()
	project := &graph.Project{
		ID:          uuid.New().String(),
		Name:        name,
		State:       graph.StateCreated,
		Discoveries: []graph.Discovery{},
		DocumentSeq: map[string]int{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	projectDir := filepath.Join(s.dir, "projects", project.ID)
	if err := os.MkdirAll(projectDir, 0755); err != nil {
		return nil, errors.Wrap(err, "create project directory")
	}
	snap := graph.NewSnapshot(project, nil, nil, 1)
	persister := s.newPersister(filepath.Join(projectDir, graphFileName))
	if err := persister.StoreGraph(ctx, snap.Dump()); err != nil {
		os.RemoveAll(projectDir)
		return nil, errors.Wrap(err, "persist new project")
	}
	audit, err := OpenAuditLog(filepath.Join(projectDir, auditFileName))
	if err != nil {
		os.RemoveAll(projectDir)
		return nil, err
	}

	entry := &projectEntry{persister: persister, audit: audit}
	entry.current.Store(snap)
	s.projects[project.ID] = entry

	s.logger.WithFields(logrus.Fields{"project_id": project.ID, "name": name}).Info("Project created")
	return snap.Project(), nil
}

// GetProject returns the committed metadata of a project
func (s *Store) GetProject(id string) (*graph.Project, error) {
	snap, err := s.Snapshot(id)
	if err != nil {
		return nil, err
	}
	return snap.Project(), nil
}

// ListProjects returns every project ordered by name
func (s *Store) ListProjects() []*graph.Project {
	s.mu.RLock()
	projects := make([]*graph.Project, 0, len(s.projects))
	for _, entry := range s.projects {
		projects = append(projects, entry.current.Load().Project())
	}
	s.mu.RUnlock()

	sort.Slice(projects, func(i, j int) bool {
		if projects[i].Name != projects[j].Name {
			return projects[i].Name < projects[j].Name
		}
		return projects[i].ID < projects[j].ID
	})
	return projects
}

// Snapshot returns the latest committed snapshot of a project
func (s *Store) Snapshot(id string) (*graph.Snapshot, error) {
	entry, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	return entry.current.Load(), nil
}

// Audit returns the audit log of a project
func (s *Store) Audit(id string) (*AuditLog, error) {
	entry, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	return entry.audit, nil
}

// FindDiscovery locates a discovery by ID across all projects
func (s *Store) FindDiscovery(id string) (string, graph.Discovery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for projectID, entry := range s.projects {
		if d, ok := entry.current.Load().Discovery(id); ok {
			return projectID, d, nil
		}
	}
	return "", graph.Discovery{}, graph.NewNotFound("discovery", id)
}

// Export returns the full committed graph of a project
func (s *Store) Export(id string) (*graph.Dump, error) {
	snap, err := s.Snapshot(id)
	if err != nil {
		return nil, err
	}
	return snap.Dump(), nil
}

// Update runs fn in a transaction on the project's latest snapshot. Either every change
// fn makes is persisted and published, or none is.
func (s *Store) Update(ctx context.Context, id string, fn func(tx *graph.Tx) error) (*graph.Snapshot, error) {
	entry, err := s.entry(id)
	if err != nil {
		return nil, err
	}

	entry.writeMu.Lock()
	defer entry.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tx := graph.NewTx(entry.current.Load())
	if err := fn(tx); err != nil {
		metrics.Commits.WithLabelValues("rolled_back").Inc()
		return nil, err
	}
	if err := tx.Validate(); err != nil {
		metrics.Commits.WithLabelValues("rolled_back").Inc()
		return nil, errors.Wrap(err, "validate transaction")
	}
	// cancellation before the commit point discards the work
	if err := ctx.Err(); err != nil {
		metrics.Commits.WithLabelValues("cancelled").Inc()
		return nil, err
	}

	next := tx.Snapshot()
	if err := entry.persister.StoreGraph(context.WithoutCancel(ctx), next.Dump()); err != nil {
		metrics.Commits.WithLabelValues("failed").Inc()
		s.logger.WithError(err).WithField("project_id", id).Error("Failed to persist graph")
		return nil, errors.Wrap(err, "persist graph")
	}
	entry.current.Store(next)

	metrics.Commits.WithLabelValues("committed").Inc()
	metrics.ObserveGraph(id, next.NodeCount(), next.EdgeCount())
	s.logger.WithFields(logrus.Fields{
		"project_id": id,
		"version":    next.Version(),
		"nodes":      next.NodeCount(),
		"edges":      next.EdgeCount(),
	}).Debug("Committed graph version")
	return next, nil
}

// ApplyMutation commits a batch of node and edge upserts atomically
func (s *Store) ApplyMutation(ctx context.Context, id string, m graph.Mutation) (*graph.MutationResult, error) {
	var result graph.MutationResult
	snap, err := s.Update(ctx, id, func(tx *graph.Tx) error {
		if !tx.State().AcceptsExtraction() {
			return &graph.StateError{ProjectID: id, State: tx.State(), Op: "mutation"}
		}
		if err := tx.Apply(m); err != nil {
			return err
		}
		result = tx.Result()
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Version = snap.Version()
	return &result, nil
}

func (s *Store) entry(id string) (*projectEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.projects[id]
	if !ok {
		return nil, graph.NewNotFound("project", id)
	}
	return entry, nil
}
