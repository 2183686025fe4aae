// Package grove provides a high-level façade over the persistence and turn
// orchestration core: an event-sourced session store (append-only event
// forest with movable session refs), provider-agnostic token accounting, a
// per-session single-writer turn engine, and subagent spawning. Most
// applications interact with this package by:
//  1. Creating a Grove via New() with a database path (or in-memory for tests)
//  2. Creating or resuming sessions and acquiring their contexts
//  3. Driving turns through runner.TurnRunner with a model adapter
//
// The façade delegates storage to store.EventStore and orchestration to the
// runner package while keeping setup ergonomics concise. Defaults are safe
// for local development; production deployments typically supply a config
// file and a structured logger.
package grove

import (
	"database/sql"

	"github.com/grovekit/grove/config"
	"github.com/grovekit/grove/logging"
	"github.com/grovekit/grove/runner"
	"github.com/grovekit/grove/store"
)

// Version is the library version, set at build time for released binaries.
var Version = "dev"

// Options configures a Grove instance.
type Options struct {
	// Config supplies store tuning, vector dimensions, and spawn bounds.
	// Nil uses config.Default().
	Config *config.Config

	// Logger defaults to a no-op logger if nil.
	Logger logging.Logger
}

// Grove aggregates the store and the session arena.
type Grove struct {
	db     *sql.DB
	store  *store.EventStore
	arena  *runner.Arena
	logger logging.Logger
	cfg    *config.Config
}

// New opens (or creates) a grove at the configured database path. Pass an
// empty path to use the config default.
func New(path string, optFns ...func(o *Options)) (*Grove, error) {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if path == "" {
		path = cfg.Store.Path
	}

	db, err := store.Open(path, func(o *store.DBOptions) {
		o.BusyTimeoutMS = cfg.Store.BusyTimeoutMS
		o.WALMode = cfg.Store.WAL
	})
	if err != nil {
		return nil, err
	}
	return fromDB(db, cfg, logger), nil
}

// NewInMemory opens an ephemeral grove, used by tests and one-shot tools.
func NewInMemory(optFns ...func(o *Options)) (*Grove, error) {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	db, err := store.OpenInMemory()
	if err != nil {
		return nil, err
	}
	return fromDB(db, cfg, logger), nil
}

func fromDB(db *sql.DB, cfg *config.Config, logger logging.Logger) *Grove {
	st := store.New(db, func(o *store.Options) {
		o.Logger = logger
		o.VectorDimensions = cfg.Vector.Dimensions
		o.BlobThreshold = cfg.Store.BlobThresholdBytes
	})
	return &Grove{
		db:     db,
		store:  st,
		arena:  runner.NewArena(st, logger),
		logger: logger,
		cfg:    cfg,
	}
}

// Store exposes the event store.
func (g *Grove) Store() *store.EventStore { return g.store }

// Arena exposes the active-session arena.
func (g *Grove) Arena() *runner.Arena { return g.arena }

// Config exposes the effective configuration.
func (g *Grove) Config() *config.Config { return g.cfg }

// Close releases active sessions and the database handle.
func (g *Grove) Close() error {
	g.arena.Close()
	return g.db.Close()
}
