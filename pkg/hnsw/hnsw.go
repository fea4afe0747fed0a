// Package hnsw implements an in-memory approximate nearest-neighbor index
// using the Hierarchical Navigable Small World graph algorithm.
//
// An Index owns its nodes, their layered neighbor lists, and the single
// entry point used to seed every search. Search is safe to call from many
// goroutines concurrently; Insert, PruneByAge, Compact, Persist, and Load
// serialize against each other and against search via a single coarse
// sync.RWMutex, mirroring how the rest of this codebase structures
// concurrent data stores.
package hnsw

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"
)

// NodeId identifies a node for the lifetime of the index. NodeIds are
// assigned monotonically starting at 0 and are never reused, even after
// the node they named is deleted.
type NodeId uint64

// Vector is a dense embedding. All vectors in a given Index share the
// same length.
type Vector []float32

// Metadata is an opaque key-value payload attached to a node. The index
// stores and returns it verbatim, inspecting only the reserved
// "inserted_at" key (a time.Time) for age-based pruning.
type Metadata map[string]any

const insertedAtKey = "inserted_at"

// State names one of the four states an Index can be in. Compact and
// Persist are mutually exclusive with Insert/PruneByAge but never with
// Search.
type State int

const (
	Empty State = iota
	Active
	Compacting
	Persisting
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Active:
		return "active"
	case Compacting:
		return "compacting"
	case Persisting:
		return "persisting"
	default:
		return "unknown"
	}
}

// Config configures a new Index. Zero values are replaced with the
// documented defaults by setDefaults, except Dim which is required.
type Config struct {
	// Dim is the vector dimension. Required; must be positive.
	Dim int

	// M is the target degree per node per layer for layers >= 1.
	// Layer 0 allows 2*M. Default: 16.
	M int

	// EfConstruction is the candidate-list width used while inserting.
	// Default: max(64, EfSearch).
	EfConstruction int

	// EfSearch is the default candidate-list width used while
	// searching. Query-overridable via SearchOptions. Default: 200.
	EfSearch int

	// DistanceMetric selects cosine or euclidean distance. Fixed once
	// the index is constructed. Default: Cosine.
	DistanceMetric DistanceMetric

	// Ml is the level-assignment decay constant. Default: 1/ln(2).
	Ml float64

	// MaxElements caps the number of live nodes. Zero means unbounded.
	MaxElements int

	// PersistPath is the default snapshot path used by Persist/Load
	// when no explicit path is given.
	PersistPath string

	// PersistInterval, if positive, schedules an automatic Persist to
	// PersistPath on a single-shot timer that reschedules itself after
	// each run.
	PersistInterval time.Duration

	// PruneInterval, if positive, schedules an automatic PruneByAge
	// using PruneMaxAge on the same single-shot timer discipline.
	PruneInterval time.Duration

	// PruneMaxAge is the age threshold used by the automatic prune
	// timer. Ignored if PruneInterval is zero.
	PruneMaxAge time.Duration

	// Seed pins the PRNG used for level assignment, for deterministic
	// graphs in tests. Zero seeds from OS entropy once at construction.
	Seed uint64

	// Store, if set, is the backend Persist writes through, including the
	// automatic persist timer and Close's final snapshot. Load takes its
	// store as an argument and sets it as the returned Index's Store.
	Store Store

	// Logger receives structured diagnostics. Defaults to a slog-backed
	// logger using slog.Default().
	Logger Logger
}

func (c *Config) setDefaults() {
	if c.M == 0 {
		c.M = 16
	}
	if c.EfSearch == 0 {
		c.EfSearch = 200
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = max(64, c.EfSearch)
	}
	if c.Ml <= 0 {
		c.Ml = 1.0 / math.Log(2)
	}
	if c.Logger == nil {
		c.Logger = defaultLogger()
	}
}

func (c *Config) validate() error {
	if c.Dim <= 0 {
		return fmt.Errorf("hnsw: Config.Dim must be positive")
	}
	if c.M < 2 {
		return fmt.Errorf("hnsw: Config.M must be >= 2")
	}
	if c.EfSearch < 1 {
		return fmt.Errorf("hnsw: Config.EfSearch must be >= 1")
	}
	switch c.DistanceMetric {
	case Cosine, Euclidean:
	default:
		return fmt.Errorf("hnsw: Config.DistanceMetric must be Cosine or Euclidean")
	}
	return nil
}

// maxConns returns the degree cap at the given layer.
func (c *Config) maxConns(layer int) int {
	if layer == 0 {
		return c.M * 2
	}
	return c.M
}

// node is a single vector plus its layered neighbor lists.
type node struct {
	id        NodeId
	vector    Vector
	metadata  Metadata
	level     int
	neighbors [][]NodeId // neighbors[layer] = neighbor NodeIds at that layer
}

// Index is a Hierarchical Navigable Small World ANN index. All exported
// methods are safe for concurrent use.
type Index struct {
	mu  sync.RWMutex
	cfg Config
	dist distanceFunc

	nodes      []*node // NodeId -> node; nil once deleted; never shrinks
	hasEntry   bool
	entryPoint NodeId
	maxLevel   int
	count      int
	levelMul   float64
	rng        *rand.Rand

	persisting atomic.Bool
	compacting atomic.Bool
	closed     atomic.Bool

	subMu sync.Mutex
	subs  map[int]func(Event)
	subID int

	persistTimer *time.Timer
	pruneTimer   *time.Timer
	timerMu      sync.Mutex
}

// New constructs an empty Index. Returns an error if cfg is invalid.
func New(cfg Config) (*Index, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	dist, err := resolveDistance(cfg.DistanceMetric)
	if err != nil {
		return nil, err
	}

	idx := &Index{
		cfg:      cfg,
		dist:     dist,
		levelMul: cfg.Ml,
		rng:      newRNG(cfg.Seed),
		subs:     make(map[int]func(Event)),
	}

	idx.scheduleTimers()
	return idx, nil
}

// Stats summarizes the current state of the index.
type Stats struct {
	Count      int
	EntryPoint NodeId
	HasEntry   bool
	M          int
	Ef         int
	MemoryEst  uint64
	State      State
}

// Stats returns a snapshot of index-level statistics.
func (idx *Index) Stats() Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	return Stats{
		Count:      idx.count,
		EntryPoint: idx.entryPoint,
		HasEntry:   idx.hasEntry,
		M:          idx.cfg.M,
		Ef:         idx.cfg.EfSearch,
		MemoryEst:  idx.memoryEstLocked(),
		State:      idx.stateLocked(),
	}
}

func (idx *Index) stateLocked() State {
	if idx.persisting.Load() {
		return Persisting
	}
	if idx.compacting.Load() {
		return Compacting
	}
	if idx.count == 0 {
		return Empty
	}
	return Active
}

func (idx *Index) memoryEstLocked() uint64 {
	var total uint64
	perVec := uint64(idx.cfg.Dim) * 4
	for _, n := range idx.nodes {
		if n == nil {
			continue
		}
		total += perVec
		for _, layer := range n.neighbors {
			total += uint64(len(layer)) * 8
		}
		total += 64 // rough per-node bookkeeping overhead
	}
	return total
}

// Close stops background timers, waits for any in-flight writer to
// finish, flushes a final snapshot if PersistPath/Store are configured,
// and marks the index closed. Subsequent calls to any operation return
// ErrClosed.
func (idx *Index) Close(ctx context.Context) error {
	if !idx.closed.CompareAndSwap(false, true) {
		return nil
	}

	idx.timerMu.Lock()
	if idx.persistTimer != nil {
		idx.persistTimer.Stop()
	}
	if idx.pruneTimer != nil {
		idx.pruneTimer.Stop()
	}
	idx.timerMu.Unlock()

	// Taking the write lock drains any writer currently in flight.
	idx.mu.Lock()
	idx.mu.Unlock()

	if idx.cfg.PersistPath != "" && idx.cfg.Store != nil {
		if err := idx.persist(ctx, idx.cfg.PersistPath); err != nil {
			idx.cfg.Logger.WarnPrintf("close: final persist failed: %v", err)
			return err
		}
	}
	return nil
}

func (idx *Index) checkClosed() error {
	if idx.closed.Load() {
		return ErrClosed
	}
	return nil
}
