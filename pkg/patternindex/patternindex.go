// Package patternindex adapts externally-produced domain records into
// vectors and feeds them to an hnsw.Index. It buffers accepted records,
// filters out low-confidence ones, vectorizes them deterministically,
// and flushes batches on a size, timeout, or explicit trigger — with an
// optional durable staging buffer so accepted-but-unflushed records
// survive a crash.
package patternindex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vectorlattice/hnswindex/pkg/hnsw"
)

// ErrRejected is returned by Index/IndexJSON when a record fails the
// confidence filter or schema validation.
var ErrRejected = errors.New("patternindex: record rejected")

// Record is a single domain record offered to the indexer.
type Record struct {
	ID         string
	Confidence float64
	InsertedAt time.Time
	Fields     map[string]any
}

// Encoder turns a Record's Fields into a fixed-length, L2-normalized
// vector. The built-in FieldEncoder implements this via registered
// feature blocks; callers needing a domain-specific layout can supply
// their own.
type Encoder interface {
	Encode(r Record) (hnsw.Vector, error)
	Dim() int
}

// Config configures a new Indexer.
type Config struct {
	// Index is the HNSW index records are inserted into. Required.
	Index *hnsw.Index

	// Encoder vectorizes accepted records. Required.
	Encoder Encoder

	// ConfidenceThreshold is the minimum Confidence a record must carry
	// to be accepted. Records at or below the Go zero value (0.0) are
	// treated as "missing confidence" and rejected regardless of this
	// threshold. Default: 0.7.
	ConfidenceThreshold float64

	// BatchSize is the buffered-record count that triggers a flush.
	// Default: 100.
	BatchSize int

	// BatchTimeout is how long an otherwise-unflushed buffer waits
	// after its first record before flushing anyway. Default: 5s.
	BatchTimeout time.Duration

	// Schema, if set, validates each record parsed by IndexJSON before
	// it is unmarshaled into Fields.
	Schema *Schema

	// StagingStore, if set, durably persists each accepted record
	// before it is queued in memory, removing it once its batch is
	// durably inserted. Typically NewBadgerStaging.
	StagingStore StagingStore

	Logger hnsw.Logger
}

func (c *Config) setDefaults() {
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.7
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = hnsw.NewSlogLogger(nil)
	}
}

// Stats summarizes indexer activity.
type Stats struct {
	BufferSize      int
	PatternsIndexed int64
	PatternsRejected int64
	BatchFlushes    int64
	IndexStats      hnsw.Stats
}

// BatchCounts summarizes the outcome of an IndexBatch call.
type BatchCounts struct {
	Accepted int
	Rejected int
}

// Indexer is the buffered, confidence-filtered ingestion adapter
// described by the patternindex package doc comment.
type Indexer struct {
	cfg Config

	q *queue

	mu     sync.Mutex
	timer  *time.Timer
	timerArmed bool

	indexed  int64
	rejected int64
	flushes  int64

	statsMu sync.Mutex
}

// New constructs an Indexer. Returns an error if cfg is missing a
// required field.
func New(cfg Config) (*Indexer, error) {
	if cfg.Index == nil {
		return nil, fmt.Errorf("patternindex: Config.Index is required")
	}
	if cfg.Encoder == nil {
		return nil, fmt.Errorf("patternindex: Config.Encoder is required")
	}
	cfg.setDefaults()

	ix := &Indexer{
		cfg: cfg,
		q:   newQueue(cfg.BatchSize * 4),
	}
	return ix, nil
}

// Index validates, confidence-filters, and buffers r. Returns
// ErrRejected (not wrapped as a failure) if r is below the confidence
// threshold.
func (ix *Indexer) Index(ctx context.Context, r Record) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.InsertedAt.IsZero() {
		r.InsertedAt = time.Now()
	}

	if r.Confidence <= 0 || r.Confidence < ix.cfg.ConfidenceThreshold {
		ix.bumpRejected()
		return ErrRejected
	}

	if ix.cfg.StagingStore != nil {
		if err := ix.stage(ctx, r); err != nil {
			return fmt.Errorf("patternindex: stage record: %w", err)
		}
	}

	firstInBuffer, ok := ix.q.push(&r)
	if !ok {
		// Buffer is at capacity (BatchSize*4) and nothing has flushed it in
		// time. Force a flush to make room rather than silently losing a
		// record we already told the caller we accepted.
		ix.Flush(ctx)
		firstInBuffer, ok = ix.q.push(&r)
		if !ok {
			if ix.cfg.StagingStore != nil {
				if err := ix.unstage(ctx, r.ID); err != nil {
					ix.cfg.Logger.WarnPrintf("index: unstage record %s after overflow: %v", r.ID, err)
				}
			}
			ix.bumpRejected()
			return fmt.Errorf("patternindex: %w: buffer still full after flush", ErrRejected)
		}
	}
	if firstInBuffer {
		ix.armTimer()
	}
	if ix.q.len() >= ix.cfg.BatchSize {
		ix.Flush(ctx)
	}
	return nil
}

// IndexBatch indexes each record in order, tallying accepted/rejected
// counts. A failure on one record does not stop the rest.
func (ix *Indexer) IndexBatch(ctx context.Context, records []Record) BatchCounts {
	var counts BatchCounts
	for _, r := range records {
		if err := ix.Index(ctx, r); err != nil {
			counts.Rejected++
			continue
		}
		counts.Accepted++
	}
	return counts
}

// IndexJSON repairs possibly-malformed JSON, optionally validates it
// against Config.Schema, and indexes the result.
func (ix *Indexer) IndexJSON(ctx context.Context, raw []byte) error {
	r, err := parseRecordJSON(raw, ix.cfg.Schema)
	if err != nil {
		return err
	}
	return ix.Index(ctx, r)
}

// FindSimilar vectorizes query and returns the k nearest records in the
// index.
func (ix *Indexer) FindSimilar(ctx context.Context, query Record, k int) ([]hnsw.Result, error) {
	vec, err := ix.cfg.Encoder.Encode(query)
	if err != nil {
		return nil, fmt.Errorf("patternindex: encode query: %w", err)
	}
	return ix.SearchVector(ctx, vec, k)
}

// SearchVector searches the index directly with a precomputed vector.
func (ix *Indexer) SearchVector(ctx context.Context, vec hnsw.Vector, k int) ([]hnsw.Result, error) {
	return ix.cfg.Index.Search(ctx, vec, k, hnsw.SearchOptions{})
}

// Flush vectorizes and inserts every currently buffered record, clears
// the buffer, cancels the pending flush timer, and — if durable staging
// is configured — deletes the staged copies. Returns the number flushed.
func (ix *Indexer) Flush(ctx context.Context) int {
	ix.disarmTimer()

	records := ix.q.drain()
	if len(records) == 0 {
		return 0
	}

	items := make([]hnsw.InsertItem, 0, len(records))
	staged := make([]*Record, 0, len(records))
	for _, r := range records {
		vec, err := ix.cfg.Encoder.Encode(*r)
		if err != nil {
			ix.cfg.Logger.WarnPrintf("flush: encode record %s: %v", r.ID, err)
			ix.bumpRejected()
			continue
		}
		meta := hnsw.Metadata{"record_id": r.ID, "inserted_at": r.InsertedAt}
		for k, v := range r.Fields {
			if _, reserved := meta[k]; !reserved {
				meta[k] = v
			}
		}
		items = append(items, hnsw.InsertItem{Vector: vec, Metadata: meta})
		staged = append(staged, r)
	}

	_, errs := ix.cfg.Index.BatchInsert(ctx, items)
	ok := 0
	for i, err := range errs {
		if err != nil {
			ix.cfg.Logger.WarnPrintf("flush: insert record %s: %v", staged[i].ID, err)
			ix.bumpRejected()
			continue
		}
		ok++
	}

	if ix.cfg.StagingStore != nil {
		for _, r := range staged {
			if err := ix.unstage(ctx, r.ID); err != nil {
				ix.cfg.Logger.WarnPrintf("flush: unstage record %s: %v", r.ID, err)
			}
		}
	}

	ix.statsMu.Lock()
	ix.indexed += int64(ok)
	ix.flushes++
	ix.statsMu.Unlock()

	return ok
}

func (ix *Indexer) armTimer() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.timerArmed {
		return
	}
	ix.timerArmed = true
	ix.timer = time.AfterFunc(ix.cfg.BatchTimeout, func() {
		ix.mu.Lock()
		ix.timerArmed = false
		ix.mu.Unlock()
		ix.Flush(context.Background())
	})
}

func (ix *Indexer) disarmTimer() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.timer != nil {
		ix.timer.Stop()
	}
	ix.timerArmed = false
}

func (ix *Indexer) bumpRejected() {
	ix.statsMu.Lock()
	ix.rejected++
	ix.statsMu.Unlock()
}

// Stats reports current indexer counters and the underlying index's
// own stats.
func (ix *Indexer) Stats() Stats {
	ix.statsMu.Lock()
	defer ix.statsMu.Unlock()
	return Stats{
		BufferSize:       ix.q.len(),
		PatternsIndexed:  ix.indexed,
		PatternsRejected: ix.rejected,
		BatchFlushes:     ix.flushes,
		IndexStats:       ix.cfg.Index.Stats(),
	}
}
