package patternindex

import (
	"context"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

type stagedRecord struct {
	ID         string
	Confidence float64
	InsertedAt time.Time
	Fields     map[string]any
}

func (ix *Indexer) stage(ctx context.Context, r Record) error {
	b, err := msgpack.Marshal(stagedRecord{
		ID:         r.ID,
		Confidence: r.Confidence,
		InsertedAt: r.InsertedAt,
		Fields:     r.Fields,
	})
	if err != nil {
		return fmt.Errorf("marshal staged record: %w", err)
	}
	return ix.cfg.StagingStore.Put(ctx, r.ID, b)
}

func (ix *Indexer) unstage(ctx context.Context, id string) error {
	return ix.cfg.StagingStore.Delete(ctx, id)
}

// Recover replays any records left in durable staging from a prior
// process that crashed before flushing them, re-buffering each one in
// memory. Call once at startup before serving traffic.
func (ix *Indexer) Recover(ctx context.Context) (int, error) {
	if ix.cfg.StagingStore == nil {
		return 0, nil
	}

	n := 0
	for entry, err := range ix.cfg.StagingStore.List(ctx) {
		if err != nil {
			return n, fmt.Errorf("patternindex: recover: list staged records: %w", err)
		}
		var sr stagedRecord
		if err := msgpack.Unmarshal(entry.Payload, &sr); err != nil {
			ix.cfg.Logger.WarnPrintf("recover: corrupt staged record %s, dropping: %v", entry.ID, err)
			_ = ix.cfg.StagingStore.Delete(ctx, entry.ID)
			continue
		}

		r := &Record{ID: sr.ID, Confidence: sr.Confidence, InsertedAt: sr.InsertedAt, Fields: sr.Fields}
		wasEmpty, ok := ix.q.push(r)
		if !ok {
			ix.cfg.Logger.WarnPrintf("recover: buffer full, deferring staged record %s to next Recover call", entry.ID)
			continue
		}
		if wasEmpty {
			ix.armTimer()
		}
		n++
	}
	return n, nil
}
