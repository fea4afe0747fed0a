package hnsw

import (
	"context"
	"fmt"
	"time"
)

// PruneByAge removes every node whose metadata's "inserted_at" value is
// older than now-maxAge. Nodes without that key are exempt. Returns the
// number removed.
func (idx *Index) PruneByAge(ctx context.Context, maxAge time.Duration) (int, error) {
	if err := idx.checkClosed(); err != nil {
		return 0, err
	}

	start := time.Now()
	idx.mu.Lock()
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for i, nd := range idx.nodes {
		if nd == nil {
			continue
		}
		t, ok := insertedAt(nd.metadata)
		if !ok || !t.Before(cutoff) {
			continue
		}
		idx.deleteLocked(NodeId(i))
		removed++
	}
	idx.mu.Unlock()

	idx.emit(Event{
		Op:             "prune",
		Duration:       time.Since(start),
		ResultSummary:  fmt.Sprintf("removed=%d", removed),
		ParamsSnapshot: map[string]any{"max_age": maxAge.String()},
	})
	return removed, nil
}

func insertedAt(m Metadata) (time.Time, bool) {
	if m == nil {
		return time.Time{}, false
	}
	v, ok := m[insertedAtKey]
	if !ok {
		return time.Time{}, false
	}
	t, ok := v.(time.Time)
	return t, ok
}

// deleteLocked removes a node, disconnects it from every neighbor at
// every layer, and re-elects the entry point if necessary. Caller must
// hold idx.mu for writing.
func (idx *Index) deleteLocked(id NodeId) {
	nd := idx.nodes[id]
	if nd == nil {
		return
	}

	for lev := 0; lev < len(nd.neighbors); lev++ {
		for _, nID := range nd.neighbors[lev] {
			nn := idx.nodes[nID]
			if nn == nil || lev >= len(nn.neighbors) {
				continue
			}
			nn.neighbors[lev] = removeFrom(nn.neighbors[lev], id)
		}
	}

	idx.nodes[id] = nil
	idx.count--

	if idx.hasEntry && idx.entryPoint == id {
		idx.electEntryLocked()
	}
}

func (idx *Index) electEntryLocked() {
	if idx.count == 0 {
		idx.hasEntry = false
		idx.maxLevel = 0
		return
	}
	var best NodeId
	bestLevel := -1
	for i, nd := range idx.nodes {
		if nd != nil && nd.level > bestLevel {
			best = NodeId(i)
			bestLevel = nd.level
		}
	}
	idx.entryPoint = best
	idx.maxLevel = bestLevel
}

func removeFrom(s []NodeId, val NodeId) []NodeId {
	for i, v := range s {
		if v == val {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

// CompactStats summarizes the effect of a Compact call.
type CompactStats struct {
	RemovedNodes         int
	OptimizedConnections int
	TotalNodesAfter      int
}

// Compact removes orphan nodes (unreachable from the entry point and
// carrying no neighbors at any layer) and re-prunes any node whose
// degree at some layer drifted above 1.5x its cap due to prior deletion
// cascades.
func (idx *Index) Compact(ctx context.Context) (CompactStats, error) {
	if err := idx.checkClosed(); err != nil {
		return CompactStats{}, err
	}

	idx.compacting.Store(true)
	defer idx.compacting.Store(false)

	start := time.Now()
	idx.mu.Lock()

	removed := 0
	for i, nd := range idx.nodes {
		if nd == nil {
			continue
		}
		if idx.hasEntry && NodeId(i) == idx.entryPoint {
			continue // the entry point is reachable from itself
		}
		if isOrphan(nd) {
			idx.deleteLocked(NodeId(i))
			removed++
		}
	}

	optimized := 0
	for _, nd := range idx.nodes {
		if nd == nil {
			continue
		}
		for lev := range nd.neighbors {
			degreeCap := idx.cfg.maxConns(lev)
			if len(nd.neighbors[lev]) <= int(1.5*float64(degreeCap)) {
				continue
			}
			trimmed := idx.selectClosest(nd.vector, nd.neighbors[lev], degreeCap)
			evicted := diff(nd.neighbors[lev], trimmed)
			nd.neighbors[lev] = trimmed
			for _, ev := range evicted {
				en := idx.nodes[ev]
				if en == nil || lev >= len(en.neighbors) {
					continue
				}
				en.neighbors[lev] = removeFrom(en.neighbors[lev], nd.id)
			}
			optimized++
		}
	}

	stats := CompactStats{
		RemovedNodes:         removed,
		OptimizedConnections: optimized,
		TotalNodesAfter:      idx.count,
	}
	idx.mu.Unlock()

	idx.emit(Event{
		Op:             "compact",
		Duration:       time.Since(start),
		ResultSummary:  fmt.Sprintf("removed=%d optimized=%d total=%d", removed, optimized, stats.TotalNodesAfter),
		ParamsSnapshot: map[string]any{},
	})
	return stats, nil
}

func isOrphan(nd *node) bool {
	for _, layer := range nd.neighbors {
		if len(layer) > 0 {
			return false
		}
	}
	return true
}

func diff(full, kept []NodeId) []NodeId {
	keptSet := make(map[NodeId]struct{}, len(kept))
	for _, k := range kept {
		keptSet[k] = struct{}{}
	}
	var out []NodeId
	for _, f := range full {
		if _, ok := keptSet[f]; !ok {
			out = append(out, f)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Single-shot periodic timers
// ---------------------------------------------------------------------------

// scheduleTimers arms the persist and prune timers if their intervals are
// configured. Each timer reschedules itself after its own run, so there
// is never a ticking loop holding the write lock across waits.
func (idx *Index) scheduleTimers() {
	idx.timerMu.Lock()
	defer idx.timerMu.Unlock()

	if idx.cfg.PersistInterval > 0 && idx.cfg.PersistPath != "" && idx.cfg.Store != nil {
		idx.persistTimer = time.AfterFunc(idx.cfg.PersistInterval, idx.runPersistTimer)
	}
	if idx.cfg.PruneInterval > 0 && idx.cfg.PruneMaxAge > 0 {
		idx.pruneTimer = time.AfterFunc(idx.cfg.PruneInterval, idx.runPruneTimer)
	}
}

func (idx *Index) runPersistTimer() {
	if idx.closed.Load() {
		return
	}
	if err := idx.Persist(context.Background(), idx.cfg.PersistPath); err != nil {
		idx.cfg.Logger.WarnPrintf("scheduled persist failed: %v", err)
	}
	idx.timerMu.Lock()
	if !idx.closed.Load() {
		idx.persistTimer = time.AfterFunc(idx.cfg.PersistInterval, idx.runPersistTimer)
	}
	idx.timerMu.Unlock()
}

func (idx *Index) runPruneTimer() {
	if idx.closed.Load() {
		return
	}
	if _, err := idx.PruneByAge(context.Background(), idx.cfg.PruneMaxAge); err != nil {
		idx.cfg.Logger.WarnPrintf("scheduled prune failed: %v", err)
	}
	idx.timerMu.Lock()
	if !idx.closed.Load() {
		idx.pruneTimer = time.AfterFunc(idx.cfg.PruneInterval, idx.runPruneTimer)
	}
	idx.timerMu.Unlock()
}
