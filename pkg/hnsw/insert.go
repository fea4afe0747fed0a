package hnsw

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"sort"
	"time"
)

// InsertItem is one element of a BatchInsert call.
type InsertItem struct {
	Vector   Vector
	Metadata Metadata
}

// Insert adds a new node with the given vector and metadata, returning
// its NodeId. The vector is copied; the caller retains ownership of the
// slice it passed in.
func (idx *Index) Insert(ctx context.Context, vec Vector, meta Metadata) (NodeId, error) {
	if err := idx.checkClosed(); err != nil {
		return 0, err
	}
	if err := idx.validateVector(vec); err != nil {
		return 0, err
	}

	start := time.Now()
	idx.mu.Lock()
	id, err := idx.insertLocked(vec, meta)
	idx.mu.Unlock()

	idx.emit(Event{
		Op:             "insert",
		Duration:       time.Since(start),
		ResultSummary:  fmt.Sprintf("id=%d err=%v", id, err),
		ParamsSnapshot: map[string]any{"dim": len(vec)},
		Err:            err,
	})
	return id, err
}

func (idx *Index) validateVector(vec Vector) error {
	if len(vec) == 0 {
		return ErrInvalidVector
	}
	if len(vec) != idx.cfg.Dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), idx.cfg.Dim)
	}
	if !isFinite(vec) {
		return ErrInvalidVector
	}
	return nil
}

func (idx *Index) insertLocked(vec Vector, meta Metadata) (NodeId, error) {
	if idx.cfg.MaxElements > 0 && idx.count >= idx.cfg.MaxElements {
		return 0, ErrCapacityExceeded
	}

	cp := make(Vector, len(vec))
	copy(cp, vec)

	id := NodeId(len(idx.nodes))
	level := idx.randomLevel()
	nd := &node{
		id:        id,
		vector:    cp,
		metadata:  meta,
		level:     level,
		neighbors: make([][]NodeId, level+1),
	}
	idx.nodes = append(idx.nodes, nd)
	idx.count++

	if !idx.hasEntry {
		idx.hasEntry = true
		idx.entryPoint = id
		idx.maxLevel = level
		return id, nil
	}

	// Descent phase: greedy ef=1 walk from the entry point down to
	// level+1, never touching the graph.
	cur := idx.entryPoint
	curDist := idx.dist(cp, idx.nodes[cur].vector)
	for lev := idx.maxLevel; lev > level; lev-- {
		cur, curDist = idx.greedyStep(cp, cur, curDist, lev)
	}

	// Linking phase: from min(level, maxLevel) down to 0, beam search,
	// select neighbors, link bidirectionally, re-prune overflowed peers.
	topInsert := min(level, idx.maxLevel)
	ep := []NodeId{cur}
	for lev := topInsert; lev >= 0; lev-- {
		candidates := idx.searchLayer(cp, ep, idx.cfg.EfConstruction, lev)
		maxC := idx.cfg.maxConns(lev)
		chosen := idx.selectClosest(cp, candidates, maxC)
		// Own copy: removeFrom below may shrink nd's list in place while
		// chosen is still being ranged over.
		nd.neighbors[lev] = append([]NodeId(nil), chosen...)

		for _, nID := range chosen {
			nn := idx.nodes[nID]
			if nn == nil || lev >= len(nn.neighbors) {
				continue
			}
			nn.neighbors[lev] = append(nn.neighbors[lev], id)
			if len(nn.neighbors[lev]) > maxC {
				before := nn.neighbors[lev]
				trimmed := idx.selectClosest(nn.vector, before, maxC)
				nn.neighbors[lev] = trimmed
				for _, ev := range diff(before, trimmed) {
					en := idx.nodes[ev]
					if en == nil || lev >= len(en.neighbors) {
						continue
					}
					en.neighbors[lev] = removeFrom(en.neighbors[lev], nn.id)
				}
			}
		}
		ep = chosen
	}

	if level > idx.maxLevel {
		idx.entryPoint = id
		idx.maxLevel = level
	}

	return id, nil
}

// greedyStep walks one layer from cur toward the vector closest to vec,
// returning the best node found and its distance.
func (idx *Index) greedyStep(vec Vector, cur NodeId, curDist float32, layer int) (NodeId, float32) {
	changed := true
	for changed {
		changed = false
		curNode := idx.nodes[cur]
		if curNode == nil || layer >= len(curNode.neighbors) {
			break
		}
		for _, nID := range curNode.neighbors[layer] {
			nn := idx.nodes[nID]
			if nn == nil {
				continue
			}
			d := idx.dist(vec, nn.vector)
			if d < curDist || (d == curDist && nID < cur) {
				cur, curDist = nID, d
				changed = true
			}
		}
	}
	return cur, curDist
}

// randomLevel draws a level using the geometric distribution
// level = floor(-ln(u) * Ml), u uniform in (0, 1].
func (idx *Index) randomLevel() int {
	u := max(idx.rng.Float64(), math.SmallestNonzeroFloat64)
	level := int(-math.Log(u) * idx.levelMul)
	if level > 31 {
		level = 31
	}
	return level
}

// BatchInsert inserts multiple items, returning a NodeId (or zero) and an
// error for each input position. One item's failure does not prevent the
// rest from being inserted.
func (idx *Index) BatchInsert(ctx context.Context, items []InsertItem) ([]NodeId, []error) {
	ids := make([]NodeId, len(items))
	errs := make([]error, len(items))

	start := time.Now()
	for i, it := range items {
		ids[i], errs[i] = idx.Insert(ctx, it.Vector, it.Metadata)
	}

	ok := 0
	for _, e := range errs {
		if e == nil {
			ok++
		}
	}
	idx.emit(Event{
		Op:             "batch_insert",
		Duration:       time.Since(start),
		ResultSummary:  fmt.Sprintf("ok=%d/%d", ok, len(items)),
		ParamsSnapshot: map[string]any{"count": len(items)},
	})
	return ids, errs
}

// ---------------------------------------------------------------------------
// Layer-restricted best-first search and neighbor selection
// ---------------------------------------------------------------------------

type distItem struct {
	id   NodeId
	dist float32
}

// minDistHeap pops the closest item first. Ties break by lower NodeId so
// traversal order is deterministic under a fixed seed.
type minDistHeap []distItem

func (h minDistHeap) Len() int { return len(h) }
func (h minDistHeap) Less(i, j int) bool {
	if h[i].dist != h[j].dist {
		return h[i].dist < h[j].dist
	}
	return h[i].id < h[j].id
}
func (h minDistHeap) Swap(i, j int)   { h[i], h[j] = h[j], h[i] }
func (h *minDistHeap) Push(x any)     { *h = append(*h, x.(distItem)) }
func (h *minDistHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// maxDistHeap pops the farthest item first, so capping at ef evicts the
// worst candidate in O(log ef).
type maxDistHeap []distItem

func (h maxDistHeap) Len() int { return len(h) }
func (h maxDistHeap) Less(i, j int) bool {
	if h[i].dist != h[j].dist {
		return h[i].dist > h[j].dist
	}
	return h[i].id > h[j].id
}
func (h maxDistHeap) Swap(i, j int)   { h[i], h[j] = h[j], h[i] }
func (h *maxDistHeap) Push(x any)     { *h = append(*h, x.(distItem)) }
func (h *maxDistHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// searchLayer runs the layer-restricted best-first beam search described
// in the algorithm's §4.2.3: expand from entryPoints, maintaining a
// bounded max-heap of the best `ef` results found so far, until the
// closest unexpanded candidate is farther than the worst kept result.
func (idx *Index) searchLayer(query Vector, entryPoints []NodeId, ef int, layer int) []NodeId {
	visited := make(map[NodeId]struct{}, ef*2)

	var candidates minDistHeap
	var results maxDistHeap

	for _, ep := range entryPoints {
		nd := idx.nodes[ep]
		if nd == nil {
			continue
		}
		if _, seen := visited[ep]; seen {
			continue
		}
		visited[ep] = struct{}{}
		d := idx.dist(query, nd.vector)
		heap.Push(&candidates, distItem{id: ep, dist: d})
		heap.Push(&results, distItem{id: ep, dist: d})
	}

	for candidates.Len() > 0 {
		closest := heap.Pop(&candidates).(distItem)
		if results.Len() >= ef && closest.dist > results[0].dist {
			break
		}

		nd := idx.nodes[closest.id]
		if nd == nil || layer >= len(nd.neighbors) {
			continue
		}
		for _, nID := range nd.neighbors[layer] {
			if _, seen := visited[nID]; seen {
				continue
			}
			visited[nID] = struct{}{}

			nn := idx.nodes[nID]
			if nn == nil {
				continue
			}
			d := idx.dist(query, nn.vector)
			if results.Len() < ef || d < results[0].dist {
				heap.Push(&candidates, distItem{id: nID, dist: d})
				heap.Push(&results, distItem{id: nID, dist: d})
				if results.Len() > ef {
					heap.Pop(&results)
				}
			}
		}
	}

	sortedResults(&results)
	out := make([]NodeId, len(results))
	for i, r := range results {
		out[i] = r.id
	}
	return out
}

// sortedResults sorts a maxDistHeap ascending by distance, ties by lower
// NodeId, in place.
func sortedResults(h *maxDistHeap) {
	sortDistItems([]distItem(*h))
}

func sortDistItems(s []distItem) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].dist != s[j].dist {
			return s[i].dist < s[j].dist
		}
		return s[i].id < s[j].id
	})
}

// selectClosest implements the "select-neighbors-simple" heuristic: take
// the closest maxN candidates to query, ascending, ties by lower NodeId.
func (idx *Index) selectClosest(query Vector, candidates []NodeId, maxN int) []NodeId {
	items := make([]distItem, 0, len(candidates))
	seen := make(map[NodeId]struct{}, len(candidates))
	for _, cID := range candidates {
		if _, dup := seen[cID]; dup {
			continue
		}
		seen[cID] = struct{}{}
		nd := idx.nodes[cID]
		if nd == nil {
			continue
		}
		items = append(items, distItem{id: cID, dist: idx.dist(query, nd.vector)})
	}
	sortDistItems(items)
	if len(items) > maxN {
		items = items[:maxN]
	}
	out := make([]NodeId, len(items))
	for i, it := range items {
		out[i] = it.id
	}
	return out
}
