package hnsw

import (
	"container/heap"
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"
)

// Result is a single match from Search or SearchBatch.
type Result struct {
	NodeId   NodeId
	Distance float32
	Vector   Vector
	Metadata Metadata
}

// SearchOptions tunes a single Search call.
type SearchOptions struct {
	// Ef overrides Config.EfSearch for this call only. Zero uses the
	// configured default.
	Ef int
}

// Search returns the k nearest nodes to q, ascending by distance, ties
// broken by lower NodeId. Returns fewer than k results only if the index
// has fewer than k live nodes. An empty index returns (nil, nil).
func (idx *Index) Search(ctx context.Context, q Vector, k int, opts SearchOptions) ([]Result, error) {
	if err := idx.checkClosed(); err != nil {
		return nil, err
	}
	if len(q) != idx.cfg.Dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(q), idx.cfg.Dim)
	}
	if !isFinite(q) {
		return nil, ErrInvalidVector
	}

	start := time.Now()
	results, err := idx.searchLocked(ctx, q, k, opts)
	idx.emit(Event{
		Op:             "search",
		Duration:       time.Since(start),
		ResultSummary:  fmt.Sprintf("k=%d got=%d err=%v", k, len(results), err),
		ParamsSnapshot: map[string]any{"k": k},
		Err:            err,
	})
	return results, err
}

func (idx *Index) searchLocked(ctx context.Context, q Vector, k int, opts SearchOptions) ([]Result, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if !idx.hasEntry || k <= 0 {
		return nil, nil
	}

	ef := opts.Ef
	if ef <= 0 {
		ef = idx.cfg.EfSearch
	}
	if ef < k {
		ef = k
	}

	entry := idx.nodes[idx.entryPoint]
	if entry == nil {
		return nil, nil
	}

	cur := idx.entryPoint
	curDist := idx.dist(q, entry.vector)
	for lev := idx.maxLevel; lev > 0; lev-- {
		select {
		case <-ctx.Done():
			return nil, ErrCanceled
		default:
		}
		cur, curDist = idx.greedyStep(q, cur, curDist, lev)
	}

	candidates, err := idx.searchLayerCancelable(ctx, q, []NodeId{cur}, ef, 0)
	if err != nil {
		return nil, err
	}

	items := make([]distItem, 0, len(candidates))
	for _, cID := range candidates {
		nd := idx.nodes[cID]
		if nd == nil {
			continue
		}
		items = append(items, distItem{id: cID, dist: idx.dist(q, nd.vector)})
	}
	sortDistItems(items)
	if len(items) > k {
		items = items[:k]
	}

	out := make([]Result, len(items))
	for i, it := range items {
		nd := idx.nodes[it.id]
		out[i] = Result{
			NodeId:   nd.id,
			Distance: it.dist,
			Vector:   nd.vector,
			Metadata: nd.metadata,
		}
	}
	return out, nil
}

// searchLayerCancelable is searchLayer with a context check between each
// candidate expansion, used only by the top-level Search path (the
// insertion path never cancels mid-link).
func (idx *Index) searchLayerCancelable(ctx context.Context, query Vector, entryPoints []NodeId, ef int, layer int) ([]NodeId, error) {
	visited := make(map[NodeId]struct{}, ef*2)

	var candidates minDistHeap
	var results maxDistHeap

	for _, ep := range entryPoints {
		nd := idx.nodes[ep]
		if nd == nil {
			continue
		}
		visited[ep] = struct{}{}
		d := idx.dist(query, nd.vector)
		heap.Push(&candidates, distItem{id: ep, dist: d})
		heap.Push(&results, distItem{id: ep, dist: d})
	}

	for candidates.Len() > 0 {
		select {
		case <-ctx.Done():
			return nil, ErrCanceled
		default:
		}

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
	return out, nil
}

// BatchSearchOptions tunes a SearchBatch call.
type BatchSearchOptions struct {
	SearchOptions

	// MaxConcurrency caps how many queries run at once. Zero uses
	// runtime.GOMAXPROCS(0).
	MaxConcurrency int

	// PerQueryTimeout, if positive, bounds each individual query. A
	// timed-out slot gets ErrTimeout; siblings are unaffected.
	PerQueryTimeout time.Duration
}

// BatchResult pairs a query's results with its error, preserving input
// order regardless of completion order.
type BatchResult struct {
	Results []Result
	Err     error
}

// SearchBatch runs queries concurrently over a bounded worker pool and
// returns one BatchResult per query, in input order.
func (idx *Index) SearchBatch(ctx context.Context, queries []Vector, k int, opts BatchSearchOptions) []BatchResult {
	out := make([]BatchResult, len(queries))
	if len(queries) == 0 {
		return out
	}

	concurrency := opts.MaxConcurrency
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}

	start := time.Now()
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	wg.Add(len(queries))

	for i, q := range queries {
		sem <- struct{}{}
		go func(i int, q Vector) {
			defer wg.Done()
			defer func() { <-sem }()

			qctx := ctx
			var cancel context.CancelFunc
			if opts.PerQueryTimeout > 0 {
				qctx, cancel = context.WithTimeout(ctx, opts.PerQueryTimeout)
				defer cancel()
			}

			res, err := idx.Search(qctx, q, k, opts.SearchOptions)
			if err != nil && qctx.Err() == context.DeadlineExceeded {
				err = ErrTimeout
			}
			out[i] = BatchResult{Results: res, Err: err}
		}(i, q)
	}
	wg.Wait()

	idx.emit(Event{
		Op:             "search_batch",
		Duration:       time.Since(start),
		ResultSummary:  fmt.Sprintf("n=%d", len(queries)),
		ParamsSnapshot: map[string]any{"k": k, "count": len(queries)},
	})
	return out
}
