package hnsw

import "time"

// Event describes the outcome of a single public operation. Subscribers
// registered via Subscribe receive one Event per operation, synchronously
// on the calling goroutine, after the index lock is released and before
// the operation returns its result to its own caller.
type Event struct {
	Op             string
	Duration       time.Duration
	ResultSummary  string
	ParamsSnapshot map[string]any
	Err            error
}

// Subscribe registers fn to receive every Event emitted by this index.
// The returned function unsubscribes fn; it is safe to call more than
// once and safe to call from within fn itself.
func (idx *Index) Subscribe(fn func(Event)) func() {
	idx.subMu.Lock()
	id := idx.subID
	idx.subID++
	idx.subs[id] = fn
	idx.subMu.Unlock()

	return func() {
		idx.subMu.Lock()
		delete(idx.subs, id)
		idx.subMu.Unlock()
	}
}

func (idx *Index) emit(ev Event) {
	idx.subMu.Lock()
	// Copy under the lock so a subscriber that unsubscribes itself
	// mid-callback doesn't race the map iteration.
	fns := make([]func(Event), 0, len(idx.subs))
	for _, fn := range idx.subs {
		fns = append(fns, fn)
	}
	idx.subMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
