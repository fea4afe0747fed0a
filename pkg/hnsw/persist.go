package hnsw

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

var persistMagic = [4]byte{'H', 'N', 'S', 'W'}

const (
	persistVersion    uint16 = 2
	persistVersionMin uint16 = 1

	flagZstdCompressed uint16 = 1 << 0
)

// Persist snapshots the index to path (or Config.PersistPath if path is
// empty) through Config.Store. A second concurrent call returns
// ErrPersistInProgress immediately rather than blocking. The snapshot is
// assembled under a brief read lock and then written without holding any
// lock, so readers and writers are not blocked by slow I/O.
func (idx *Index) Persist(ctx context.Context, path string) error {
	if err := idx.checkClosed(); err != nil {
		return err
	}
	return idx.persist(ctx, path)
}

// persist is the unexported core of Persist, shared with Close's final
// flush, which must run after idx.closed is already set and therefore
// cannot go through the public Persist (which rejects closed indexes).
func (idx *Index) persist(ctx context.Context, path string) error {
	if !idx.persisting.CompareAndSwap(false, true) {
		return ErrPersistInProgress
	}
	defer idx.persisting.Store(false)

	if path == "" {
		path = idx.cfg.PersistPath
	}
	if path == "" {
		return fmt.Errorf("hnsw: Persist requires a path or Config.PersistPath")
	}
	if idx.cfg.Store == nil {
		return fmt.Errorf("hnsw: Persist requires Config.Store")
	}

	start := time.Now()

	idx.mu.RLock()
	body, nodeCount, err := idx.encodeLocked()
	memEst := idx.memoryEstLocked()
	idx.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	compressed, flags := maybeCompress(body)

	var buf bytes.Buffer
	buf.Write(persistMagic[:])
	binary.Write(&buf, binary.LittleEndian, persistVersion)
	binary.Write(&buf, binary.LittleEndian, flags)
	buf.Write(compressed)

	err = idx.cfg.Store.WriteAtomic(ctx, path, buf.Bytes())
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrIO, err)
	}

	idx.emit(Event{
		Op:             "persist",
		Duration:       time.Since(start),
		ResultSummary:  fmt.Sprintf("nodes=%d bytes=%s", nodeCount, humanize.Bytes(memEst)),
		ParamsSnapshot: map[string]any{"path": path},
		Err:            err,
	})
	return err
}

// encodeLocked serializes the graph into the VERSION 2 body format
// (everything after the FLAGS header field). Caller must hold idx.mu for
// reading at least.
func (idx *Index) encodeLocked() ([]byte, int, error) {
	var buf bytes.Buffer
	w := binWriter{buf: &buf}

	w.u32(uint32(idx.cfg.M))
	w.u32(uint32(idx.cfg.M * 2))
	w.u32(uint32(idx.cfg.EfConstruction))
	w.u32(uint32(idx.cfg.EfSearch))
	w.f64(idx.cfg.Ml)
	w.u8(uint8(idx.cfg.DistanceMetric))
	w.u32(uint32(idx.cfg.Dim))

	w.u64(uint64(len(idx.nodes)))
	if idx.hasEntry {
		w.i64(int64(idx.entryPoint))
	} else {
		w.i64(-1)
	}
	w.u64(uint64(idx.count))

	for _, nd := range idx.nodes {
		if nd == nil {
			continue
		}
		w.u64(uint64(nd.id))
		w.u16(uint16(nd.level))
		for _, f := range nd.vector {
			w.f32(f)
		}
		metaBytes, err := msgpack.Marshal(map[string]any(nd.metadata))
		if err != nil {
			return nil, 0, fmt.Errorf("encode metadata for node %d: %w", nd.id, err)
		}
		w.u32(uint32(len(metaBytes)))
		buf.Write(metaBytes)
	}

	for _, nd := range idx.nodes {
		if nd == nil {
			continue
		}
		w.u64(uint64(nd.id))
		w.u16(uint16(len(nd.neighbors)))
		for lev, friends := range nd.neighbors {
			w.u16(uint16(lev))
			w.u32(uint32(len(friends)))
			for _, f := range friends {
				w.u64(uint64(f))
			}
		}
	}

	if w.err != nil {
		return nil, 0, w.err
	}
	return buf.Bytes(), idx.count, nil
}

func maybeCompress(body []byte) ([]byte, uint16) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return body, 0
	}
	defer enc.Close()
	return enc.EncodeAll(body, nil), flagZstdCompressed
}

// Load reads and reconstructs an Index from path via store. Load refuses
// blobs with an unknown magic or a VERSION newer than this build
// understands.
func Load(ctx context.Context, store Store, path string, cfg Config) (*Index, error) {
	r, err := store.Read(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if len(raw) < 6 {
		return nil, ErrCorrupt
	}
	if !bytes.Equal(raw[0:4], persistMagic[:]) {
		return nil, ErrCorrupt
	}
	version := binary.LittleEndian.Uint16(raw[4:6])
	if version < persistVersionMin || version > persistVersion {
		return nil, ErrVersionMismatch
	}

	var body []byte
	offset := 6
	if version >= 2 {
		if len(raw) < 8 {
			return nil, ErrCorrupt
		}
		flags := binary.LittleEndian.Uint16(raw[6:8])
		offset = 8
		if flags&flagZstdCompressed != 0 {
			dec, err := zstd.NewReader(nil)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrIO, err)
			}
			defer dec.Close()
			body, err = dec.DecodeAll(raw[offset:], nil)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
		} else {
			body = raw[offset:]
		}
	} else {
		body = raw[offset:]
	}

	idx, err := decodeBody(body, version, cfg)
	if err != nil {
		return nil, err
	}
	idx.cfg.Store = store
	idx.scheduleTimers()
	return idx, nil
}

func decodeBody(body []byte, version uint16, cfg Config) (*Index, error) {
	r := binReader{buf: bytes.NewReader(body)}

	m := r.u32()
	r.u32() // m0, derivable as 2*m; kept in the format for forward compat
	efC := r.u32()
	efS := r.u32()
	ml := r.f64()
	metric := DistanceMetric(r.u8())
	dim := r.u32()
	if r.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, r.err)
	}

	cfg.Dim = int(dim)
	cfg.M = int(m)
	cfg.EfConstruction = int(efC)
	cfg.EfSearch = int(efS)
	cfg.Ml = ml
	cfg.DistanceMetric = metric
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	cfg.setDefaults()

	dist, err := resolveDistance(cfg.DistanceMetric)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	nextID := r.u64()
	entryPoint := r.i64()
	nodeCount := r.u64()
	if r.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, r.err)
	}

	idx := &Index{
		cfg:      cfg,
		dist:     dist,
		levelMul: cfg.Ml,
		rng:      newRNG(cfg.Seed),
		subs:     make(map[int]func(Event)),
		nodes:    make([]*node, nextID),
	}
	if entryPoint >= 0 {
		idx.hasEntry = true
		idx.entryPoint = NodeId(entryPoint)
	}

	for i := uint64(0); i < nodeCount; i++ {
		id := r.u64()
		level := r.u16()
		vec := make(Vector, dim)
		for j := range vec {
			vec[j] = r.f32()
		}
		metaLen := r.u32()
		metaBytes := r.bytes(int(metaLen))
		if r.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, r.err)
		}

		var meta Metadata
		if version >= 2 {
			var m map[string]any
			if err := msgpack.Unmarshal(metaBytes, &m); err != nil {
				return nil, fmt.Errorf("%w: decode metadata for node %d: %v", ErrCorrupt, id, err)
			}
			meta = Metadata(m)
		} else {
			// VERSION 1 metadata predates the msgpack envelope and
			// carries no inserted_at; load it as an opaque blob so the
			// node is exempt from age-based pruning until re-inserted.
			meta = Metadata{"_legacy_metadata": metaBytes}
		}

		if int(id) >= len(idx.nodes) {
			grown := make([]*node, id+1)
			copy(grown, idx.nodes)
			idx.nodes = grown
		}
		idx.nodes[id] = &node{
			id:        NodeId(id),
			vector:    vec,
			metadata:  meta,
			level:     int(level),
			neighbors: make([][]NodeId, level+1),
		}
		idx.count++
	}

	for i := uint64(0); i < nodeCount; i++ {
		id := r.u64()
		numLayers := r.u16()
		nd := idx.nodes[id]
		for l := uint16(0); l < numLayers; l++ {
			layer := r.u16()
			n := r.u32()
			friends := make([]NodeId, n)
			for k := range friends {
				friends[k] = NodeId(r.u64())
			}
			if nd != nil && int(layer) < len(nd.neighbors) {
				nd.neighbors[layer] = friends
			}
		}
	}
	if r.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, r.err)
	}

	idx.maxLevel = 0
	for _, nd := range idx.nodes {
		if nd != nil && nd.level > idx.maxLevel {
			idx.maxLevel = nd.level
		}
	}

	return idx, nil
}
