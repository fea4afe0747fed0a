package patternindex

import (
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/itchyny/gojq"

	"github.com/vectorlattice/hnswindex/pkg/hnsw"
)

// Block writes a fixed-width slice of a FieldEncoder's output vector.
type Block interface {
	// Width is the number of float32 slots this block occupies.
	Width() int
	// Write extracts its field(s) from fields via its jq path and writes
	// into out, which has exactly Width() slots.
	Write(fields map[string]any, out []float32) error
}

// NumericBlock copies a single numeric field, clamped to [Min, Max] and
// scaled to [-1, 1]. A missing or non-numeric field writes 0.
type NumericBlock struct {
	Path     string // jq expression, e.g. ".age"
	Min, Max float64

	query *gojq.Query
}

// NewNumericBlock compiles path once so Write never reparses it.
func NewNumericBlock(path string, min, max float64) (*NumericBlock, error) {
	q, err := gojq.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("patternindex: parse numeric block path %q: %w", path, err)
	}
	return &NumericBlock{Path: path, Min: min, Max: max, query: q}, nil
}

func (b *NumericBlock) Width() int { return 1 }

func (b *NumericBlock) Write(fields map[string]any, out []float32) error {
	v, ok := runJQNumber(b.query, fields)
	if !ok {
		out[0] = 0
		return nil
	}
	span := b.Max - b.Min
	if span <= 0 {
		out[0] = 0
		return nil
	}
	norm := (v-b.Min)/span*2 - 1
	out[0] = float32(clamp(norm, -1, 1))
	return nil
}

// HashBlock projects a field of any type (via its jq path) into a fixed
// number of buckets using xxhash, spreading categorical values with
// unbounded cardinality (IDs, free-text tags) across a bounded width.
type HashBlock struct {
	Path  string
	width int

	query *gojq.Query
}

// NewHashBlock compiles path once and fixes the output width.
func NewHashBlock(path string, width int) (*HashBlock, error) {
	q, err := gojq.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("patternindex: parse hash block path %q: %w", path, err)
	}
	if width < 1 {
		width = 1
	}
	return &HashBlock{Path: path, width: width, query: q}, nil
}

func (b *HashBlock) Width() int { return b.width }

func (b *HashBlock) Write(fields map[string]any, out []float32) error {
	for i := range out {
		out[i] = 0
	}
	s, ok := runJQString(b.query, fields)
	if !ok || s == "" {
		return nil
	}
	h := xxhash.Sum64String(s)
	bucket := int(h % uint64(b.width))
	sign := float32(1)
	if h&1 == 1 {
		sign = -1
	}
	out[bucket] = sign
	return nil
}

// OneHotBlock projects a field whose value is one of a fixed, known
// Categories list into a one-hot vector. Unknown values write all zeros.
type OneHotBlock struct {
	Path       string
	Categories []string

	query *gojq.Query
	index map[string]int
}

// NewOneHotBlock compiles path once and builds the category lookup.
func NewOneHotBlock(path string, categories []string) (*OneHotBlock, error) {
	q, err := gojq.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("patternindex: parse one-hot block path %q: %w", path, err)
	}
	idx := make(map[string]int, len(categories))
	for i, c := range categories {
		idx[c] = i
	}
	return &OneHotBlock{Path: path, Categories: categories, query: q, index: idx}, nil
}

func (b *OneHotBlock) Width() int { return len(b.Categories) }

func (b *OneHotBlock) Write(fields map[string]any, out []float32) error {
	for i := range out {
		out[i] = 0
	}
	s, ok := runJQString(b.query, fields)
	if !ok {
		return nil
	}
	if i, found := b.index[s]; found {
		out[i] = 1
	}
	return nil
}

// FieldEncoder vectorizes a Record.Fields map by running a fixed, ordered
// list of Blocks and concatenating their outputs, then L2-normalizing the
// result so cosine distance behaves consistently regardless of how many
// blocks contributed nonzero values.
type FieldEncoder struct {
	blocks []Block
	dim    int
}

// NewFieldEncoder builds an encoder from an ordered list of blocks. The
// resulting Dim is the sum of each block's Width.
func NewFieldEncoder(blocks ...Block) *FieldEncoder {
	dim := 0
	for _, b := range blocks {
		dim += b.Width()
	}
	return &FieldEncoder{blocks: blocks, dim: dim}
}

func (fe *FieldEncoder) Dim() int { return fe.dim }

func (fe *FieldEncoder) Encode(r Record) (hnsw.Vector, error) {
	out := make(hnsw.Vector, fe.dim)
	offset := 0
	for _, b := range fe.blocks {
		w := b.Width()
		if err := b.Write(r.Fields, out[offset:offset+w]); err != nil {
			return nil, fmt.Errorf("patternindex: encode block: %w", err)
		}
		offset += w
	}
	normalize(out)
	return out, nil
}

func normalize(v hnsw.Vector) {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(math.Sqrt(sumSq))
	for i := range v {
		v[i] /= norm
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func runJQNumber(q *gojq.Query, fields map[string]any) (float64, bool) {
	iter := q.Run(fields)
	v, ok := iter.Next()
	if !ok {
		return 0, false
	}
	if err, isErr := v.(error); isErr {
		_ = err
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func runJQString(q *gojq.Query, fields map[string]any) (string, bool) {
	iter := q.Run(fields)
	v, ok := iter.Next()
	if !ok {
		return "", false
	}
	if err, isErr := v.(error); isErr {
		_ = err
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case nil:
		return "", false
	default:
		return fmt.Sprint(s), true
	}
}
