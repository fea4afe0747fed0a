package hnsw

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"math"
	mathrand "math/rand/v2"
)

func cryptoRandRead(b []byte) {
	if _, err := rand.Read(b); err != nil {
		// crypto/rand.Read failing means the OS entropy source is
		// broken; fall back to a fixed seed rather than panic.
		for i := range b {
			b[i] = byte(i)
		}
	}
}

func beUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// isFinite reports whether every element of v is a finite float.
func isFinite(v []float32) bool {
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// newRNG builds the PCG generator used for level assignment. A zero seed
// draws fresh entropy from the OS so every unconfigured index gets an
// independent sequence; a non-zero seed makes the graph deterministic,
// which test suites rely on.
func newRNG(seed uint64) *mathrand.Rand {
	var s1, s2 uint64
	if seed != 0 {
		s1, s2 = seed, seed^0x9e3779b97f4a7c15
	} else {
		var buf [16]byte
		cryptoRandRead(buf[:])
		s1 = beUint64(buf[0:8])
		s2 = beUint64(buf[8:16])
	}
	return mathrand.New(mathrand.NewPCG(s1, s2))
}

// ---------------------------------------------------------------------------
// Little-endian binary helpers for the persistence format
// ---------------------------------------------------------------------------

type binWriter struct {
	buf *bytes.Buffer
	err error
}

func (w *binWriter) write(v any) {
	if w.err != nil {
		return
	}
	w.err = binary.Write(w.buf, binary.LittleEndian, v)
}

func (w *binWriter) u8(v uint8)   { w.write(v) }
func (w *binWriter) u16(v uint16) { w.write(v) }
func (w *binWriter) u32(v uint32) { w.write(v) }
func (w *binWriter) u64(v uint64) { w.write(v) }
func (w *binWriter) i64(v int64)  { w.write(v) }
func (w *binWriter) f32(v float32) { w.write(v) }
func (w *binWriter) f64(v float64) { w.write(v) }

type binReader struct {
	buf *bytes.Reader
	err error
}

func (r *binReader) read(v any) {
	if r.err != nil {
		return
	}
	r.err = binary.Read(r.buf, binary.LittleEndian, v)
}

func (r *binReader) u8() (v uint8)     { r.read(&v); return }
func (r *binReader) u16() (v uint16)   { r.read(&v); return }
func (r *binReader) u32() (v uint32)   { r.read(&v); return }
func (r *binReader) u64() (v uint64)   { r.read(&v); return }
func (r *binReader) i64() (v int64)    { r.read(&v); return }
func (r *binReader) f32() (v float32)  { r.read(&v); return }
func (r *binReader) f64() (v float64)  { r.read(&v); return }

func (r *binReader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	b := make([]byte, n)
	_, r.err = r.buf.Read(b)
	return b
}
