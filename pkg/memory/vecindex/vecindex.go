// Package vecindex implements a flat inner-product vector index with on-disk
// persistence, plus the id-map that ties index positions back to SQLite rows.
//
// The index is deliberately brute-force: per-entity stores stay small (GC
// keeps them around two hundred vectors), so an exact scan beats the
// bookkeeping cost of an ANN structure. All stored vectors are unit-norm, so
// inner product equals cosine similarity.
package vecindex

import (
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
)

// Flat is a flat inner-product index. Not safe for concurrent use; the
// owning store serializes access.
type Flat struct {
	dims    int
	vectors [][]float32
}

// Result is one nearest-neighbor match.
type Result struct {
	// Pos is the insertion position of the matched vector.
	Pos int

	// Score is the inner product against the query (cosine similarity for
	// unit-norm vectors).
	Score float64
}

// New returns an empty index for dims-dimensional vectors.
func New(dims int) *Flat {
	return &Flat{dims: dims}
}

// Dims returns the vector dimensionality.
func (f *Flat) Dims() int { return f.dims }

// Len returns the number of stored vectors.
func (f *Flat) Len() int { return len(f.vectors) }

// Add appends vec to the index. The vector is normalized in place so the
// unit-norm invariant holds regardless of the embedding backend.
func (f *Flat) Add(vec []float32) error {
	if len(vec) != f.dims {
		return fmt.Errorf("vecindex: dimension mismatch: got %d, want %d", len(vec), f.dims)
	}
	Normalize(vec)
	cp := make([]float32, len(vec))
	copy(cp, vec)
	f.vectors = append(f.vectors, cp)
	return nil
}

// Search returns the k highest-scoring vectors for query, best first.
// The query is normalized before scanning.
func (f *Flat) Search(query []float32, k int) ([]Result, error) {
	if len(query) != f.dims {
		return nil, fmt.Errorf("vecindex: dimension mismatch: got %d, want %d", len(query), f.dims)
	}
	if k <= 0 || len(f.vectors) == 0 {
		return nil, nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	Normalize(q)

	results := make([]Result, 0, len(f.vectors))
	for pos, v := range f.vectors {
		results = append(results, Result{Pos: pos, Score: dot(q, v)})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	if k > len(results) {
		k = len(results)
	}
	return results[:k], nil
}

// Normalize scales vec to unit L2 norm in place. Zero vectors are left
// untouched.
func Normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// indexFileMagic guards against loading a foreign file as an index.
const indexFileMagic = uint32(0x59564958) // "YVIX"

// Save writes the index to path atomically (write to a temp file in the same
// directory, then rename).
func (f *Flat) Save(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".vecindex-*")
	if err != nil {
		return fmt.Errorf("vecindex: save: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := f.write(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("vecindex: save: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("vecindex: save: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("vecindex: save: %w", err)
	}
	return nil
}

func (f *Flat) write(file *os.File) error {
	header := []any{indexFileMagic, uint32(f.dims), uint32(len(f.vectors))}
	for _, h := range header {
		if err := binary.Write(file, binary.LittleEndian, h); err != nil {
			return err
		}
	}
	for _, v := range f.vectors {
		if err := binary.Write(file, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	return nil
}

// Load reads an index previously written by Save. A missing file yields an
// empty index with the requested dims.
func Load(path string, dims int) (*Flat, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return New(dims), nil
	}
	if err != nil {
		return nil, fmt.Errorf("vecindex: load: %w", err)
	}
	defer file.Close()

	var magic, fileDims, count uint32
	for _, p := range []*uint32{&magic, &fileDims, &count} {
		if err := binary.Read(file, binary.LittleEndian, p); err != nil {
			return nil, fmt.Errorf("vecindex: load %s: %w", path, err)
		}
	}
	if magic != indexFileMagic {
		return nil, fmt.Errorf("vecindex: load %s: bad magic %#x", path, magic)
	}
	if dims != 0 && int(fileDims) != dims {
		return nil, fmt.Errorf("vecindex: load %s: dimension mismatch: file has %d, want %d", path, fileDims, dims)
	}

	f := New(int(fileDims))
	f.vectors = make([][]float32, 0, count)
	for i := uint32(0); i < count; i++ {
		v := make([]float32, fileDims)
		if err := binary.Read(file, binary.LittleEndian, v); err != nil {
			return nil, fmt.Errorf("vecindex: load %s: vector %d: %w", path, i, err)
		}
		f.vectors = append(f.vectors, v)
	}
	return f, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// ID map
// ─────────────────────────────────────────────────────────────────────────────

// ScopeGroup discriminates an id-map entry that points into the user's
// group-shadow table rather than the private table.
const ScopeGroup = "group"

// IDEntry ties one index position to a SQLite row. Scope is empty for
// private rows and ScopeGroup for group-shadow rows.
type IDEntry struct {
	Scope string
	ID    int64
}

// IDMap is the ordered list of IDEntry values parallel to an index: entry i
// identifies the row whose vector sits at position i.
type IDMap struct {
	Entries []IDEntry
}

// Append adds one entry.
func (m *IDMap) Append(e IDEntry) {
	m.Entries = append(m.Entries, e)
}

// Len returns the number of entries.
func (m *IDMap) Len() int { return len(m.Entries) }

// At returns entry i and whether i is in range.
func (m *IDMap) At(i int) (IDEntry, bool) {
	if i < 0 || i >= len(m.Entries) {
		return IDEntry{}, false
	}
	return m.Entries[i], true
}

// Save writes the map to path atomically.
func (m *IDMap) Save(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".idmap-*")
	if err != nil {
		return fmt.Errorf("vecindex: save id map: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(m.Entries); err != nil {
		tmp.Close()
		return fmt.Errorf("vecindex: save id map: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("vecindex: save id map: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("vecindex: save id map: %w", err)
	}
	return nil
}

// LoadIDMap reads a map previously written by Save. A missing file yields an
// empty map.
func LoadIDMap(path string) (*IDMap, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return &IDMap{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vecindex: load id map: %w", err)
	}
	defer file.Close()

	m := &IDMap{}
	if err := gob.NewDecoder(file).Decode(&m.Entries); err != nil {
		return nil, fmt.Errorf("vecindex: load id map %s: %w", path, err)
	}
	return m, nil
}
