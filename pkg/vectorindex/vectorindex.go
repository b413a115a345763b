// Package vectorindex implements the Vector Index external contract
// (SPEC_FULL.md §6) as an in-process HNSW graph over node embeddings,
// adapted from KittClouds-Angular-GO/GoKitt/pkg/vector/store.go.
//
// The teacher example keys the index by bare uint32 ids; long-term
// graph nodes here are UUID strings, so this package adds the
// translation layer the teacher didn't need.
package vectorindex

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fogfish/hnsw"
	hnswvector "github.com/fogfish/hnsw/vector"
	kvector "github.com/kshard/vector"

	"github.com/memoryfold/mnemos/pkg/vecmath"
)

// Match is one nearest-neighbor result.
type Match struct {
	NodeID string
	Score  float64
}

// Index is a single-writer/multi-reader nearest-neighbor index over node
// embeddings, matching the single-writer policy in SPEC_FULL.md §5.
type Index struct {
	mu        sync.RWMutex
	hnsw      *hnsw.HNSW[hnswvector.VF32]
	idToKey   map[string]uint32
	keyToID   map[uint32]string
	keyToVec  map[uint32][]float32
	tombstone map[uint32]bool
	nextKey   uint32
	dim       int
}

// New creates an empty index using cosine distance, matching the
// teacher's default surface.
func New() *Index {
	return &Index{
		hnsw:      hnsw.New[hnswvector.VF32](hnswvector.SurfaceVF32(kvector.Cosine())),
		idToKey:   make(map[string]uint32),
		keyToID:   make(map[uint32]string),
		keyToVec:  make(map[uint32][]float32),
		tombstone: make(map[uint32]bool),
	}
}

// Upsert inserts or replaces the vector for nodeID. HNSW has no native
// update, so a prior entry is tombstoned and a fresh point inserted,
// the common "soft delete + reinsert" pattern for append-only ANN
// structures.
func (idx *Index) Upsert(nodeID string, vec []float32, _ map[string]any) error {
	return idx.UpsertBatch([]string{nodeID}, [][]float32{vec})
}

// UpsertBatch inserts or replaces many vectors in one locked section,
// the shape the Batch Scheduler's flush calls into.
func (idx *Index) UpsertBatch(nodeIDs []string, vecs [][]float32) error {
	if len(nodeIDs) != len(vecs) {
		return fmt.Errorf("vectorindex: id/vector length mismatch")
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for i, id := range nodeIDs {
		vec := vecs[i]
		if len(vec) == 0 {
			return fmt.Errorf("vectorindex: empty embedding for %q", id)
		}
		if idx.dim == 0 {
			idx.dim = len(vec)
		} else if len(vec) != idx.dim {
			return fmt.Errorf("vectorindex: dimension mismatch: expected %d, got %d", idx.dim, len(vec))
		}

		if oldKey, ok := idx.idToKey[id]; ok {
			idx.tombstone[oldKey] = true
		}

		key := idx.nextKey
		idx.nextKey++
		idx.hnsw.Insert(hnswvector.VF32{Key: key, Vec: vec})
		idx.idToKey[id] = key
		idx.keyToID[key] = id
		idx.keyToVec[key] = vec
	}
	return nil
}

// Delete tombstones nodeID so it is excluded from future search results.
func (idx *Index) Delete(nodeID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	key, ok := idx.idToKey[nodeID]
	if !ok {
		return nil
	}
	idx.tombstone[key] = true
	delete(idx.idToKey, nodeID)
	return nil
}

// Query returns the topK nearest node ids to vec, excluding tombstoned
// entries. It over-fetches to compensate for tombstones the way a
// soft-delete ANN index typically does.
func (idx *Index) Query(vec []float32, topK int) ([]Match, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.hnsw.Size() == 0 {
		return nil, nil
	}
	if idx.dim > 0 && len(vec) != idx.dim {
		return nil, fmt.Errorf("vectorindex: dimension mismatch: expected %d, got %d", idx.dim, len(vec))
	}

	fetch := topK * 3
	if fetch < 50 {
		fetch = 50
	}
	if fetch > idx.hnsw.Size() {
		fetch = idx.hnsw.Size()
	}
	ef := fetch * 2
	if ef < 100 {
		ef = 100
	}

	query := hnswvector.VF32{Vec: vec}
	results := idx.hnsw.Search(query, fetch, ef)

	// HNSW returns candidates ranked nearest-first; the exact score is
	// recomputed from our own vector cache rather than trusting an
	// unspecified internal distance representation, so Match.Score is
	// always a plain cosine similarity regardless of the index's
	// internal metric.
	out := make([]Match, 0, topK)
	for _, r := range results {
		if idx.tombstone[r.Key] {
			continue
		}
		id, ok := idx.keyToID[r.Key]
		if !ok {
			continue
		}
		stored, ok := idx.keyToVec[r.Key]
		if !ok {
			continue
		}
		out = append(out, Match{NodeID: id, Score: vecmath.Cosine(vec, stored)})
		if len(out) == topK {
			break
		}
	}
	return out, nil
}

// Has reports whether nodeID currently has a live (non-tombstoned) entry.
func (idx *Index) Has(nodeID string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.idToKey[nodeID]
	return ok
}

// persistedState is the gob-encodable snapshot of the index.
type persistedState struct {
	Nodes     hnsw.Nodes[hnswvector.VF32]
	IDToKey   map[string]uint32
	KeyToID   map[uint32]string
	KeyToVec  map[uint32][]float32
	Tombstone map[uint32]bool
	NextKey   uint32
	Dim       int
}

// Save persists the index to path (data/memory_graph/vector/index.gob
// per SPEC_FULL.md §6), following the teacher's Save/Load shape.
func (idx *Index) Save(path string) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	state := persistedState{
		Nodes:     idx.hnsw.Nodes(),
		IDToKey:   idx.idToKey,
		KeyToID:   idx.keyToID,
		KeyToVec:  idx.keyToVec,
		Tombstone: idx.tombstone,
		NextKey:   idx.nextKey,
		Dim:       idx.dim,
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		return fmt.Errorf("vectorindex: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("vectorindex: mkdir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("vectorindex: write: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load reads a previously saved index from path. A missing file is not
// an error: the caller gets a fresh empty index.
func Load(path string) (*Index, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("vectorindex: read: %w", err)
	}

	var state persistedState
	if err := gob.NewDecoder(bytes.NewReader(content)).Decode(&state); err != nil {
		return nil, fmt.Errorf("vectorindex: decode: %w", err)
	}

	idx := &Index{
		hnsw:      hnsw.FromNodes[hnswvector.VF32](hnswvector.SurfaceVF32(kvector.Cosine()), state.Nodes),
		idToKey:   state.IDToKey,
		keyToID:   state.KeyToID,
		keyToVec:  state.KeyToVec,
		tombstone: state.Tombstone,
		nextKey:   state.NextKey,
		dim:       state.Dim,
	}
	if idx.idToKey == nil {
		idx.idToKey = make(map[string]uint32)
	}
	if idx.keyToID == nil {
		idx.keyToID = make(map[uint32]string)
	}
	if idx.keyToVec == nil {
		idx.keyToVec = make(map[uint32][]float32)
	}
	if idx.tombstone == nil {
		idx.tombstone = make(map[uint32]bool)
	}
	return idx, nil
}
