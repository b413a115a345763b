// Package batch implements the Batch Scheduler: a coalesced-write queue
// for node-embedding generation plus graph/vector mutations, fanning out
// bounded concurrent work with golang.org/x/sync/errgroup the way
// yungbote-neurobridge-backend's pipeline steps and
// vasic-digital-SuperAgent's concurrency package do.
package batch

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/memoryfold/mnemos/pkg/embedding"
	"github.com/memoryfold/mnemos/pkg/graphstore"
	"github.com/memoryfold/mnemos/pkg/model"
	"github.com/memoryfold/mnemos/pkg/vectorindex"
)

// PendingEmbedding is one queued (node_id, content) pair awaiting a
// batched embedding call.
type PendingEmbedding struct {
	NodeID  string
	Content string
}

// Scheduler owns the pending-embeddings queue and the single-writer
// paths into the Graph Store and Vector Index.
type Scheduler struct {
	mu       sync.Mutex
	pending  []PendingEmbedding
	batchSize int

	embedder *embedding.Client
	graph    *graphstore.Store
	vector   *vectorindex.Index
}

func NewScheduler(embedder *embedding.Client, graph *graphstore.Store, vector *vectorindex.Index, batchSize int) *Scheduler {
	if batchSize <= 0 {
		batchSize = 16
	}
	return &Scheduler{embedder: embedder, graph: graph, vector: vector, batchSize: batchSize}
}

// QueueEmbedding enqueues a node for batched embedding generation,
// flushing immediately if the queue has reached batchSize.
func (s *Scheduler) QueueEmbedding(ctx context.Context, nodeID, content string) error {
	s.mu.Lock()
	s.pending = append(s.pending, PendingEmbedding{NodeID: nodeID, Content: content})
	shouldFlush := len(s.pending) >= s.batchSize
	s.mu.Unlock()

	if shouldFlush {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the pending-embeddings queue, embeds everything in one
// batched gateway call, and bulk-upserts the vectors into the Vector
// Index and the graph store's node rows. Triggered by queue length,
// an imminent search, or shutdown (SPEC_FULL.md §4.3).
func (s *Scheduler) Flush(ctx context.Context) error {
	s.mu.Lock()
	items := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(items) == 0 {
		return nil
	}

	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.Content
	}
	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.NodeID
	}
	if err := s.vector.UpsertBatch(ids, vecs); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, it := range items {
		i, it := i, it
		g.Go(func() error {
			node, err := s.graph.GetNode(gctx, it.NodeID)
			if err != nil || node == nil {
				return err
			}
			node.Embedding = vecs[i]
			return s.graph.UpsertNode(gctx, *node)
		})
	}
	return g.Wait()
}

// PendingLen reports the current queue depth, for tests and metrics.
func (s *Scheduler) PendingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// WriteMemory runs a single-writer memory upsert through the scheduler
// so callers never bypass the serialization point the Graph Store relies
// on (SPEC_FULL.md §5 "Graph Store: single-writer/multi-reader").
func (s *Scheduler) WriteMemory(ctx context.Context, m model.Memory) error {
	return s.graph.UpsertMemory(ctx, m)
}

// WriteEdge runs a single-writer edge upsert through the scheduler.
func (s *Scheduler) WriteEdge(ctx context.Context, e model.Edge) error {
	return s.graph.UpsertEdge(ctx, e)
}

// WriteNode runs a single-writer node upsert through the scheduler. Node
// embeddings are filled in later by Flush; callers create the row first
// so edges and memories can reference the node id immediately.
func (s *Scheduler) WriteNode(ctx context.Context, n model.Node) error {
	return s.graph.UpsertNode(ctx, n)
}

// DeleteMemory runs a single-writer memory deletion through the scheduler.
func (s *Scheduler) DeleteMemory(ctx context.Context, id string) error {
	return s.graph.DeleteMemory(ctx, id)
}

// GetMemory reads a memory directly from the graph store (reads don't
// need to go through the single-writer serialization point).
func (s *Scheduler) GetMemory(ctx context.Context, id string) (*model.Memory, error) {
	return s.graph.GetMemory(ctx, id)
}
