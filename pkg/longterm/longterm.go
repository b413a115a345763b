// Package longterm implements Tier 3: transfer of promoted Short-Term
// memories into the knowledge graph via LLM-authored graph-edit
// programs, vector+path-scored search, decay, consolidation, and
// forgetting (spec.md §4.3, §4.4).
package longterm

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/memoryfold/mnemos/pkg/batch"
	"github.com/memoryfold/mnemos/pkg/config"
	"github.com/memoryfold/mnemos/pkg/embedding"
	"github.com/memoryfold/mnemos/pkg/graphstore"
	"github.com/memoryfold/mnemos/pkg/jsonrepair"
	"github.com/memoryfold/mnemos/pkg/llmgateway"
	"github.com/memoryfold/mnemos/pkg/mnemoslog"
	"github.com/memoryfold/mnemos/pkg/model"
	"github.com/memoryfold/mnemos/pkg/pathexpand"
	"github.com/memoryfold/mnemos/pkg/vecmath"
	"github.com/memoryfold/mnemos/pkg/vectorindex"
)

// Manager owns the long-term knowledge graph: transfer, search, decay,
// consolidation, and forgetting.
type Manager struct {
	graph    *graphstore.Store
	vector   *vectorindex.Index
	sched    *batch.Scheduler
	llm      *llmgateway.Client
	embedder *embedding.Client
	cfg      config.Config
	log      *mnemoslog.Logger

	decayCache [31]float64 // index 0 unused; [1..30] = decay_factor^k
}

func New(graph *graphstore.Store, vector *vectorindex.Index, sched *batch.Scheduler, llm *llmgateway.Client, embedder *embedding.Client, cfg config.Config, log *mnemoslog.Logger) *Manager {
	if log == nil {
		log = mnemoslog.Noop()
	}
	m := &Manager{graph: graph, vector: vector, sched: sched, llm: llm, embedder: embedder, cfg: cfg, log: log}
	for k := 1; k <= 30; k++ {
		m.decayCache[k] = math.Pow(cfg.LongTermDecayFactor, float64(k))
	}
	return m
}

// --- Transfer ---

// TransferFromShortTerm implements spec.md §4.3's transfer algorithm:
// per-memory bounded-concurrency LLM-authored graph-edit programs,
// executed with return_exceptions semantics (one failure never aborts
// the batch).
func (m *Manager) TransferFromShortTerm(ctx context.Context, batchItems []model.ShortTermMemory) model.TransferResult {
	sem := semaphore.NewWeighted(int64(maxInt(m.cfg.LongTermBatchSize, 1)))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var result model.TransferResult

	for _, sm := range batchItems {
		sm := sm
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.FailedIDs = append(result.FailedIDs, sm.ID)
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			if err := m.transferOne(ctx, sm); err != nil {
				m.log.Warn("longterm: transfer failed", "short_term_id", sm.ID, "err", err)
				mu.Lock()
				result.FailedIDs = append(result.FailedIDs, sm.ID)
				mu.Unlock()
				return
			}
			mu.Lock()
			result.TransferredIDs = append(result.TransferredIDs, sm.ID)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return result
}

func (m *Manager) transferOne(ctx context.Context, sm model.ShortTermMemory) error {
	similar, err := m.topKSimilarMemories(ctx, sm, m.cfg.SearchTopK)
	if err != nil {
		return fmt.Errorf("similarity fetch: %w", err)
	}

	prompt := buildTransferPrompt(sm, similar)
	raw, err := m.llm.Complete(ctx, prompt, "graph_edit_program", llmgateway.CompletionOptions{})
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}

	ops, err := parseProgram(raw)
	if err != nil {
		return fmt.Errorf("parse program: %w", err)
	}

	return m.executeProgram(ctx, sm, ops)
}

func (m *Manager) topKSimilarMemories(ctx context.Context, sm model.ShortTermMemory, topK int) ([]model.Memory, error) {
	text := sm.Subject + " " + sm.Topic + " " + sm.Object
	vecs, err := m.embedder.EmbedBatch(ctx, []string{text})
	if err != nil || len(vecs) == 0 {
		return nil, nil
	}
	matches, err := m.vector.Query(vecs[0], topK)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var memories []model.Memory
	for _, match := range matches {
		ids, err := m.graph.GetMemoriesByNode(ctx, match.NodeID)
		if err != nil {
			continue
		}
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			mem, err := m.graph.GetMemory(ctx, id)
			if err != nil || mem == nil {
				continue
			}
			memories = append(memories, *mem)
		}
	}
	return memories, nil
}

func buildTransferPrompt(sm model.ShortTermMemory, similar []model.Memory) string {
	var b strings.Builder
	b.WriteString(llmgateway.MarkerGraphEditProgram)
	b.WriteString("\nshort_term_memory: ")
	b.WriteString(sm.Subject + " " + sm.Topic + " " + sm.Object)
	b.WriteString("\nsimilar long_term memories:\n")
	for _, s := range similar {
		fmt.Fprintf(&b, "- %s (importance=%.2f)\n", s.ID, s.Importance)
	}
	return b.String()
}

func parseProgram(raw string) ([]model.GraphEdit, error) {
	rawOps, ok := jsonrepair.ExtractOperationsArray(raw)
	if !ok {
		// Output with no recoverable operations array or object is an
		// empty program, not a failure. A bare "{}" does not reach this
		// branch: it parses as one op with no name, which executeProgram
		// skips.
		return nil, nil
	}
	ops := make([]model.GraphEdit, 0, len(rawOps))
	for _, r := range rawOps {
		var edit model.GraphEdit
		if jsonrepair.Parse(string(r), &edit) {
			edit.Op = model.GraphEditOp(jsonrepair.NormalizeOp(string(edit.Op)))
			ops = append(ops, edit)
		}
	}
	return ops, nil
}

// executeProgram walks ops in order, resolving temp_id references and
// applying each edit through the batch scheduler's single-writer paths.
func (m *Manager) executeProgram(ctx context.Context, sm model.ShortTermMemory, ops []model.GraphEdit) error {
	tempIDMap := make(map[string]string)
	var createdNodeIDs []string
	var createdEdgeIDs []string

	privacyLabel := privacyLabelOf(sm)

	for _, op := range ops {
		switch op.Op {
		case model.EditCreateNode:
			id := uuid.NewString()
			if op.TempID != "" {
				tempIDMap[op.TempID] = id
			}
			content, _ := op.Args["content"].(string)
			nodeType, _ := op.Args["type"].(string)
			node := model.Node{
				ID:        id,
				Content:   content,
				Type:      model.NodeType(nodeType),
				CreatedAt: time.Now(),
			}
			if err := m.sched.WriteNode(ctx, node); err != nil {
				return fmt.Errorf("create_node: %w", err)
			}
			if err := m.sched.QueueEmbedding(ctx, id, content); err != nil {
				m.log.Warn("longterm: queue embedding failed", "node_id", id, "err", err)
			}
			createdNodeIDs = append(createdNodeIDs, id)

		case model.EditCreateEdge:
			sourceID := resolveRef(op.Args["source_id"], tempIDMap)
			targetID := resolveRef(op.Args["target_id"], tempIDMap)
			if !m.edgeEndpointResolvable(ctx, sourceID, createdNodeIDs) || !m.edgeEndpointResolvable(ctx, targetID, createdNodeIDs) {
				m.log.Warn("longterm: create_edge with unknown endpoint dropped", "args", op.Args)
				continue
			}
			edgeType, _ := op.Args["edge_type"].(string)
			relation, _ := op.Args["relation_text"].(string)
			importance, _ := op.Args["importance"].(float64)
			edge := model.Edge{
				ID:           uuid.NewString(),
				SourceID:     sourceID,
				TargetID:     targetID,
				EdgeType:     model.EdgeType(edgeType),
				RelationText: relation,
				Importance:   importance,
				CreatedAt:    time.Now(),
			}
			if err := m.sched.WriteEdge(ctx, edge); err != nil {
				return fmt.Errorf("create_edge: %w", err)
			}
			createdEdgeIDs = append(createdEdgeIDs, edge.ID)

		case model.EditCreateMemory:
			nodeIDs := dedupeStrings(resolveRefList(op.Args["node_ids"], tempIDMap))
			if len(nodeIDs) == 0 {
				nodeIDs = createdNodeIDs
			}
			edgeIDs := resolveRefList(op.Args["edge_ids"], tempIDMap)
			if len(edgeIDs) == 0 {
				edgeIDs = createdEdgeIDs
			}
			importance, _ := op.Args["importance"].(float64)
			memType, _ := op.Args["memory_type"].(string)
			if memType == "" {
				memType = string(sm.MemoryType)
			}
			now := time.Now()
			mem := model.Memory{
				ID:             uuid.NewString(),
				NodeIDs:        nodeIDs,
				EdgeIDs:        edgeIDs,
				MemoryType:     model.MemoryType(memType),
				Importance:     importance,
				Activation:     1.0,
				CreatedAt:      now,
				LastAccessedAt: now,
				AccessCount:    1,
				DecayFactor:    m.cfg.LongTermDecayFactor,
				PrivacyLabel:   privacyLabel,
			}
			if err := m.sched.WriteMemory(ctx, mem); err != nil {
				return fmt.Errorf("create_memory: %w", err)
			}

		case model.EditUpdateMemory:
			id := resolveRef(op.Args["memory_id"], tempIDMap)
			if err := m.updateMemory(ctx, id, op.Args); err != nil {
				m.log.Warn("longterm: update_memory failed", "memory_id", id, "err", err)
			}

		case model.EditMergeMemories:
			if err := m.mergeMemories(ctx, op.Args); err != nil {
				m.log.Warn("longterm: merge_memories failed", "err", err)
			}
		}
	}
	return nil
}

// edgeEndpointResolvable reports whether id names a node created earlier
// in this same program, or an existing long-term node — anything else
// (an empty string, or a temp_id/literal that resolves to neither) is an
// unknown endpoint and the edge referencing it must be dropped rather
// than fabricated, to avoid a dangling foreign key in the Graph Store.
func (m *Manager) edgeEndpointResolvable(ctx context.Context, id string, createdNodeIDs []string) bool {
	if id == "" {
		return false
	}
	for _, n := range createdNodeIDs {
		if n == id {
			return true
		}
	}
	node, err := m.graph.GetNode(ctx, id)
	return err == nil && node != nil
}

func privacyLabelOf(sm model.ShortTermMemory) *string {
	if sm.Attributes == nil {
		return nil
	}
	if v, ok := sm.Attributes["privacy_label"]; ok && v != "" {
		return &v
	}
	return nil
}

// resolveRef resolves a single args value against tempIDMap by a single
// map lookup. A non-string or empty value resolves to ""; an empty map
// or a value not in the map returns the raw string (spec.md §4.3 step 4).
func resolveRef(v any, tempIDMap map[string]string) string {
	s, ok := v.(string)
	if !ok || s == "" {
		return ""
	}
	if len(tempIDMap) == 0 {
		return s
	}
	if real, ok := tempIDMap[s]; ok {
		return real
	}
	return s
}

func resolveRefList(v any, tempIDMap map[string]string) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s := resolveRef(item, tempIDMap); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func (m *Manager) updateMemory(ctx context.Context, id string, args map[string]any) error {
	if id == "" {
		return fmt.Errorf("update_memory: missing memory_id")
	}
	mem, err := m.sched.GetMemory(ctx, id)
	if err != nil {
		return err
	}
	if mem == nil {
		return fmt.Errorf("update_memory: unknown memory %s", id)
	}
	if v, ok := args["importance"].(float64); ok {
		mem.Importance = v
	}
	if v, ok := args["activation"].(float64); ok {
		mem.Activation = v
	}
	return m.sched.WriteMemory(ctx, *mem)
}

// mergeMemories implements spec.md §4.3's merge rule: concatenate node
// and edge lists, sum access_count, keep the maximum importance. If any
// named target is missing, degrade to an update on the extant subset.
func (m *Manager) mergeMemories(ctx context.Context, args map[string]any) error {
	rawIDs, _ := args["memory_ids"].([]any)
	var found []model.Memory
	for _, raw := range rawIDs {
		id, ok := raw.(string)
		if !ok {
			continue
		}
		mem, err := m.sched.GetMemory(ctx, id)
		if err != nil || mem == nil {
			continue
		}
		found = append(found, *mem)
	}
	if len(found) == 0 {
		return fmt.Errorf("merge_memories: no target memories found")
	}
	if len(found) == 1 {
		return m.sched.WriteMemory(ctx, found[0])
	}

	primary := found[0]
	maxImportance := primary.Importance
	totalAccess := 0
	var nodeIDs, edgeIDs []string
	for _, mem := range found {
		nodeIDs = append(nodeIDs, mem.NodeIDs...)
		edgeIDs = append(edgeIDs, mem.EdgeIDs...)
		totalAccess += mem.AccessCount
		if mem.Importance > maxImportance {
			maxImportance = mem.Importance
		}
	}
	primary.NodeIDs = dedupeStrings(nodeIDs)
	primary.EdgeIDs = dedupeStrings(edgeIDs)
	primary.AccessCount = totalAccess
	primary.Importance = maxImportance

	if err := m.sched.WriteMemory(ctx, primary); err != nil {
		return err
	}
	for _, mem := range found[1:] {
		if err := m.sched.DeleteMemory(ctx, mem.ID); err != nil {
			m.log.Warn("longterm: merge cleanup delete failed", "memory_id", mem.ID, "err", err)
		}
	}
	return nil
}

// --- Search ---

// graphAdapter wires graphstore+vectorindex reads into pathexpand's
// storage-free EdgeSource/EmbeddingSource/NodeTypeSource interfaces for
// one search call, caching results so repeated lookups within a single
// expansion don't re-hit the store.
type graphAdapter struct {
	ctx   context.Context
	graph *graphstore.Store

	mu        sync.Mutex
	edgeCache map[string][]model.Edge
	nodeCache map[string]*model.Node
}

func newGraphAdapter(ctx context.Context, graph *graphstore.Store) *graphAdapter {
	return &graphAdapter{ctx: ctx, graph: graph, edgeCache: make(map[string][]model.Edge), nodeCache: make(map[string]*model.Node)}
}

func (a *graphAdapter) OutgoingEdges(nodeID string) []model.Edge {
	a.mu.Lock()
	if cached, ok := a.edgeCache[nodeID]; ok {
		a.mu.Unlock()
		return cached
	}
	a.mu.Unlock()

	edges, err := a.graph.GetOutgoingEdges(a.ctx, nodeID)
	if err != nil {
		edges = nil
	}
	a.mu.Lock()
	a.edgeCache[nodeID] = edges
	a.mu.Unlock()
	return edges
}

func (a *graphAdapter) node(nodeID string) *model.Node {
	a.mu.Lock()
	if cached, ok := a.nodeCache[nodeID]; ok {
		a.mu.Unlock()
		return cached
	}
	a.mu.Unlock()

	n, err := a.graph.GetNode(a.ctx, nodeID)
	if err != nil {
		n = nil
	}
	a.mu.Lock()
	a.nodeCache[nodeID] = n
	a.mu.Unlock()
	return n
}

func (a *graphAdapter) Embedding(nodeID string) ([]float32, bool) {
	n := a.node(nodeID)
	if n == nil || !n.HasEmbedding() {
		return nil, false
	}
	return n.Embedding, true
}

func (a *graphAdapter) NodeType(nodeID string) (model.NodeType, bool) {
	n := a.node(nodeID)
	if n == nil {
		return "", false
	}
	return n.Type, true
}

// SearchMemories implements spec.md §4.4's search: vector TopK of
// nodes, mapped to candidate memories via the node->memories index,
// then path-scored expansion, then final ranking.
func (m *Manager) SearchMemories(ctx context.Context, queryText string, topK int, preferredTypes []model.NodeType) ([]model.ScoredMemory, error) {
	if m.sched != nil {
		if err := m.sched.Flush(ctx); err != nil {
			m.log.Warn("longterm: pre-search embedding flush failed", "err", err)
		}
	}
	vecs, err := m.embedder.EmbedBatch(ctx, []string{queryText})
	if err != nil || len(vecs) == 0 {
		return nil, fmt.Errorf("longterm: search embedding failed: %w", err)
	}
	queryVec := vecs[0]

	matches, err := m.vector.Query(queryVec, topK)
	if err != nil {
		return nil, fmt.Errorf("longterm: vector query: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}

	seeds := make([]pathexpand.Seed, len(matches))
	for i, match := range matches {
		seeds[i] = pathexpand.Seed{NodeID: match.NodeID, Score: match.Score}
	}

	adapter := newGraphAdapter(ctx, m.graph)
	preferred := make(map[model.NodeType]bool, len(preferredTypes))
	for _, t := range preferredTypes {
		preferred[t] = true
	}

	engine := pathexpand.New(m.cfg, adapter, adapter, adapter)
	paths, _ := engine.Expand(pathexpand.Request{Seeds: seeds, QueryEmbedding: queryVec, PreferredTypes: preferred})

	memoryIDs, err := m.candidateMemoryIDs(ctx, matches)
	if err != nil {
		return nil, err
	}

	pathScores := pathexpand.Aggregate(paths, memoryIDs, memNodesAdapter{ctx: ctx, graph: m.graph})

	now := time.Now()
	scored := make([]model.ScoredMemory, 0, len(memoryIDs))
	for _, id := range memoryIDs {
		mem, err := m.graph.GetMemory(ctx, id)
		if err != nil || mem == nil {
			continue
		}
		pathScore := pathScores[id]
		daysCreated := now.Sub(mem.CreatedAt).Hours() / 24
		daysAccessed := now.Sub(mem.LastAccessedAt).Hours() / 24
		recency := pathexpand.Recency(daysCreated, daysAccessed)
		final := pathexpand.FinalScore(m.cfg.FinalScoringWeights, pathScore, mem.Importance, recency)
		scored = append(scored, model.ScoredMemory{Memory: *mem, Score: final})
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

type memNodesAdapter struct {
	ctx   context.Context
	graph *graphstore.Store
}

func (a memNodesAdapter) NodeIDsFor(memoryID string) []string {
	mem, err := a.graph.GetMemory(a.ctx, memoryID)
	if err != nil || mem == nil {
		return nil
	}
	return mem.NodeIDs
}

func (m *Manager) candidateMemoryIDs(ctx context.Context, matches []vectorindex.Match) ([]string, error) {
	seen := make(map[string]bool)
	var ids []string
	for _, match := range matches {
		memIDs, err := m.graph.GetMemoriesByNode(ctx, match.NodeID)
		if err != nil {
			continue
		}
		for _, id := range memIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// --- Decay ---

// ApplyDecay implements spec.md §4.3's decay step: activation *=
// decay_cache[clamp(days,1,30)], only writing back changed memories.
func (m *Manager) ApplyDecay(ctx context.Context, now time.Time) error {
	ids, err := m.graph.AllMemoryIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		mem, err := m.graph.GetMemory(ctx, id)
		if err != nil || mem == nil {
			continue
		}
		days := int(now.Sub(mem.LastAccessedAt).Hours() / 24)
		days = clamp(days, 1, 30)
		factor := m.decayCache[days]
		newActivation := mem.Activation * factor
		if newActivation == mem.Activation {
			continue
		}
		mem.Activation = vecmath.Clamp01(newActivation)
		if err := m.sched.WriteMemory(ctx, *mem); err != nil {
			m.log.Warn("longterm: decay write-back failed", "memory_id", id, "err", err)
		}
	}
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// --- Consolidation & forgetting ---

// Consolidate merges near-duplicate nodes (cosine similarity at or above
// 0.95): every memory referencing the dropped node is rewritten to
// point at the kept node instead. The dropped node's own row is left in
// place (it may still be a valid edge endpoint) but no longer surfaces
// through any memory.
func (m *Manager) Consolidate(ctx context.Context) error {
	nodes, err := m.graph.AllNodes(ctx)
	if err != nil {
		return err
	}
	const duplicateThreshold = 0.95

	dropped := make(map[string]bool)
	for i := 0; i < len(nodes); i++ {
		if dropped[nodes[i].ID] || !nodes[i].HasEmbedding() {
			continue
		}
		for j := i + 1; j < len(nodes); j++ {
			if dropped[nodes[j].ID] || !nodes[j].HasEmbedding() {
				continue
			}
			if vecmath.Cosine(nodes[i].Embedding, nodes[j].Embedding) < duplicateThreshold {
				continue
			}
			if err := m.mergeDuplicateNode(ctx, nodes[i].ID, nodes[j].ID); err != nil {
				m.log.Warn("longterm: consolidation merge failed", "kept", nodes[i].ID, "dropped", nodes[j].ID, "err", err)
				continue
			}
			dropped[nodes[j].ID] = true
			m.log.Debug("longterm: consolidation merged near-duplicate node", "kept", nodes[i].ID, "dropped", nodes[j].ID)
		}
	}
	return nil
}

// mergeDuplicateNode rewrites every memory referencing droppedID to
// reference keptID instead. droppedID's own node row is not deleted.
func (m *Manager) mergeDuplicateNode(ctx context.Context, keptID, droppedID string) error {
	memIDs, err := m.graph.GetMemoriesByNode(ctx, droppedID)
	if err != nil {
		return err
	}
	for _, memID := range memIDs {
		mem, err := m.graph.GetMemory(ctx, memID)
		if err != nil || mem == nil {
			continue
		}
		mem.NodeIDs = dedupeStrings(replaceID(mem.NodeIDs, droppedID, keptID))
		if err := m.sched.WriteMemory(ctx, *mem); err != nil {
			return fmt.Errorf("rewrite memory %s: %w", memID, err)
		}
	}
	return nil
}

func replaceID(ids []string, from, to string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		if id == from {
			out[i] = to
		} else {
			out[i] = id
		}
	}
	return out
}

// ForgetThresholds parameterizes Forget's deletion rule.
type ForgetThresholds struct {
	ActivationBelow    float64
	ImportanceProtect  float64 // memories at/above this importance are never forgotten regardless of activation
}

// Forget deletes memories below activation and below the importance
// protection threshold.
func (m *Manager) Forget(ctx context.Context, thresholds ForgetThresholds) error {
	ids, err := m.graph.AllMemoryIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		mem, err := m.graph.GetMemory(ctx, id)
		if err != nil || mem == nil {
			continue
		}
		if mem.Importance >= thresholds.ImportanceProtect {
			continue
		}
		if mem.Activation < thresholds.ActivationBelow {
			if err := m.sched.DeleteMemory(ctx, id); err != nil {
				m.log.Warn("longterm: forget delete failed", "memory_id", id, "err", err)
			}
		}
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
