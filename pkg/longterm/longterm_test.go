package longterm

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoryfold/mnemos/pkg/batch"
	"github.com/memoryfold/mnemos/pkg/config"
	"github.com/memoryfold/mnemos/pkg/embedding"
	"github.com/memoryfold/mnemos/pkg/graphstore"
	"github.com/memoryfold/mnemos/pkg/llmgateway"
	"github.com/memoryfold/mnemos/pkg/model"
	"github.com/memoryfold/mnemos/pkg/vectorindex"
)

type scriptedGateway struct {
	responses []string
	calls     int
}

func (g *scriptedGateway) Complete(context.Context, string, string, llmgateway.CompletionOptions) (string, error) {
	i := g.calls
	g.calls++
	if i >= len(g.responses) {
		return "{}", nil
	}
	return g.responses[i], nil
}

func testManager(t *testing.T, responses []string) (*Manager, *graphstore.Store, *scriptedGateway) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	graph, err := graphstore.Open(ctx, filepath.Join(dir, "graph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { graph.Close() })

	vec := vectorindex.New()
	emb := embedding.NewClient(embedding.NewHashEmbedder(16), 0, 0, 1)
	sched := batch.NewScheduler(emb, graph, vec, 8)

	gw := &scriptedGateway{responses: responses}
	llm := llmgateway.NewClient(gw, 0, 0, 1)

	cfg := config.Default()
	cfg.LongTermBatchSize = 4
	m := New(graph, vec, sched, llm, emb, cfg, nil)
	return m, graph, gw
}

func shortTermMemory(id, subject string) model.ShortTermMemory {
	return model.ShortTermMemory{ID: id, ChatID: "c1", Subject: subject, Topic: "x", MemoryType: model.MemoryTypeFact, CreatedAt: time.Now()}
}

func TestTransferFromShortTerm_CreatesNodeAndMemory(t *testing.T) {
	program := `[
		{"op":"create_node","temp_id":"t1","args":{"content":"alice","type":"person"}},
		{"op":"create_memory","args":{"node_ids":["t1"],"importance":0.8}}
	]`
	m, graph, _ := testManager(t, []string{program})

	result := m.TransferFromShortTerm(context.Background(), []model.ShortTermMemory{shortTermMemory("s1", "alice")})
	require.Len(t, result.TransferredIDs, 1)
	require.Empty(t, result.FailedIDs)

	ids, err := graph.AllMemoryIDs(context.Background())
	require.NoError(t, err)
	require.Len(t, ids, 1)

	mem, err := graph.GetMemory(context.Background(), ids[0])
	require.NoError(t, err)
	require.NotNil(t, mem)
	assert.Equal(t, 0.8, mem.Importance)
	require.Len(t, mem.NodeIDs, 1)

	node, err := graph.GetNode(context.Background(), mem.NodeIDs[0])
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, "alice", node.Content)
}

func TestTransferFromShortTerm_UnknownEdgeEndpointDropped(t *testing.T) {
	program := `[
		{"op":"create_node","temp_id":"t1","args":{"content":"alice","type":"person"}},
		{"op":"create_edge","args":{"source_id":"t1","target_id":"does-not-exist","edge_type":"relation"}},
		{"op":"create_memory","args":{"node_ids":["t1"]}}
	]`
	m, graph, _ := testManager(t, []string{program})

	result := m.TransferFromShortTerm(context.Background(), []model.ShortTermMemory{shortTermMemory("s1", "alice")})
	require.Len(t, result.TransferredIDs, 1, "a dropped edge must not fail the whole memory's transfer")

	ids, err := graph.AllMemoryIDs(context.Background())
	require.NoError(t, err)
	require.Len(t, ids, 1)
	mem, err := graph.GetMemory(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Empty(t, mem.EdgeIDs, "the edge referencing an unresolved endpoint must be dropped, not fabricated")
}

func TestTransferFromShortTerm_EmptyProgramIsNotFailure(t *testing.T) {
	m, graph, _ := testManager(t, []string{`{}`})

	result := m.TransferFromShortTerm(context.Background(), []model.ShortTermMemory{shortTermMemory("s1", "nothing notable")})
	assert.Len(t, result.TransferredIDs, 1)
	assert.Empty(t, result.FailedIDs)

	ids, err := graph.AllMemoryIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids, "an empty operation program must create nothing")
}

// gatewayErrorOnce fails its first call and falls back to {} afterward,
// exercising the manager's return_exceptions-style batch isolation: one
// item's gateway failure must not abort the rest of the batch.
type gatewayErrorOnce struct {
	mu     sync.Mutex
	failed bool
}

var errGatewayDown = errors.New("gateway down")

func (g *gatewayErrorOnce) Complete(context.Context, string, string, llmgateway.CompletionOptions) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.failed {
		g.failed = true
		return "", errGatewayDown
	}
	return "{}", nil
}

func TestTransferFromShortTerm_ContinuesPastOneLLMFailure(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	graph, err := graphstore.Open(ctx, filepath.Join(dir, "graph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { graph.Close() })

	vec := vectorindex.New()
	emb := embedding.NewClient(embedding.NewHashEmbedder(16), 0, 0, 1)
	sched := batch.NewScheduler(emb, graph, vec, 8)
	llm := llmgateway.NewClient(&gatewayErrorOnce{}, 0, 0, 0)
	cfg := config.Default()
	cfg.LongTermBatchSize = 4
	m := New(graph, vec, sched, llm, emb, cfg, nil)

	batchItems := []model.ShortTermMemory{shortTermMemory("s1", "a"), shortTermMemory("s2", "b")}
	result := m.TransferFromShortTerm(ctx, batchItems)
	assert.Equal(t, 2, len(result.TransferredIDs)+len(result.FailedIDs), "every item must resolve to one bucket or the other")
	assert.NotEmpty(t, result.FailedIDs, "the gateway failure must surface as a failed id, not abort the batch")
}

func TestMergeMemories_SingleMissingTargetKeepsExtantSubset(t *testing.T) {
	m, graph, _ := testManager(t, nil)
	ctx := context.Background()

	now := time.Now()
	mem := model.Memory{ID: "m1", NodeIDs: []string{"n1"}, Importance: 0.5, Activation: 1, CreatedAt: now, LastAccessedAt: now, AccessCount: 2, DecayFactor: 0.95}
	require.NoError(t, graph.UpsertMemory(ctx, mem))

	err := m.mergeMemories(ctx, map[string]any{"memory_ids": []any{"m1", "does-not-exist"}})
	require.NoError(t, err)

	got, err := graph.GetMemory(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 0.5, got.Importance)
}

func TestMergeMemories_CombinesNodesAndSumsAccessCount(t *testing.T) {
	m, graph, _ := testManager(t, nil)
	ctx := context.Background()
	now := time.Now()

	mem1 := model.Memory{ID: "m1", NodeIDs: []string{"n1"}, Importance: 0.4, AccessCount: 2, CreatedAt: now, LastAccessedAt: now, DecayFactor: 0.95}
	mem2 := model.Memory{ID: "m2", NodeIDs: []string{"n2"}, Importance: 0.9, AccessCount: 3, CreatedAt: now, LastAccessedAt: now, DecayFactor: 0.95}
	require.NoError(t, graph.UpsertMemory(ctx, mem1))
	require.NoError(t, graph.UpsertMemory(ctx, mem2))

	err := m.mergeMemories(ctx, map[string]any{"memory_ids": []any{"m1", "m2"}})
	require.NoError(t, err)

	primary, err := graph.GetMemory(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, primary)
	assert.ElementsMatch(t, []string{"n1", "n2"}, primary.NodeIDs)
	assert.Equal(t, 5, primary.AccessCount)
	assert.Equal(t, 0.9, primary.Importance, "merge keeps the maximum importance")

	other, err := graph.GetMemory(ctx, "m2")
	require.NoError(t, err)
	assert.Nil(t, other, "the non-primary merged memory must be deleted")
}

func TestApplyDecay_WritesBackOnlyChangedMemories(t *testing.T) {
	m, graph, _ := testManager(t, nil)
	ctx := context.Background()
	now := time.Now()

	stale := model.Memory{ID: "m1", Importance: 0.5, Activation: 1.0, CreatedAt: now.AddDate(0, 0, -10), LastAccessedAt: now.AddDate(0, 0, -10), DecayFactor: 0.95}
	require.NoError(t, graph.UpsertMemory(ctx, stale))

	require.NoError(t, m.ApplyDecay(ctx, now))

	got, err := graph.GetMemory(ctx, "m1")
	require.NoError(t, err)
	assert.Less(t, got.Activation, 1.0, "a 10-day-stale memory's activation must decay")
}

func TestForget_ProtectsHighImportanceRegardlessOfActivation(t *testing.T) {
	m, graph, _ := testManager(t, nil)
	ctx := context.Background()
	now := time.Now()

	protected := model.Memory{ID: "keep", Importance: 0.95, Activation: 0.01, CreatedAt: now, LastAccessedAt: now, DecayFactor: 0.95}
	forgettable := model.Memory{ID: "drop", Importance: 0.1, Activation: 0.01, CreatedAt: now, LastAccessedAt: now, DecayFactor: 0.95}
	require.NoError(t, graph.UpsertMemory(ctx, protected))
	require.NoError(t, graph.UpsertMemory(ctx, forgettable))

	require.NoError(t, m.Forget(ctx, ForgetThresholds{ActivationBelow: 0.05, ImportanceProtect: 0.9}))

	kept, err := graph.GetMemory(ctx, "keep")
	require.NoError(t, err)
	assert.NotNil(t, kept, "high-importance memories are never forgotten")

	dropped, err := graph.GetMemory(ctx, "drop")
	require.NoError(t, err)
	assert.Nil(t, dropped)
}

func TestSearchMemories_ReturnsNilWhenIndexEmpty(t *testing.T) {
	m, _, _ := testManager(t, nil)
	results, err := m.SearchMemories(context.Background(), "anything", 5, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestResolveRef_FallsBackToRawStringWhenNoMapping(t *testing.T) {
	assert.Equal(t, "raw-id", resolveRef("raw-id", map[string]string{}))
	assert.Equal(t, "resolved", resolveRef("t1", map[string]string{"t1": "resolved"}))
	assert.Equal(t, "", resolveRef(42, map[string]string{}))
}

func TestPrivacyLabelOf_ExtractsFromAttributes(t *testing.T) {
	sm := shortTermMemory("s1", "alice")
	sm.Attributes = map[string]string{"privacy_label": "private"}
	got := privacyLabelOf(sm)
	require.NotNil(t, got)
	assert.Equal(t, "private", *got)

	noLabel := shortTermMemory("s2", "bob")
	assert.Nil(t, privacyLabelOf(noLabel))
}

func TestDedupeStrings_PreservesOrderDropsDuplicates(t *testing.T) {
	out := dedupeStrings([]string{"a", "b", "a", "c", "b"})
	assert.Equal(t, []string{"a", "b", "c"}, out)
}

func TestConsolidate_MergesNearDuplicateNodesAcrossMemories(t *testing.T) {
	m, graph, _ := testManager(t, nil)
	ctx := context.Background()
	now := time.Now()

	kept := model.Node{ID: "n-kept", Content: "alice", Type: model.NodeTypePerson, Embedding: []float32{1, 0, 0}, CreatedAt: now}
	dup := model.Node{ID: "n-dup", Content: "alice ", Type: model.NodeTypePerson, Embedding: []float32{1, 0, 0}, CreatedAt: now}
	require.NoError(t, graph.UpsertNode(ctx, kept))
	require.NoError(t, graph.UpsertNode(ctx, dup))

	mem := model.Memory{ID: "m1", NodeIDs: []string{"n-dup"}, Importance: 0.5, CreatedAt: now, LastAccessedAt: now, DecayFactor: 0.95}
	require.NoError(t, graph.UpsertMemory(ctx, mem))

	require.NoError(t, m.Consolidate(ctx))

	got, err := graph.GetMemory(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"n-kept"}, got.NodeIDs, "the memory must be rewritten to reference the kept node")
}
