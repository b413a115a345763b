package shortterm

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoryfold/mnemos/pkg/config"
	"github.com/memoryfold/mnemos/pkg/embedding"
	"github.com/memoryfold/mnemos/pkg/llmgateway"
	"github.com/memoryfold/mnemos/pkg/model"
)

type scriptedGateway struct {
	responses []string
	calls     int
}

func (g *scriptedGateway) Complete(_ context.Context, _ string, _ string, _ llmgateway.CompletionOptions) (string, error) {
	i := g.calls
	g.calls++
	if i >= len(g.responses) {
		return "{}", nil
	}
	return g.responses[i], nil
}

func testManager(t *testing.T, responses []string) (*Manager, *scriptedGateway) {
	t.Helper()
	cfg := config.Default()
	cfg.ShortTermMax = 3
	gw := &scriptedGateway{responses: responses}
	llm := llmgateway.NewClient(gw, 0, 0, 1)
	emb := embedding.NewClient(embedding.NewHashEmbedder(16), 0, 0, 1)
	m, err := New(cfg, llm, emb, "", nil)
	require.NoError(t, err)
	return m, gw
}

func block(chatID, text string) model.Block {
	return model.Block{ID: "b-" + text, ChatID: chatID, Messages: []model.Message{{Text: text}}}
}

func TestAddFromBlock_CreateNew(t *testing.T) {
	m, _ := testManager(t, []string{`{"op":"CREATE_NEW","memory_fields":{"subject":"alice","topic":"pets","importance":0.7}}`})
	mem, err := m.AddFromBlock(context.Background(), block("c1", "alice has a cat"))
	require.NoError(t, err)
	require.NotNil(t, mem)
	assert.Equal(t, "alice", mem.Subject)
	assert.Equal(t, 0.7, mem.Importance)
}

func TestAddFromBlock_Discard(t *testing.T) {
	m, _ := testManager(t, []string{`{"op":"discard"}`})
	mem, err := m.AddFromBlock(context.Background(), block("c1", "small talk"))
	require.NoError(t, err)
	assert.Nil(t, mem)
}

func TestAddFromBlock_MergeUnknownTargetFallsBackToCreate(t *testing.T) {
	m, _ := testManager(t, []string{`{"op":"MERGE","target_id":"does-not-exist","memory_fields":{"subject":"bob"}}`})
	mem, err := m.AddFromBlock(context.Background(), block("c1", "bob likes tea"))
	require.NoError(t, err)
	require.NotNil(t, mem)
	assert.Equal(t, "bob", mem.Subject)
}

func TestAddFromBlock_MergeWithMissingTargetIDFallsBackToCreateNew(t *testing.T) {
	// target_id absent entirely -> normalize keeps op as MERGE but step 6
	// requires falling back to CREATE_NEW.
	m, _ := testManager(t, []string{`{"op":"merge","memory_fields":{"subject":"carol"}}`})
	mem, err := m.AddFromBlock(context.Background(), block("c1", "carol moved to Spain"))
	require.NoError(t, err)
	require.NotNil(t, mem)
	assert.Equal(t, "carol", mem.Subject)
}

func TestAddFromBlock_UpdateMergesIntoTarget(t *testing.T) {
	m, gw := testManager(t, []string{
		`{"op":"CREATE_NEW","memory_fields":{"subject":"dave","topic":"job","importance":0.5}}`,
	})
	mem, err := m.AddFromBlock(context.Background(), block("c1", "dave got a new job"))
	require.NoError(t, err)
	targetID := mem.ID

	gw.responses = append(gw.responses, fmt.Sprintf(`{"op":"UPDATE","target_id":%q,"memory_fields":{"importance":0.9}}`, targetID))
	gw.calls = 1

	_, err = m.AddFromBlock(context.Background(), block("c1", "dave's job pays well"))
	require.NoError(t, err)

	mems := m.GetMemoriesForTransfer("c1")
	require.Len(t, mems, 1)
	assert.Equal(t, 0.9, mems[0].Importance)
	assert.Len(t, mems[0].SourceBlockIDs, 2)
}

func TestDecisionParsing_UnrecognizedOpDefaultsToCreateNew(t *testing.T) {
	d := parseDecision(`{"op":"frobnicate"}`)
	assert.Equal(t, model.OpCreateNew, d.Op)
}

func TestDecisionParsing_NormalizesHyphenAndCase(t *testing.T) {
	d := parseDecision(`{"op":"Create-New"}`)
	assert.Equal(t, model.OpCreateNew, d.Op)
}

func TestDecisionParsing_StripsCodeFenceAndTrailingComma(t *testing.T) {
	raw := "```json\n{\"op\":\"create_new\",\"memory_fields\":{\"subject\":\"x\",},}\n```"
	d := parseDecision(raw)
	assert.Equal(t, model.OpCreateNew, d.Op)
}

type erroringEmbedder struct{}

func (erroringEmbedder) Dim() int { return 16 }
func (erroringEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, fmt.Errorf("embedding gateway unavailable")
}

// TestSearchMemories_LexicalFallbackWhenEmbeddingUnavailable exercises
// spec.md §4.2's documented failure path: embedding failures leave a
// memory searchable via lexical fallback rather than excluded.
func TestSearchMemories_LexicalFallbackWhenEmbeddingUnavailable(t *testing.T) {
	cfg := config.Default()
	cfg.ShortTermMax = 3
	gw := &scriptedGateway{responses: []string{
		`{"op":"CREATE_NEW","memory_fields":{"subject":"kubernetes","topic":"deploy rollback"}}`,
		`{"op":"CREATE_NEW","memory_fields":{"subject":"weather","topic":"rainy day"}}`,
	}}
	llm := llmgateway.NewClient(gw, 0, 0, 1)
	emb := embedding.NewClient(erroringEmbedder{}, 0, 0, 1)
	m, err := New(cfg, llm, emb, "", nil)
	require.NoError(t, err)

	_, err = m.AddFromBlock(context.Background(), block("c1", "kubernetes deploy"))
	require.NoError(t, err)
	_, err = m.AddFromBlock(context.Background(), block("c1", "weather talk"))
	require.NoError(t, err)

	results, err := m.SearchMemories(context.Background(), "c1", "kubernetes rollback", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "kubernetes", results[0].Subject)
}

func TestOverflowPolicy_TransferAllDropsLowImportance(t *testing.T) {
	m, _ := testManager(t, nil)
	state := m.stateFor("c1")
	state.memories = []model.ShortTermMemory{
		{ID: "a", Importance: 0.9},
		{ID: "b", Importance: 0.2},
	}
	m.ClearTransferred("c1", []string{"a"})

	remaining := m.GetMemoriesForTransfer("c1")
	assert.Empty(t, remaining, "low-importance memory must be dropped under transfer_all")
}

func TestOverflowPolicy_ForceCleanupKeepsRatio(t *testing.T) {
	m, _ := testManager(t, nil)
	m.cfg.ShortTermOverflowStrategy = config.OverflowSelectiveCleanup
	m.cfg.ShortTermEnableForceClean = true
	m.cfg.ShortTermMax = 2
	m.cfg.ShortTermCleanupKeepRatio = 0.5

	state := m.stateFor("c1")
	state.memories = []model.ShortTermMemory{
		{ID: "a", Importance: 0.9},
		{ID: "b", Importance: 0.9},
		{ID: "c", Importance: 0.9},
		{ID: "d", Importance: 0.9},
	}
	m.applyOverflowPolicy(state)

	assert.LessOrEqual(t, len(state.memories), 2)
}

func TestPersistAndReload_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "short_term_memory.json")

	m, _ := testManager(t, []string{`{"op":"CREATE_NEW","memory_fields":{"subject":"erin","topic":"x","importance":0.7}}`})
	m.persistPath = path
	_, err := m.AddFromBlock(context.Background(), block("c1", "erin said hi"))
	require.NoError(t, err)

	m2, err := New(config.Default(), nil, nil, path, nil)
	require.NoError(t, err)
	reloaded := m2.GetMemoriesForTransfer("c1")
	require.Len(t, reloaded, 1)
	assert.Equal(t, "erin", reloaded[0].Subject)
}

func TestAtCapacity(t *testing.T) {
	m, _ := testManager(t, nil)
	state := m.stateFor("c1")
	assert.False(t, m.AtCapacity("c1"))
	state.memories = make([]model.ShortTermMemory, m.cfg.ShortTermMax)
	assert.True(t, m.AtCapacity("c1"))
}
