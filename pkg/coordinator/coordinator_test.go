package coordinator

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoryfold/mnemos/pkg/batch"
	"github.com/memoryfold/mnemos/pkg/config"
	"github.com/memoryfold/mnemos/pkg/embedding"
	"github.com/memoryfold/mnemos/pkg/graphstore"
	"github.com/memoryfold/mnemos/pkg/judge"
	"github.com/memoryfold/mnemos/pkg/llmgateway"
	"github.com/memoryfold/mnemos/pkg/longterm"
	"github.com/memoryfold/mnemos/pkg/model"
	"github.com/memoryfold/mnemos/pkg/perceptual"
	"github.com/memoryfold/mnemos/pkg/shortterm"
	"github.com/memoryfold/mnemos/pkg/vectorindex"
)

// scriptedGateway dispatches on the marker prefix each tier's manager
// writes into its prompt, so one gateway double can drive short-term
// decisions, long-term graph-edit programs, and judge verdicts from the
// same test.
type scriptedGateway struct {
	decision string
	program  string
	verdict  string
}

func (g *scriptedGateway) Complete(_ context.Context, prompt, _ string, _ llmgateway.CompletionOptions) (string, error) {
	switch {
	case strings.Contains(prompt, llmgateway.MarkerShortTermDecision):
		if g.decision == "" {
			return "{}", nil
		}
		return g.decision, nil
	case strings.Contains(prompt, llmgateway.MarkerGraphEditProgram):
		if g.program == "" {
			return "[]", nil
		}
		return g.program, nil
	case strings.Contains(prompt, llmgateway.MarkerJudgeVerdict):
		if g.verdict == "" {
			return "{}", nil
		}
		return g.verdict, nil
	default:
		return "{}", nil
	}
}

type harness struct {
	coord *Coordinator
	gw    *scriptedGateway
	short *shortterm.Manager
	long  *longterm.Manager
	sched *batch.Scheduler
}

func newHarness(t *testing.T, cfg config.Config) *harness {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	graph, err := graphstore.Open(ctx, filepath.Join(dir, "graph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { graph.Close() })

	vec := vectorindex.New()
	emb := embedding.NewClient(embedding.NewHashEmbedder(16), 0, 0, 1)
	sched := batch.NewScheduler(emb, graph, vec, 8)

	gw := &scriptedGateway{}
	llm := llmgateway.NewClient(gw, 0, 0, 1)

	perc, err := perceptual.New(perceptual.Config{
		MaxBlocks:           cfg.PerceptualMaxBlocks,
		BlockSize:           cfg.PerceptualBlockSize,
		ActivationThreshold: cfg.PerceptualActivationThresh,
		RecallThreshold:     cfg.PerceptualRecallThreshold,
	}, "", nil)
	require.NoError(t, err)

	short, err := shortterm.New(cfg, llm, emb, "", nil)
	require.NoError(t, err)

	long := longterm.New(graph, vec, sched, llm, emb, cfg, nil)
	j := judge.New(llm)

	coord := New(cfg, perc, short, long, j, sched, nil)
	return &harness{coord: coord, gw: gw, short: short, long: long, sched: sched}
}

func msg(text string) model.Message {
	return model.Message{Text: text, Timestamp: time.Now()}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestRun_DoubleRunReturnsErrAlreadyRunning(t *testing.T) {
	h := newHarness(t, config.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.coord.Run(ctx)
	waitFor(t, time.Second, h.coord.isRunning)

	err := h.coord.Run(context.Background())
	assert.ErrorIs(t, err, model.ErrAlreadyRunning)
}

func TestShutdown_NotRunningReturnsErrNotRunning(t *testing.T) {
	h := newHarness(t, config.Default())
	err := h.coord.Shutdown()
	assert.ErrorIs(t, err, model.ErrNotRunning)
}

func TestAddMessage_BeforeRunReturnsErrNotRunning(t *testing.T) {
	h := newHarness(t, config.Default())
	err := h.coord.AddMessage("c1", msg("hello"))
	assert.ErrorIs(t, err, model.ErrNotRunning)
}

func TestAddMessage_PromotesFullBlockIntoShortTerm(t *testing.T) {
	cfg := config.Default()
	cfg.PerceptualBlockSize = 2
	h := newHarness(t, cfg)
	h.gw.decision = `{"op":"CREATE_NEW","memory_fields":{"subject":"alice","topic":"pets","importance":0.7}}`

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.coord.Run(ctx)
	waitFor(t, time.Second, h.coord.isRunning)

	require.NoError(t, h.coord.AddMessage("c1", msg("alice has a cat")))
	require.NoError(t, h.coord.AddMessage("c1", msg("the cat is fluffy")))

	waitFor(t, 2*time.Second, func() bool {
		return len(h.short.GetMemoriesForTransfer("c1")) == 1
	})
	mems := h.short.GetMemoriesForTransfer("c1")
	assert.Equal(t, "alice", mems[0].Subject)
}

func TestTriggerTransfer_MovesShortTermMemoryIntoLongTerm(t *testing.T) {
	cfg := config.Default()
	cfg.LongTermBatchSize = 4
	h := newHarness(t, cfg)
	h.gw.program = `[
		{"op":"create_node","temp_id":"t1","args":{"content":"alice","type":"person"}},
		{"op":"create_memory","args":{"node_ids":["t1"],"importance":0.8}}
	]`

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.coord.Run(ctx)
	waitFor(t, time.Second, h.coord.isRunning)

	h.gw.decision = `{"op":"CREATE_NEW","memory_fields":{"subject":"alice","topic":"pets","importance":0.8}}`
	_, err := h.short.AddFromBlock(context.Background(), model.Block{
		ID: "b1", ChatID: "c1", Messages: []model.Message{msg("alice has a cat")},
	})
	require.NoError(t, err)
	require.Len(t, h.short.GetMemoriesForTransfer("c1"), 1)

	result := h.coord.TriggerTransfer("c1")
	assert.Len(t, result.TransferredIDs, 1)
	assert.Empty(t, h.short.GetMemoriesForTransfer("c1"))
}

func TestSearchMemories_JudgeHighConfidenceSkipsLongTerm(t *testing.T) {
	cfg := config.Default()
	h := newHarness(t, cfg)
	h.gw.verdict = `{"sufficient":true,"confidence":0.95,"supplemental_queries":[]}`

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.coord.Run(ctx)
	waitFor(t, time.Second, h.coord.isRunning)

	result, err := h.coord.SearchMemories(context.Background(), "c1", "what pets does alice have", true)
	require.NoError(t, err)
	assert.Empty(t, result.LongTerm)
}

func TestSearchMemories_LowConfidenceRunsLongTermSearch(t *testing.T) {
	cfg := config.Default()
	h := newHarness(t, cfg)
	h.gw.program = `[
		{"op":"create_node","temp_id":"t1","args":{"content":"alice","type":"person"}},
		{"op":"create_memory","args":{"node_ids":["t1"],"importance":0.8}}
	]`
	transferred := h.long.TransferFromShortTerm(context.Background(), []model.ShortTermMemory{
		{ID: "s1", ChatID: "c1", Subject: "alice", Topic: "pets", MemoryType: model.MemoryTypeFact, CreatedAt: time.Now()},
	})
	require.Len(t, transferred.TransferredIDs, 1)
	require.NoError(t, h.sched.Flush(context.Background()))

	h.gw.verdict = `{"sufficient":false,"confidence":0.1,"supplemental_queries":["alice's pets"]}`

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.coord.Run(ctx)
	waitFor(t, time.Second, h.coord.isRunning)

	out, err := h.coord.SearchMemories(context.Background(), "c1", "alice", true)
	require.NoError(t, err)
	assert.NotEmpty(t, out.LongTerm)
}

func TestSearchMemories_NoJudgeSearchesLongTermDirectly(t *testing.T) {
	cfg := config.Default()
	h := newHarness(t, cfg)
	h.gw.program = `[
		{"op":"create_node","temp_id":"t1","args":{"content":"bob","type":"person"}},
		{"op":"create_memory","args":{"node_ids":["t1"],"importance":0.6}}
	]`
	result := h.long.TransferFromShortTerm(context.Background(), []model.ShortTermMemory{
		{ID: "s1", ChatID: "c1", Subject: "bob", Topic: "job", MemoryType: model.MemoryTypeFact, CreatedAt: time.Now()},
	})
	require.Len(t, result.TransferredIDs, 1)
	require.NoError(t, h.sched.Flush(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.coord.Run(ctx)
	waitFor(t, time.Second, h.coord.isRunning)

	out, err := h.coord.SearchMemories(context.Background(), "c1", "bob", false)
	require.NoError(t, err)
	assert.NotEmpty(t, out.LongTerm)
}

func TestBuildManualQueries_DedupesAndDecaysWeight(t *testing.T) {
	queries := buildManualQueries("alice", []string{"alice", " alice's pets ", "alice's job", "alice's car", "alice's trip", "alice's dog", "alice's cat", "alice's bird"}, 0.1)
	require.Len(t, queries, 8)
	assert.Equal(t, "alice", queries[0].Text)
	assert.InDelta(t, 1.0, queries[0].Weight, 1e-9)
	assert.InDelta(t, 0.3, queries[7].Weight, 1e-9)
}

func TestSleepForOccupancy_HighOccupancyPollsFaster(t *testing.T) {
	assert.Less(t, sleepForOccupancy(0.9, 180*time.Second), sleepForOccupancy(0.2, 180*time.Second))
	assert.Equal(t, 180*time.Second, sleepForOccupancy(0.0, 180*time.Second))
}

func TestShutdown_FlushesAndPersistsBeforeRunReturns(t *testing.T) {
	h := newHarness(t, config.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.coord.Run(ctx) }()
	waitFor(t, time.Second, h.coord.isRunning)

	require.NoError(t, h.coord.Shutdown())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
	assert.False(t, h.coord.isRunning())
}
