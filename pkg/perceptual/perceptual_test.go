package perceptual

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoryfold/mnemos/pkg/model"
)

func testConfig() Config {
	return Config{MaxBlocks: 10, BlockSize: 3, ActivationThreshold: 2, RecallThreshold: 0.1}
}

func TestAddMessage_OpensAndFillsBlocks(t *testing.T) {
	m, err := New(testConfig(), "", nil)
	require.NoError(t, err)

	var last *model.Block
	for i := 0; i < 3; i++ {
		last = m.AddMessage("chat-1", model.Message{SenderID: "user", Text: "hello"})
	}
	assert.Len(t, last.Messages, 3)
	assert.True(t, last.Full(3))

	next := m.AddMessage("chat-1", model.Message{SenderID: "user", Text: "new block"})
	assert.NotEqual(t, last.ID, next.ID, "a full block must not accept more messages")
}

func TestRecallBlocks_ScoresAndPromotesOnThreshold(t *testing.T) {
	m, err := New(testConfig(), "", nil)
	require.NoError(t, err)

	m.AddMessage("chat-1", model.Message{SenderID: "user", Text: "kubernetes deployment rollback"})
	m.AddMessage("chat-1", model.Message{SenderID: "user", Text: "unrelated weather chat"})

	// Score twice: activation_count should reach the threshold (2) and
	// flip NeedsTransfer.
	m.RecallBlocks("chat-1", "kubernetes rollback", 10, 0.1)
	results := m.RecallBlocks("chat-1", "kubernetes rollback", 10, 0.1)

	require.NotEmpty(t, results)
	assert.True(t, results[0].ActivationCount >= 2)
	assert.True(t, results[0].NeedsTransfer)
}

func TestRecallBlocks_BelowThresholdExcluded(t *testing.T) {
	m, err := New(testConfig(), "", nil)
	require.NoError(t, err)
	m.AddMessage("chat-1", model.Message{SenderID: "user", Text: "completely unrelated text about gardening"})

	results := m.RecallBlocks("chat-1", "kubernetes rollback procedure", 10, 0.9)
	assert.Empty(t, results)
}

func TestRecallBlocksEmbedded_PrefersCosine(t *testing.T) {
	m, err := New(testConfig(), "", nil)
	require.NoError(t, err)

	m.AddMessage("chat-1", model.Message{SenderID: "user", Text: "irrelevant text", Embedding: []float32{1, 0, 0}})
	results := m.RecallBlocksEmbedded("chat-1", "query", []float32{1, 0, 0}, 10, 0.5)
	require.Len(t, results, 1)
	assert.InDelta(t, 1.0, results[0].ActivationCount, 0) // sanity: block was scored
}

func TestRemoveBlock_Idempotent(t *testing.T) {
	m, err := New(testConfig(), "", nil)
	require.NoError(t, err)

	b := m.AddMessage("chat-1", model.Message{SenderID: "user", Text: "hi"})
	m.RemoveBlock("chat-1", b.ID)
	m.RemoveBlock("chat-1", b.ID) // must not panic on double removal

	assert.Empty(t, m.blocks["chat-1"])
}

func TestPersistAndReplay_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chat-1.jsonl")

	m, err := New(testConfig(), path, nil)
	require.NoError(t, err)
	b := m.AddMessage("chat-1", model.Message{SenderID: "user", Text: "persisted", Timestamp: time.Now()})
	m.PersistBlock(b)
	require.NoError(t, m.Close())

	reloaded, err := New(testConfig(), path, nil)
	require.NoError(t, err)
	defer reloaded.Close()

	got := reloaded.blocks["chat-1"]
	require.Len(t, got, 1)
	assert.Equal(t, b.ID, got[0].ID)
	assert.Len(t, got[0].Messages, 1)
}

func TestReplay_SkipsTruncatedTailLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chat-1.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":"b1","chat_id":"chat-1","messages":[]}`+"\n"+`{"id":"b2", truncated`), 0o644))

	m, err := New(testConfig(), path, nil)
	require.NoError(t, err)
	defer m.Close()

	got := m.blocks["chat-1"]
	require.Len(t, got, 1)
	assert.Equal(t, "b1", got[0].ID)
}

func TestBlocksNeedingTransfer_OldestFirst(t *testing.T) {
	m, err := New(testConfig(), "", nil)
	require.NoError(t, err)

	b1 := m.AddMessage("chat-1", model.Message{SenderID: "user", Text: "a"})
	b1.NeedsTransfer = true
	b1.CreatedAt = time.Now().Add(-time.Hour)

	for i := 0; i < 3; i++ {
		m.AddMessage("chat-1", model.Message{SenderID: "user", Text: "fill"})
	}
	b2 := m.AddMessage("chat-2", model.Message{SenderID: "user", Text: "b"})
	b2.NeedsTransfer = true

	out := m.BlocksNeedingTransfer()
	require.Len(t, out, 2)
	assert.Equal(t, b1.ID, out[0].ID)
}
