// Package perceptual implements Tier 1: the message-block buffer,
// activation-based recall, and promotion bookkeeping (SPEC_FULL.md §4.1).
// Persistence is one append-only JSONL file shared by all chats (each
// line is a block carrying its chat_id), adapted from the
// teacher's defensive-DSN-opening style in
// adfoke-PAIM/pkg/store/sqlite/sqlite.go (best-effort, never fatal).
package perceptual

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/memoryfold/mnemos/pkg/mnemoslog"
	"github.com/memoryfold/mnemos/pkg/model"
	"github.com/memoryfold/mnemos/pkg/vecmath"
)

// Config is the subset of the global configuration this manager reads.
type Config struct {
	MaxBlocks          int
	BlockSize          int
	ActivationThreshold int
	RecallThreshold    float64
}

// Manager owns every chat's perceptual blocks.
type Manager struct {
	mu     sync.Mutex
	blocks map[string][]*model.Block // chatID -> ordered open+closed blocks still held
	cfg    Config
	log    *mnemoslog.Logger

	persistPath string
	persistFile *os.File
}

// New builds a Manager. persistPath == "" disables persistence (tests).
func New(cfg Config, persistPath string, log *mnemoslog.Logger) (*Manager, error) {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = 5
	}
	if cfg.ActivationThreshold <= 0 {
		cfg.ActivationThreshold = 3
	}
	if cfg.RecallThreshold <= 0 {
		cfg.RecallThreshold = 0.55
	}
	if cfg.MaxBlocks <= 0 {
		cfg.MaxBlocks = 50
	}
	if log == nil {
		log = mnemoslog.Noop()
	}

	m := &Manager{blocks: make(map[string][]*model.Block), cfg: cfg, log: log, persistPath: persistPath}

	if persistPath != "" {
		if err := os.MkdirAll(filepath.Dir(persistPath), 0o755); err != nil {
			return nil, fmt.Errorf("perceptual: mkdir: %w", err)
		}
		if err := m.replay(persistPath); err != nil {
			log.Warn("perceptual: replay failed, starting empty", "err", err)
		}
		f, err := os.OpenFile(persistPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("perceptual: open append log: %w", err)
		}
		m.persistFile = f
	}
	return m, nil
}

func (m *Manager) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var b model.Block
		if err := json.Unmarshal(line, &b); err != nil {
			// A crash may truncate the tail record; skip it rather than
			// fail the whole replay (spec.md §4.1 failure semantics).
			continue
		}
		m.blocks[b.ChatID] = append(m.blocks[b.ChatID], &b)
	}
	return scanner.Err()
}

// Close flushes and releases the append log handle.
func (m *Manager) Close() error {
	if m.persistFile == nil {
		return nil
	}
	return m.persistFile.Close()
}

func (m *Manager) persist(b *model.Block) {
	if m.persistFile == nil {
		return
	}
	raw, err := json.Marshal(b)
	if err != nil {
		m.log.Warn("perceptual: marshal block for persistence failed", "err", err)
		return
	}
	raw = append(raw, '\n')
	if _, err := m.persistFile.Write(raw); err != nil {
		// Best-effort append-only persistence: a write failure never
		// blocks the in-memory write path (spec.md §4.1).
		m.log.Warn("perceptual: append block failed", "err", err)
	}
}

// AddMessage appends msg to the chat's current block, opening a new
// block if none exists or the previous one is full.
func (m *Manager) AddMessage(chatID string, msg model.Message) *model.Block {
	m.mu.Lock()
	defer m.mu.Unlock()

	blocks := m.blocks[chatID]
	var current *model.Block
	if n := len(blocks); n > 0 && !blocks[n-1].Full(m.cfg.BlockSize) {
		current = blocks[n-1]
	} else {
		current = &model.Block{
			ID:        ulid.Make().String(),
			ChatID:    chatID,
			CreatedAt: time.Now(),
		}
		m.blocks[chatID] = append(blocks, current)
	}
	current.Messages = append(current.Messages, msg)
	return current
}

// RecallBlocks scores every block held for chatID, full or not (or all chats if
// chatID == "") against queryText, returning those above threshold,
// ordered by descending score. Side effect: scoring blocks above
// recallThreshold increments their activation_count; blocks that reach
// activationThreshold are marked needs_transfer.
func (m *Manager) RecallBlocks(chatID, queryText string, topK int, similarityThreshold float64) []model.Block {
	m.mu.Lock()
	defer m.mu.Unlock()

	type scored struct {
		block *model.Block
		score float64
	}
	var candidates []scored

	chats := []string{chatID}
	if chatID == "" {
		chats = chats[:0]
		for c := range m.blocks {
			chats = append(chats, c)
		}
	}

	queryTokens := tokenize(queryText)
	for _, c := range chats {
		for _, b := range m.blocks[c] {
			score := m.activationScore(b, queryText, queryTokens)
			if score >= similarityThreshold {
				candidates = append(candidates, scored{block: b, score: score})
			}
			if score >= m.cfg.RecallThreshold {
				b.ActivationCount++
				if b.ActivationCount >= m.cfg.ActivationThreshold {
					b.NeedsTransfer = true
				}
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}

	out := make([]model.Block, len(candidates))
	for i, c := range candidates {
		out[i] = *c.block
	}
	return out
}

// activationScore is the best lexical Jaccard overlap between the query
// and any message in the block. Used when no query embedding is
// available; see RecallBlocksEmbedded for the cosine-scored path.
func (m *Manager) activationScore(b *model.Block, _ string, queryTokens map[string]struct{}) float64 {
	var best float64
	for _, msg := range b.Messages {
		if s := jaccard(queryTokens, tokenize(msg.Text)); s > best {
			best = s
		}
	}
	return best
}

// RecallBlocksEmbedded is the embedding-aware variant of RecallBlocks,
// used when the coordinator has a query embedding available. It scores
// via cosine similarity, falling back to lexical Jaccard per-message
// when a message lacks an embedding (spec.md §4.1 "lexical fallback").
func (m *Manager) RecallBlocksEmbedded(chatID string, queryText string, queryEmbedding []float32, topK int, similarityThreshold float64) []model.Block {
	m.mu.Lock()
	defer m.mu.Unlock()

	type scored struct {
		block *model.Block
		score float64
	}
	var candidates []scored

	chats := []string{chatID}
	if chatID == "" {
		chats = chats[:0]
		for c := range m.blocks {
			chats = append(chats, c)
		}
	}

	queryTokens := tokenize(queryText)
	for _, c := range chats {
		for _, b := range m.blocks[c] {
			var best float64
			for _, msg := range b.Messages {
				var s float64
				if len(msg.Embedding) > 0 && len(queryEmbedding) > 0 {
					s = vecmath.Cosine(queryEmbedding, msg.Embedding)
				} else {
					s = jaccard(queryTokens, tokenize(msg.Text))
				}
				if s > best {
					best = s
				}
			}
			if best >= similarityThreshold {
				candidates = append(candidates, scored{block: b, score: best})
			}
			if best >= m.cfg.RecallThreshold {
				b.ActivationCount++
				if b.ActivationCount >= m.cfg.ActivationThreshold {
					b.NeedsTransfer = true
				}
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}
	out := make([]model.Block, len(candidates))
	for i, c := range candidates {
		out[i] = *c.block
	}
	return out
}

// RemoveBlock removes a successfully promoted block from the chat's
// in-memory set. It is idempotent.
func (m *Manager) RemoveBlock(chatID, blockID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	blocks := m.blocks[chatID]
	for i, b := range blocks {
		if b.ID == blockID {
			m.blocks[chatID] = append(blocks[:i], blocks[i+1:]...)
			return
		}
	}
}

// PersistBlock appends b to the chat's JSONL log; called by the
// coordinator whenever a block is finalized (full) so the tail is
// durable before a promotion attempt.
func (m *Manager) PersistBlock(b *model.Block) { m.persist(b) }

// BlocksNeedingTransfer returns a snapshot of every block across all
// chats whose NeedsTransfer flag is set, oldest first.
func (m *Manager) BlocksNeedingTransfer() []model.Block {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Block
	for _, blocks := range m.blocks {
		for _, b := range blocks {
			full := b.Full(m.cfg.BlockSize)
			oldest := len(blocks) > 0 && blocks[0].ID == b.ID
			if b.NeedsTransfer || (full && oldest) {
				out = append(out, *b)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func tokenize(s string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if f != "" {
			set[f] = struct{}{}
		}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for t := range a {
		if _, ok := b[t]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
