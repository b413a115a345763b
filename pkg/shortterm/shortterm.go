// Package shortterm implements Tier 2: LLM-guided structured memory
// CRUD over one chat's in-flight memories, a similarity-matrix cache for
// search, and the overflow policy that triggers promotion into the
// Long-Term tier (SPEC_FULL.md §4.2).
package shortterm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/memoryfold/mnemos/pkg/config"
	"github.com/memoryfold/mnemos/pkg/embedding"
	"github.com/memoryfold/mnemos/pkg/jsonrepair"
	"github.com/memoryfold/mnemos/pkg/llmgateway"
	"github.com/memoryfold/mnemos/pkg/mnemoslog"
	"github.com/memoryfold/mnemos/pkg/model"
	"github.com/memoryfold/mnemos/pkg/vecmath"
)

const decisionPromptMarker = llmgateway.MarkerShortTermDecision

// Manager owns one process's short-term memories, keyed by chat.
type Manager struct {
	mu sync.Mutex // guards chats map itself; per-chat locks guard memory slices

	chats     map[string]*chatState
	chatLocks map[string]*sync.Mutex

	cfg      config.Config
	llm      *llmgateway.Client
	embedder *embedding.Client
	log      *mnemoslog.Logger

	persistPath string
}

type chatState struct {
	memories   []model.ShortTermMemory
	simValid   bool // false forces a lazy re-embed pass before the next search
}

// New builds a Manager. persistPath == "" disables the JSON snapshot.
func New(cfg config.Config, llm *llmgateway.Client, embedder *embedding.Client, persistPath string, log *mnemoslog.Logger) (*Manager, error) {
	if log == nil {
		log = mnemoslog.Noop()
	}
	m := &Manager{
		chats:       make(map[string]*chatState),
		chatLocks:   make(map[string]*sync.Mutex),
		cfg:         cfg,
		llm:         llm,
		embedder:    embedder,
		log:         log,
		persistPath: persistPath,
	}
	if persistPath != "" {
		if err := m.loadSnapshot(persistPath); err != nil {
			log.Warn("shortterm: snapshot load failed, starting empty", "err", err)
		}
	}
	return m, nil
}

func (m *Manager) lockFor(chatID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.chatLocks[chatID]
	if !ok {
		l = &sync.Mutex{}
		m.chatLocks[chatID] = l
	}
	return l
}

func (m *Manager) stateFor(chatID string) *chatState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.chats[chatID]
	if !ok {
		s = &chatState{}
		m.chats[chatID] = s
	}
	return s
}

// AddFromBlock runs one LLM call over a promoted perceptual block's
// text plus a summary of the chat's existing short-term memories, and
// applies the resulting decision (CREATE_NEW/MERGE/UPDATE/DISCARD).
func (m *Manager) AddFromBlock(ctx context.Context, block model.Block) (*model.ShortTermMemory, error) {
	lock := m.lockFor(block.ChatID)
	lock.Lock()
	defer lock.Unlock()

	state := m.stateFor(block.ChatID)

	decision, err := m.requestDecision(ctx, block, state.memories)
	if err != nil {
		// Retry once with a simplified prompt per spec.md §4.2 failure
		// semantics; persistent failure leaves the block for later retry.
		decision, err = m.requestDecisionSimplified(ctx, block)
		if err != nil {
			return nil, fmt.Errorf("shortterm: add_from_block: %w", err)
		}
	}

	mem, err := m.applyDecision(ctx, block, state, decision)
	if err != nil {
		return nil, err
	}
	m.persistLocked()
	return mem, nil
}

func (m *Manager) requestDecision(ctx context.Context, block model.Block, existing []model.ShortTermMemory) (model.Decision, error) {
	prompt := buildDecisionPrompt(block, existing)
	raw, err := m.llm.Complete(ctx, prompt, "short_term_decision", llmgateway.CompletionOptions{})
	if err != nil {
		return model.Decision{}, err
	}
	return parseDecision(raw), nil
}

func (m *Manager) requestDecisionSimplified(ctx context.Context, block model.Block) (model.Decision, error) {
	prompt := decisionPromptMarker + "\n" + blockText(block)
	raw, err := m.llm.Complete(ctx, prompt, "short_term_decision", llmgateway.CompletionOptions{})
	if err != nil {
		return model.Decision{}, err
	}
	return parseDecision(raw), nil
}

func buildDecisionPrompt(block model.Block, existing []model.ShortTermMemory) string {
	var b strings.Builder
	b.WriteString(decisionPromptMarker)
	b.WriteString("\n")
	b.WriteString(blockText(block))
	b.WriteString("\n--- existing short-term memories ---\n")
	for _, mm := range existing {
		fmt.Fprintf(&b, "%s: %s %s %s\n", mm.ID, mm.Subject, mm.Topic, mm.Object)
	}
	return b.String()
}

func blockText(block model.Block) string {
	var b strings.Builder
	for _, msg := range block.Messages {
		b.WriteString(msg.Text)
		b.WriteString("\n")
	}
	return b.String()
}

// parseDecision applies the tolerant-JSON decision-parsing strategy from
// spec.md §4.2 steps 1-6.
func parseDecision(raw string) model.Decision {
	var d model.Decision
	if !jsonrepair.Parse(raw, &d) {
		return model.Decision{Op: model.OpCreateNew}
	}
	d.Op = model.DecisionOp(strings.ToUpper(jsonrepair.NormalizeOp(string(d.Op))))

	switch d.Op {
	case model.OpCreateNew, model.OpMerge, model.OpUpdate, model.OpDiscard:
	default:
		d.Op = model.OpCreateNew
	}

	if (d.Op == model.OpMerge || d.Op == model.OpUpdate) && strings.TrimSpace(d.TargetID) == "" {
		d.Op = model.OpCreateNew
	}
	return d
}

// applyDecision executes the parsed decision against state, under the
// caller's per-chat lock. Returns the resulting memory, or nil on
// DISCARD.
func (m *Manager) applyDecision(ctx context.Context, block model.Block, state *chatState, d model.Decision) (*model.ShortTermMemory, error) {
	switch d.Op {
	case model.OpDiscard:
		return nil, nil

	case model.OpMerge, model.OpUpdate:
		idx := indexOf(state.memories, d.TargetID)
		if idx == -1 {
			// target_id didn't resolve to a live memory: fall back to
			// CREATE_NEW and invalidate, per spec.md §4.2 step 6.
			return m.createNew(ctx, block, state, d.MemoryFields)
		}
		mem := &state.memories[idx]
		mem.SourceBlockIDs = append(mem.SourceBlockIDs, block.ID)
		applyFields(mem, d.MemoryFields)
		mem.Embedding = nil
		state.simValid = false
		m.maybeTriggerOverflow(state)
		return mem, nil

	default: // CREATE_NEW
		return m.createNew(ctx, block, state, d.MemoryFields)
	}
}

func (m *Manager) createNew(_ context.Context, block model.Block, state *chatState, fields map[string]any) (*model.ShortTermMemory, error) {
	mem := model.ShortTermMemory{
		ID:             ulid.Make().String(),
		ChatID:         block.ChatID,
		MemoryType:     model.MemoryTypeOther,
		Importance:     0.5,
		CreatedAt:      time.Now(),
		SourceBlockIDs: []string{block.ID},
	}
	applyFields(&mem, fields)
	state.memories = append(state.memories, mem)
	state.simValid = false
	m.maybeTriggerOverflow(state)
	return &state.memories[len(state.memories)-1], nil
}

func applyFields(mem *model.ShortTermMemory, fields map[string]any) {
	if fields == nil {
		return
	}
	if v, ok := fields["subject"].(string); ok {
		mem.Subject = v
	}
	if v, ok := fields["topic"].(string); ok {
		mem.Topic = v
	}
	if v, ok := fields["object"].(string); ok {
		mem.Object = v
	}
	if v, ok := fields["memory_type"].(string); ok && v != "" {
		mem.MemoryType = model.MemoryType(v)
	}
	if v, ok := fields["importance"].(float64); ok {
		mem.Importance = v
	}
	if v, ok := fields["attributes"].(map[string]any); ok {
		if mem.Attributes == nil {
			mem.Attributes = make(map[string]string)
		}
		for k, val := range v {
			if s, ok := val.(string); ok {
				mem.Attributes[k] = s
			}
		}
	}
}

func indexOf(memories []model.ShortTermMemory, id string) int {
	for i, mm := range memories {
		if mm.ID == id {
			return i
		}
	}
	return -1
}

// SearchMemories ranks memories for chatID by cosine similarity against
// query, lazily re-embedding any memory whose cached vector is stale.
func (m *Manager) SearchMemories(ctx context.Context, chatID, query string, topK int) ([]model.ShortTermMemory, error) {
	lock := m.lockFor(chatID)
	lock.Lock()
	defer lock.Unlock()

	state := m.stateFor(chatID)
	if err := m.ensureEmbeddings(ctx, state); err != nil {
		m.log.Warn("shortterm: embedding refresh failed, falling back to lexical ranking", "err", err)
	}

	queryVecs, err := m.embedder.EmbedBatch(ctx, []string{query})
	var queryVec []float32
	if err == nil && len(queryVecs) == 1 {
		queryVec = queryVecs[0]
	}

	type scored struct {
		mem   model.ShortTermMemory
		score float64
	}
	scoredMems := make([]scored, 0, len(state.memories))
	for _, mm := range state.memories {
		var s float64
		if queryVec != nil && len(mm.Embedding) > 0 {
			s = vecmath.Cosine(queryVec, mm.Embedding)
		} else {
			s = lexicalOverlap(query, mm.Subject+" "+mm.Topic+" "+mm.Object)
		}
		scoredMems = append(scoredMems, scored{mem: mm, score: s})
	}
	sort.Slice(scoredMems, func(i, j int) bool { return scoredMems[i].score > scoredMems[j].score })
	if topK > 0 && len(scoredMems) > topK {
		scoredMems = scoredMems[:topK]
	}
	out := make([]model.ShortTermMemory, len(scoredMems))
	for i, s := range scoredMems {
		out[i] = s.mem
	}
	return out, nil
}

// ensureEmbeddings rebuilds the similarity matrix lazily: any memory
// missing an embedding (new, merged, or updated since the last search)
// is re-batched in one gateway call.
func (m *Manager) ensureEmbeddings(ctx context.Context, state *chatState) error {
	if state.simValid {
		return nil
	}
	var missingIdx []int
	var texts []string
	for i, mm := range state.memories {
		if len(mm.Embedding) == 0 {
			missingIdx = append(missingIdx, i)
			texts = append(texts, mm.Subject+" "+mm.Topic+" "+mm.Object)
		}
	}
	if len(missingIdx) == 0 {
		state.simValid = true
		return nil
	}
	vecs, err := m.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		// Embedding failure: memory remains searchable via lexical
		// fallback (spec.md §4.2 failure semantics).
		return err
	}
	for i, idx := range missingIdx {
		state.memories[idx].Embedding = vecs[i]
	}
	state.simValid = true
	return nil
}

func lexicalOverlap(query, text string) float64 {
	qset := tokenSet(query)
	tset := tokenSet(text)
	if len(qset) == 0 || len(tset) == 0 {
		return 0
	}
	inter := 0
	for t := range qset {
		if _, ok := tset[t]; ok {
			inter++
		}
	}
	union := len(qset) + len(tset) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.Fields(strings.ToLower(s)) {
		out[f] = struct{}{}
	}
	return out
}

// GetMemoriesForTransfer returns a copy of every memory currently held
// for chatID as a candidate for Long-Term promotion. It does not check
// whether the chat is at capacity; callers poll AtCapacity for that.
func (m *Manager) GetMemoriesForTransfer(chatID string) []model.ShortTermMemory {
	lock := m.lockFor(chatID)
	lock.Lock()
	defer lock.Unlock()
	state := m.stateFor(chatID)
	out := make([]model.ShortTermMemory, len(state.memories))
	copy(out, state.memories)
	return out
}

// ClearTransferred removes successfully transferred memories and then
// applies the overflow policy to whatever remains.
func (m *Manager) ClearTransferred(chatID string, ids []string) {
	lock := m.lockFor(chatID)
	lock.Lock()
	defer lock.Unlock()

	state := m.stateFor(chatID)
	toRemove := make(map[string]bool, len(ids))
	for _, id := range ids {
		toRemove[id] = true
	}
	kept := state.memories[:0]
	for _, mm := range state.memories {
		if !toRemove[mm.ID] {
			kept = append(kept, mm)
		}
	}
	state.memories = kept
	m.applyOverflowPolicy(state)
	m.persistLocked()
}

// maybeTriggerOverflow checks the "at capacity with no pending batch"
// condition and only logs it; actual promotion is driven by the
// coordinator, which polls AtCapacity and then calls
// GetMemoriesForTransfer.
func (m *Manager) maybeTriggerOverflow(state *chatState) {
	if len(state.memories) >= m.cfg.ShortTermMax {
		m.log.Debug("shortterm: chat at capacity, transfer should be triggered", "count", len(state.memories))
	}
}

// AtCapacity reports whether chatID has reached short_term_max, the
// condition the coordinator polls to trigger a transfer batch.
func (m *Manager) AtCapacity(chatID string) bool {
	lock := m.lockFor(chatID)
	lock.Lock()
	defer lock.Unlock()
	return len(m.stateFor(chatID).memories) >= m.cfg.ShortTermMax
}

// applyOverflowPolicy implements spec.md §4.2's post-transfer disposal
// and pressure-relief rules. Called with the chat lock held.
func (m *Manager) applyOverflowPolicy(state *chatState) {
	switch m.cfg.ShortTermOverflowStrategy {
	case config.OverflowTransferAll:
		state.memories = filterOut(state.memories, func(mm model.ShortTermMemory) bool {
			return mm.Importance < m.cfg.ShortTermTransferThreshold
		})
	case config.OverflowSelectiveCleanup:
		state.memories = filterOut(state.memories, func(mm model.ShortTermMemory) bool {
			return mm.Importance < m.cfg.ShortTermTransferThreshold
		})
	}

	if m.cfg.ShortTermEnableForceClean && len(state.memories) > m.cfg.ShortTermMax {
		keep := int(float64(m.cfg.ShortTermMax) * m.cfg.ShortTermCleanupKeepRatio)
		excess := len(state.memories) - keep
		if excess > 0 {
			sort.Slice(state.memories, func(i, j int) bool {
				if state.memories[i].Importance != state.memories[j].Importance {
					return state.memories[i].Importance < state.memories[j].Importance
				}
				return state.memories[i].CreatedAt.Before(state.memories[j].CreatedAt)
			})
			state.memories = state.memories[excess:]
		}
	}
	state.simValid = false
}

func filterOut(memories []model.ShortTermMemory, drop func(model.ShortTermMemory) bool) []model.ShortTermMemory {
	kept := memories[:0]
	for _, mm := range memories {
		if !drop(mm) {
			kept = append(kept, mm)
		}
	}
	return kept
}

// --- persistence ---

type snapshotChat struct {
	ChatID    string                  `json:"chat_id"`
	Memories  []model.ShortTermMemory `json:"memories"`
}

func (m *Manager) persistLocked() {
	if m.persistPath == "" {
		return
	}
	m.mu.Lock()
	snapshot := make([]snapshotChat, 0, len(m.chats))
	for chatID, state := range m.chats {
		snapshot = append(snapshot, snapshotChat{ChatID: chatID, Memories: state.memories})
	}
	m.mu.Unlock()
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ChatID < snapshot[j].ChatID })

	raw, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		m.log.Warn("shortterm: marshal snapshot failed", "err", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(m.persistPath), 0o755); err != nil {
		m.log.Warn("shortterm: mkdir snapshot dir failed", "err", err)
		return
	}
	tmp := m.persistPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		m.log.Warn("shortterm: write snapshot failed", "err", err)
		return
	}
	if err := os.Rename(tmp, m.persistPath); err != nil {
		m.log.Warn("shortterm: rename snapshot failed", "err", err)
	}
}

func (m *Manager) loadSnapshot(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var snapshot []snapshotChat
	if err := json.Unmarshal(content, &snapshot); err != nil {
		return err
	}
	for _, c := range snapshot {
		m.chats[c.ChatID] = &chatState{memories: c.Memories}
	}
	return nil
}

// Persist forces an immediate snapshot write, used on coordinator
// shutdown.
func (m *Manager) Persist() { m.persistLocked() }
