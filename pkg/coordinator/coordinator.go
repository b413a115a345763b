// Package coordinator implements the Unified Coordinator (SPEC_FULL.md
// §4.5): the per-chat state machine, the write path (add_message), the
// read path with the judge sub-step, the auto-transfer loop, and the
// consolidation ticker that ties Perceptual, Short-Term, Long-Term, and
// the Judge together into one runnable engine.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/memoryfold/mnemos/pkg/batch"
	"github.com/memoryfold/mnemos/pkg/config"
	"github.com/memoryfold/mnemos/pkg/judge"
	"github.com/memoryfold/mnemos/pkg/longterm"
	"github.com/memoryfold/mnemos/pkg/mnemoslog"
	"github.com/memoryfold/mnemos/pkg/model"
	"github.com/memoryfold/mnemos/pkg/perceptual"
	"github.com/memoryfold/mnemos/pkg/shortterm"
)

const (
	shutdownWaitTimeout  = 10 * time.Second
	shutdownFlushTimeout = 5 * time.Second
)

// Phase is the per-chat state machine position (spec.md §4.5):
//
//	IDLE -> ACCUMULATING -> SHORT_TERM_INGEST -> TRANSFER_PENDING -> IDLE
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseAccumulating    Phase = "accumulating"
	PhaseShortTermIngest Phase = "short_term_ingest"
	PhaseTransferPending Phase = "transfer_pending"
)

type chatState struct {
	mu      sync.Mutex
	phase   Phase
	started bool
}

func (s *chatState) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *chatState) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Result is the read path's combined output across all three tiers.
// LongTerm is empty when the judge decided Perceptual+ShortTerm recall
// was already sufficient, or when no Long-Term manager is configured.
type Result struct {
	Blocks    []model.Block
	ShortTerm []model.ShortTermMemory
	LongTerm  []model.ScoredMemory
}

// Coordinator owns the singleton per-process lifecycle across every
// tier manager, matching original_source's manager_singleton guard
// (SPEC_FULL.md §9): Run/Shutdown enforce ErrAlreadyRunning/ErrNotRunning.
type Coordinator struct {
	cfg config.Config
	log *mnemoslog.Logger

	perceptual *perceptual.Manager
	shortterm  *shortterm.Manager
	longterm   *longterm.Manager
	judge      *judge.Judge
	sched      *batch.Scheduler

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	chatMu sync.Mutex
	chats  map[string]*chatState
}

// New wires the four tier managers and the batch scheduler behind one
// Coordinator. Any manager may be nil in tests that only exercise a
// subset of the read/write paths.
func New(cfg config.Config, perc *perceptual.Manager, short *shortterm.Manager, long *longterm.Manager, j *judge.Judge, sched *batch.Scheduler, log *mnemoslog.Logger) *Coordinator {
	if log == nil {
		log = mnemoslog.Noop()
	}
	return &Coordinator{
		cfg:        cfg,
		log:        log,
		perceptual: perc,
		shortterm:  short,
		longterm:   long,
		judge:      j,
		sched:      sched,
		chats:      make(map[string]*chatState),
	}
}

// Run starts the coordinator's background loops (consolidation ticker;
// per-chat auto-transfer loops are started lazily from AddMessage) and
// blocks until ctx is canceled, then flushes pending embeddings and
// persists short-term state before returning, per SPEC_FULL.md §4.5's
// cancellation contract.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return model.ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.ctx = runCtx
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.consolidationLoop(runCtx)

	<-runCtx.Done()

	waitDone := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(shutdownWaitTimeout):
		c.log.Warn("coordinator: timed out waiting for background tasks during shutdown")
	}

	c.flushAndPersist()

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	return nil
}

// Shutdown cancels the running context, causing Run to unwind through
// its flush/persist sequence and return. It is a no-op error
// (ErrNotRunning) if the coordinator isn't running.
func (c *Coordinator) Shutdown() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return model.ErrNotRunning
	}
	cancel := c.cancel
	c.mu.Unlock()
	cancel()
	return nil
}

func (c *Coordinator) flushAndPersist() {
	flushCtx, flushCancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
	defer flushCancel()
	if c.sched != nil {
		if err := c.sched.Flush(flushCtx); err != nil {
			c.log.Error("coordinator: flush pending embeddings failed", "err", err)
		}
	}
	if c.shortterm != nil {
		c.shortterm.Persist()
	}
	if c.perceptual != nil {
		if err := c.perceptual.Close(); err != nil {
			c.log.Error("coordinator: close perceptual persistence log failed", "err", err)
		}
	}
}

func (c *Coordinator) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Coordinator) bgContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx != nil {
		return c.ctx
	}
	return context.Background()
}

func (c *Coordinator) stateFor(chatID string) *chatState {
	c.chatMu.Lock()
	defer c.chatMu.Unlock()
	s, ok := c.chats[chatID]
	if !ok {
		s = &chatState{phase: PhaseIdle}
		c.chats[chatID] = s
	}
	return s
}

// ensureChatStarted lazily spawns the per-chat auto-transfer loop the
// first time a chat is seen, generalizing the teacher's single global
// startConsolidationLoop ticker into one loop per chat (SPEC_FULL.md
// §4.5).
func (c *Coordinator) ensureChatStarted(chatID string) {
	c.chatMu.Lock()
	s, ok := c.chats[chatID]
	if !ok {
		s = &chatState{phase: PhaseIdle}
		c.chats[chatID] = s
	}
	alreadyStarted := s.started
	s.started = true
	c.chatMu.Unlock()

	if !alreadyStarted {
		c.wg.Add(1)
		go c.autoTransferLoop(c.bgContext(), chatID)
	}
}

// --- Write path ---

// AddMessage implements spec.md §4.5's write path: append to Perceptual
// and return immediately. Block promotion into Short-Term (an LLM call)
// is heavy work, so it is deferred to a background goroutine rather
// than awaited here.
func (c *Coordinator) AddMessage(chatID string, msg model.Message) error {
	if !c.isRunning() {
		return model.ErrNotRunning
	}
	c.ensureChatStarted(chatID)
	c.stateFor(chatID).setPhase(PhaseAccumulating)

	block := c.perceptual.AddMessage(chatID, msg)
	if block.Full(c.cfg.PerceptualBlockSize) {
		c.perceptual.PersistBlock(block)
		blk := *block
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.promoteBlock(chatID, blk)
		}()
	}
	return nil
}

// promoteBlock ingests one full/recalled block into Short-Term, clears
// it from Perceptual on success, and advances the chat's phase
// (ACCUMULATING -> SHORT_TERM_INGEST -> TRANSFER_PENDING|IDLE).
func (c *Coordinator) promoteBlock(chatID string, block model.Block) {
	ctx := c.bgContext()
	state := c.stateFor(chatID)
	state.setPhase(PhaseShortTermIngest)

	mem, err := c.shortterm.AddFromBlock(ctx, block)
	if err != nil {
		c.log.Warn("coordinator: short-term ingest failed", "chat_id", chatID, "block_id", block.ID, "err", err)
		state.setPhase(PhaseAccumulating)
		return
	}
	c.perceptual.RemoveBlock(chatID, block.ID)
	if mem != nil && c.shortterm.AtCapacity(chatID) {
		state.setPhase(PhaseTransferPending)
		return
	}
	state.setPhase(PhaseIdle)
}

// --- Auto-transfer loop ---

// autoTransferLoop is the single long-running task per chat that polls
// Short-Term occupancy and triggers a transfer batch once it reaches
// full occupancy (spec.md §4.5; see REDESIGN FLAGS for why "full
// occupancy", not a lower threshold, gates the trigger).
func (c *Coordinator) autoTransferLoop(ctx context.Context, chatID string) {
	defer c.wg.Done()
	for {
		wait := sleepForOccupancy(c.occupancy(chatID), c.cfg.LongTermAutoTransferInterval)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if c.shortterm.AtCapacity(chatID) {
			c.runTransfer(ctx, chatID)
		}
	}
}

func (c *Coordinator) occupancy(chatID string) float64 {
	if c.cfg.ShortTermMax <= 0 {
		return 0
	}
	n := len(c.shortterm.GetMemoriesForTransfer(chatID))
	return float64(n) / float64(c.cfg.ShortTermMax)
}

// sleepForOccupancy implements spec.md §4.5's polling-interval table:
// higher occupancy polls faster so a just-missed transfer doesn't sit
// idle for a full base interval.
func sleepForOccupancy(occupancy float64, base time.Duration) time.Duration {
	switch {
	case occupancy >= 0.8:
		return time.Duration(float64(2*time.Second) * 0.1)
	case occupancy >= 0.5:
		return time.Duration(float64(5*time.Second) * 0.2)
	case occupancy >= 0.3:
		return time.Duration(float64(10*time.Second) * 0.4)
	case occupancy >= 0.1:
		return time.Duration(float64(15*time.Second) * 0.6)
	default:
		if base <= 0 {
			return 180 * time.Second
		}
		return base
	}
}

// runTransfer executes one batch transfer for chatID: TRANSFER_PENDING,
// LongTerm.TransferFromShortTerm, ShortTerm.ClearTransferred.
func (c *Coordinator) runTransfer(ctx context.Context, chatID string) model.TransferResult {
	state := c.stateFor(chatID)
	state.setPhase(PhaseTransferPending)
	defer state.setPhase(PhaseIdle)

	if c.longterm == nil {
		return model.TransferResult{}
	}
	batchItems := c.shortterm.GetMemoriesForTransfer(chatID)
	if len(batchItems) == 0 {
		return model.TransferResult{}
	}
	result := c.longterm.TransferFromShortTerm(ctx, batchItems)
	c.shortterm.ClearTransferred(chatID, result.TransferredIDs)
	if len(result.FailedIDs) > 0 {
		c.log.Warn("coordinator: some memories failed transfer", "chat_id", chatID, "failed", len(result.FailedIDs))
	}
	return result
}

// TriggerTransfer forces an immediate transfer for chatID regardless of
// occupancy, bypassing the auto-transfer loop's poll interval. Used by
// operators and tests that don't want to wait out the polling table.
func (c *Coordinator) TriggerTransfer(chatID string) model.TransferResult {
	return c.runTransfer(c.bgContext(), chatID)
}

// --- Read path ---

// SearchMemories implements spec.md §4.5's read path, steps 1-7: parallel
// Perceptual+Short-Term recall, async promotion of blocks that crossed
// the activation threshold, an optional judge sufficiency check, and
// (when the judge doesn't short-circuit) a weighted multi-query
// Long-Term search merged and deduped by memory id.
func (c *Coordinator) SearchMemories(ctx context.Context, chatID, query string, useJudge bool) (Result, error) {
	if !c.isRunning() {
		return Result{}, model.ErrNotRunning
	}

	var blocks []model.Block
	var shortMems []model.ShortTermMemory
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		blocks = c.perceptual.RecallBlocks(chatID, query, c.cfg.SearchTopK, c.cfg.PerceptualRecallThreshold)
		return nil
	})
	g.Go(func() error {
		var err error
		shortMems, err = c.shortterm.SearchMemories(gctx, chatID, query, c.cfg.SearchTopK)
		return err
	})
	if err := g.Wait(); err != nil {
		c.log.Warn("coordinator: short-term recall failed, continuing with perceptual only", "chat_id", chatID, "err", err)
	}

	for _, b := range blocks {
		if b.NeedsTransfer {
			blk := b
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.promoteBlock(chatID, blk)
			}()
		}
	}

	result := Result{Blocks: blocks, ShortTerm: shortMems}

	var supplemental []string
	if useJudge && c.judge != nil {
		verdict := c.judge.EvaluateRecall(ctx, query, summarizeRecall(blocks, shortMems))
		if verdict.Confidence >= c.cfg.JudgeConfidenceThreshold {
			return result, nil
		}
		supplemental = verdict.SupplementalQueries
	}

	if c.longterm == nil {
		return result, nil
	}

	queries := buildManualQueries(query, supplemental, c.cfg.ManualQueryWeightDecay)
	longResults, err := c.longTermMultiSearch(ctx, queries, c.cfg.SearchTopK)
	if err != nil {
		return result, fmt.Errorf("coordinator: long-term search: %w", err)
	}
	result.LongTerm = longResults
	return result, nil
}

func summarizeRecall(blocks []model.Block, mems []model.ShortTermMemory) []string {
	out := make([]string, 0, len(blocks)+len(mems))
	for _, b := range blocks {
		var text strings.Builder
		for i, msg := range b.Messages {
			if i > 0 {
				text.WriteString(" ")
			}
			text.WriteString(msg.Text)
		}
		out = append(out, "block: "+text.String())
	}
	for _, m := range mems {
		out = append(out, fmt.Sprintf("short-term: %s %s %s", m.Subject, m.Topic, m.Object))
	}
	return out
}

// buildManualQueries implements spec.md §4.5 step 5: strip, dedupe, and
// assign linearly-decreasing weights max(0.3, 1.0 - i*decay) to the
// original query plus any judge-supplied supplemental queries, in a
// single pass.
func buildManualQueries(query string, supplemental []string, decay float64) []model.WeightedQuery {
	if decay <= 0 {
		decay = 0.1
	}
	all := make([]string, 0, len(supplemental)+1)
	all = append(all, query)
	all = append(all, supplemental...)

	seen := make(map[string]bool, len(all))
	out := make([]model.WeightedQuery, 0, len(all))
	i := 0
	for _, q := range all {
		q = strings.TrimSpace(q)
		if q == "" || seen[q] {
			continue
		}
		seen[q] = true
		weight := 1.0 - float64(i)*decay
		if weight < 0.3 {
			weight = 0.3
		}
		out = append(out, model.WeightedQuery{Text: q, Weight: weight})
		i++
	}
	return out
}

// longTermMultiSearch implements spec.md §4.5 step 6: one Long-Term
// search per weighted query, bounded concurrency, merged and deduped by
// memory id with weight-summed final scores.
func (c *Coordinator) longTermMultiSearch(ctx context.Context, queries []model.WeightedQuery, topK int) ([]model.ScoredMemory, error) {
	if len(queries) == 0 {
		return nil, nil
	}

	var mu sync.Mutex
	merged := make(map[string]model.ScoredMemory)

	g, gctx := errgroup.WithContext(ctx)
	limit := maxInt(c.cfg.EmbedMaxInflight, 1)
	g.SetLimit(limit)

	for _, wq := range queries {
		wq := wq
		g.Go(func() error {
			results, err := c.longterm.SearchMemories(gctx, wq.Text, topK, nil)
			if err != nil {
				c.log.Warn("coordinator: long-term search failed for weighted query", "query", wq.Text, "err", err)
				return nil
			}
			mu.Lock()
			for _, sm := range results {
				weighted := sm.Score * wq.Weight
				if existing, ok := merged[sm.Memory.ID]; ok {
					existing.Score += weighted
					merged[sm.Memory.ID] = existing
				} else {
					merged[sm.Memory.ID] = model.ScoredMemory{Memory: sm.Memory, Score: weighted}
				}
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]model.ScoredMemory, 0, len(merged))
	for _, sm := range merged {
		out = append(out, sm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// consolidationLoop is the coordinator's one global background cleanup
// task, generalized from the teacher's startConsolidationLoop ticker
// (cmd/server/main.go): it runs Long-Term consolidation and decay on a
// fixed interval until ctx is canceled.
func (c *Coordinator) consolidationLoop(ctx context.Context) {
	defer c.wg.Done()
	interval := c.cfg.ConsolidationInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if c.longterm == nil {
				continue
			}
			if err := c.longterm.Consolidate(ctx); err != nil {
				c.log.Error("coordinator: consolidation failed", "err", err)
			}
			if err := c.longterm.ApplyDecay(ctx, time.Now()); err != nil {
				c.log.Error("coordinator: decay failed", "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
