package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/memoryfold/mnemos/pkg/batch"
	"github.com/memoryfold/mnemos/pkg/config"
	"github.com/memoryfold/mnemos/pkg/coordinator"
	"github.com/memoryfold/mnemos/pkg/embedding"
	"github.com/memoryfold/mnemos/pkg/graphstore"
	"github.com/memoryfold/mnemos/pkg/judge"
	"github.com/memoryfold/mnemos/pkg/llmgateway"
	"github.com/memoryfold/mnemos/pkg/longterm"
	"github.com/memoryfold/mnemos/pkg/mnemoslog"
	"github.com/memoryfold/mnemos/pkg/model"
	"github.com/memoryfold/mnemos/pkg/perceptual"
	"github.com/memoryfold/mnemos/pkg/shortterm"
	"github.com/memoryfold/mnemos/pkg/vectorindex"
)

func main() {
	cfg := config.Default()
	cfg.ApplyEnvOverrides()
	addr := getenv("MNEMOS_LISTEN_ADDR", ":8080")

	logger, err := mnemoslog.New(getenv("MNEMOS_LOG_MODE", "dev"))
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	graphPath := filepath.Join(cfg.DataDir, "graph", "graph.db")
	if err := os.MkdirAll(filepath.Dir(graphPath), 0o755); err != nil {
		log.Fatalf("failed to create graph dir: %v", err)
	}
	graph, err := graphstore.Open(ctx, graphPath)
	if err != nil {
		log.Fatalf("failed to open graph store: %v", err)
	}
	defer graph.Close()

	vectorPath := filepath.Join(cfg.DataDir, "vector", "index.gob")
	vector, err := vectorindex.Load(vectorPath)
	if err != nil {
		logger.Warn("vector index load failed, starting empty", "err", err)
		vector = vectorindex.New()
	}

	embedder := embedding.NewClient(embedding.NewHashEmbedder(cfg.EmbedDim), cfg.EmbedMaxInflight, cfg.EmbedTimeout, cfg.MaxRetry)
	llm := llmgateway.NewClient(llmgateway.NewRuleBased(), cfg.LLMMaxInflight, cfg.LLMTimeout, cfg.MaxRetry)

	sched := batch.NewScheduler(embedder, graph, vector, cfg.LongTermBatchSize)

	perc, err := perceptual.New(perceptual.Config{
		MaxBlocks:           cfg.PerceptualMaxBlocks,
		BlockSize:           cfg.PerceptualBlockSize,
		ActivationThreshold: cfg.PerceptualActivationThresh,
		RecallThreshold:     cfg.PerceptualRecallThreshold,
	}, filepath.Join(cfg.DataDir, "perceptual_blocks.jsonl"), logger)
	if err != nil {
		log.Fatalf("failed to init perceptual manager: %v", err)
	}
	defer perc.Close()

	short, err := shortterm.New(cfg, llm, embedder, filepath.Join(cfg.DataDir, "short_term_memory.json"), logger)
	if err != nil {
		log.Fatalf("failed to init short-term manager: %v", err)
	}

	long := longterm.New(graph, vector, sched, llm, embedder, cfg, logger)
	j := judge.New(llm)

	coord := coordinator.New(cfg, perc, short, long, j, sched, logger)

	runDone := make(chan error, 1)
	go func() { runDone <- coord.Run(ctx) }()

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	r.Get("/health", healthHandler)
	r.Post("/chats/{chatID}/messages", addMessageHandler(coord))
	r.Get("/chats/{chatID}/search", searchHandler(coord))
	r.Post("/chats/{chatID}/transfer", transferHandler(coord))

	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", "err", err)
		}
		if err := coord.Shutdown(); err != nil {
			logger.Error("coordinator shutdown failed", "err", err)
		}
	}()

	logger.Info("starting mnemos server", "addr", addr, "data_dir", cfg.DataDir)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}

	<-runDone

	if err := vector.Save(vectorPath); err != nil {
		logger.Error("vector index save failed", "err", err)
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type addMessageRequest struct {
	SenderID string `json:"sender_id"`
	Text     string `json:"text"`
}

func addMessageHandler(coord *coordinator.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chatID := chi.URLParam(r, "chatID")
		var in addMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		m := model.Message{ChatID: chatID, SenderID: in.SenderID, Text: in.Text, Timestamp: time.Now()}
		if err := coord.AddMessage(chatID, m); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func searchHandler(coord *coordinator.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chatID := chi.URLParam(r, "chatID")
		query := r.URL.Query().Get("q")
		useJudge := r.URL.Query().Get("judge") != "false"

		result, err := coord.SearchMemories(r.Context(), chatID, query, useJudge)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, result)
	}
}

func transferHandler(coord *coordinator.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chatID := chi.URLParam(r, "chatID")
		writeJSON(w, coord.TriggerTransfer(chatID))
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
