// Package embedding defines the Embedding Gateway contract and a
// deterministic local stub, adapted from the teacher's
// store.HashEmbedder (adfoke-PAIM/pkg/store/store.go) generalized to
// batch calls and float32 vectors.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/memoryfold/mnemos/pkg/model"
	"github.com/memoryfold/mnemos/pkg/retry"
)

// Gateway is the external Embedding Gateway contract (SPEC_FULL.md §6).
type Gateway interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
}

// Client wraps a Gateway with the shared timeout, retry, and
// concurrency-cap policy every gateway call in the engine goes through.
type Client struct {
	gw       Gateway
	sem      *semaphore.Weighted
	timeout  time.Duration
	maxRetry int
}

// NewClient builds a Client; maxInflight <= 0 disables the cap.
func NewClient(gw Gateway, maxInflight int, timeout time.Duration, maxRetry int) *Client {
	var sem *semaphore.Weighted
	if maxInflight > 0 {
		sem = semaphore.NewWeighted(int64(maxInflight))
	}
	return &Client{gw: gw, sem: sem, timeout: timeout, maxRetry: maxRetry}
}

// EmbedBatch embeds texts under the configured timeout/retry/concurrency
// policy. A failure kind of model.ErrValidation is never retried; any
// other error is treated as transient per spec.md §7.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer c.sem.Release(1)
	}

	var out [][]float32
	classify := func(err error) retry.Kind {
		if errors.Is(err, model.ErrValidation) {
			return retry.Permanent
		}
		return retry.Transient
	}
	err := retry.Do(ctx, c.maxRetry, 200*time.Millisecond, classify, func(ctx context.Context) error {
		callCtx := ctx
		var cancel context.CancelFunc
		if c.timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
		vecs, err := c.gw.EmbedBatch(callCtx, texts)
		if err != nil {
			return err
		}
		out = vecs
		return nil
	})
	return out, err
}

func (c *Client) Dim() int { return c.gw.Dim() }

// HashEmbedder is a deterministic, dependency-free embedding stub so the
// engine runs standalone without a real provider, the same role the
// teacher's HashEmbedder plays.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder builds a HashEmbedder of the given dimension (default
// 1536, matching the teacher's default VectorDim).
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 1536
	}
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Dim() int { return h.dim }

// EmbedBatch hashes each text into a pseudo-random but deterministic,
// L2-normalized vector.
func (h *HashEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = h.embedOne(text)
	}
	return out, nil
}

func (h *HashEmbedder) embedOne(text string) []float32 {
	if text == "" {
		text = "empty"
	}
	hash := sha256.Sum256([]byte(text))
	vec := make([]float32, h.dim)
	for i := 0; i < h.dim; i++ {
		chunk := binary.LittleEndian.Uint16(hash[(i % 16):])
		vec[i] = float32(chunk%1000) / 1000.0
	}
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		norm = 1
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}
