package ingestion

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/kb-engine/backend/internal/llm"
	"github.com/kb-engine/backend/internal/llm/templates"
	"github.com/kb-engine/backend/internal/metrics"
	"github.com/kb-engine/backend/pkg/circuitbreaker"
	"github.com/kb-engine/backend/pkg/logger"
	"github.com/kb-engine/backend/pkg/ratelimit"
	"github.com/kb-engine/backend/pkg/retry"
)

var (
	rateLimitMarkers   = []string{"429", "resource_exhausted", "rate limit", "quota exceeded", "too many requests"}
	unavailableMarkers = []string{"503", "unavailable", "service unavailable", "overloaded", "temporarily unavailable"}

	retryDelayHint = regexp.MustCompile(`(?i)(?:retryDelay['"]?\s*[:=]\s*['"]?|retry-after:\s*)(\d+(?:\.\d+)?)s?`)
)

type DescriberConfig struct {
	Workers     int
	MinDelay    time.Duration
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

func DefaultDescriberConfig() DescriberConfig {
	return DescriberConfig{
		Workers:     1,
		MaxAttempts: 5,
		Backoff:     5 * time.Second,
		MaxBackoff:  20 * time.Second,
	}
}

// ImageRequest is one image waiting for a description, with the page text
// around it.
type ImageRequest struct {
	Image   []byte
	Context string
}

// Describer turns images into text with a vision-capable generation
// provider. It never fails a document: an image that cannot be described is
// reported as missing.
type Describer struct {
	gen     llm.GenerationProvider
	prompts *templates.Catalog
	cfg     DescriberConfig
}

func NewDescriber(gen llm.GenerationProvider, prompts *templates.Catalog, cfg DescriberConfig) *Describer {
	def := DefaultDescriberConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	return &Describer{gen: gen, prompts: prompts, cfg: cfg}
}

// Describe returns the description of one image and whether it succeeded.
func (d *Describer) Describe(ctx context.Context, image []byte, contextText string) (string, bool) {
	return d.describe(ctx, nil, image, contextText)
}

// DescribeAll describes every request with at most Workers calls in flight
// and at least MinDelay between consecutive calls. The result is aligned with
// reqs; failed entries are empty.
func (d *Describer) DescribeAll(ctx context.Context, reqs []ImageRequest) []string {
	out := make([]string, len(reqs))
	if len(reqs) == 0 {
		return out
	}

	sem := semaphore.NewWeighted(int64(d.cfg.Workers))
	gate := ratelimit.NewGate(d.cfg.MinDelay)
	done := make(chan struct{}, len(reqs))

	started := 0
	for i, req := range reqs {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		started++
		go func(i int, req ImageRequest) {
			defer func() {
				sem.Release(1)
				done <- struct{}{}
			}()
			if desc, ok := d.describe(ctx, gate, req.Image, req.Context); ok {
				out[i] = desc
			}
		}(i, req)
	}
	for ; started > 0; started-- {
		<-done
	}
	return out
}

func (d *Describer) describe(ctx context.Context, gate *ratelimit.Gate, image []byte, contextText string) (string, bool) {
	prompt, err := d.prompts.Render("", templates.ImageDescription, map[string]any{"Context": contextText})
	if err != nil {
		logger.Error("Failed to render image prompt", zap.Error(err))
		metrics.ImageDescriptions.WithLabelValues("failed").Inc()
		return "", false
	}

	cfg := retry.Config{
		Name:        "image-description",
		MaxAttempts: d.cfg.MaxAttempts,
		Retryable:   IsTransient,
		Delay: func(_ int, err error) time.Duration {
			return d.backoff(err)
		},
		Logger: logger.GetLogger(),
	}

	desc, err := retry.DoWithResult(ctx, cfg, func() (string, error) {
		if gate != nil {
			if err := gate.Wait(ctx); err != nil {
				return "", err
			}
		}
		return d.gen.DescribeImage(ctx, image, prompt)
	})
	if err != nil {
		logger.Warn("Image description failed", zap.Error(err))
		metrics.ImageDescriptions.WithLabelValues("failed").Inc()
		return "", false
	}

	desc = strings.TrimSpace(desc)
	if desc == "" {
		logger.Warn("Empty image description returned")
		metrics.ImageDescriptions.WithLabelValues("empty").Inc()
		return "", false
	}
	metrics.ImageDescriptions.WithLabelValues("described").Inc()
	return desc, true
}

// backoff honours a provider retry hint up to MaxBackoff and otherwise waits
// the fixed Backoff.
func (d *Describer) backoff(err error) time.Duration {
	if hint, ok := RetryHint(err); ok {
		return min(hint, d.cfg.MaxBackoff)
	}
	return d.cfg.Backoff
}

// IsTransient reports whether err looks like throttling or a temporarily
// unavailable provider. An open breaker counts as unavailable.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return true
	}
	switch llm.StatusCode(err) {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range rateLimitMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	for _, m := range unavailableMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// RetryHint extracts a retryDelay or Retry-After value, in seconds, from the
// error text.
func RetryHint(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	m := retryDelayHint.FindStringSubmatch(err.Error())
	if m == nil {
		return 0, false
	}
	secs, perr := strconv.ParseFloat(m[1], 64)
	if perr != nil || secs <= 0 {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}
