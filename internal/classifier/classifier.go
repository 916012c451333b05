// Package classifier assigns an intent label to incoming tasks. A local
// keyword matcher answers first; a remote classifier is consulted when the
// keyword result is not confident enough.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/aristath/taskrouter/internal/resilience"
	"github.com/aristath/taskrouter/internal/task"
)

// Defaults.
const (
	DefaultThreshold      = 0.8
	DefaultSaturationHits = 3
	DefaultRemoteTimeout  = 2 * time.Second

	// DependencyKey is the breaker key for remote classification calls.
	DependencyKey = "classifier"
)

// Remote is an external classification service.
type Remote interface {
	ClassifyRemote(ctx context.Context, text string) (label string, confidence float64, err error)
}

// Config configures a Classifier.
type Config struct {
	Rules          []Rule
	Threshold      float64       // Below this the remote classifier is consulted
	SaturationHits int           // Keyword hits needed for full confidence
	RemoteTimeout  time.Duration // Bound on one remote classification
	RemoteRate     float64       // Remote calls per second (0 = unlimited)
	RemoteBurst    int
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 || c.Threshold > 1 {
		c.Threshold = DefaultThreshold
	}
	if c.SaturationHits <= 0 {
		c.SaturationHits = DefaultSaturationHits
	}
	if c.RemoteTimeout <= 0 {
		c.RemoteTimeout = DefaultRemoteTimeout
	}
	if c.RemoteBurst <= 0 {
		c.RemoteBurst = 1
	}
	return c
}

// Classifier produces an Intent for a task. It never fails: any remote
// problem falls back to the keyword result.
type Classifier struct {
	cfg     Config
	keyword *KeywordMatcher
	remote  Remote
	guard   *resilience.Guard
	limiter *rate.Limiter
	flight  singleflight.Group
	logger  *slog.Logger
}

// New creates a Classifier. remote may be nil. guard may be nil, in which case
// remote calls get a default retry policy and breaker.
func New(cfg Config, remote Remote, guard *resilience.Guard, logger *slog.Logger) (*Classifier, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	km, err := NewKeywordMatcher(cfg.Rules, cfg.SaturationHits)
	if err != nil {
		return nil, err
	}
	if guard == nil {
		guard = resilience.NewGuard(resilience.DefaultRetryConfig(), nil, logger)
	}

	limit := rate.Inf
	if cfg.RemoteRate > 0 {
		limit = rate.Limit(cfg.RemoteRate)
	}

	return &Classifier{
		cfg:     cfg,
		keyword: km,
		remote:  remote,
		guard:   guard,
		limiter: rate.NewLimiter(limit, cfg.RemoteBurst),
		logger:  logger,
	}, nil
}

// Text is the classifiable text of a task: its title and payload text.
func Text(t task.Task) string {
	return strings.TrimSpace(strings.TrimSpace(t.Title) + " " + t.Payload.Text())
}

// Classify labels t.
func (c *Classifier) Classify(ctx context.Context, t task.Task) task.Intent {
	text := Text(t)
	if text == "" {
		return task.UnknownIntent()
	}

	local := c.keyword.Match(text)
	if c.remote == nil || local.Confidence >= c.cfg.Threshold {
		return local
	}

	remote, err := c.classifyRemote(ctx, text)
	if err != nil {
		c.logger.Warn("remote classification failed, using keyword intent",
			"task", t.ID,
			"label", local.Label,
			"confidence", local.Confidence,
			"error", err)
		return local
	}

	c.logger.Debug("remote classification",
		"task", t.ID,
		"label", remote.Label,
		"confidence", remote.Confidence,
		"keyword_label", local.Label)
	return remote
}

func (c *Classifier) classifyRemote(ctx context.Context, text string) (task.Intent, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RemoteTimeout)
	defer cancel()

	// Identical concurrent texts share one call. The shared call is detached
	// from any single caller's cancellation and bounded by its own timeout.
	ch := c.flight.DoChan(text, func() (any, error) {
		callCtx, callCancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RemoteTimeout)
		defer callCancel()
		return c.call(callCtx, text)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return task.Intent{}, timeoutKind(res.Err)
		}
		return res.Val.(task.Intent), nil
	case <-ctx.Done():
		return task.Intent{}, timeoutKind(ctx.Err())
	}
}

func (c *Classifier) call(ctx context.Context, text string) (task.Intent, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return task.Intent{}, fmt.Errorf("rate limit: %w", err)
	}

	var intent task.Intent
	_, err := c.guard.Do(ctx, DependencyKey, 0, func(ctx context.Context) error {
		label, confidence, err := c.remote.ClassifyRemote(ctx, text)
		if err != nil {
			return err
		}
		label = strings.TrimSpace(label)
		if label == "" {
			return resilience.Permanent(errors.New("remote classifier returned no label"))
		}
		intent = task.Intent{
			Label:      label,
			Confidence: min(1, max(0, confidence)),
			Source:     task.SourceRemote,
		}
		return nil
	})
	if err != nil {
		return task.Intent{}, err
	}
	return intent, nil
}

func timeoutKind(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", task.ErrClassificationTimeout, err)
	}
	return err
}
