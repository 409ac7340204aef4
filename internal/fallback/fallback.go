// Package fallback executes provider calls through an ordered chain of
// tiers. Tiers whose circuit breaker is Open are skipped, each attempt runs
// under its own timeout, and a terminal degraded tier can absorb requests
// when every upstream provider is down.
package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"budget_gateway/internal/breaker"
	"budget_gateway/internal/utils"
)

// Tier is one entry in a fallback chain. Name doubles as the breaker key.
type Tier struct {
	Name       string
	Provider   string
	Model      string
	Priority   int   // lower is tried first under static ordering
	CostMicros int64 // estimated cost per call, used by dynamic ranking
	Timeout    time.Duration
	Terminal   bool // local degraded tier, never breaker-gated
}

// Request is the provider-agnostic call handed to each tier
type Request struct {
	LeaseID         string
	CredentialToken string
	Model           string
	Payload         json.RawMessage
}

// Response is the outcome of a successful tier invocation
type Response struct {
	Tier       string
	Provider   string
	Model      string
	Body       json.RawMessage
	CostMicros int64
	Tokens     int
	Degraded   bool
}

// Invoker performs the actual provider call for a tier
type Invoker interface {
	Invoke(ctx context.Context, tier Tier, req *Request) (*Response, error)
}

// TierError records why one tier did not produce a response
type TierError struct {
	Tier    string
	Skipped bool // breaker refused the call, no attempt was made
	Err     error
}

// AllTiersFailedError is returned when the chain is exhausted
type AllTiersFailedError struct {
	Attempts []TierError
}

func (e *AllTiersFailedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.Skipped {
			parts = append(parts, fmt.Sprintf("%s: skipped (breaker open)", a.Tier))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %v", a.Tier, a.Err))
	}
	return fmt.Sprintf("all fallback tiers failed: %s", strings.Join(parts, "; "))
}

// Config holds executor settings
type Config struct {
	DynamicRanking bool
	DefaultTimeout time.Duration
}

// Executor runs requests through a fallback chain
type Executor struct {
	invoker  Invoker
	breakers *breaker.Registry
	cfg      Config
	logger   *utils.Logger
}

// NewExecutor creates a fallback executor
func NewExecutor(invoker Invoker, breakers *breaker.Registry, cfg Config) *Executor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	return &Executor{
		invoker:  invoker,
		breakers: breakers,
		cfg:      cfg,
		logger:   utils.NewLogger("fallback"),
	}
}

// Execute tries each tier in order until one succeeds. Open breakers are
// skipped without an attempt. Provider failures of any shape (timeouts,
// transport errors, bad statuses) record a breaker failure and fall through
// to the next tier; only a caller-side error (rejected credential, malformed
// payload) aborts the chain, since replaying the same bad request elsewhere
// cannot help. When the chain is exhausted the caller gets
// *AllTiersFailedError listing every attempt.
func (e *Executor) Execute(ctx context.Context, tiers []Tier, req *Request) (*Response, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("fallback chain is empty")
	}

	ordered := tiers
	if e.cfg.DynamicRanking {
		ordered = Rank(tiers, e.breakers.Snapshots())
	} else {
		ordered = byPriority(tiers)
	}

	var attempts []TierError
	for _, tier := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var br *breaker.Breaker
		if !tier.Terminal {
			br = e.breakers.Get(tier.Name)
			if err := br.Allow(); err != nil {
				attempts = append(attempts, TierError{Tier: tier.Name, Skipped: true, Err: err})
				continue
			}
		}

		timeout := tier.Timeout
		if timeout <= 0 {
			timeout = e.cfg.DefaultTimeout
		}
		tctx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := e.invoker.Invoke(tctx, tier, req)
		cancel()

		if err == nil {
			if br != nil {
				br.RecordSuccess()
			}
			resp.Tier = tier.Name
			resp.Degraded = tier.Terminal
			return resp, nil
		}

		recoverable := utils.IsRecoverableError(err)
		if br != nil && recoverable {
			br.RecordFailure()
		}
		e.logger.Warn("Fallback tier failed", "tier", tier.Name, "error", err)
		attempts = append(attempts, TierError{Tier: tier.Name, Err: err})

		if !recoverable {
			return nil, err
		}
	}

	return nil, &AllTiersFailedError{Attempts: attempts}
}
