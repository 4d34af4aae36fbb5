// Package abuse screens public form submissions for automated abuse: attempt
// rate limiting, honeypot decoy fields and a minimum fill time.
package abuse

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/domain/formdata"
)

// Outcome is the verdict of a guard check.
type Outcome int

const (
	Allow Outcome = iota
	RateLimited
	Honeypot
	TooFast
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case RateLimited:
		return "rate_limited"
	case Honeypot:
		return "honeypot"
	case TooFast:
		return "too_fast"
	}
	return "unknown"
}

// Decision is returned by Guard.Check.
type Decision struct {
	Outcome    Outcome
	RetryAfter time.Duration
	ClientHash string
}

// Allowed reports whether the submission may proceed.
func (d Decision) Allowed() bool { return d.Outcome == Allow }

// Config tunes the guard.
type Config struct {
	Bucket         string
	MaxAttempts    int64
	Window         time.Duration
	MinFillTime    time.Duration
	TokenField     string
	HoneypotFields []string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Bucket:         "form_submit",
		MaxAttempts:    5,
		Window:         time.Hour,
		MinFillTime:    5 * time.Second,
		TokenField:     "form_token",
		HoneypotFields: []string{"website", "company_name"},
	}
}

// Guard runs the abuse checks in order and stops at the first hit.
type Guard struct {
	cfg     Config
	counter CounterStore
	tokens  *Tokens
	hasher  *ClientHasher
	logger  zerolog.Logger
	now     func() time.Time
}

// NewGuard creates a Guard.
func NewGuard(cfg Config, counter CounterStore, tokens *Tokens, hasher *ClientHasher, logger zerolog.Logger) *Guard {
	return &Guard{
		cfg:     cfg,
		counter: counter,
		tokens:  tokens,
		hasher:  hasher,
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock replaces the time source used for the fill time check.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

// Tokens returns the codec used for form tokens.
func (g *Guard) Tokens() *Tokens { return g.tokens }

// Hasher returns the client pseudonymizer, shared with request logging.
func (g *Guard) Hasher() *ClientHasher { return g.hasher }

// Check screens one submission from clientIP without tying its form token
// to a particular form.
func (g *Guard) Check(ctx context.Context, values formdata.Values, clientIP string) Decision {
	return g.CheckForm(ctx, values, clientIP, "")
}

// CheckForm screens one submission of formID. A readable token minted for
// another form is rejected as TooFast. An empty formID accepts any form.
func (g *Guard) CheckForm(ctx context.Context, values formdata.Values, clientIP, formID string) Decision {
	client := g.hasher.Hash(clientIP)

	count, ttl, err := g.counter.Incr(ctx, g.cfg.Bucket+":"+client, g.cfg.Window)
	if err != nil {
		g.logger.Error().Err(err).Str("bucket", g.cfg.Bucket).Msg("rate limit counter unavailable, allowing request")
	} else if count > g.cfg.MaxAttempts {
		retry := ttl.Round(time.Second)
		if retry < time.Second {
			retry = time.Second
		}
		g.security(RateLimited, client).
			Int64("attempts", count).
			Dur("retry_after", retry).
			Msg("security event")
		return Decision{Outcome: RateLimited, RetryAfter: retry, ClientHash: client}
	}

	for _, field := range g.cfg.HoneypotFields {
		if !values.IsEmpty(field) {
			g.security(Honeypot, client).Str("field", field).Msg("security event")
			return Decision{Outcome: Honeypot, ClientHash: client}
		}
	}

	if token := values.Trimmed(g.cfg.TokenField); token != "" && g.tokens != nil {
		issued, tokenForm, err := g.tokens.Issued(token)
		if err != nil {
			g.logger.Debug().Err(err).Str("client", client).Msg("form token unreadable, skipping fill time check")
			return Decision{Outcome: Allow, ClientHash: client}
		}
		if formID != "" && tokenForm != formID {
			g.security(TooFast, client).
				Str("form_id", formID).
				Str("token_form", tokenForm).
				Msg("security event")
			return Decision{Outcome: TooFast, ClientHash: client}
		}
		if elapsed := g.now().Sub(issued); elapsed < g.cfg.MinFillTime {
			g.security(TooFast, client).Dur("elapsed", elapsed).Msg("security event")
			return Decision{Outcome: TooFast, ClientHash: client}
		}
	}

	return Decision{Outcome: Allow, ClientHash: client}
}

func (g *Guard) security(o Outcome, client string) *zerolog.Event {
	return g.logger.Warn().
		Str("event", o.String()).
		Str("bucket", g.cfg.Bucket).
		Str("client", client)
}
