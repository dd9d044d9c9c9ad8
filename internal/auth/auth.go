// Package auth provides bearer credentials to the sync engine and the vault.
//
// Token acquisition itself is external; a Source yields credentials and the
// CachingProvider keeps the current one until its expiry minus a safety
// margin, after which the next Acquire fetches a fresh one.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	cache "github.com/patrickmn/go-cache"
	"golang.org/x/term"

	"github.com/ledgersync/ledgersync/internal/fault"
)

// DefaultSafetyMargin is subtracted from a credential's expiry before reuse
const DefaultSafetyMargin = 60 * time.Second

const credentialKey = "credential"

var (
	// ErrNoCredential is returned when no token is configured
	ErrNoCredential = errors.New("no credential available")

	acquisitions = metrics.NewCounter("ledgersync_auth_acquisitions_total")
)

// Credential is a bearer token with its expiry
type Credential struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Subject   string    `json:"subject,omitempty"`
}

// Source fetches a fresh credential
type Source interface {
	Fetch(ctx context.Context) (Credential, error)
}

// SourceFunc adapts a function to Source
type SourceFunc func(ctx context.Context) (Credential, error)

// Fetch implements Source
func (f SourceFunc) Fetch(ctx context.Context) (Credential, error) { return f(ctx) }

// Provider is the credential capability consumed by the engine and the vault
type Provider interface {
	// Acquire returns a credential valid for at least the safety margin
	Acquire(ctx context.Context) (Credential, error)
	// Token returns the cached token, if one is still valid
	Token() (string, bool)
	// Subject returns the authenticated user id, if any
	Subject() (string, bool)
}

// CachingProvider caches the credential of a Source
type CachingProvider struct {
	source Source
	margin time.Duration
	cache  *cache.Cache
	mu     sync.Mutex
}

var _ Provider = (*CachingProvider)(nil)

// NewCachingProvider wraps source. A negative margin selects DefaultSafetyMargin.
func NewCachingProvider(source Source, margin time.Duration) *CachingProvider {
	if margin < 0 {
		margin = DefaultSafetyMargin
	}
	return &CachingProvider{
		source: source,
		margin: margin,
		cache:  cache.New(cache.NoExpiration, time.Minute),
	}
}

// Acquire returns the cached credential or fetches a new one
func (p *CachingProvider) Acquire(ctx context.Context) (Credential, error) {
	if cred, ok := p.cached(); ok {
		return cred, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// another caller may have refreshed while we waited
	if cred, ok := p.cached(); ok {
		return cred, nil
	}

	cred, err := p.source.Fetch(ctx)
	if err != nil {
		return Credential{}, fault.Wrap(fault.KindAuth, err, "failed to acquire credential")
	}
	if cred.Token == "" {
		return Credential{}, fault.Wrap(fault.KindAuth, ErrNoCredential, "source returned an empty token")
	}
	acquisitions.Inc()

	switch {
	case cred.ExpiresAt.IsZero():
		p.cache.Set(credentialKey, cred, cache.NoExpiration)
	case time.Until(cred.ExpiresAt)-p.margin > 0:
		p.cache.Set(credentialKey, cred, time.Until(cred.ExpiresAt)-p.margin)
	default:
		// already inside the margin: usable once, never reused
		p.cache.Delete(credentialKey)
	}
	return cred, nil
}

func (p *CachingProvider) cached() (Credential, bool) {
	v, found := p.cache.Get(credentialKey)
	if !found {
		return Credential{}, false
	}
	cred, ok := v.(Credential)
	return cred, ok
}

// Token implements Provider
func (p *CachingProvider) Token() (string, bool) {
	cred, ok := p.cached()
	if !ok {
		return "", false
	}
	return cred.Token, true
}

// subjectHinter is implemented by sources that know their user before any
// credential is fetched
type subjectHinter interface {
	KnownSubject() string
}

// Subject implements Provider. A subject configured on the source is
// reported whether or not a credential is cached.
func (p *CachingProvider) Subject() (string, bool) {
	if h, ok := p.source.(subjectHinter); ok {
		if subject := h.KnownSubject(); subject != "" {
			return subject, true
		}
	}
	cred, ok := p.cached()
	if !ok || cred.Subject == "" {
		return "", false
	}
	return cred.Subject, true
}

// Invalidate drops the cached credential
func (p *CachingProvider) Invalidate() {
	p.cache.Delete(credentialKey)
}

// StaticSource yields a configured token
type StaticSource struct {
	Token     string
	Subject   string
	ExpiresAt time.Time
}

// Fetch implements Source
func (s StaticSource) Fetch(ctx context.Context) (Credential, error) {
	if strings.TrimSpace(s.Token) == "" {
		return Credential{}, ErrNoCredential
	}
	if !s.ExpiresAt.IsZero() && !time.Now().Before(s.ExpiresAt) {
		return Credential{}, fmt.Errorf("configured token expired at %s", s.ExpiresAt.Format(time.RFC3339))
	}
	return Credential{Token: s.Token, Subject: s.Subject, ExpiresAt: s.ExpiresAt}, nil
}

// KnownSubject returns the configured subject
func (s StaticSource) KnownSubject() string { return s.Subject }

// PromptSource reads a token from the terminal without echo
type PromptSource struct {
	FD      int
	Out     io.Writer
	Prompt  string
	Subject string
	TTL     time.Duration
}

// KnownSubject returns the configured subject
func (s PromptSource) KnownSubject() string { return s.Subject }

// Fetch implements Source
func (s PromptSource) Fetch(ctx context.Context) (Credential, error) {
	if !term.IsTerminal(s.FD) {
		return Credential{}, ErrNoCredential
	}

	prompt := s.Prompt
	if prompt == "" {
		prompt = "Access token: "
	}
	fmt.Fprint(s.Out, prompt)
	token, err := term.ReadPassword(s.FD)
	fmt.Fprintln(s.Out)
	if err != nil {
		return Credential{}, fmt.Errorf("failed to read token: %w", err)
	}

	cred := Credential{Token: strings.TrimSpace(string(token)), Subject: s.Subject}
	if s.TTL > 0 {
		cred.ExpiresAt = time.Now().Add(s.TTL)
	}
	return cred, nil
}
