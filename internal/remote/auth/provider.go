package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"framerelay/internal/config"
	"framerelay/internal/logging"
	"framerelay/internal/metrics"
	"framerelay/internal/remote"
)

const (
	stateFileName = "auth.json"
	refreshKey    = "refresh"
)

// Option customises Provider construction.
type Option func(*Provider)

// WithHTTPClient overrides the HTTP client used for token requests.
func WithHTTPClient(client remote.HTTPDoer) Option {
	return func(p *Provider) {
		p.httpClient = client
	}
}

// WithClock overrides the time source (used in tests).
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		p.now = now
	}
}

// WithRetrier overrides how refresh attempts are retried.
func WithRetrier(r *remote.Retrier) Option {
	return func(p *Provider) {
		p.retrier = r
	}
}

// WithRetryPolicy overrides the refresh retry policy.
func WithRetryPolicy(policy remote.RetryPolicy) Option {
	return func(p *Provider) {
		p.policy = policy
	}
}

// WithTokenStore injects a custom persistence layer.
func WithTokenStore(store TokenStore) Option {
	return func(p *Provider) {
		p.store = store
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(rec metrics.Recorder) Option {
	return func(p *Provider) {
		p.metrics = rec
	}
}

// Provider owns the process-wide credential. It hands out request headers and
// refreshes the access token before it expires. Concurrent callers that need a
// refresh share a single in-flight request.
type Provider struct {
	proto      remote.Protocol
	httpClient remote.HTTPDoer
	retrier    *remote.Retrier
	policy     remote.RetryPolicy
	store      TokenStore
	logger     *slog.Logger
	metrics    metrics.Recorder
	now        func() time.Time

	endpoint  string
	authPath  string
	apiKey    string
	userAgent string
	leeway    time.Duration

	group singleflight.Group

	stateMu sync.RWMutex
	token   remote.Token
}

// New builds a Provider from configuration. With no auth path configured the
// API key itself is used as a bearer token that never expires.
func New(cfg *config.Config, proto remote.Protocol, opts ...Option) (*Provider, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if proto == nil {
		return nil, errors.New("protocol is nil")
	}
	apiKey := strings.TrimSpace(cfg.Remote.APIKey)
	if apiKey == "" {
		return nil, errors.New("api key is empty")
	}

	p := &Provider{
		proto:      proto,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout()},
		retrier:    &remote.Retrier{},
		policy:     remote.PolicyFromConfig(cfg),
		now:        time.Now,
		endpoint:   cfg.Remote.APIEndpoint,
		authPath:   strings.TrimSpace(cfg.Remote.AuthPath),
		apiKey:     apiKey,
		userAgent:  cfg.Remote.UserAgent,
		leeway:     time.Duration(cfg.Remote.TokenLeewaySeconds) * time.Second,
	}
	if p.authPath != "" {
		p.store = NewFileTokenStore(filepath.Join(cfg.Paths.StateDir, stateFileName))
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.httpClient == nil {
		p.httpClient = &http.Client{Timeout: cfg.RequestTimeout()}
	}
	if p.retrier == nil {
		p.retrier = &remote.Retrier{}
	}
	if p.store == nil {
		p.store = memoryStore{}
	}
	if p.logger == nil {
		p.logger = logging.NewNop()
	}
	p.logger = logging.NewComponentLogger(p.logger, "auth")
	if p.metrics == nil {
		p.metrics = metrics.Noop{}
	}
	if p.now == nil {
		p.now = time.Now
	}

	p.token = remote.Token{RefreshToken: strings.TrimSpace(cfg.Remote.RefreshToken)}
	if !p.static() {
		if err := p.loadStored(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Provider) static() bool {
	return p.authPath == ""
}

func (p *Provider) loadStored() error {
	stored, err := p.store.Load()
	if err != nil {
		return err
	}
	if stored.Endpoint != p.endpoint || stored.AccessToken == "" {
		return nil
	}
	p.token.AccessToken = stored.AccessToken
	p.token.ExpiresAt = stored.ExpiresAt
	if stored.RefreshToken != "" {
		p.token.RefreshToken = stored.RefreshToken
	}
	return nil
}

// Headers returns the headers for an authenticated request, refreshing the
// credential first when it is expired or about to expire. It fails only when
// a required refresh fails.
func (p *Provider) Headers(ctx context.Context) (http.Header, error) {
	if p.static() {
		return p.headers(p.apiKey), nil
	}
	if token, ok := p.cached(); ok {
		return p.headers(token.AccessToken), nil
	}
	token, err := p.sharedRefresh(ctx, false)
	if err != nil {
		return nil, err
	}
	if !token.ExpiresAt.After(p.now()) {
		return nil, &remote.AuthError{Retryable: true, Err: errors.New("issued credential is already expired")}
	}
	return p.headers(token.AccessToken), nil
}

// Refresh forces a new access token from the auth endpoint.
func (p *Provider) Refresh(ctx context.Context) error {
	if p.static() {
		return nil
	}
	_, err := p.sharedRefresh(ctx, true)
	return err
}

// ExpiresAt reports the current credential expiry. Static credentials report
// the zero time.
func (p *Provider) ExpiresAt() time.Time {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.token.ExpiresAt
}

// LogValue describes the credential without exposing secrets.
func (p *Provider) LogValue() slog.Value {
	if p.static() {
		return slog.GroupValue(slog.String("mode", "static"))
	}
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return slog.GroupValue(
		slog.String("mode", "token"),
		slog.Bool("has_token", p.token.AccessToken != ""),
		slog.Bool("has_refresh_token", p.token.RefreshToken != ""),
		slog.Time("expires_at", p.token.ExpiresAt),
	)
}

func (p *Provider) headers(token string) http.Header {
	h := make(http.Header, 2)
	h.Set("Authorization", "Bearer "+token)
	if p.userAgent != "" {
		h.Set("User-Agent", p.userAgent)
	}
	return h
}

func (p *Provider) cached() (remote.Token, bool) {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	if p.token.AccessToken != "" && p.token.ExpiresAt.After(p.now().Add(p.leeway)) {
		return p.token, true
	}
	return remote.Token{}, false
}

// sharedRefresh joins the in-flight refresh or starts one. The refresh itself
// runs detached from any single caller's cancellation; each caller stops
// waiting when its own context ends.
func (p *Provider) sharedRefresh(ctx context.Context, force bool) (remote.Token, error) {
	ch := p.group.DoChan(refreshKey, func() (any, error) {
		if !force {
			if token, ok := p.cached(); ok {
				return token, nil
			}
		}
		return p.refresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return remote.Token{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return remote.Token{}, res.Err
		}
		return res.Val.(remote.Token), nil
	}
}

func (p *Provider) refresh(ctx context.Context) (remote.Token, error) {
	p.stateMu.RLock()
	grant := remote.TokenGrant{APIKey: p.apiKey, RefreshToken: p.token.RefreshToken}
	p.stateMu.RUnlock()

	var issued remote.Token
	err := p.retrier.Do(ctx, p.policy, "auth refresh", func(ctx context.Context) error {
		req, err := p.proto.TokenRequest(ctx, p.authPath, grant)
		if err != nil {
			return &remote.AuthError{Err: err}
		}
		if p.userAgent != "" {
			req.Header.Set("User-Agent", p.userAgent)
		}
		resp, err := remote.Send(ctx, p.httpClient, nil, req)
		if err != nil {
			return classifyRefreshError(err)
		}
		token, err := p.proto.DecodeToken(resp, p.now())
		if err != nil {
			return &remote.AuthError{Err: err}
		}
		issued = token
		return nil
	})
	if err != nil {
		p.metrics.ObserveAuthRefresh("error")
		logging.WarnWithContext(p.logger, "credential refresh failed", "auth_refresh_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check remote.api_key and remote.auth_path"),
		)
		var authErr *remote.AuthError
		if !errors.As(err, &authErr) {
			err = &remote.AuthError{Retryable: remote.IsRetryable(err), Err: err}
		}
		return remote.Token{}, err
	}

	if issued.RefreshToken == "" {
		issued.RefreshToken = grant.RefreshToken
	}
	p.stateMu.Lock()
	p.token = issued
	p.stateMu.Unlock()
	p.metrics.ObserveAuthRefresh("ok")
	p.logger.Debug("credential refreshed", logging.Any("credential", p))

	if err := p.store.Save(storedToken{
		Endpoint:     p.endpoint,
		AccessToken:  issued.AccessToken,
		RefreshToken: issued.RefreshToken,
		ExpiresAt:    issued.ExpiresAt,
	}); err != nil {
		p.logger.Warn("persist credential failed", logging.Error(err))
	}
	return issued, nil
}

func classifyRefreshError(err error) error {
	var statusErr *remote.StatusError
	if errors.As(err, &statusErr) {
		retryable := statusErr.StatusCode == http.StatusRequestTimeout ||
			statusErr.StatusCode == http.StatusTooManyRequests ||
			statusErr.StatusCode >= http.StatusInternalServerError
		return &remote.AuthError{StatusCode: statusErr.StatusCode, Retryable: retryable, Err: err}
	}
	if remote.IsRetryable(err) {
		return &remote.AuthError{Retryable: true, Err: err}
	}
	return &remote.AuthError{Err: fmt.Errorf("token request: %w", err)}
}
