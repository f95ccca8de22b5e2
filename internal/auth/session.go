// Package auth owns the signed-in session: the current token set, its
// refresh policy and the identity decoded from it.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"trailkeep/internal/channel"
	errs "trailkeep/internal/infrastructure/errors"
	"trailkeep/internal/infrastructure/logging"
	"trailkeep/internal/infrastructure/metrics"
	"trailkeep/internal/keystore"
	"trailkeep/internal/types"
)

// Requester executes channel requests
type Requester interface {
	Request(ctx context.Context, req channel.Request) (*channel.Response, error)
}

// SecretStore is the part of the keystore the session persists through
type SecretStore interface {
	SetItem(ctx context.Context, key, value string, opts keystore.SetItemOptions) error
	GetItem(ctx context.Context, key string) (string, bool, error)
	RemoveItem(ctx context.Context, key string) error
}

// Session holds at most one token set. It is safe for concurrent use and
// implements channel.TokenSource.
type Session struct {
	config  Config
	channel Requester
	secrets SecretStore
	metrics *metrics.Metrics
	logger  logging.Logger
	now     func() time.Time

	mu     sync.RWMutex
	tokens *types.AuthTokenSet
	user   *types.User

	refreshGroup singleflight.Group
}

var _ channel.TokenSource = (*Session)(nil)

// New creates a session
func New(config Config, ch Requester, secrets SecretStore, m *metrics.Metrics, logger logging.Logger) (*Session, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, errs.NewValidationError("auth.New", "channel", "", "channel is required")
	}
	if secrets == nil {
		return nil, errs.NewValidationError("auth.New", "secrets", "", "secret store is required")
	}
	return &Session{
		config:  config,
		channel: ch,
		secrets: secrets,
		metrics: m,
		logger:  logging.OrDefault(logger),
		now:     time.Now,
	}, nil
}

// SetClock replaces the time source
func (s *Session) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Session) clock() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now()
}

// tokenResponse is the identity provider's reply to signIn and refreshToken
type tokenResponse struct {
	AccessToken   string `json:"accessToken"`
	IDToken       string `json:"idToken"`
	RefreshToken  string `json:"refreshToken"`
	ExpiresIn     int64  `json:"expiresIn"`
	ChallengeName string `json:"challengeName"`
	Session       string `json:"session"`
}

// needsRefresh reports now >= issuedAt + expiresIn*1000 - buffer
func (s *Session) needsRefresh(t *types.AuthTokenSet, now time.Time) bool {
	deadline := t.IssuedAt + t.ExpiresIn*1000 - s.config.RefreshBuffer.Milliseconds()
	return now.UnixMilli() >= deadline
}

// DecodeUser reads identity claims from the id token, or the access token when
// there is no id token. Signatures are not checked; the backend does that.
func DecodeUser(t types.AuthTokenSet) (*types.User, error) {
	raw := t.IDToken
	if raw == "" {
		raw = t.AccessToken
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("decode token claims: %w", err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, errors.New("token has no subject claim")
	}
	str := func(name string) string {
		v, _ := claims[name].(string)
		return v
	}
	return &types.User{
		ID:         sub,
		Email:      str("email"),
		GivenName:  str("given_name"),
		FamilyName: str("family_name"),
	}, nil
}

// SignIn exchanges credentials for a token set. A challenge from the identity
// provider surfaces as an AuthError with reason "challenge:<name>".
func (s *Session) SignIn(ctx context.Context, email, password string) (*types.User, error) {
	const op = "AuthSession.SignIn"
	if err := validateEmail(op, email); err != nil {
		return nil, err
	}
	if password == "" {
		return nil, errs.NewValidationError(op, "password", "", "password is required")
	}

	resp, err := s.channel.Request(ctx, channel.Request{
		Method: http.MethodPost,
		URL:    s.config.Endpoint,
		Body: map[string]string{
			"action":   "signIn",
			"email":    email,
			"password": password,
		},
	})
	if err != nil {
		var comm *errs.CommunicationError
		if errors.As(err, &comm) && comm.IsClientError() {
			s.clear(ctx, op)
			return nil, errs.NewAuthError(op, "invalid credentials", err)
		}
		return nil, err
	}

	var tr tokenResponse
	if err := resp.DecodeJSON(&tr); err != nil {
		s.clear(ctx, op)
		return nil, errs.NewAuthError(op, "malformed sign-in response", err)
	}
	if tr.ChallengeName != "" {
		s.clear(ctx, op)
		return nil, errs.NewAuthError(op, "challenge:"+tr.ChallengeName, nil)
	}
	if tr.AccessToken == "" || tr.RefreshToken == "" || tr.ExpiresIn <= 0 {
		s.clear(ctx, op)
		return nil, errs.NewAuthError(op, "incomplete token set", nil)
	}

	tokens := types.AuthTokenSet{
		AccessToken:  tr.AccessToken,
		IDToken:      tr.IDToken,
		RefreshToken: tr.RefreshToken,
		ExpiresIn:    tr.ExpiresIn,
		IssuedAt:     s.clock().UnixMilli(),
	}
	user, err := s.install(ctx, op, tokens)
	if err != nil {
		return nil, err
	}

	s.logger.Info("User signed in", "user_id", user.ID)
	return user, nil
}

// install decodes, persists and publishes a token set
func (s *Session) install(ctx context.Context, op string, tokens types.AuthTokenSet) (*types.User, error) {
	user, err := DecodeUser(tokens)
	if err != nil {
		s.clear(ctx, op)
		return nil, errs.NewAuthError(op, "undecodable identity token", err)
	}
	if err := s.persist(ctx, tokens); err != nil {
		s.clear(ctx, op)
		return nil, err
	}

	s.mu.Lock()
	s.tokens = &tokens
	s.user = user
	s.mu.Unlock()

	u := *user
	return &u, nil
}

func (s *Session) persist(ctx context.Context, tokens types.AuthTokenSet) error {
	data, err := json.Marshal(tokens)
	if err != nil {
		return errs.HandleEncryptionError("AuthSession.persist", "tokens", err)
	}
	return s.secrets.SetItem(ctx, s.config.TokensKey, string(data), keystore.SetItemOptions{RequireAuthentication: true})
}

// clear drops memory and keystore state. Keystore failures are logged; the
// in-memory session is gone either way.
func (s *Session) clear(ctx context.Context, op string) {
	s.mu.Lock()
	s.tokens = nil
	s.user = nil
	s.mu.Unlock()

	if err := s.secrets.RemoveItem(context.WithoutCancel(ctx), s.config.TokensKey); err != nil {
		logging.LogError(s.logger, err, op, map[string]interface{}{"step": "clear_tokens"})
	}
}

// Restore reloads a persisted session. It returns false when there is none.
// An unreadable token set is discarded.
func (s *Session) Restore(ctx context.Context) (bool, error) {
	const op = "AuthSession.Restore"

	raw, ok, err := s.secrets.GetItem(ctx, s.config.TokensKey)
	if err != nil {
		if errs.IsCorruption(err) {
			s.clear(ctx, op)
		}
		return false, err
	}
	if !ok {
		return false, nil
	}

	var tokens types.AuthTokenSet
	if err := json.Unmarshal([]byte(raw), &tokens); err != nil {
		s.clear(ctx, op)
		return false, errs.HandleCorruptionError(op, "tokens", err)
	}
	user, err := DecodeUser(tokens)
	if err != nil {
		s.clear(ctx, op)
		return false, errs.HandleCorruptionError(op, "tokens", err)
	}

	s.mu.Lock()
	s.tokens = &tokens
	s.user = user
	s.mu.Unlock()

	s.logger.Info("Session restored", "user_id", user.ID, "expires_at", tokens.ExpiresAt().UTC().Format(time.RFC3339))
	return true, nil
}

// GetValidAccessToken returns the current access token, refreshing it first
// when it is inside the refresh buffer. Concurrent callers share one refresh.
func (s *Session) GetValidAccessToken(ctx context.Context) (string, error) {
	const op = "AuthSession.GetValidAccessToken"

	s.mu.RLock()
	tokens := s.tokens
	now := s.now()
	s.mu.RUnlock()

	if tokens == nil {
		return "", errs.NewAuthError(op, "not signed in", nil)
	}
	if !s.needsRefresh(tokens, now) {
		return tokens.AccessToken, nil
	}

	v, err, _ := s.refreshGroup.Do("refresh", func() (interface{}, error) {
		return s.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// AccessToken implements channel.TokenSource
func (s *Session) AccessToken(ctx context.Context) (string, error) {
	return s.GetValidAccessToken(ctx)
}

// RefreshTokens exchanges the refresh token for a new access/id pair now
func (s *Session) RefreshTokens(ctx context.Context) error {
	_, err, _ := s.refreshGroup.Do("refresh", func() (interface{}, error) {
		return s.exchange(ctx)
	})
	return err
}

// refresh re-checks expiry so callers that queued behind a finished refresh
// do not trigger another one
func (s *Session) refresh(ctx context.Context) (string, error) {
	s.mu.RLock()
	tokens := s.tokens
	now := s.now()
	s.mu.RUnlock()

	if tokens != nil && !s.needsRefresh(tokens, now) {
		return tokens.AccessToken, nil
	}
	return s.exchange(ctx)
}

// exchange performs the refresh call. The refresh token is preserved. Any
// failure ends the session.
func (s *Session) exchange(ctx context.Context) (string, error) {
	const op = "AuthSession.RefreshTokens"
	start := time.Now()

	s.mu.RLock()
	current := s.tokens
	s.mu.RUnlock()
	if current == nil {
		return "", errs.NewAuthError(op, "not signed in", nil)
	}

	fail := func(reason string, err error) (string, error) {
		s.clear(ctx, op)
		s.metrics.RecordTokenRefresh("failure")
		logging.LogError(s.logger, err, op, map[string]interface{}{"reason": reason})
		return "", errs.NewAuthError(op, reason, err)
	}

	resp, err := s.channel.Request(ctx, channel.Request{
		Method: http.MethodPost,
		URL:    s.config.Endpoint,
		Body: map[string]string{
			"action":       "refreshToken",
			"refreshToken": current.RefreshToken,
		},
	})
	if err != nil {
		return fail("refresh failed", err)
	}

	var tr tokenResponse
	if err := resp.DecodeJSON(&tr); err != nil {
		return fail("malformed refresh response", err)
	}
	if tr.AccessToken == "" || tr.ExpiresIn <= 0 {
		return fail("incomplete refresh response", nil)
	}

	next := types.AuthTokenSet{
		AccessToken:  tr.AccessToken,
		IDToken:      tr.IDToken,
		RefreshToken: current.RefreshToken,
		ExpiresIn:    tr.ExpiresIn,
		IssuedAt:     s.clock().UnixMilli(),
	}
	if _, err := s.install(ctx, op, next); err != nil {
		s.metrics.RecordTokenRefresh("failure")
		if errs.IsAuth(err) {
			return "", err
		}
		return "", errs.NewAuthError(op, "could not persist refreshed tokens", err)
	}

	s.metrics.RecordTokenRefresh("success")
	logging.LogOperation(s.logger, op, time.Since(start), nil)
	return next.AccessToken, nil
}

// IsAuthenticated reports a non-expired token set with a decoded user
func (s *Session) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tokens == nil || s.user == nil {
		return false
	}
	return s.now().Before(s.tokens.ExpiresAt())
}

// CurrentUser returns the signed-in user
func (s *Session) CurrentUser() (*types.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil, false
	}
	u := *s.user
	return &u, true
}

// SignOut ends the session. The identity provider is told on a best-effort
// basis; local state is always cleared.
func (s *Session) SignOut(ctx context.Context) error {
	const op = "AuthSession.SignOut"

	s.mu.RLock()
	tokens := s.tokens
	s.mu.RUnlock()

	if tokens != nil {
		noRetry := 0
		_, err := s.channel.Request(ctx, channel.Request{
			Method:        http.MethodPost,
			URL:           s.config.Endpoint,
			Body:          map[string]string{"action": "signOut", "accessToken": tokens.AccessToken},
			RetryAttempts: &noRetry,
		})
		if err != nil {
			s.logger.Warn("Remote sign-out failed", "error", err.Error())
		}
	}

	s.clear(ctx, op)
	s.logger.Info("User signed out")
	return nil
}

func validateEmail(op, email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return errs.NewValidationError(op, "email", "", "email is required")
	}
	at := strings.IndexByte(email, '@')
	if at < 1 || at == len(email)-1 || len(email) > 254 {
		return errs.NewValidationError(op, "email", email, "malformed email")
	}
	return nil
}
