// Package session owns the authentication token and the identity derived from
// it.
//
// The store is a two-state machine: Anonymous (no token) and Authenticated
// (valid, non-expired token). Claims are never stored independently; every
// read re-decodes the token, so an expired token is indistinguishable from an
// absent one anywhere in the system. Expiry is checked lazily on read; there
// is no background timer.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/edusora/edusora-go/internal/errs"
	"github.com/edusora/edusora-go/internal/gateway"
	"github.com/edusora/edusora-go/internal/model"
	"github.com/edusora/edusora-go/internal/storage"
	"github.com/edusora/edusora-go/internal/stream"
)

// Durable keys. The version suffix is the only schema-migration mechanism.
const (
	keyToken = "auth_token_v1"
	keyUser  = "auth_user_v1"
)

// tokenClaims is the claim set the API embeds in access tokens. The token is
// produced and signed server-side; the client decodes it without verification
// and trusts only the expiry for local state decisions.
type tokenClaims struct {
	jwt.RegisteredClaims
	Role  string `json:"role"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Store is the session store. It implements gateway.TokenSource.
type Store struct {
	gw  *gateway.Gateway
	kv  storage.KV
	log *zap.Logger

	mu    sync.Mutex
	token string
	user  *model.User // login response snapshot; fills fields the token lacks

	identity *stream.Stream[*model.Identity]
	now      func() time.Time
}

// New restores session state from durable storage (Anonymous when no valid
// token is persisted) and wires itself into the gateway as token source and
// unauthorized hook.
func New(ctx context.Context, gw *gateway.Gateway, kv storage.KV, log *zap.Logger) *Store {
	s := &Store{
		gw:       gw,
		kv:       kv,
		log:      log,
		identity: stream.New[*model.Identity](),
		now:      time.Now,
	}
	s.restore(ctx)
	gw.SetTokenSource(s)
	gw.SetUnauthorizedHook(s.Clear)

	s.mu.Lock()
	id, _ := s.currentLocked()
	s.mu.Unlock()
	s.identity.Publish(id)
	return s
}

func (s *Store) restore(ctx context.Context) {
	tok, err := s.kv.Get(ctx, keyToken)
	if errors.Is(err, storage.ErrNoKey) {
		return
	}
	if err != nil {
		s.log.Warn("session restore failed", zap.Error(err))
		return
	}
	var user model.User
	ok, err := storage.GetJSON(ctx, s.kv, keyUser, &user)
	if err != nil {
		s.log.Warn("session snapshot unreadable", zap.Error(err))
	}

	s.mu.Lock()
	s.token = string(tok)
	if ok {
		s.user = &user
	}
	s.mu.Unlock()
}

// authResponse is the login/register payload.
type authResponse struct {
	User        model.User `json:"user"`
	AccessToken string     `json:"accessToken"`
}

// Login authenticates and transitions to Authenticated on success.
// A server rejection maps to ErrInvalidCredentials; transport failures keep
// their ErrNetwork identity.
func (s *Store) Login(ctx context.Context, email, password string) (*model.Identity, error) {
	var out authResponse
	err := s.gw.Post(ctx, "/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, &out)
	if err != nil {
		if errors.Is(err, errs.ErrUnauthenticated) || errors.Is(err, errs.ErrValidation) {
			return nil, fmt.Errorf("%w: %v", errs.ErrInvalidCredentials, err)
		}
		return nil, err
	}
	return s.adopt(ctx, out)
}

// Register creates an account and logs the new user in. Server validation
// messages (duplicate email, malformed fields) surface verbatim.
func (s *Store) Register(ctx context.Context, req model.RegisterRequest) (*model.Identity, error) {
	var out authResponse
	if err := s.gw.Post(ctx, "/auth/register", req, &out); err != nil {
		return nil, err
	}
	return s.adopt(ctx, out)
}

// adopt installs a fresh token+snapshot, persists both, and re-emits identity.
func (s *Store) adopt(ctx context.Context, resp authResponse) (*model.Identity, error) {
	s.mu.Lock()
	s.token = resp.AccessToken
	user := resp.User
	s.user = &user
	id, _ := s.currentLocked()
	s.mu.Unlock()

	if err := s.kv.Set(ctx, keyToken, []byte(resp.AccessToken)); err != nil {
		s.log.Warn("persist token failed", zap.Error(err))
	}
	if err := storage.SetJSON(ctx, s.kv, keyUser, resp.User); err != nil {
		s.log.Warn("persist user snapshot failed", zap.Error(err))
	}

	s.identity.Publish(id)
	return id, nil
}

// Refresh exchanges the current token for a new one. Any failure clears the
// session: a client that cannot refresh is effectively logged out.
func (s *Store) Refresh(ctx context.Context) (string, error) {
	var out struct {
		AccessToken string `json:"accessToken"`
	}
	if err := s.gw.Post(ctx, "/auth/refresh", map[string]string{}, &out); err != nil {
		s.Clear()
		return "", err
	}

	s.mu.Lock()
	s.token = out.AccessToken
	id, _ := s.currentLocked()
	s.mu.Unlock()

	if err := s.kv.Set(ctx, keyToken, []byte(out.AccessToken)); err != nil {
		s.log.Warn("persist refreshed token failed", zap.Error(err))
	}
	s.identity.Publish(id)
	return out.AccessToken, nil
}

// UpdateProfile applies a partial profile update; the server response becomes
// the new snapshot and identity is re-emitted.
func (s *Store) UpdateProfile(ctx context.Context, patch model.ProfilePatch) (*model.Identity, error) {
	var user model.User
	if err := s.gw.Put(ctx, "/auth/profile", patch, &user); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.user = &user
	id, _ := s.currentLocked()
	s.mu.Unlock()

	if err := storage.SetJSON(ctx, s.kv, keyUser, user); err != nil {
		s.log.Warn("persist user snapshot failed", zap.Error(err))
	}
	s.identity.Publish(id)
	return id, nil
}

// Identity is the current-user observable; nil means Anonymous. The last
// value is replayed to late subscribers.
func (s *Store) Identity() *stream.Stream[*model.Identity] {
	return s.identity
}

// Current returns the decoded identity, or nil when Anonymous. Reading
// performs the lazy expiry check; when that check drops the token, the
// Anonymous state is re-emitted so subscribers observe the transition.
func (s *Store) Current() *model.Identity {
	s.mu.Lock()
	id, dropped := s.currentLocked()
	s.mu.Unlock()
	if dropped {
		s.identity.Publish(nil)
	}
	return id
}

// IsAuthenticated reports whether a valid, non-expired token is held.
func (s *Store) IsAuthenticated() bool {
	return s.Current() != nil
}

// Role returns the current role claim, if authenticated.
func (s *Store) Role() (string, bool) {
	id := s.Current()
	if id == nil {
		return "", false
	}
	return id.Role, true
}

// UserID returns the current subject id, if authenticated.
func (s *Store) UserID() (string, bool) {
	id := s.Current()
	if id == nil {
		return "", false
	}
	return id.UserID, true
}

// Token returns the bearer token for the gateway. The same lazy expiry check
// applies: an expired token is never handed out.
func (s *Store) Token() (string, bool) {
	s.mu.Lock()
	id, dropped := s.currentLocked()
	tok := s.token
	s.mu.Unlock()
	if dropped {
		s.identity.Publish(nil)
	}
	if id == nil {
		return "", false
	}
	return tok, true
}

// Logout discards in-memory and persisted session state. Idempotent.
func (s *Store) Logout() { s.Clear() }

// Clear unconditionally drops the session and re-emits a nil identity. Also
// invoked by the gateway on any 401 response.
func (s *Store) Clear() {
	s.mu.Lock()
	s.token = ""
	s.user = nil
	s.mu.Unlock()
	s.dropPersisted()
	s.identity.Publish(nil)
}

// currentLocked decodes the held token and enforces expiry. A token that
// fails to decode or has elapsed is discarded on the spot, including its
// persisted copy; the second return reports that drop so the unlocked caller
// can re-emit the Anonymous identity (publishing under s.mu would deadlock
// with stream delivery).
func (s *Store) currentLocked() (*model.Identity, bool) {
	if s.token == "" {
		return nil, false
	}
	var claims tokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(s.token, &claims); err != nil {
		s.log.Warn("discarding undecodable token", zap.Error(err))
		s.token = ""
		s.user = nil
		s.dropPersisted()
		return nil, true
	}
	var exp time.Time
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
		if !s.now().Before(exp) {
			s.token = ""
			s.user = nil
			s.dropPersisted()
			return nil, true
		}
	}

	id := &model.Identity{
		UserID:    claims.Subject,
		Role:      claims.Role,
		Email:     claims.Email,
		Name:      claims.Name,
		ExpiresAt: exp,
	}
	// The snapshot wins for profile-editable fields: profile updates do not
	// reissue the token, so its name/email claims go stale first.
	if s.user != nil {
		if id.UserID == "" {
			id.UserID = s.user.ID
		}
		if id.Role == "" {
			id.Role = s.user.Role
		}
		if s.user.Email != "" {
			id.Email = s.user.Email
		}
		if n := s.user.Name(); n != "" {
			id.Name = n
		}
	}
	return id, false
}

func (s *Store) dropPersisted() {
	ctx := context.Background()
	if err := s.kv.Delete(ctx, keyToken); err != nil {
		s.log.Warn("drop persisted token failed", zap.Error(err))
	}
	if err := s.kv.Delete(ctx, keyUser); err != nil {
		s.log.Warn("drop persisted snapshot failed", zap.Error(err))
	}
}
