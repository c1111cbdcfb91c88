package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edusora/edusora-go/internal/errs"
	"github.com/edusora/edusora-go/internal/gateway"
	"github.com/edusora/edusora-go/internal/model"
	"github.com/edusora/edusora-go/internal/storage"
)

func signToken(t *testing.T, sub, role string, exp time.Time) string {
	t.Helper()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Role:  role,
		Email: sub + "@example.com",
		Name:  "Test User",
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("server-secret"))
	require.NoError(t, err)
	return tok
}

func authOK(t *testing.T, token string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"success": true,
			"data": map[string]any{
				"user": model.User{
					ID: "u1", FirstName: "Test", LastName: "User",
					Email: "u1@example.com", Role: "student",
				},
				"accessToken": token,
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func newStore(t *testing.T, kv storage.KV, handler http.Handler) (*Store, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	gw := gateway.New(srv.URL, srv.Client(), zap.NewNop())
	return New(context.Background(), gw, kv, zap.NewNop()), srv
}

func TestLogin_Success(t *testing.T) {
	tok := signToken(t, "u1", "student", time.Now().Add(time.Hour))
	kv := storage.NewMemory()
	s, _ := newStore(t, kv, authOK(t, tok))

	id, err := s.Login(context.Background(), "a@b.com", "pw")
	require.NoError(t, err)
	require.Equal(t, "u1", id.UserID)
	require.Equal(t, "student", id.Role)
	require.True(t, s.IsAuthenticated())

	got, ok := s.Token()
	require.True(t, ok)
	require.Equal(t, tok, got)

	// token persisted for the next process
	b, err := kv.Get(context.Background(), keyToken)
	require.NoError(t, err)
	require.Equal(t, tok, string(b))
}

func TestLogin_InvalidCredentials(t *testing.T) {
	s, _ := newStore(t, storage.NewMemory(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"success":false,"message":"wrong password"}`))
	}))

	_, err := s.Login(context.Background(), "a@b.com", "bad")
	require.ErrorIs(t, err, errs.ErrInvalidCredentials)
	require.False(t, s.IsAuthenticated())
}

func TestLogin_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()
	gw := gateway.New(srv.URL, nil, zap.NewNop())
	s := New(context.Background(), gw, storage.NewMemory(), zap.NewNop())

	_, err := s.Login(context.Background(), "a@b.com", "pw")
	require.ErrorIs(t, err, errs.ErrNetwork)
}

func TestRegister_ValidationMessageVerbatim(t *testing.T) {
	s, _ := newStore(t, storage.NewMemory(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"success":false,"message":"email already registered"}`))
	}))

	_, err := s.Register(context.Background(), model.RegisterRequest{Email: "dup@b.com"})
	require.ErrorIs(t, err, errs.ErrValidation)
	require.Contains(t, err.Error(), "email already registered")
}

func TestRestore_AcrossRestartWithoutNetwork(t *testing.T) {
	tok := signToken(t, "u1", "student", time.Now().Add(time.Hour))
	kv := storage.NewMemory()
	s, _ := newStore(t, kv, authOK(t, tok))
	_, err := s.Login(context.Background(), "a@b.com", "pw")
	require.NoError(t, err)

	// "restart": a fresh store over the same durable storage, with a server
	// that counts every request
	var calls atomic.Int64
	s2, _ := newStore(t, kv, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))

	require.True(t, s2.IsAuthenticated())
	id := s2.Current()
	require.Equal(t, "u1", id.UserID)
	require.Equal(t, "student", id.Role)
	require.EqualValues(t, 0, calls.Load(), "restore must not touch the network")
}

func TestRestore_ExpiredTokenIsAnonymous(t *testing.T) {
	tok := signToken(t, "u1", "student", time.Now().Add(-time.Minute))
	kv := storage.NewMemory()
	require.NoError(t, kv.Set(context.Background(), keyToken, []byte(tok)))

	s, _ := newStore(t, kv, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	require.False(t, s.IsAuthenticated())

	// the persisted token is discarded on first read
	_, err := kv.Get(context.Background(), keyToken)
	require.ErrorIs(t, err, storage.ErrNoKey)
}

func TestLazyExpiry_ClearsOnRead(t *testing.T) {
	tok := signToken(t, "u1", "student", time.Now().Add(time.Hour))
	kv := storage.NewMemory()
	s, _ := newStore(t, kv, authOK(t, tok))
	_, err := s.Login(context.Background(), "a@b.com", "pw")
	require.NoError(t, err)
	require.True(t, s.IsAuthenticated())

	// jump past expiry; the next read flips the state machine to Anonymous
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	require.False(t, s.IsAuthenticated())

	_, ok := s.Token()
	require.False(t, ok)
	_, err = kv.Get(context.Background(), keyToken)
	require.ErrorIs(t, err, storage.ErrNoKey)
}

func TestLazyExpiry_ReEmitsAnonymousIdentity(t *testing.T) {
	tok := signToken(t, "u1", "student", time.Now().Add(time.Hour))
	s, _ := newStore(t, storage.NewMemory(), authOK(t, tok))
	_, err := s.Login(context.Background(), "a@b.com", "pw")
	require.NoError(t, err)

	ch, cancel := s.Identity().Subscribe(4)
	defer cancel()
	require.NotNil(t, <-ch, "authenticated state replayed")

	// jump past expiry; the read that drops the token must also notify
	// subscribers of the transition to Anonymous
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	require.False(t, s.IsAuthenticated())
	require.Nil(t, <-ch, "lazy expiry re-emits the Anonymous identity")
}

func TestLogout_Idempotent(t *testing.T) {
	tok := signToken(t, "u1", "student", time.Now().Add(time.Hour))
	kv := storage.NewMemory()
	s, _ := newStore(t, kv, authOK(t, tok))
	_, err := s.Login(context.Background(), "a@b.com", "pw")
	require.NoError(t, err)

	s.Logout()
	require.False(t, s.IsAuthenticated())
	s.Logout() // second call is a no-op, not an error
	require.False(t, s.IsAuthenticated())
}

func TestUnauthorizedResponseClearsSession(t *testing.T) {
	tok := signToken(t, "u1", "student", time.Now().Add(time.Hour))
	kv := storage.NewMemory()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			authOK(t, tok)(w, r)
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	t.Cleanup(srv.Close)

	gw := gateway.New(srv.URL, srv.Client(), zap.NewNop())
	s := New(context.Background(), gw, kv, zap.NewNop())
	_, err := s.Login(context.Background(), "a@b.com", "pw")
	require.NoError(t, err)

	err = gw.Post(context.Background(), "/cart/cart/1", nil, nil)
	require.ErrorIs(t, err, errs.ErrUnauthenticated)
	require.False(t, s.IsAuthenticated(), "401 anywhere clears the session")
}

func TestRefresh(t *testing.T) {
	oldTok := signToken(t, "u1", "student", time.Now().Add(time.Hour))
	newTok := signToken(t, "u1", "student", time.Now().Add(2*time.Hour))
	kv := storage.NewMemory()

	refreshOK := true
	s, _ := newStore(t, kv, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			authOK(t, oldTok)(w, r)
		case "/auth/refresh":
			if !refreshOK {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = fmt.Fprintf(w, `{"success":true,"data":{"accessToken":%q}}`, newTok)
		}
	}))

	_, err := s.Login(context.Background(), "a@b.com", "pw")
	require.NoError(t, err)

	got, err := s.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, newTok, got)
	cur, ok := s.Token()
	require.True(t, ok)
	require.Equal(t, newTok, cur)

	refreshOK = false
	_, err = s.Refresh(context.Background())
	require.Error(t, err)
	require.False(t, s.IsAuthenticated(), "failed refresh logs the user out")
}

func TestUpdateProfile_ReEmitsIdentity(t *testing.T) {
	tok := signToken(t, "u1", "", time.Now().Add(time.Hour))
	s, _ := newStore(t, storage.NewMemory(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			authOK(t, tok)(w, r)
		case "/auth/profile":
			require.Equal(t, http.MethodPut, r.Method)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": true,
				"data": model.User{
					ID: "u1", FirstName: "Renamed", LastName: "User",
					Email: "u1@example.com", Role: "student",
				},
			})
		}
	}))

	_, err := s.Login(context.Background(), "a@b.com", "pw")
	require.NoError(t, err)

	name := "Renamed"
	id, err := s.UpdateProfile(context.Background(), model.ProfilePatch{FirstName: &name})
	require.NoError(t, err)
	require.Equal(t, "Renamed User", id.Name)
}

func TestIdentityStream_ReEmitsOnTransitions(t *testing.T) {
	tok := signToken(t, "u1", "student", time.Now().Add(time.Hour))
	s, _ := newStore(t, storage.NewMemory(), authOK(t, tok))

	ch, cancel := s.Identity().Subscribe(4)
	defer cancel()
	require.Nil(t, <-ch, "initial Anonymous state replayed")

	_, err := s.Login(context.Background(), "a@b.com", "pw")
	require.NoError(t, err)
	got := <-ch
	require.NotNil(t, got)
	require.Equal(t, "u1", got.UserID)

	s.Logout()
	require.Nil(t, <-ch)
}
