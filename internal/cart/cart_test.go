package cart

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edusora/edusora-go/internal/errs"
	"github.com/edusora/edusora-go/internal/gateway"
	"github.com/edusora/edusora-go/internal/model"
	"github.com/edusora/edusora-go/internal/storage"
)

type fakeAuth struct{ uid string }

var _ Auth = (*fakeAuth)(nil)

func (f *fakeAuth) IsAuthenticated() bool  { return f.uid != "" }
func (f *fakeAuth) UserID() (string, bool) { return f.uid, f.uid != "" }

// cartServer models the server-side cart/enrollment state machine: enroll
// atomically moves a course from cart to enrolled.
type cartServer struct {
	mu       sync.Mutex
	cart     []model.Course
	enrolled []model.Course
	hits     atomic.Int64
	loadHits atomic.Int64
	srv      *httptest.Server
}

func newCartServer(t *testing.T, initialCart []model.Course) *cartServer {
	t.Helper()
	cs := &cartServer{cart: initialCart}
	cs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.hits.Add(1)
		cs.mu.Lock()
		defer cs.mu.Unlock()
		write := func(data any) {
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
		}
		switch {
		case r.URL.Path == "/cart" && r.Method == http.MethodGet:
			cs.loadHits.Add(1)
			write(map[string]any{"cart": cs.cart, "enrolledCourses": cs.enrolled})
		case strings.HasPrefix(r.URL.Path, "/cart/cart/") && r.Method == http.MethodPost:
			id := strings.TrimPrefix(r.URL.Path, "/cart/cart/")
			found := false
			for _, c := range cs.cart {
				if c.ID == id {
					found = true
				}
			}
			if !found {
				cs.cart = append(cs.cart, model.Course{ID: id, Title: "Course " + id})
			}
			write(cs.cart)
		case strings.HasPrefix(r.URL.Path, "/cart/cart/") && r.Method == http.MethodDelete:
			id := strings.TrimPrefix(r.URL.Path, "/cart/cart/")
			next := cs.cart[:0]
			for _, c := range cs.cart {
				if c.ID != id {
					next = append(next, c)
				}
			}
			cs.cart = next
			write(cs.cart)
		case strings.HasPrefix(r.URL.Path, "/cart/enroll/") && r.Method == http.MethodPost:
			id := strings.TrimPrefix(r.URL.Path, "/cart/enroll/")
			next := cs.cart[:0]
			for _, c := range cs.cart {
				if c.ID != id {
					next = append(next, c)
				}
			}
			cs.cart = next
			cs.enrolled = append(cs.enrolled, model.Course{ID: id, Title: "Course " + id})
			write(cs.enrolled)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"success":false}`))
		}
	}))
	t.Cleanup(cs.srv.Close)
	return cs
}

func newStore(t *testing.T, cs *cartServer, auth Auth, kv storage.KV) *Store {
	t.Helper()
	gw := gateway.New(cs.srv.URL, cs.srv.Client(), zap.NewNop())
	return New(gw, kv, auth, zap.NewNop())
}

func TestAdd_RequiresAuthentication(t *testing.T) {
	cs := newCartServer(t, nil)
	s := newStore(t, cs, &fakeAuth{}, storage.NewMemory())

	_, err := s.Add(context.Background(), "c1")
	require.ErrorIs(t, err, errs.ErrRequiresAuth)
	require.EqualValues(t, 0, cs.hits.Load(), "no network call for anonymous callers")
}

func TestEnroll_RequiresAuthentication(t *testing.T) {
	cs := newCartServer(t, nil)
	s := newStore(t, cs, &fakeAuth{}, storage.NewMemory())

	_, err := s.Enroll(context.Background(), "c1")
	require.ErrorIs(t, err, errs.ErrRequiresAuth)
	require.EqualValues(t, 0, cs.hits.Load())
}

func TestLoad_AnonymousClearsStreamsWithoutNetwork(t *testing.T) {
	cs := newCartServer(t, []model.Course{{ID: "c1"}})
	s := newStore(t, cs, &fakeAuth{}, storage.NewMemory())

	require.NoError(t, s.Load(context.Background()))
	cart, ok := s.Cart().Last()
	require.True(t, ok)
	require.Empty(t, cart)
	enrolled, _ := s.Enrolled().Last()
	require.Empty(t, enrolled)
	require.EqualValues(t, 0, cs.hits.Load())
}

func TestAdd_PublishesServerPayload(t *testing.T) {
	cs := newCartServer(t, nil)
	s := newStore(t, cs, &fakeAuth{uid: "u1"}, storage.NewMemory())

	got, err := s.Add(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, got, 1)

	cart, ok := s.Cart().Last()
	require.True(t, ok)
	require.Equal(t, got, cart, "published state is the confirmed server payload")
}

func TestAdd_IdempotentForSameCourse(t *testing.T) {
	cs := newCartServer(t, nil)
	s := newStore(t, cs, &fakeAuth{uid: "u1"}, storage.NewMemory())
	ctx := context.Background()

	_, err := s.Add(ctx, "c1")
	require.NoError(t, err)
	got, err := s.Add(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 1, "server uniqueness keeps the cart duplicate-free")
}

func TestRemove_PublishesUpdatedCart(t *testing.T) {
	cs := newCartServer(t, []model.Course{{ID: "c1"}, {ID: "c2"}})
	s := newStore(t, cs, &fakeAuth{uid: "u1"}, storage.NewMemory())

	got, err := s.Remove(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "c2", got[0].ID)
}

func TestEnroll_ConvergesCartAndEnrollment(t *testing.T) {
	cs := newCartServer(t, []model.Course{{ID: "c1"}, {ID: "c2"}})
	s := newStore(t, cs, &fakeAuth{uid: "u1"}, storage.NewMemory())
	ctx := context.Background()

	require.NoError(t, s.Load(ctx))
	loadsBefore := cs.loadHits.Load()

	enrolled, err := s.Enroll(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, enrolled, 1)
	require.Equal(t, "c1", enrolled[0].ID)

	require.Greater(t, cs.loadHits.Load(), loadsBefore, "enroll re-fetches for convergence")

	cart, _ := s.Cart().Last()
	for _, c := range cart {
		require.NotEqual(t, "c1", c.ID, "enrolled course left the cart")
	}
	enrolledNow, _ := s.Enrolled().Last()
	require.Len(t, enrolledNow, 1)
	require.Equal(t, "c1", enrolledNow[0].ID)
}

func TestLoad_FallsBackToOfflineMirror(t *testing.T) {
	cs := newCartServer(t, []model.Course{{ID: "c1"}})
	kv := storage.NewMemory()
	s := newStore(t, cs, &fakeAuth{uid: "u1"}, kv)
	ctx := context.Background()

	require.NoError(t, s.Load(ctx)) // warms the mirror
	cs.srv.Close()                  // network gone

	s2 := New(gateway.New(cs.srv.URL, nil, zap.NewNop()), kv, &fakeAuth{uid: "u1"}, zap.NewNop())
	require.NoError(t, s2.Load(ctx))

	cart, ok := s2.Cart().Last()
	require.True(t, ok)
	require.Len(t, cart, 1)
	require.Equal(t, "c1", cart[0].ID)
}

func TestLoad_OfflineMirrorIsPerUser(t *testing.T) {
	cs := newCartServer(t, []model.Course{{ID: "c1"}})
	kv := storage.NewMemory()
	s := newStore(t, cs, &fakeAuth{uid: "u1"}, kv)
	ctx := context.Background()

	require.NoError(t, s.Load(ctx)) // warms u1's mirror
	cs.srv.Close()

	// a different account over the same durable storage must never see
	// u1's lists, even when the network is down
	s2 := New(gateway.New(cs.srv.URL, nil, zap.NewNop()), kv, &fakeAuth{uid: "u2"}, zap.NewNop())
	require.NoError(t, s2.Load(ctx))

	cart, ok := s2.Cart().Last()
	require.True(t, ok)
	require.Empty(t, cart)
	enrolled, _ := s2.Enrolled().Last()
	require.Empty(t, enrolled)
}

func TestMutationErrorsSurfaceToCaller(t *testing.T) {
	cs := newCartServer(t, nil)
	cs.srv.Close()
	s := New(gateway.New(cs.srv.URL, nil, zap.NewNop()), storage.NewMemory(), &fakeAuth{uid: "u1"}, zap.NewNop())

	_, err := s.Add(context.Background(), "c1")
	require.ErrorIs(t, err, errs.ErrNetwork)
}
