// Package cart synchronizes the shopping cart and enrollment state with the
// server.
//
// The server is the source of truth: every mutation publishes the response
// payload, never a locally computed optimistic value, so the UI only ever
// reflects confirmed state. Durable storage holds a best-effort offline
// mirror that is read only when the network is unavailable.
package cart

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/edusora/edusora-go/internal/errs"
	"github.com/edusora/edusora-go/internal/gateway"
	"github.com/edusora/edusora-go/internal/model"
	"github.com/edusora/edusora-go/internal/storage"
	"github.com/edusora/edusora-go/internal/stream"
)

// Offline mirror keys, per user so a later sign-in never sees another
// account's lists; not authoritative.
func cartMirrorKey(userID string) string     { return "cart_mirror_" + userID + "_v1" }
func enrolledMirrorKey(userID string) string { return "enrolled_mirror_" + userID + "_v1" }

// Auth reports the current sign-in state. Implemented by the session store.
type Auth interface {
	IsAuthenticated() bool
	UserID() (string, bool)
}

// Store is the cart/enrollment store.
type Store struct {
	gw   *gateway.Gateway
	kv   storage.KV
	auth Auth
	log  *zap.Logger

	mu       sync.Mutex
	cart     *stream.Stream[[]model.Course]
	enrolled *stream.Stream[[]model.Course]
}

// New constructs the store with empty cart and enrollment streams.
func New(gw *gateway.Gateway, kv storage.KV, auth Auth, log *zap.Logger) *Store {
	s := &Store{
		gw:       gw,
		kv:       kv,
		auth:     auth,
		log:      log,
		cart:     stream.New[[]model.Course](),
		enrolled: stream.New[[]model.Course](),
	}
	s.cart.Publish([]model.Course{})
	s.enrolled.Publish([]model.Course{})
	return s
}

// Cart emits the confirmed cart contents.
func (s *Store) Cart() *stream.Stream[[]model.Course] { return s.cart }

// Enrolled emits the confirmed enrollment list.
func (s *Store) Enrolled() *stream.Stream[[]model.Course] { return s.enrolled }

// cartPayload is the GET /cart response shape.
type cartPayload struct {
	Cart            []model.Course `json:"cart"`
	EnrolledCourses []model.Course `json:"enrolledCourses"`
}

// Load fetches cart and enrollment from the server and publishes both.
// Anonymous callers get empty streams and no network call. A failed fetch
// falls back to the offline mirror when one exists.
func (s *Store) Load(ctx context.Context) error {
	if !s.auth.IsAuthenticated() {
		s.cart.Publish([]model.Course{})
		s.enrolled.Publish([]model.Course{})
		return nil
	}

	var out cartPayload
	if err := s.gw.Get(ctx, "/cart", nil, &out); err != nil {
		s.log.Warn("cart load failed, trying offline mirror", zap.Error(err))
		s.loadMirror(ctx)
		return nil
	}
	s.publish(ctx, out.Cart, out.EnrolledCourses)
	return nil
}

// Add puts a course in the cart. The server response (the updated cart)
// becomes the published state; a course already present is not duplicated
// since the server enforces uniqueness by id.
func (s *Store) Add(ctx context.Context, courseID string) ([]model.Course, error) {
	if !s.auth.IsAuthenticated() {
		return nil, errs.ErrRequiresAuth
	}
	var updated []model.Course
	if err := s.gw.Post(ctx, "/cart/cart/"+courseID, nil, &updated); err != nil {
		return nil, err
	}
	s.publishCart(ctx, updated)
	return updated, nil
}

// Remove deletes a course from the cart and publishes the updated contents.
func (s *Store) Remove(ctx context.Context, courseID string) ([]model.Course, error) {
	var updated []model.Course
	if err := s.gw.Delete(ctx, "/cart/cart/"+courseID, &updated); err != nil {
		return nil, err
	}
	s.publishCart(ctx, updated)
	return updated, nil
}

// Enroll commits the user to a course. Server-side the course atomically
// leaves the cart and joins the enrollment; the client then re-fetches both
// lists so cart and enrollment converge even if the response only carried the
// enrolled list.
func (s *Store) Enroll(ctx context.Context, courseID string) ([]model.Course, error) {
	if !s.auth.IsAuthenticated() {
		return nil, errs.ErrRequiresAuth
	}
	var enrolled []model.Course
	if err := s.gw.Post(ctx, "/cart/enroll/"+courseID, nil, &enrolled); err != nil {
		return nil, err
	}
	s.publishEnrolled(ctx, enrolled)

	if err := s.Load(ctx); err != nil {
		s.log.Warn("post-enroll refresh failed", zap.Error(err))
	}
	return enrolled, nil
}

func (s *Store) publish(ctx context.Context, cart, enrolled []model.Course) {
	s.publishCart(ctx, cart)
	s.publishEnrolled(ctx, enrolled)
}

func (s *Store) publishCart(ctx context.Context, cart []model.Course) {
	if cart == nil {
		cart = []model.Course{}
	}
	s.cart.Publish(cart)
	if uid, ok := s.auth.UserID(); ok {
		s.mirror(ctx, cartMirrorKey(uid), cart)
	}
}

func (s *Store) publishEnrolled(ctx context.Context, enrolled []model.Course) {
	if enrolled == nil {
		enrolled = []model.Course{}
	}
	s.enrolled.Publish(enrolled)
	if uid, ok := s.auth.UserID(); ok {
		s.mirror(ctx, enrolledMirrorKey(uid), enrolled)
	}
}

// mirror writes the offline copy; failures are logged, never surfaced.
func (s *Store) mirror(ctx context.Context, key string, list []model.Course) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := storage.SetJSON(ctx, s.kv, key, list); err != nil {
		s.log.Warn("offline mirror write failed", zap.String("key", key), zap.Error(err))
	}
}

// loadMirror publishes whatever offline state exists for the current user,
// without touching it.
func (s *Store) loadMirror(ctx context.Context) {
	uid, ok := s.auth.UserID()
	if !ok {
		return
	}
	var cart []model.Course
	if ok, err := storage.GetJSON(ctx, s.kv, cartMirrorKey(uid), &cart); err == nil && ok {
		s.cart.Publish(cart)
	}
	var enrolled []model.Course
	if ok, err := storage.GetJSON(ctx, s.kv, enrolledMirrorKey(uid), &enrolled); err == nil && ok {
		s.enrolled.Publish(enrolled)
	}
}
