// Package course maintains the time-boxed catalog cache.
//
// Reads walk a two-tier ladder (memory envelope, then the durable mirror,
// then the network) and prefer returning stale data over surfacing a fetch
// error. Catalog mutations invalidate both tiers before returning, which is
// the only strong consistency guarantee in the system: the next read always
// observes the mutation. Reads racing mutations from other sessions may still
// see staleness up to the freshness window.
package course

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/edusora/edusora-go/internal/errs"
	"github.com/edusora/edusora-go/internal/gateway"
	"github.com/edusora/edusora-go/internal/model"
	"github.com/edusora/edusora-go/internal/storage"
	"github.com/edusora/edusora-go/internal/stream"
)

// keyCatalog is the durable mirror of the catalog envelope.
const keyCatalog = "course_catalog_v1"

// Cache is the catalog store.
type Cache struct {
	gw  *gateway.Gateway
	kv  storage.KV
	log *zap.Logger

	mu  sync.Mutex
	mem *model.Envelope[[]model.Course]

	catalog *stream.Stream[[]model.Course]
	sf      singleflight.Group
	now     func() time.Time
}

// New constructs an empty cache; nothing is fetched until the first read.
func New(gw *gateway.Gateway, kv storage.KV, log *zap.Logger) *Cache {
	return &Cache{
		gw:      gw,
		kv:      kv,
		log:     log,
		catalog: stream.New[[]model.Course](),
		now:     time.Now,
	}
}

// Catalog emits the full course list after every successful fetch.
func (c *Cache) Catalog() *stream.Stream[[]model.Course] {
	return c.catalog
}

// GetAll returns the course catalog. Without force, a fresh memory envelope
// is served directly, then a fresh durable envelope (promoted to memory);
// only then is the network consulted. A failed fetch falls back to whatever
// stale payload exists rather than propagating the error.
func (c *Cache) GetAll(ctx context.Context, force bool) ([]model.Course, error) {
	now := c.now()

	if !force {
		c.mu.Lock()
		if c.mem.Fresh(now) {
			out := cloneCourses(c.mem.Payload)
			c.mu.Unlock()
			return out, nil
		}
		c.mu.Unlock()

		var env model.Envelope[[]model.Course]
		ok, err := storage.GetJSON(ctx, c.kv, keyCatalog, &env)
		if err != nil {
			c.log.Warn("catalog mirror unreadable", zap.Error(err))
		}
		if ok && env.Fresh(now) {
			c.mu.Lock()
			c.mem = &env
			c.mu.Unlock()
			return cloneCourses(env.Payload), nil
		}
	}

	return c.fetchCatalog(ctx)
}

// fetchCatalog refreshes both tiers from the network. Identical concurrent
// fetches are coalesced into one request; observable semantics are unchanged.
func (c *Cache) fetchCatalog(ctx context.Context) ([]model.Course, error) {
	v, err, _ := c.sf.Do("catalog", func() (any, error) {
		var courses []model.Course
		if err := c.gw.Get(ctx, "/courses", nil, &courses); err != nil {
			return nil, err
		}
		if courses == nil {
			courses = []model.Course{}
		}
		env := &model.Envelope[[]model.Course]{Payload: courses, FetchedAt: c.now()}

		c.mu.Lock()
		c.mem = env
		c.mu.Unlock()

		if err := storage.SetJSON(ctx, c.kv, keyCatalog, env); err != nil {
			c.log.Warn("catalog mirror write failed", zap.Error(err))
		}
		c.catalog.Publish(cloneCourses(courses))
		return courses, nil
	})
	if err == nil {
		return cloneCourses(v.([]model.Course)), nil
	}

	// Stale fallback: memory first, then the durable mirror, else empty.
	c.mu.Lock()
	if c.mem != nil {
		out := cloneCourses(c.mem.Payload)
		c.mu.Unlock()
		c.log.Warn("catalog fetch failed, serving stale memory tier", zap.Error(err))
		return out, nil
	}
	c.mu.Unlock()

	var env model.Envelope[[]model.Course]
	if ok, kvErr := storage.GetJSON(ctx, c.kv, keyCatalog, &env); kvErr == nil && ok {
		c.log.Warn("catalog fetch failed, serving stale durable tier", zap.Error(err))
		return cloneCourses(env.Payload), nil
	}

	c.log.Warn("catalog fetch failed with no fallback payload", zap.Error(err))
	return []model.Course{}, nil
}

// GetByID returns a single course, or (nil, nil) when absent. The current
// envelopes are scanned first regardless of freshness; on a miss a
// full-catalog fetch is preferred over a point fetch since it warms the cache
// for subsequent lookups.
func (c *Cache) GetByID(ctx context.Context, id string) (*model.Course, error) {
	c.mu.Lock()
	if c.mem != nil {
		if hit := findCourse(c.mem.Payload, id); hit != nil {
			c.mu.Unlock()
			return hit, nil
		}
	}
	c.mu.Unlock()

	var env model.Envelope[[]model.Course]
	if ok, err := storage.GetJSON(ctx, c.kv, keyCatalog, &env); err == nil && ok {
		if hit := findCourse(env.Payload, id); hit != nil {
			return hit, nil
		}
	}

	courses, err := c.GetAll(ctx, false)
	if err == nil {
		if hit := findCourse(courses, id); hit != nil {
			return hit, nil
		}
	}

	var one model.Course
	if err := c.gw.Get(ctx, "/courses/"+id, nil, &one); err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			c.log.Warn("course point fetch failed", zap.String("id", id), zap.Error(err))
		}
		return nil, nil
	}
	return &one, nil
}

// Featured returns the featured list; fetch failures resolve to empty.
func (c *Cache) Featured(ctx context.Context) ([]model.Course, error) {
	var out []model.Course
	if err := c.gw.Get(ctx, "/courses/featured", nil, &out); err != nil {
		c.log.Warn("featured fetch failed", zap.Error(err))
		return []model.Course{}, nil
	}
	return out, nil
}

// Search queries the catalog with filters; fetch failures resolve to empty.
func (c *Cache) Search(ctx context.Context, f model.SearchFilters) ([]model.Course, error) {
	var out []model.Course
	if err := c.gw.Get(ctx, "/courses/search", f.QueryValues(), &out); err != nil {
		c.log.Warn("search failed", zap.Error(err))
		return []model.Course{}, nil
	}
	return out, nil
}

// Recommendations returns catalog entries the user is not yet enrolled in.
func (c *Cache) Recommendations(ctx context.Context, enrolledIDs []string) ([]model.Course, error) {
	courses, err := c.GetAll(ctx, false)
	if err != nil {
		return []model.Course{}, nil
	}
	enrolled := make(map[string]struct{}, len(enrolledIDs))
	for _, id := range enrolledIDs {
		enrolled[id] = struct{}{}
	}
	out := make([]model.Course, 0, len(courses))
	for _, crs := range courses {
		if _, ok := enrolled[crs.ID]; !ok {
			out = append(out, crs)
		}
	}
	return out, nil
}

// Invalidate clears the freshness of both tiers; the next read refetches.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.mem = nil
	c.mu.Unlock()
	if err := c.kv.Delete(context.Background(), keyCatalog); err != nil {
		c.log.Warn("catalog mirror invalidation failed", zap.Error(err))
	}
}

// Create adds a course (admin/instructor). The cache is invalidated before
// returning so the next read observes the mutation.
func (c *Cache) Create(ctx context.Context, in model.Course) (*model.Course, error) {
	defer c.Invalidate()
	var out model.Course
	if err := c.gw.Post(ctx, "/courses", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Update replaces a course. Invalidates before returning.
func (c *Cache) Update(ctx context.Context, id string, in model.Course) (*model.Course, error) {
	defer c.Invalidate()
	var out model.Course
	if err := c.gw.Put(ctx, "/courses/"+id, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes a course. Invalidates before returning.
func (c *Cache) Delete(ctx context.Context, id string) error {
	defer c.Invalidate()
	return c.gw.Delete(ctx, "/courses/"+id, nil)
}

func findCourse(courses []model.Course, id string) *model.Course {
	for i := range courses {
		if courses[i].ID == id {
			cp := courses[i]
			return &cp
		}
	}
	return nil
}

func cloneCourses(in []model.Course) []model.Course {
	return append([]model.Course(nil), in...)
}
