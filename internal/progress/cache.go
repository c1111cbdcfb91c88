// Package progress caches per-user lesson/course progress.
//
// Reads follow the same freshness/fallback ladder as the catalog cache, with
// the durable tier keyed per user. Lesson completion upserts only the returned
// record into the cached collection, never clearing unrelated entries, so
// progress for other courses is not refetched needlessly.
package progress

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/edusora/edusora-go/internal/errs"
	"github.com/edusora/edusora-go/internal/gateway"
	"github.com/edusora/edusora-go/internal/model"
	"github.com/edusora/edusora-go/internal/storage"
)

// Auth supplies the current user id. Implemented by the session store.
type Auth interface {
	UserID() (string, bool)
}

// durableKey is the per-user mirror key.
func durableKey(userID string) string { return "progress_" + userID + "_v1" }

// Cache is the progress store.
type Cache struct {
	gw   *gateway.Gateway
	kv   storage.KV
	auth Auth
	log  *zap.Logger

	mu  sync.Mutex
	mem map[string]*model.Envelope[[]model.CourseProgress]

	sf  singleflight.Group
	now func() time.Time
}

// New constructs an empty progress cache.
func New(gw *gateway.Gateway, kv storage.KV, auth Auth, log *zap.Logger) *Cache {
	return &Cache{
		gw:   gw,
		kv:   kv,
		auth: auth,
		log:  log,
		mem:  make(map[string]*model.Envelope[[]model.CourseProgress]),
		now:  time.Now,
	}
}

// GetUserProgress returns all progress records for the user, walking the
// memory tier, the per-user durable tier, then the network. Fetch failures
// fall back to stale data, else resolve to empty.
func (c *Cache) GetUserProgress(ctx context.Context, userID string, force bool) ([]model.CourseProgress, error) {
	now := c.now()

	if !force {
		c.mu.Lock()
		if env := c.mem[userID]; env.Fresh(now) {
			out := cloneProgress(env.Payload)
			c.mu.Unlock()
			return out, nil
		}
		c.mu.Unlock()

		var env model.Envelope[[]model.CourseProgress]
		ok, err := storage.GetJSON(ctx, c.kv, durableKey(userID), &env)
		if err != nil {
			c.log.Warn("progress mirror unreadable", zap.String("user", userID), zap.Error(err))
		}
		if ok && env.Fresh(now) {
			c.mu.Lock()
			c.mem[userID] = &env
			c.mu.Unlock()
			return cloneProgress(env.Payload), nil
		}
	}

	return c.fetch(ctx, userID)
}

// fetch refreshes both tiers for one user; concurrent identical fetches are
// coalesced.
func (c *Cache) fetch(ctx context.Context, userID string) ([]model.CourseProgress, error) {
	v, err, _ := c.sf.Do("progress:"+userID, func() (any, error) {
		var list []model.CourseProgress
		if err := c.gw.Get(ctx, "/progress/user", nil, &list); err != nil {
			return nil, err
		}
		if list == nil {
			list = []model.CourseProgress{}
		}
		env := &model.Envelope[[]model.CourseProgress]{Payload: list, FetchedAt: c.now()}

		c.mu.Lock()
		c.mem[userID] = env
		c.mu.Unlock()

		if err := storage.SetJSON(ctx, c.kv, durableKey(userID), env); err != nil {
			c.log.Warn("progress mirror write failed", zap.Error(err))
		}
		return list, nil
	})
	if err == nil {
		return cloneProgress(v.([]model.CourseProgress)), nil
	}

	c.mu.Lock()
	if env := c.mem[userID]; env != nil {
		out := cloneProgress(env.Payload)
		c.mu.Unlock()
		c.log.Warn("progress fetch failed, serving stale memory tier", zap.Error(err))
		return out, nil
	}
	c.mu.Unlock()

	var env model.Envelope[[]model.CourseProgress]
	if ok, kvErr := storage.GetJSON(ctx, c.kv, durableKey(userID), &env); kvErr == nil && ok {
		c.log.Warn("progress fetch failed, serving stale durable tier", zap.Error(err))
		return cloneProgress(env.Payload), nil
	}

	c.log.Warn("progress fetch failed with no fallback payload", zap.Error(err))
	return []model.CourseProgress{}, nil
}

// GetForCourse returns one course's progress, or (nil, nil) when absent.
// A cached entry satisfies the lookup with zero network calls regardless of
// the collection's staleness; the narrower, possibly stale answer is an
// accepted trade of precision for latency.
func (c *Cache) GetForCourse(ctx context.Context, userID, courseID string) (*model.CourseProgress, error) {
	c.mu.Lock()
	if env := c.mem[userID]; env != nil {
		if hit := findProgress(env.Payload, courseID); hit != nil {
			c.mu.Unlock()
			return hit, nil
		}
	}
	c.mu.Unlock()

	var env model.Envelope[[]model.CourseProgress]
	if ok, err := storage.GetJSON(ctx, c.kv, durableKey(userID), &env); err == nil && ok {
		if hit := findProgress(env.Payload, courseID); hit != nil {
			return hit, nil
		}
	}

	list, err := c.GetUserProgress(ctx, userID, false)
	if err == nil {
		if hit := findProgress(list, courseID); hit != nil {
			return hit, nil
		}
	}

	var one model.CourseProgress
	if err := c.gw.Get(ctx, "/progress/user/"+userID+"/course/"+courseID, nil, &one); err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			c.log.Warn("progress point fetch failed", zap.String("course", courseID), zap.Error(err))
		}
		return nil, nil
	}
	return &one, nil
}

// MarkLessonComplete records a lesson completion and upserts the returned
// progress record into the cached collection by course id. Entries for other
// courses are left untouched.
func (c *Cache) MarkLessonComplete(ctx context.Context, courseID, lessonID string) (*model.CourseProgress, error) {
	userID, ok := c.auth.UserID()
	if !ok {
		return nil, errs.ErrRequiresAuth
	}

	var updated model.CourseProgress
	err := c.gw.Post(ctx, "/progress/update", map[string]string{
		"courseId": courseID,
		"lessonId": lessonID,
	}, &updated)
	if err != nil {
		return nil, err
	}

	c.upsert(ctx, userID, updated)
	return &updated, nil
}

// upsert replaces the matching entry in both tiers, keeping the envelope's
// fetch timestamp: one refreshed record does not make the collection fresh.
func (c *Cache) upsert(ctx context.Context, userID string, rec model.CourseProgress) {
	c.mu.Lock()
	env := c.mem[userID]
	if env != nil {
		env.Payload = upsertProgress(env.Payload, rec)
	}
	c.mu.Unlock()

	var stored model.Envelope[[]model.CourseProgress]
	if ok, err := storage.GetJSON(ctx, c.kv, durableKey(userID), &stored); err == nil && ok {
		stored.Payload = upsertProgress(stored.Payload, rec)
		if err := storage.SetJSON(ctx, c.kv, durableKey(userID), stored); err != nil {
			c.log.Warn("progress mirror upsert failed", zap.Error(err))
		}
	}
}

// CompleteLesson submits a detailed lesson completion (time spent, optional
// quiz score) and returns the per-lesson record.
func (c *Cache) CompleteLesson(ctx context.Context, courseID, lessonID string, timeSpent int, quizScore *int) (*model.LessonProgress, error) {
	if _, ok := c.auth.UserID(); !ok {
		return nil, errs.ErrRequiresAuth
	}
	body := map[string]any{
		"courseId":  courseID,
		"lessonId":  lessonID,
		"timeSpent": timeSpent,
	}
	if quizScore != nil {
		body["quizScore"] = *quizScore
	}
	var out model.LessonProgress
	if err := c.gw.Post(ctx, "/progress/lesson/complete", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Overall aggregates the user's progress across courses.
func (c *Cache) Overall(ctx context.Context, userID string) (model.OverallProgress, error) {
	list, err := c.GetUserProgress(ctx, userID, false)
	if err != nil {
		return model.OverallProgress{}, err
	}
	out := model.OverallProgress{TotalCourses: len(list)}
	if len(list) == 0 {
		return out, nil
	}
	sum := 0
	for _, p := range list {
		sum += p.ProgressPercent
		if p.Completed() {
			out.CompletedCourses++
		}
	}
	out.AverageProgress = (sum + len(list)/2) / len(list) // rounded
	return out, nil
}

// RecentActivity returns the five most recently accessed courses.
func (c *Cache) RecentActivity(ctx context.Context, userID string) ([]model.CourseProgress, error) {
	list, err := c.GetUserProgress(ctx, userID, false)
	if err != nil {
		return nil, err
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].LastAccessedAt.After(list[j].LastAccessedAt)
	})
	if len(list) > 5 {
		list = list[:5]
	}
	return list, nil
}

// Invalidate drops both tiers for one user.
func (c *Cache) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.mem, userID)
	c.mu.Unlock()
	if err := c.kv.Delete(context.Background(), durableKey(userID)); err != nil {
		c.log.Warn("progress mirror invalidation failed", zap.Error(err))
	}
}

func findProgress(list []model.CourseProgress, courseID string) *model.CourseProgress {
	for i := range list {
		if list[i].CourseID == courseID {
			cp := list[i]
			return &cp
		}
	}
	return nil
}

func upsertProgress(list []model.CourseProgress, rec model.CourseProgress) []model.CourseProgress {
	for i := range list {
		if list[i].CourseID == rec.CourseID {
			list[i] = rec
			return list
		}
	}
	return append(list, rec)
}

func cloneProgress(in []model.CourseProgress) []model.CourseProgress {
	return append([]model.CourseProgress(nil), in...)
}
