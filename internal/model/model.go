// Package model defines domain entities shared by the stores and the gateway.
package model

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// CacheTTL is the freshness window for cached envelopes.
const CacheTTL = 5 * time.Minute

// Envelope pairs a cached payload with its fetch timestamp.
type Envelope[T any] struct {
	Payload   T         `json:"payload"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Fresh reports whether the envelope is within the freshness window.
func (e *Envelope[T]) Fresh(now time.Time) bool {
	if e == nil {
		return false
	}
	return now.Sub(e.FetchedAt) < CacheTTL
}

// Lesson is a single lesson entry inside course details.
type Lesson struct {
	Title    string `json:"title"`
	Duration string `json:"duration"`
	Type     string `json:"type"`
}

// CourseDetail carries the extended catalog attributes of a course.
type CourseDetail struct {
	Level        string   `json:"level,omitempty"`
	Category     string   `json:"category,omitempty"`
	Rating       float64  `json:"rating,omitempty"`
	Students     int      `json:"students,omitempty"`
	Language     string   `json:"language,omitempty"`
	LastUpdated  string   `json:"lastUpdated,omitempty"`
	Lessons      []Lesson `json:"lessons,omitempty"`
	Requirements []string `json:"requirements,omitempty"`
	Outcomes     []string `json:"outcomes,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// Course is a catalog entry. ID is opaque; price is never negative.
type Course struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Price       float64        `json:"price"`
	Duration    string         `json:"duration"`
	Image       string         `json:"image"`
	Instructor  string         `json:"instructor"`
	Details     []CourseDetail `json:"details,omitempty"`
}

// courseWire mirrors the server payload, including legacy variants where the
// id arrives as a number or "_id", and level/category/rating sit at the top
// level instead of inside details.
type courseWire struct {
	ID          json.RawMessage `json:"id"`
	AltID       string          `json:"_id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Price       float64         `json:"price"`
	Duration    string          `json:"duration"`
	Image       string          `json:"image"`
	Instructor  string          `json:"instructor"`
	Details     []CourseDetail  `json:"details"`

	Level    string  `json:"level"`
	Category string  `json:"category"`
	Rating   float64 `json:"rating"`
}

// UnmarshalJSON normalizes the duck-typed wire shapes into the canonical one.
// Structural ambiguity stops here; stores only ever see the canonical form.
func (c *Course) UnmarshalJSON(b []byte) error {
	var w courseWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*c = Course{
		ID:          normalizeID(w.ID, w.AltID),
		Title:       w.Title,
		Description: w.Description,
		Price:       w.Price,
		Duration:    w.Duration,
		Image:       w.Image,
		Instructor:  w.Instructor,
		Details:     w.Details,
	}
	if len(c.Details) == 0 && (w.Level != "" || w.Category != "" || w.Rating != 0) {
		c.Details = []CourseDetail{{Level: w.Level, Category: w.Category, Rating: w.Rating}}
	}
	return nil
}

// normalizeID accepts string or numeric ids, preferring "id" over "_id".
func normalizeID(raw json.RawMessage, alt string) string {
	if len(raw) > 0 {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if s != "" {
				return s
			}
		} else {
			var n json.Number
			if err := json.Unmarshal(raw, &n); err == nil {
				return n.String()
			}
		}
	}
	return alt
}

// Detail returns the first detail block, or a zero value when absent.
func (c *Course) Detail() CourseDetail {
	if len(c.Details) == 0 {
		return CourseDetail{}
	}
	return c.Details[0]
}

// SearchFilters narrows a catalog search. Zero values are omitted from the query.
type SearchFilters struct {
	Query      string
	Category   string
	Level      string
	PriceMin   float64
	PriceMax   float64
	Rating     float64
	Language   string
	Instructor string
}

// QueryValues renders the filters as URL query parameters.
func (f SearchFilters) QueryValues() map[string]string {
	q := map[string]string{}
	set := func(k, v string) {
		if v != "" {
			q[k] = v
		}
	}
	set("query", f.Query)
	set("category", f.Category)
	set("level", f.Level)
	set("language", f.Language)
	set("instructor", f.Instructor)
	if f.PriceMin > 0 {
		q["priceMin"] = strconv.FormatFloat(f.PriceMin, 'f', -1, 64)
	}
	if f.PriceMax > 0 {
		q["priceMax"] = strconv.FormatFloat(f.PriceMax, 'f', -1, 64)
	}
	if f.Rating > 0 {
		q["rating"] = strconv.FormatFloat(f.Rating, 'f', -1, 64)
	}
	return q
}

// User is the account snapshot returned by the auth endpoints.
type User struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Phone     string `json:"phone,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
	Role      string `json:"role,omitempty"`
}

// Name returns the display name composed from first/last name.
func (u User) Name() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Identity is the decoded view of the current session. It is always derived
// from the token; it never exists without one.
type Identity struct {
	UserID    string
	Role      string
	Email     string
	Name      string
	ExpiresAt time.Time
}

// RegisterRequest is the payload for account creation.
type RegisterRequest struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	Phone     string `json:"phone"`
	Role      string `json:"role,omitempty"`
}

// ProfilePatch carries partial profile updates; nil fields are left untouched.
type ProfilePatch struct {
	FirstName *string `json:"firstName,omitempty"`
	LastName  *string `json:"lastName,omitempty"`
	Phone     *string `json:"phone,omitempty"`
	Avatar    *string `json:"avatar,omitempty"`
}

// CourseProgress tracks a user's advancement through one course.
// ProgressPercent 100 is the terminal completed marker (enforced server-side).
type CourseProgress struct {
	CourseID            string     `json:"courseId"`
	UserID              string     `json:"userId"`
	ProgressPercent     int        `json:"progress"`
	CompletedLessonIDs  []string   `json:"completedLessons"`
	TotalLessons        int        `json:"totalLessons"`
	LastAccessedAt      time.Time  `json:"lastAccessed"`
	StartedAt           time.Time  `json:"startDate"`
	EstimatedCompletion *time.Time `json:"estimatedCompletion,omitempty"`
}

// Completed reports whether the course is fully done.
func (p CourseProgress) Completed() bool { return p.ProgressPercent == 100 }

// LessonProgress is the per-lesson completion record.
type LessonProgress struct {
	LessonID    string     `json:"lessonId"`
	CourseID    string     `json:"courseId"`
	UserID      string     `json:"userId"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	TimeSpent   int        `json:"timeSpent"`
	QuizScore   *int       `json:"quizScore,omitempty"`
}

// OverallProgress aggregates a user's progress across all courses.
type OverallProgress struct {
	TotalCourses     int `json:"totalCourses"`
	CompletedCourses int `json:"completedCourses"`
	AverageProgress  int `json:"averageProgress"`
}

// Comment is a course review left by a user.
type Comment struct {
	ID      string  `json:"id,omitempty"`
	Name    string  `json:"name"`
	Role    string  `json:"role"`
	Content string  `json:"content"`
	Rating  float64 `json:"rating"`
	UserID  string  `json:"userId,omitempty"`
}
