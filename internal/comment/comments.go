// Package comment is a thin client for course comments. No caching: comments
// are low-volume and always read fresh; gateway errors surface to the caller.
package comment

import (
	"context"

	"github.com/edusora/edusora-go/internal/gateway"
	"github.com/edusora/edusora-go/internal/model"
)

// Service performs comment CRUD against /comments.
type Service struct {
	gw *gateway.Gateway
}

// NewService constructs the comment client.
func NewService(gw *gateway.Gateway) *Service {
	return &Service{gw: gw}
}

// List returns all comments.
func (s *Service) List(ctx context.Context) ([]model.Comment, error) {
	var out []model.Comment
	if err := s.gw.Get(ctx, "/comments", nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.Comment{}
	}
	return out, nil
}

// Get returns one comment by id.
func (s *Service) Get(ctx context.Context, id string) (*model.Comment, error) {
	var out model.Comment
	if err := s.gw.Get(ctx, "/comments/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Add posts a new comment and returns the stored record.
func (s *Service) Add(ctx context.Context, c model.Comment) (*model.Comment, error) {
	var out model.Comment
	if err := s.gw.Post(ctx, "/comments", c, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Update modifies an existing comment.
func (s *Service) Update(ctx context.Context, id string, c model.Comment) (*model.Comment, error) {
	var out model.Comment
	if err := s.gw.Put(ctx, "/comments/"+id, c, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes a comment.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.gw.Delete(ctx, "/comments/"+id, nil)
}
