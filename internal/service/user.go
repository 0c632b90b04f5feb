package service

import (
	"context"
	"strings"
	"time"

	"github.com/chatroom/internal/model"
)

const (
	defaultUserLimit = 50
	maxUserLimit     = 100
)

type UpdateProfileInput struct {
	Username  *string `json:"username" validate:"omitempty,username"`
	Email     *string `json:"email" validate:"omitempty,email,max=254"`
	AvatarURL *string `json:"avatar_url" validate:"omitempty,max=500"`
	Status    *string `json:"status" validate:"omitempty,oneof=online offline away"`
}

type UserService struct {
	users UserStore
	now   func() time.Time
}

func NewUserService(users UserStore) *UserService {
	return &UserService{users: users, now: time.Now}
}

func (s *UserService) Get(ctx context.Context, id string) (*model.User, error) {
	return s.users.GetByID(ctx, id)
}

// List returns users other than the caller. gmail wins over search when both are set.
func (s *UserService) List(ctx context.Context, callerID, search, gmail string, limit int) ([]model.User, error) {
	limit = clampLimit(limit, defaultUserLimit, maxUserLimit)
	search, gmail = strings.TrimSpace(search), strings.TrimSpace(gmail)
	switch {
	case gmail != "":
		return s.users.SearchByGmail(ctx, gmail, callerID, limit)
	case search != "":
		return s.users.Search(ctx, search, callerID, limit)
	default:
		return s.users.List(ctx, callerID, limit)
	}
}

func (s *UserService) UpdateProfile(ctx context.Context, userID string, in UpdateProfileInput) (*model.User, error) {
	if in.Username != nil {
		v := strings.TrimSpace(*in.Username)
		in.Username = &v
	}
	if in.Email != nil {
		v := strings.ToLower(strings.TrimSpace(*in.Email))
		in.Email = &v
	}
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if in.Username != nil && *in.Username != "" {
		u.Username = *in.Username
	}
	if in.Email != nil && *in.Email != "" {
		u.Email = *in.Email
	}
	if in.AvatarURL != nil {
		u.AvatarURL = strings.TrimSpace(*in.AvatarURL)
	}
	if in.Status != nil && *in.Status != "" {
		u.Status = model.UserStatus(*in.Status)
	}
	u.UpdatedAt = s.now().UTC()
	if err := s.users.UpdateProfile(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
