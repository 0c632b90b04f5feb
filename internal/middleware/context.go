package middleware

import (
	"context"

	"github.com/chatroom/internal/model"
)

type contextKey string

const (
	UserKey    contextKey = "user"
	TokenIDKey contextKey = "token_id"
)

func withIdentity(ctx context.Context, u *model.User, tokenID string) context.Context {
	ctx = context.WithValue(ctx, UserKey, u)
	return context.WithValue(ctx, TokenIDKey, tokenID)
}

// GetUser returns the authenticated user set by TokenAuth, or nil.
func GetUser(ctx context.Context) *model.User {
	u, _ := ctx.Value(UserKey).(*model.User)
	return u
}

func GetUserID(ctx context.Context) string {
	if u := GetUser(ctx); u != nil {
		return u.ID
	}
	return ""
}

func GetTokenID(ctx context.Context) string {
	v, _ := ctx.Value(TokenIDKey).(string)
	return v
}
