package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatroom/internal/repository"
	"github.com/chatroom/internal/storage"
)

func TestRegister_Validation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	cases := []RegisterInput{
		{Username: "ab", Email: "a@b.co", Password: "secret1"},
		{Username: "has space", Email: "a@b.co", Password: "secret1"},
		{Username: "waytoolongusername_123", Email: "a@b.co", Password: "secret1"},
		{Username: "alice", Email: "not-an-email", Password: "secret1"},
		{Username: "alice", Email: "a@b.co", Password: "123"},
	}
	for _, in := range cases {
		_, err := e.auth.Register(ctx, in)
		assert.True(t, IsValidation(err), "%+v: %v", in, err)
	}

	e.register(t, "alice")
	_, err := e.auth.Register(ctx, RegisterInput{Username: "alice", Email: "other@b.co", Password: "secret1"})
	assert.ErrorIs(t, err, repository.ErrUsernameTaken)
	_, err = e.auth.Register(ctx, RegisterInput{Username: "alice2", Email: "ALICE@gmail.com", Password: "secret1"})
	assert.ErrorIs(t, err, repository.ErrEmailTaken)
}

func TestLoginAuthenticateLogout(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.register(t, "alice")

	_, err := e.auth.Login(ctx, LoginInput{Username: "alice", Password: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = e.auth.Login(ctx, LoginInput{Username: "nobody", Password: "secret1"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	sess, err := e.auth.Login(ctx, LoginInput{Username: "alice@gmail.com", Password: "secret1"})
	require.NoError(t, err)
	assert.Equal(t, alice.ID, sess.User.ID)

	id, err := e.auth.Authenticate(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, id.User.ID)

	require.NoError(t, e.auth.Logout(ctx, sess.Token))
	_, err = e.auth.Authenticate(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, []string{id.TokenID}, e.bc.sessions)

	_, err = e.auth.Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = e.auth.Authenticate(ctx, "garbage")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestLogin_Throttled(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.register(t, "alice")

	for i := 0; i < storage.AttemptMax; i++ {
		_, err := e.auth.Login(ctx, LoginInput{Username: "alice", Password: "wrong"})
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	_, err := e.auth.Login(ctx, LoginInput{Username: "Alice", Password: "secret1"})
	assert.ErrorIs(t, err, ErrTooManyAttempts)
}

func TestUpdateProfile(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.register(t, "alice")
	e.register(t, "bob")

	name, status := "alice_w", "away"
	u, err := e.users.UpdateProfile(ctx, alice.ID, UpdateProfileInput{Username: &name, Status: &status})
	require.NoError(t, err)
	assert.Equal(t, "alice_w", u.Username)
	assert.Equal(t, "away", string(u.Status))

	taken := "bob"
	_, err = e.users.UpdateProfile(ctx, alice.ID, UpdateProfileInput{Username: &taken})
	assert.ErrorIs(t, err, repository.ErrUsernameTaken)

	bad := "busy"
	_, err = e.users.UpdateProfile(ctx, alice.ID, UpdateProfileInput{Status: &bad})
	assert.True(t, IsValidation(err))

	list, err := e.users.List(ctx, alice.ID, "", "", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "bob", list[0].Username)

	list, err = e.users.List(ctx, "", "", "bo", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
}
