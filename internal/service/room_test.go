package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatroom/internal/model"
	"github.com/chatroom/internal/repository"
)

func TestPrivateRoom_ConcurrentBothSides(t *testing.T) {
	e := newEnv(t)
	a := e.register(t, "alice")
	b := e.register(t, "bob")

	var wg sync.WaitGroup
	ids := make([]string, 2)
	for i, pair := range [][2]*model.User{{a, b}, {b, a}} {
		wg.Add(1)
		go func(i int, caller, other *model.User) {
			defer wg.Done()
			rm, _, err := e.rooms.GetOrCreatePrivate(context.Background(), caller, other.ID)
			if assert.NoError(t, err) {
				ids[i] = rm.ID
			}
		}(i, pair[0], pair[1])
	}
	wg.Wait()
	assert.Equal(t, ids[0], ids[1])

	_, _, err := e.rooms.GetOrCreatePrivate(context.Background(), a, a.ID)
	assert.True(t, IsValidation(err))

	rm, created, err := e.rooms.GetOrCreatePrivate(context.Background(), a, b.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "bob", rm.Name)

	err = e.rooms.AddMember(context.Background(), a.ID, rm.ID, e.register(t, "carol").ID)
	assert.True(t, IsValidation(err))
}

func TestMembership_AddRemoveLeave(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.register(t, "alice")
	b := e.register(t, "bob")
	c := e.register(t, "carol")
	g := e.group(t, a)

	require.NoError(t, e.rooms.AddMember(ctx, a.ID, g.ID, b.ID))
	assert.ErrorIs(t, e.rooms.AddMember(ctx, a.ID, g.ID, b.ID), repository.ErrAlreadyMember)
	assert.ErrorIs(t, e.rooms.AddMember(ctx, c.ID, g.ID, c.ID), ErrForbidden)
	assert.ErrorIs(t, e.rooms.AddMember(ctx, a.ID, "00000000-0000-0000-0000-000000000000", c.ID), repository.ErrNotFound)
	assert.Len(t, e.bc.directTo(b.ID, model.EventMemberAdded), 1)

	joins := e.bc.roomEvents(model.EventJoin)
	require.Len(t, joins, 1)
	assert.Equal(t, b.ID, joins[0].UserID)
	assert.NotZero(t, joins[0].Seq)

	// only the creator removes others
	require.NoError(t, e.rooms.AddMember(ctx, b.ID, g.ID, c.ID))
	assert.ErrorIs(t, e.rooms.RemoveMember(ctx, b.ID, g.ID, c.ID), ErrForbidden)
	require.NoError(t, e.rooms.RemoveMember(ctx, a.ID, g.ID, c.ID))
	assert.ErrorIs(t, e.rooms.RemoveMember(ctx, a.ID, g.ID, c.ID), repository.ErrNotMember)
	assert.Contains(t, e.bc.evicted, g.ID+"/"+c.ID)

	require.NoError(t, e.rooms.Leave(ctx, b.ID, g.ID))
	require.NoError(t, e.rooms.Leave(ctx, a.ID, g.ID))

	// history survives the last member leaving
	msgs, err := e.db.Messages().Page(ctx, g.ID, 50, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, msgs)
	assert.Equal(t, model.MessageTypeLeave, msgs[len(msgs)-1].Type)

	// nobody but the creator can reopen the emptied room
	assert.ErrorIs(t, e.rooms.AddMember(ctx, b.ID, g.ID, b.ID), ErrForbidden)
	require.NoError(t, e.rooms.AddMember(ctx, a.ID, g.ID, a.ID))
	require.NoError(t, e.rooms.AddMember(ctx, a.ID, g.ID, b.ID))
	history, err := e.log.Page(ctx, b.ID, g.ID, 50, 0)
	require.NoError(t, err)
	require.Greater(t, len(history), len(msgs))
	assert.Equal(t, msgs[0].ID, history[0].ID, "earlier history is still there")
	assert.Equal(t, model.MessageTypeJoin, history[len(history)-1].Type)
}

func TestRoom_UpdateDeleteCreatorOnly(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.register(t, "alice")
	b := e.register(t, "bob")
	g := e.group(t, a, b)

	name := "renamed"
	_, err := e.rooms.Update(ctx, b.ID, g.ID, UpdateRoomInput{Name: &name})
	assert.ErrorIs(t, err, ErrForbidden)
	updated, err := e.rooms.Update(ctx, a.ID, g.ID, UpdateRoomInput{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Len(t, e.bc.roomEvents(model.EventRoomUpdated), 1)

	assert.ErrorIs(t, e.rooms.Delete(ctx, b.ID, g.ID), ErrForbidden)
	require.NoError(t, e.rooms.Delete(ctx, a.ID, g.ID))
	assert.Len(t, e.bc.directTo(b.ID, model.EventRoomDeleted), 1)
	assert.Equal(t, []string{g.ID}, e.bc.closed)

	_, err = e.rooms.Get(ctx, a.ID, g.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestRoom_MembersAndList(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.register(t, "alice")
	b := e.register(t, "bob")
	g := e.group(t, a, b)
	require.NoError(t, e.db.Users().SetStatus(ctx, b.ID, model.StatusOnline))

	members, err := e.rooms.Members(ctx, a.ID, g.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	online := map[string]bool{}
	for _, m := range members {
		online[m.Username] = m.Online
	}
	assert.Equal(t, map[string]bool{"alice": false, "bob": true}, online)

	_, err = e.log.Post(ctx, b, model.NewMessage{RoomID: g.ID, Type: model.MessageTypeText, Content: "hi"})
	require.NoError(t, err)
	rooms, err := e.rooms.List(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, 2, rooms[0].UnreadCount, "bob's join and his message")

	seq, err := e.rooms.MarkRead(ctx, a.ID, g.ID)
	require.NoError(t, err)
	assert.Equal(t, rooms[0].LastSeq, seq)
	assert.Len(t, e.bc.roomEvents(model.EventRead), 1)
}
