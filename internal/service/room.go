package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chatroom/internal/logger"
	"github.com/chatroom/internal/model"
	"github.com/chatroom/internal/repository"
)

type CreateRoomInput struct {
	Name        string   `json:"name" validate:"required,max=100"`
	Description string   `json:"description" validate:"max=500"`
	MemberIDs   []string `json:"member_ids" validate:"max=100,dive,uuid"`
}

type UpdateRoomInput struct {
	Name        *string `json:"name" validate:"omitempty,min=1,max=100"`
	Description *string `json:"description" validate:"omitempty,max=500"`
}

// RoomDetail is a room together with its members.
type RoomDetail struct {
	model.Room
	Members []model.Member `json:"members"`
}

type RoomService struct {
	rooms RoomStore
	users UserStore
	log   *MessageLog
	bc    Broadcaster
	now   func() time.Time
}

func NewRoomService(rooms RoomStore, users UserStore, log *MessageLog, bc Broadcaster) *RoomService {
	return &RoomService{rooms: rooms, users: users, log: log, bc: bc, now: time.Now}
}

// Access checks that the room exists and userID belongs to it.
func (s *RoomService) Access(ctx context.Context, userID, roomID string) (*model.Room, error) {
	rm, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	ok, err := s.rooms.IsMember(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrForbidden
	}
	return rm, nil
}

func (s *RoomService) CreateGroup(ctx context.Context, creator *model.User, in CreateRoomInput) (*model.Room, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Description = strings.TrimSpace(in.Description)
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	rm := &model.Room{
		ID:          uuid.New().String(),
		Name:        in.Name,
		Description: in.Description,
		Type:        model.RoomTypeGroup,
		CreatedBy:   creator.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.rooms.CreateGroup(ctx, rm); err != nil {
		return nil, fmt.Errorf("room.CreateGroup: %w", err)
	}
	logger.Infof("room created: room=%s creator=%s", rm.ID, creator.ID)

	seen := map[string]struct{}{creator.ID: {}}
	for _, uid := range in.MemberIDs {
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}
		if err := s.addMember(ctx, rm, uid); err != nil && !errors.Is(err, repository.ErrAlreadyMember) {
			logger.Errorf("room.CreateGroup add member room=%s user=%s: %v", rm.ID, uid, err)
		}
	}
	return s.rooms.GetByID(ctx, rm.ID)
}

// GetOrCreatePrivate returns the one private room between the caller and other.
// Concurrent calls from both sides resolve to the same room.
func (s *RoomService) GetOrCreatePrivate(ctx context.Context, caller *model.User, otherID string) (*model.Room, bool, error) {
	if otherID == "" {
		return nil, false, invalid("user_id is required")
	}
	if otherID == caller.ID {
		return nil, false, invalid("cannot open a private room with yourself")
	}
	other, err := s.users.GetByID(ctx, otherID)
	if err != nil {
		return nil, false, err
	}
	rm, created, err := s.rooms.GetOrCreatePrivate(ctx, caller.ID, other.ID, s.now().UTC())
	if err != nil {
		return nil, false, fmt.Errorf("room.GetOrCreatePrivate: %w", err)
	}
	if created {
		callerView := *rm
		callerView.Name = caller.Username
		s.bc.SendToUser(other.ID, &model.Event{Type: model.EventMemberAdded, RoomID: rm.ID, UserID: other.ID, Room: &callerView})
	}
	if rm.Name == "" {
		rm.Name = other.Username
	}
	return rm, created, nil
}

func (s *RoomService) List(ctx context.Context, userID string) ([]model.RoomSummary, error) {
	return s.rooms.ListForUser(ctx, userID)
}

func (s *RoomService) Get(ctx context.Context, userID, roomID string) (*RoomDetail, error) {
	rm, err := s.Access(ctx, userID, roomID)
	if err != nil {
		return nil, err
	}
	members, err := s.members(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if rm.Type == model.RoomTypePrivate && rm.Name == "" {
		for _, m := range members {
			if m.ID != userID {
				rm.Name = m.Username
			}
		}
	}
	return &RoomDetail{Room: *rm, Members: members}, nil
}

func (s *RoomService) members(ctx context.Context, roomID string) ([]model.Member, error) {
	members, err := s.rooms.ListMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	for i := range members {
		members[i].Online = members[i].Status == model.StatusOnline
	}
	return members, nil
}

// Members lists the room's members with their live status.
func (s *RoomService) Members(ctx context.Context, userID, roomID string) ([]model.Member, error) {
	if _, err := s.Access(ctx, userID, roomID); err != nil {
		return nil, err
	}
	return s.members(ctx, roomID)
}

func (s *RoomService) requireCreator(ctx context.Context, userID, roomID string) (*model.Room, error) {
	rm, err := s.Access(ctx, userID, roomID)
	if err != nil {
		return nil, err
	}
	if rm.CreatedBy != userID {
		return nil, ErrForbidden
	}
	return rm, nil
}

func (s *RoomService) Update(ctx context.Context, userID, roomID string, in UpdateRoomInput) (*model.Room, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	rm, err := s.requireCreator(ctx, userID, roomID)
	if err != nil {
		return nil, err
	}
	if rm.Type == model.RoomTypePrivate {
		return nil, invalid("private rooms cannot be renamed")
	}
	name, desc := rm.Name, rm.Description
	if in.Name != nil {
		name = strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, invalid("name is required")
		}
	}
	if in.Description != nil {
		desc = strings.TrimSpace(*in.Description)
	}
	updated, err := s.rooms.Update(ctx, roomID, name, desc, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.bc.Broadcast(roomID, &model.Event{Type: model.EventRoomUpdated, RoomID: roomID, UserID: userID, Room: updated}, "")
	return updated, nil
}

// Delete removes the room, its memberships and its history for everyone.
func (s *RoomService) Delete(ctx context.Context, userID, roomID string) error {
	if _, err := s.requireCreator(ctx, userID, roomID); err != nil {
		return err
	}
	ids, err := s.rooms.MemberIDs(ctx, roomID)
	if err != nil {
		return err
	}
	if err := s.rooms.Delete(ctx, roomID); err != nil {
		return err
	}
	ev := &model.Event{Type: model.EventRoomDeleted, RoomID: roomID, UserID: userID}
	for _, uid := range ids {
		s.bc.SendToUser(uid, ev)
	}
	s.bc.CloseRoom(roomID)
	logger.Infof("room deleted: room=%s by=%s", roomID, userID)
	return nil
}

// AddMember lets any member of a group room invite another user. The creator keeps
// that right after leaving, so a room emptied by its members can be rejoined.
func (s *RoomService) AddMember(ctx context.Context, actorID, roomID, userID string) error {
	rm, err := s.Access(ctx, actorID, roomID)
	if errors.Is(err, ErrForbidden) {
		rm, err = s.rooms.GetByID(ctx, roomID)
		if err == nil && rm.CreatedBy != actorID {
			err = ErrForbidden
		}
	}
	if err != nil {
		return err
	}
	if userID == "" {
		return invalid("user_id is required")
	}
	return s.addMember(ctx, rm, userID)
}

func (s *RoomService) addMember(ctx context.Context, rm *model.Room, userID string) error {
	if rm.Type == model.RoomTypePrivate {
		return invalid("private rooms have exactly two members")
	}
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	err = s.rooms.AddMember(ctx, model.Membership{
		RoomID:   rm.ID,
		UserID:   u.ID,
		Role:     model.RoleMember,
		JoinedAt: s.now().UTC(),
	})
	if err != nil {
		return err
	}
	if _, err := s.log.System(ctx, u, rm.ID, model.MessageTypeJoin); err != nil {
		logger.Errorf("room.addMember join message room=%s user=%s: %v", rm.ID, u.ID, err)
	}
	s.bc.SendToUser(u.ID, &model.Event{Type: model.EventMemberAdded, RoomID: rm.ID, UserID: u.ID, Room: rm})
	return nil
}

// RemoveMember: the creator may remove anyone, everybody else only themselves.
// The room and its history stay even when the last member goes.
func (s *RoomService) RemoveMember(ctx context.Context, actorID, roomID, userID string) error {
	rm, err := s.Access(ctx, actorID, roomID)
	if err != nil {
		return err
	}
	if actorID != userID && rm.CreatedBy != actorID {
		return ErrForbidden
	}
	if rm.Type == model.RoomTypePrivate {
		return invalid("cannot leave a private room")
	}
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.rooms.RemoveMember(ctx, roomID, userID); err != nil {
		return err
	}
	if _, err := s.log.System(ctx, u, roomID, model.MessageTypeLeave); err != nil {
		logger.Errorf("room.RemoveMember leave message room=%s user=%s: %v", roomID, userID, err)
	}
	s.bc.Evict(roomID, userID)
	s.bc.SendToUser(userID, &model.Event{Type: model.EventMemberRemoved, RoomID: roomID, UserID: userID})
	return nil
}

func (s *RoomService) Leave(ctx context.Context, userID, roomID string) error {
	return s.RemoveMember(ctx, userID, roomID, userID)
}

// MarkRead moves the caller's read marker to the newest message.
func (s *RoomService) MarkRead(ctx context.Context, userID, roomID string) (int64, error) {
	if _, err := s.Access(ctx, userID, roomID); err != nil {
		return 0, err
	}
	seq, err := s.rooms.MarkRead(ctx, roomID, userID)
	if err != nil {
		return 0, err
	}
	s.bc.Broadcast(roomID, &model.Event{Type: model.EventRead, RoomID: roomID, UserID: userID, Seq: seq}, "")
	return seq, nil
}
