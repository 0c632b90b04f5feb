package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatroom/internal/auth"
	"github.com/chatroom/internal/config"
	"github.com/chatroom/internal/fileserver"
	"github.com/chatroom/internal/model"
	"github.com/chatroom/internal/presence"
	"github.com/chatroom/internal/push"
	"github.com/chatroom/internal/repository/memory"
	"github.com/chatroom/internal/service"
	storemem "github.com/chatroom/internal/storage/memory"
	"github.com/chatroom/internal/ws"
)

const testTypingTimeout = 300 * time.Millisecond

type stack struct {
	srv      *httptest.Server
	registry *ws.Registry
}

func newStack(t *testing.T) *stack {
	t.Helper()
	return newStackWithTyping(t, testTypingTimeout)
}

func newStackWithTyping(t *testing.T, typingTimeout time.Duration) *stack {
	t.Helper()
	cfg := &config.Config{
		UploadDir:          t.TempDir(),
		MaxUploadSize:      1 << 20,
		CORSAllowedOrigins: "*",
		WS:                 config.WSConfig{TypingTimeout: typingTimeout},
	}
	db := memory.New()
	store := storemem.New()
	registry := ws.NewRegistry(100)

	authSvc := service.NewAuthService(db.Users(), auth.NewIssuer("handler-test-secret", time.Hour), store)
	authSvc.SetBroadcaster(registry)
	msgLog := service.NewMessageLog(db.Messages(), db.Rooms(), registry)
	roomSvc := service.NewRoomService(db.Rooms(), db.Users(), msgLog, registry)
	userSvc := service.NewUserService(db.Users())
	tracker := presence.NewTracker(registry, db.Users(), db.Rooms(), typingTimeout)
	hub := ws.NewHub(registry, tracker, msgLog)
	notifier := push.NewNotifier(store, nil, "")

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		hub.Run(ctx)
	}()

	router := NewRouter(cfg, authSvc, Handlers{
		Auth:    NewAuthHandler(authSvc),
		User:    NewUserHandler(userSvc),
		Room:    NewRoomHandler(roomSvc),
		Message: NewMessageHandler(msgLog),
		File:    NewFileHandler(fileserver.New(cfg.UploadDir, cfg.MaxUploadSize, "")),
		Push:    NewPushHandler(notifier),
		Config:  NewConfigHandler(cfg, notifier),
		WS:      NewWSHandler(hub, authSvc, roomSvc, ws.DefaultOptions(), cfg.CORSAllowedOrigins),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		cancel()
		<-stopped
		srv.Close()
	})
	return &stack{srv: srv, registry: registry}
}

func (s *stack) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func (s *stack) register(t *testing.T, name string) service.Session {
	t.Helper()
	status, data := s.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": name, "email": name + "@gmail.com", "password": "secret123",
	})
	require.Equal(t, http.StatusCreated, status, string(data))
	return decode[service.Session](t, data)
}

func (s *stack) group(t *testing.T, token string, memberIDs ...string) model.Room {
	t.Helper()
	status, data := s.do(t, http.MethodPost, "/api/rooms", token, map[string]any{"name": "general", "member_ids": memberIDs})
	require.Equal(t, http.StatusCreated, status, string(data))
	return decode[model.Room](t, data)
}

func (s *stack) dial(t *testing.T, roomID, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws/" + roomID + "?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func (s *stack) join(t *testing.T, roomID string, sess service.Session) *websocket.Conn {
	t.Helper()
	conn, _, err := s.dial(t, roomID, sess.Token)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.registry.Connected(roomID, sess.User.ID) }, time.Second, 10*time.Millisecond)
	return conn
}

// next reads frames until one of type typ arrives.
func next(t *testing.T, conn *websocket.Conn, typ model.EventType) *model.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var ev model.Event
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == typ {
			return &ev
		}
	}
}

// closeCode reads until the server closes the socket and returns the close code.
func closeCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var ce *websocket.CloseError
			require.ErrorAs(t, err, &ce)
			return ce.Code
		}
	}
}

func TestAuthFlow(t *testing.T) {
	s := newStack(t)
	alice := s.register(t, "alice")
	assert.NotEmpty(t, alice.Token)

	status, _ := s.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "alice", "email": "other@gmail.com", "password": "secret123",
	})
	assert.Equal(t, http.StatusConflict, status)

	status, data := s.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{"username": "x", "password": "1"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(data), "error")

	status, _ = s.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "alice", "password": "wrong-pass"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, data = s.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "alice@gmail.com", "password": "secret123"})
	require.Equal(t, http.StatusOK, status)
	sess := decode[service.Session](t, data)

	status, data = s.do(t, http.MethodGet, "/api/users/me", sess.Token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "alice", decode[model.User](t, data).Username)

	status, _ = s.do(t, http.MethodGet, "/api/users/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = s.do(t, http.MethodPost, "/api/auth/logout", sess.Token, nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = s.do(t, http.MethodGet, "/api/users/me", sess.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = s.do(t, http.MethodGet, "/api/users/me", alice.Token, nil)
	assert.Equal(t, http.StatusOK, status, "other sessions stay valid")
}

func TestUsersAndProfile(t *testing.T) {
	s := newStack(t)
	alice := s.register(t, "alice")
	s.register(t, "bob")
	s.register(t, "bobby")

	status, data := s.do(t, http.MethodGet, "/api/users?search=BOB", alice.Token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]model.User](t, data), 2)

	status, data = s.do(t, http.MethodGet, "/api/users", alice.Token, nil)
	require.Equal(t, http.StatusOK, status)
	for _, u := range decode[[]model.User](t, data) {
		assert.NotEqual(t, alice.User.ID, u.ID)
	}

	status, _ = s.do(t, http.MethodPut, "/api/users/me", alice.Token, map[string]string{"username": "bob"})
	assert.Equal(t, http.StatusConflict, status)
	status, data = s.do(t, http.MethodPut, "/api/users/me", alice.Token, map[string]string{"status": "away"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, model.StatusAway, decode[model.User](t, data).Status)
}

func TestRoomsAndMessages(t *testing.T) {
	s := newStack(t)
	alice := s.register(t, "alice")
	bob := s.register(t, "bob")
	carol := s.register(t, "carol")
	rm := s.group(t, alice.Token, bob.User.ID)

	status, data := s.do(t, http.MethodPost, "/api/rooms/private", alice.Token, map[string]string{"user_id": bob.User.ID})
	require.Equal(t, http.StatusCreated, status)
	private := decode[model.Room](t, data)
	assert.Equal(t, "bob", private.Name)
	status, data = s.do(t, http.MethodPost, "/api/rooms/private", bob.Token, map[string]string{"user_id": alice.User.ID})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, private.ID, decode[model.Room](t, data).ID)

	status, data = s.do(t, http.MethodGet, "/api/rooms", bob.Token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]model.RoomSummary](t, data), 2)

	status, _ = s.do(t, http.MethodGet, "/api/rooms/"+rm.ID, carol.Token, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = s.do(t, http.MethodGet, "/api/rooms/"+uuid.NewString(), alice.Token, nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = s.do(t, http.MethodGet, "/api/rooms/not-a-uuid", alice.Token, nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = s.do(t, http.MethodPut, "/api/rooms/"+rm.ID, bob.Token, map[string]string{"name": "mine"})
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = s.do(t, http.MethodPost, "/api/rooms/"+rm.ID+"/members", alice.Token, map[string]string{"user_id": bob.User.ID})
	assert.Equal(t, http.StatusConflict, status)

	status, data = s.do(t, http.MethodGet, "/api/rooms/"+rm.ID+"/members", bob.Token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]model.Member](t, data), 2)

	status, data = s.do(t, http.MethodGet, "/api/rooms/"+rm.ID+"/messages/search", alice.Token, nil)
	assert.Equal(t, http.StatusBadRequest, status, string(data))

	status, _ = s.do(t, http.MethodPost, "/api/rooms/"+rm.ID+"/read", bob.Token, nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = s.do(t, http.MethodPost, "/api/rooms/"+rm.ID+"/leave", bob.Token, nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = s.do(t, http.MethodGet, "/api/rooms/"+rm.ID+"/messages", bob.Token, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, data = s.do(t, http.MethodGet, "/api/rooms/"+rm.ID+"/messages", alice.Token, nil)
	require.Equal(t, http.StatusOK, status)
	history := decode[[]model.Message](t, data)
	require.Len(t, history, 2)
	assert.Equal(t, model.MessageTypeJoin, history[0].Type)
	assert.Equal(t, model.MessageTypeLeave, history[1].Type)
	assert.Less(t, history[0].Seq, history[1].Seq)
}

func TestGateway_RejectsBeforeUpgrade(t *testing.T) {
	s := newStack(t)
	alice := s.register(t, "alice")
	carol := s.register(t, "carol")
	rm := s.group(t, alice.Token)

	_, resp, err := s.dial(t, rm.ID, "garbage")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = s.dial(t, rm.ID, carol.Token)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = s.dial(t, uuid.NewString(), alice.Token)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGateway_MessageFlow(t *testing.T) {
	s := newStack(t)
	alice := s.register(t, "alice")
	bob := s.register(t, "bob")
	rm := s.group(t, alice.Token, bob.User.ID)

	bobConn := s.join(t, rm.ID, bob)
	aliceConn := s.join(t, rm.ID, alice)

	online := next(t, bobConn, model.EventUserOnline)
	assert.Equal(t, alice.User.ID, online.UserID)

	require.NoError(t, aliceConn.WriteJSON(map[string]string{"type": "message", "content": "hello"}))
	mine := next(t, aliceConn, model.EventMessage)
	theirs := next(t, bobConn, model.EventMessage)
	assert.Equal(t, "hello", theirs.Content)
	assert.Equal(t, mine.ID, theirs.ID)
	assert.Equal(t, "alice", theirs.Username)
	assert.NotZero(t, theirs.Seq)
	require.NotNil(t, theirs.CreatedAt)

	require.NoError(t, aliceConn.WriteJSON(map[string]string{"type": "message", "content": "   "}))
	assert.NotEmpty(t, next(t, aliceConn, model.EventError).Error)
	require.NoError(t, aliceConn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, "malformed frame", next(t, aliceConn, model.EventError).Error)

	require.NoError(t, bobConn.WriteJSON(map[string]any{"type": "typing", "is_typing": true}))
	typing := next(t, aliceConn, model.EventTyping)
	require.NotNil(t, typing.IsTyping)
	assert.True(t, *typing.IsTyping)
	stopped := next(t, aliceConn, model.EventTyping)
	require.NotNil(t, stopped.IsTyping)
	assert.False(t, *stopped.IsTyping, "server expires typing without a stop frame")

	status, _ := s.do(t, http.MethodPut, "/api/messages/"+mine.ID, bob.Token, map[string]string{"content": "hijack"})
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = s.do(t, http.MethodPut, "/api/messages/"+mine.ID, alice.Token, map[string]string{"content": "hello!"})
	require.Equal(t, http.StatusOK, status)
	edited := next(t, bobConn, model.EventMessageEdited)
	assert.Equal(t, "hello!", edited.Content)
	assert.True(t, edited.IsEdited)

	status, _ = s.do(t, http.MethodDelete, "/api/messages/"+mine.ID, alice.Token, nil)
	require.Equal(t, http.StatusNoContent, status)
	deleted := next(t, bobConn, model.EventMessageDeleted)
	assert.Equal(t, mine.ID, deleted.ID)
	assert.True(t, deleted.IsDeleted)

	status, _ = s.do(t, http.MethodDelete, "/api/rooms/"+rm.ID+"/members/"+bob.User.ID, alice.Token, nil)
	require.Equal(t, http.StatusNoContent, status)
	assert.Equal(t, ws.CloseForbidden, closeCode(t, bobConn))
	left := next(t, aliceConn, model.EventLeave)
	assert.Equal(t, bob.User.ID, left.UserID)
}

func TestGateway_DisconnectStopsTypingAndGoesOffline(t *testing.T) {
	// long enough that only the disconnect can end the indicator
	s := newStackWithTyping(t, time.Minute)
	alice := s.register(t, "alice")
	bob := s.register(t, "bob")
	rm := s.group(t, alice.Token, bob.User.ID)

	aliceConn := s.join(t, rm.ID, alice)
	bobConn := s.join(t, rm.ID, bob)
	online := next(t, aliceConn, model.EventUserOnline)
	assert.Equal(t, bob.User.ID, online.UserID)

	require.NoError(t, bobConn.WriteJSON(map[string]any{"type": "typing", "is_typing": true}))
	typing := next(t, aliceConn, model.EventTyping)
	require.NotNil(t, typing.IsTyping)
	assert.True(t, *typing.IsTyping)

	require.NoError(t, bobConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.NoError(t, bobConn.Close())

	stopped := next(t, aliceConn, model.EventTyping)
	require.NotNil(t, stopped.IsTyping)
	assert.False(t, *stopped.IsTyping)
	assert.Equal(t, bob.User.ID, stopped.UserID)

	offline := next(t, aliceConn, model.EventUserOffline)
	assert.Equal(t, bob.User.ID, offline.UserID)
	assert.Equal(t, model.StatusOffline, offline.Status)
	assert.Eventually(t, func() bool { return !s.registry.Connected(rm.ID, bob.User.ID) }, time.Second, 10*time.Millisecond)
}

func TestGateway_LogoutAndRoomDeleteClose(t *testing.T) {
	s := newStack(t)
	alice := s.register(t, "alice")
	bob := s.register(t, "bob")
	rm := s.group(t, alice.Token, bob.User.ID)

	bobConn := s.join(t, rm.ID, bob)
	status, _ := s.do(t, http.MethodPost, "/api/auth/logout", bob.Token, nil)
	require.Equal(t, http.StatusNoContent, status)
	assert.Equal(t, ws.CloseUnauthorized, closeCode(t, bobConn))

	aliceConn := s.join(t, rm.ID, alice)
	status, _ = s.do(t, http.MethodDelete, "/api/rooms/"+rm.ID, alice.Token, nil)
	require.Equal(t, http.StatusNoContent, status)
	assert.Equal(t, ws.CloseRoomNotFound, closeCode(t, aliceConn))
}

func TestUploadAndServe(t *testing.T) {
	s := newStack(t)
	alice := s.register(t, "alice")

	upload := func(name string, content []byte) (int, []byte) {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		fw, err := mw.CreateFormFile("file", name)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
		require.NoError(t, mw.Close())
		req, err := http.NewRequest(http.MethodPost, s.srv.URL+"/api/upload", &body)
		require.NoError(t, err)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+alice.Token)
		resp, err := s.srv.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, data
	}

	png := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0x0D, 'I', 'H', 'D', 'R'}
	status, data := upload("cat.png", png)
	require.Equal(t, http.StatusOK, status, string(data))
	res := decode[fileserver.UploadResponse](t, data)
	assert.Equal(t, "cat.png", res.FileName)
	assert.Equal(t, int64(len(png)), res.FileSize)
	require.True(t, strings.HasPrefix(res.URL, "/uploads/"))

	resp, err := s.srv.Client().Get(s.srv.URL + res.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Empty(t, resp.Header.Get("Content-Disposition"), "media is shown inline")
	assert.Contains(t, resp.Header.Get("Content-Security-Policy"), "default-src 'none'")

	status, data = upload("notes.txt", []byte("just some notes"))
	require.Equal(t, http.StatusOK, status, string(data))
	notes := decode[fileserver.UploadResponse](t, data)
	resp, err = s.srv.Client().Get(s.srv.URL + notes.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "attachment", resp.Header.Get("Content-Disposition"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	status, _ = upload("page.html", []byte("<html><script>alert(1)</script></html>"))
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = upload("pic.svg", []byte(`<svg xmlns="http://www.w3.org/2000/svg"></svg>`))
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = upload("tool.exe", []byte("MZ"))
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = upload("big.txt", bytes.Repeat([]byte("a"), 2<<20))
	assert.Equal(t, http.StatusBadRequest, status)

	resp, err = s.srv.Client().Get(s.srv.URL + "/uploads/missing.png")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPushEndpoints(t *testing.T) {
	s := newStack(t)
	alice := s.register(t, "alice")

	status, data := s.do(t, http.MethodGet, "/api/push/vapid-public", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, decode[map[string]any](t, data)["enabled"])

	status, _ = s.do(t, http.MethodPost, "/api/push/subscribe", alice.Token, map[string]any{"subscription": map[string]any{"endpoint": "https://push.example/1"}})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = s.do(t, http.MethodPost, "/api/push/subscribe", alice.Token, map[string]any{
		"subscription": map[string]any{"endpoint": "https://push.example/1", "keys": map[string]string{"p256dh": "p", "auth": "a"}},
	})
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = s.do(t, http.MethodDelete, "/api/push/subscribe", alice.Token, map[string]string{"endpoint": "https://push.example/1"})
	assert.Equal(t, http.StatusNoContent, status)
}
