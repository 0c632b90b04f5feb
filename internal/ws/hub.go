package ws

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatroom/internal/logger"
	"github.com/chatroom/internal/metrics"
	"github.com/chatroom/internal/model"
	"github.com/chatroom/internal/presence"
	"github.com/chatroom/internal/repository"
	"github.com/chatroom/internal/service"
)

// presenceOp is a connect or disconnect waiting for Run. Both kinds share one queue
// so a disconnect is never applied before the connect it pairs with.
type presenceOp struct {
	client     *Client
	connect    bool
	lastInRoom bool
}

// Hub connects the registry with the message log and presence. Registry changes are
// applied synchronously; the presence transitions they cause run in order on Run.
type Hub struct {
	registry *Registry
	presence *presence.Tracker
	log      *service.MessageLog
	ops      chan presenceOp
	done     chan struct{}
}

func NewHub(registry *Registry, tracker *presence.Tracker, log *service.MessageLog) *Hub {
	return &Hub{
		registry: registry,
		presence: tracker,
		log:      log,
		ops:      make(chan presenceOp, 256),
		done:     make(chan struct{}),
	}
}

func (h *Hub) Registry() *Registry { return h.registry }

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case op := <-h.ops:
			h.apply(op)
		}
	}
}

func (h *Hub) apply(op presenceOp) {
	u := op.client.user
	if op.connect {
		h.presence.Connect(u.ID, u.Username)
		return
	}
	if op.lastInRoom {
		h.presence.StopTyping(op.client.roomID, u.ID)
	}
	h.presence.Disconnect(u.ID, u.Username)
}

func (h *Hub) shutdown() {
	all := h.registry.drain()
	// Close connections outside the lock (network I/O).
	for _, c := range all {
		c.CloseWith(websocket.CloseGoingAway, "server shutting down")
	}
	for _, c := range all {
		c.Wait()
	}
	h.presence.Close()
	logger.Infof("ws hub stopped, closed %d connections", len(all))
}

// Register adds c to the registry and queues its presence update.
func (h *Hub) Register(c *Client) error {
	select {
	case <-h.done:
		return errors.New("hub stopped")
	default:
	}
	if err := h.registry.Register(c); err != nil {
		return err
	}
	select {
	case h.ops <- presenceOp{client: c, connect: true}:
	case <-h.done:
	}
	return nil
}

// Unregister is paired with every successful Register; calling it twice is harmless.
func (h *Hub) Unregister(c *Client) {
	removed, last := h.registry.Unregister(c)
	if !removed {
		return
	}
	select {
	case h.ops <- presenceOp{client: c, lastInRoom: last}:
	case <-h.done:
	}
}

// HandleMessage routes one inbound frame of a joined connection.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	switch msg.Type {
	case model.EventMessage, model.EventFile, model.EventTyping, model.EventJoin, model.EventLeave:
		metrics.WSFrames().WithLabelValues(string(msg.Type)).Inc()
	default:
		metrics.WSFrames().WithLabelValues("unknown").Inc()
	}

	switch msg.Type {
	case model.EventMessage:
		h.post(ctx, c, model.NewMessage{RoomID: c.roomID, Type: model.MessageTypeText, Content: msg.Content})
	case model.EventFile:
		h.post(ctx, c, model.NewMessage{
			RoomID:   c.roomID,
			Type:     model.MessageTypeFile,
			Content:  msg.Content,
			FileURL:  msg.FileURL,
			FileName: msg.FileName,
			FileSize: msg.FileSize,
		})
	case model.EventTyping:
		typing := true
		if msg.IsTyping != nil {
			typing = *msg.IsTyping
		}
		h.presence.SetTyping(c.roomID, c.user.ID, c.user.Username, typing)
	case model.EventJoin, model.EventLeave:
		// synthesized by the server on membership change
		logger.Debugf("ws ignoring client %s frame user=%s room=%s", msg.Type, c.user.ID, c.roomID)
	default:
		h.registry.deliver(c, model.ErrorEvent("unknown event type"))
	}
}

func (h *Hub) post(ctx context.Context, c *Client, in model.NewMessage) {
	defer logger.DeferLogDuration("ws.post", time.Now())()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := h.log.Post(ctx, c.user, in)
	var verr *service.ValidationError
	switch {
	case err == nil:
	case errors.As(err, &verr):
		h.registry.deliver(c, model.ErrorEvent(verr.Msg))
	case errors.Is(err, service.ErrForbidden):
		c.CloseWith(CloseForbidden, "not a member")
	case errors.Is(err, repository.ErrNotFound):
		c.CloseWith(CloseRoomNotFound, "room not found")
	default:
		logger.Errorf("ws post user=%s room=%s: %v", c.user.ID, c.roomID, err)
		h.registry.deliver(c, model.ErrorEvent("failed to save message"))
	}
}
