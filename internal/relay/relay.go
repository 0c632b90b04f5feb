// Package relay shares room fan-out between instances over NATS. Every operation is
// applied to the local registry and published; each instance applies what the others
// publish to its own connections.
package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/chatroom/internal/logger"
	"github.com/chatroom/internal/metrics"
	"github.com/chatroom/internal/model"
)

const DefaultSubject = "chatroom.events"

const (
	opBroadcast       = "broadcast"
	opBroadcastExcept = "broadcast_except_user"
	opSendToUser      = "send_to_user"
	opEvict           = "evict"
	opCloseRoom       = "close_room"
	opCloseSession    = "close_session"
)

// Local is the instance's own connection registry.
type Local interface {
	Broadcast(roomID string, ev *model.Event, excludeConnID string)
	BroadcastExceptUser(roomID string, ev *model.Event, userID string)
	SendToUser(userID string, ev *model.Event)
	Evict(roomID, userID string)
	CloseRoom(roomID string)
	CloseSession(tokenID string)
	Connected(roomID, userID string) bool
}

type publisher interface {
	Publish(subject string, data []byte) error
}

type envelope struct {
	Node    string       `json:"node"`
	Op      string       `json:"op"`
	Room    string       `json:"room,omitempty"`
	User    string       `json:"user,omitempty"`
	Exclude string       `json:"exclude,omitempty"`
	Token   string       `json:"token,omitempty"`
	Event   *model.Event `json:"event,omitempty"`
}

type Relay struct {
	local   Local
	nc      *nats.Conn
	pub     publisher
	subject string
	nodeID  string
	sub     *nats.Subscription
}

// Connect dials NATS and keeps reconnecting in the background.
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("relay disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Infof("relay reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

func New(local Local, nc *nats.Conn, subject string) *Relay {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Relay{local: local, nc: nc, pub: nc, subject: subject, nodeID: uuid.NewString()}
}

// Start subscribes to the events of the other instances.
func (r *Relay) Start() error {
	sub, err := r.nc.Subscribe(r.subject, func(msg *nats.Msg) {
		r.handle(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("relay subscribe %s: %w", r.subject, err)
	}
	r.sub = sub
	logger.Infof("relay subscribed subject=%s node=%s", r.subject, r.nodeID)
	return nil
}

// Close drains the subscription so in-flight events are still applied.
func (r *Relay) Close() error {
	if r.sub == nil {
		return nil
	}
	return r.sub.Drain()
}

func (r *Relay) publish(env envelope) {
	env.Node = r.nodeID
	data, err := json.Marshal(env)
	if err != nil {
		logger.Errorf("relay encode op=%s: %v", env.Op, err)
		return
	}
	if err := r.pub.Publish(r.subject, data); err != nil {
		logger.Errorf("relay publish op=%s room=%s: %v", env.Op, env.Room, err)
		return
	}
	metrics.Relay().WithLabelValues("out").Inc()
}

func (r *Relay) handle(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.Errorf("relay decode: %v", err)
		return
	}
	if env.Node == r.nodeID {
		return
	}
	metrics.Relay().WithLabelValues("in").Inc()
	switch env.Op {
	case opBroadcast:
		if env.Event != nil {
			r.local.Broadcast(env.Room, env.Event, env.Exclude)
		}
	case opBroadcastExcept:
		if env.Event != nil {
			r.local.BroadcastExceptUser(env.Room, env.Event, env.User)
		}
	case opSendToUser:
		if env.Event != nil {
			r.local.SendToUser(env.User, env.Event)
		}
	case opEvict:
		r.local.Evict(env.Room, env.User)
	case opCloseRoom:
		r.local.CloseRoom(env.Room)
	case opCloseSession:
		r.local.CloseSession(env.Token)
	default:
		logger.Warnf("relay unknown op=%q from node=%s", env.Op, env.Node)
	}
}

func (r *Relay) Broadcast(roomID string, ev *model.Event, excludeConnID string) {
	r.local.Broadcast(roomID, ev, excludeConnID)
	r.publish(envelope{Op: opBroadcast, Room: roomID, Exclude: excludeConnID, Event: ev})
}

func (r *Relay) BroadcastExceptUser(roomID string, ev *model.Event, userID string) {
	r.local.BroadcastExceptUser(roomID, ev, userID)
	r.publish(envelope{Op: opBroadcastExcept, Room: roomID, User: userID, Event: ev})
}

func (r *Relay) SendToUser(userID string, ev *model.Event) {
	r.local.SendToUser(userID, ev)
	r.publish(envelope{Op: opSendToUser, User: userID, Event: ev})
}

func (r *Relay) Evict(roomID, userID string) {
	r.local.Evict(roomID, userID)
	r.publish(envelope{Op: opEvict, Room: roomID, User: userID})
}

func (r *Relay) CloseRoom(roomID string) {
	r.local.CloseRoom(roomID)
	r.publish(envelope{Op: opCloseRoom, Room: roomID})
}

func (r *Relay) CloseSession(tokenID string) {
	r.local.CloseSession(tokenID)
	r.publish(envelope{Op: opCloseSession, Token: tokenID})
}

// Connected only knows about this instance's connections.
func (r *Relay) Connected(roomID, userID string) bool {
	return r.local.Connected(roomID, userID)
}
