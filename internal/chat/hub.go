package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/omochice/channel-relay/pkg/protocol"
	"github.com/samber/lo"
)

// Reply reasons sent back to clients.
const (
	ReasonAlreadyJoined = "already joined"
	ReasonNotJoined     = "not joined"
	ReasonUnknownEvent  = "unknown event"
)

// DefaultOutgoingSize is the per-client outgoing buffer length.
const DefaultOutgoingSize = 64

// Client represents a connected relay with transport-agnostic connection.
type Client struct {
	ID       string
	Conn     Conn
	Outgoing chan []byte
}

// NewClient creates a client with a fresh ID and an outgoing buffer of
// the given size.
func NewClient(conn Conn, size int) *Client {
	if size <= 0 {
		size = DefaultOutgoingSize
	}
	return &Client{
		ID:       uuid.NewString(),
		Conn:     conn,
		Outgoing: make(chan []byte, size),
	}
}

// send queues data without blocking; it reports false when the buffer is full.
func (c *Client) send(data []byte) bool {
	select {
	case c.Outgoing <- data:
		return true
	default:
		return false
	}
}

// Hub manages connected clients, their topic memberships and broadcast.
type Hub struct {
	clients map[*Client]bool
	topics  map[string]map[*Client]struct{}
	mu      sync.RWMutex
	policy  TopicPolicy
	broker  Broker
	log     *slog.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithTopicPolicy sets the join check. The default accepts every topic.
func WithTopicPolicy(p TopicPolicy) Option {
	return func(h *Hub) { h.policy = p }
}

// WithBroker routes broadcasts through b instead of delivering them in
// process.
func WithBroker(b Broker) Option {
	return func(h *Hub) { h.broker = b }
}

// NewHub creates a new Hub.
func NewHub(log *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		clients: make(map[*Client]bool),
		topics:  make(map[string]map[*Client]struct{}),
		policy:  AllowTopics(),
		log:     log,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.broker == nil {
		h.broker = NewLocalBroker(h.Deliver)
	}
	return h
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = true
}

// Unregister removes a client and all of its memberships. Once it
// returns, Deliver no longer writes to the client's Outgoing channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, client)
	for topic, members := range h.topics {
		delete(members, client)
		if len(members) == 0 {
			delete(h.topics, topic)
		}
	}
}

// ClientCount returns number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriberCount returns the number of clients joined to topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Topics lists the topics that currently have subscribers.
func (h *Hub) Topics() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return lo.Keys(h.topics)
}

// HandleClient registers the client and processes its frames until the
// connection fails or ctx is done. The client is unregistered on return;
// the caller owns Outgoing and closes it afterwards.
func (h *Hub) HandleClient(ctx context.Context, client *Client) error {
	h.Register(client)
	defer h.Unregister(client)

	log := h.log.With("client", client.ID, "remote", client.Conn.RemoteAddr())
	log.Debug("Client connected")

	for {
		data, err := client.Conn.Read(ctx)
		if err != nil {
			log.Debug("Client disconnected", "error", err)
			return err
		}

		var frame protocol.Frame
		if err := frame.Decode(data); err != nil {
			log.Warn("Failed to decode frame", "error", err)
			continue
		}
		h.handleFrame(ctx, log, client, frame)
	}
}

func (h *Hub) handleFrame(ctx context.Context, log *slog.Logger, client *Client, frame protocol.Frame) {
	switch frame.Event {
	case protocol.EventHeartbeat:
		h.reply(log, client, frame.Reply(protocol.StatusOK, ""))

	case protocol.EventJoin:
		if err := h.join(client, frame.Topic); err != nil {
			log.Info("Join rejected", "topic", frame.Topic, "reason", err)
			h.reply(log, client, frame.Reply(protocol.StatusError, err.Error()))
			return
		}
		log.Info("Joined", "topic", frame.Topic)
		h.reply(log, client, frame.Reply(protocol.StatusOK, ""))

	case protocol.EventLeave:
		h.leave(client, frame.Topic)
		log.Info("Left", "topic", frame.Topic)
		h.reply(log, client, frame.Reply(protocol.StatusOK, ""))

	case protocol.EventNewMessage:
		if !h.joined(client, frame.Topic) {
			h.reply(log, client, frame.Reply(protocol.StatusError, ReasonNotJoined))
			return
		}
		if err := h.Broadcast(ctx, frame.Topic, frame.Payload); err != nil {
			log.Error("Broadcast failed", "topic", frame.Topic, "error", err)
		}

	default:
		h.reply(log, client, frame.Reply(protocol.StatusError, ReasonUnknownEvent))
	}
}

var errAlreadyJoined = errors.New(ReasonAlreadyJoined)

func (h *Hub) join(client *Client, topic string) error {
	if err := h.policy(topic); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.topics[topic]
	if !ok {
		members = make(map[*Client]struct{})
		h.topics[topic] = members
	}
	if _, ok := members[client]; ok {
		return errAlreadyJoined
	}
	members[client] = struct{}{}
	return nil
}

func (h *Hub) leave(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.topics[topic]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.topics, topic)
		}
	}
}

func (h *Hub) joined(client *Client, topic string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.topics[topic][client]
	return ok
}

// Broadcast publishes a new_message event on topic through the broker.
func (h *Hub) Broadcast(ctx context.Context, topic string, payload protocol.Payload) error {
	frame := protocol.Frame{
		Topic:   topic,
		Event:   protocol.EventNewMessage,
		Payload: protocol.Payload{Name: payload.Name, Message: payload.Message},
	}
	data, err := frame.Encode()
	if err != nil {
		return err
	}
	return h.broker.Publish(ctx, topic, data)
}

// Deliver sends an encoded frame to every local subscriber of topic,
// the sender included. Subscribers whose buffer is full are skipped.
func (h *Hub) Deliver(topic string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.topics[topic] {
		if !client.send(data) {
			h.log.Warn("Client buffer full, skipping", "client", client.ID, "topic", topic)
		}
	}
}

func (h *Hub) reply(log *slog.Logger, client *Client, frame protocol.Frame) {
	data, err := frame.Encode()
	if err != nil {
		log.Error("Failed to encode reply", "error", err)
		return
	}
	if !client.send(data) {
		log.Warn("Client buffer full, dropping reply", "ref", frame.Ref)
	}
}
