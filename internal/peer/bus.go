package peer

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime/debug"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Topic names for the in-process peer-lifecycle announcement bus. The
// enumeration plumbing that actually discovers remote endpoints is out of
// scope (spec.md §1); this bus is the interface the Channel Manager
// consumes from it, modeled on the teacher's AMQP handler wiring
// (internal/handler/amqp) but backed by an in-memory gochannel pub/sub so
// the module needs no external broker.
const (
	TopicPeerAdded   = "peer.added"
	TopicPeerRemoved = "peer.removed"
)

// Announcement is the wire shape of a peer lifecycle event published by
// the enumeration collaborator. Handle is an opaque token the collaborator
// and the transport driver agree on out of band; the channel manager never
// interprets it beyond passing it to transport.Mailbox.Send.
type Announcement struct {
	PortID string `json:"port_id"`
	DestID uint32 `json:"dest_id"`
	Handle string `json:"handle"`
}

// Bus wires a Directory to an in-memory watermill pub/sub so peer
// lifecycle announcements can be published and consumed without
// depending on a live message broker.
type Bus struct {
	Publisher message.Publisher
	logger    *slog.Logger
}

// NewBus creates the in-process announcement bus and subscribes dir to
// it. Mirrors the teacher's RegisterHandlers/Bind shape (panic recovery,
// JSON decode, then dispatch into domain logic).
func NewBus(logger *slog.Logger, dir *Directory) (*Bus, error) {
	wmLogger := watermill.NewSlogLogger(logger)
	pubsub := gochannel.NewGoChannel(gochannel.Config{}, wmLogger)

	added, err := pubsub.Subscribe(context.Background(), TopicPeerAdded)
	if err != nil {
		return nil, err
	}
	removed, err := pubsub.Subscribe(context.Background(), TopicPeerRemoved)
	if err != nil {
		return nil, err
	}

	b := &Bus{Publisher: pubsub, logger: logger}
	go b.consume(added, func(a Announcement) { dir.Add(a.PortID, a.DestID, a.Handle) })
	go b.consume(removed, func(a Announcement) { dir.Remove(a.PortID, a.DestID) })
	return b, nil
}

func (b *Bus) consume(messages <-chan *message.Message, handle func(Announcement)) {
	for msg := range messages {
		b.handleOne(msg, handle)
	}
}

func (b *Bus) handleOne(msg *message.Message, handle func(Announcement)) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("peer bus handler panic", "err", r, "stack", string(debug.Stack()))
		}
		msg.Ack()
	}()

	var a Announcement
	if err := json.Unmarshal(msg.Payload, &a); err != nil {
		b.logger.Error("peer bus decode failed", "err", err, "msg_id", msg.UUID)
		return
	}
	handle(a)
}

// PublishAdded announces a peer appearing on portID.
func (b *Bus) PublishAdded(ctx context.Context, portID string, destid uint32, handle string) error {
	return b.publish(ctx, TopicPeerAdded, Announcement{PortID: portID, DestID: destid, Handle: handle})
}

// PublishRemoved announces a peer disappearing from portID.
func (b *Bus) PublishRemoved(ctx context.Context, portID string, destid uint32) error {
	return b.publish(ctx, TopicPeerRemoved, Announcement{PortID: portID, DestID: destid})
}

func (b *Bus) publish(ctx context.Context, topic string, a Announcement) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	return b.Publisher.Publish(topic, msg)
}
