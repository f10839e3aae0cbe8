// Package events fans thread changes and streaming flushes out to live
// readers over an in-process watermill pub/sub.
//
// Every thread has its own topic. Subscribers first receive a loading event,
// then a value snapshot of the thread's active messages, then a fresh
// snapshot after every committed change and flush events while a message
// streams.
package events

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-chat-sync/internal/domain"
)

// Event types.
const (
	TypeLoading = "loading"
	TypeValue   = "value"
	TypeFlush   = "flush"
	TypeError   = "error"

	typeChanged = "changed"
)

// Event is what subscribers observe.
type Event struct {
	Type      string           `json:"type"`
	ThreadID  string           `json:"thread_id"`
	Messages  []domain.Message `json:"messages,omitempty"`
	MessageID string           `json:"message_id,omitempty"`
	Content   string           `json:"content,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Snapshotter loads the active messages of a thread.
type Snapshotter func(ctx context.Context, threadID string) ([]domain.Message, error)

// Hub publishes thread events and serves subscriptions.
type Hub struct {
	pubsub   *gochannel.GoChannel
	snapshot Snapshotter
}

// NewHub returns a hub that reads snapshots through snap.
func NewHub(snap Snapshotter, logger zerolog.Logger) *Hub {
	ps := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            64,
		BlockPublishUntilSubscriberAck: true,
	}, NewWatermillLogger(logger))
	return &Hub{pubsub: ps, snapshot: snap}
}

func topic(threadID string) string { return "thread." + threadID }

func (h *Hub) publish(e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		log.Error().Err(err).Str("thread_id", e.ThreadID).Msg("marshal thread event")
		return
	}
	if err := h.pubsub.Publish(topic(e.ThreadID), message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		log.Warn().Err(err).Str("thread_id", e.ThreadID).Str("event_type", e.Type).Msg("publish thread event")
	}
}

// ThreadChanged tells subscribers of threadID to reload their snapshot.
func (h *Hub) ThreadChanged(_ context.Context, threadID string) {
	h.publish(Event{Type: typeChanged, ThreadID: threadID})
}

// StreamFlushed publishes the accumulated content of a streaming message.
func (h *Hub) StreamFlushed(_ context.Context, threadID, messageID, content string) {
	h.publish(Event{Type: TypeFlush, ThreadID: threadID, MessageID: messageID, Content: content})
}

// Subscribe streams events for threadID until ctx is done; the channel is
// closed afterwards. Flush events are dropped for a reader that falls
// behind, snapshots are not.
func (h *Hub) Subscribe(ctx context.Context, threadID string) (<-chan Event, error) {
	msgs, err := h.pubsub.Subscribe(ctx, topic(threadID))
	if err != nil {
		return nil, err
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)

		send := func(e Event) bool {
			select {
			case out <- e:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if !send(Event{Type: TypeLoading, ThreadID: threadID}) || !send(h.value(ctx, threadID)) {
			return
		}

		for msg := range msgs {
			msg.Ack()
			var e Event
			if err := json.Unmarshal(msg.Payload, &e); err != nil {
				log.Warn().Err(err).Str("thread_id", threadID).Msg("decode thread event")
				continue
			}
			switch e.Type {
			case typeChanged:
				if !send(h.value(ctx, threadID)) {
					return
				}
			case TypeFlush:
				select {
				case out <- e:
				default:
				}
			}
		}
	}()
	return out, nil
}

func (h *Hub) value(ctx context.Context, threadID string) Event {
	msgs, err := h.snapshot(ctx, threadID)
	if err != nil {
		return Event{Type: TypeError, ThreadID: threadID, Error: err.Error()}
	}
	return Event{Type: TypeValue, ThreadID: threadID, Messages: msgs}
}

// Close shuts the pub/sub down; open subscriptions end.
func (h *Hub) Close() error {
	return h.pubsub.Close()
}
