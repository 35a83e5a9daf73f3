package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrTimeout     = errors.New("broker: request timed out")
	ErrUnavailable = errors.New("broker: unavailable")
	ErrClosed      = errors.New("broker: closed")
)

// RemoteError is returned by Send when the responder's handler failed.
type RemoteError struct {
	Topic   string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("broker: %s responder failed: %s", e.Topic, e.Message)
}

// IsRetryable reports whether err is a transport failure that may succeed
// on a later attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}

// Handler answers a request. The returned value is encoded as the reply
// payload; a non-nil error is sent back to the caller as a RemoteError.
type Handler func(ctx context.Context, payload json.RawMessage) (interface{}, error)

// EventHandler consumes an emitted event. Returning an error leaves the
// event unacknowledged so that it is delivered again.
type EventHandler func(ctx context.Context, evt Event) error

type Sender interface {
	Send(ctx context.Context, topic string, payload interface{}, timeout time.Duration) (json.RawMessage, error)
}

type Emitter interface {
	Emit(ctx context.Context, topic string, payload interface{}) error
}

type Broker interface {
	Sender
	Emitter
	Handle(topic string, h Handler)
	// Subscribe registers h for topic. Every group receives each event once;
	// subscribers sharing a group compete for it.
	Subscribe(topic, group string, h EventHandler)
	Start(ctx context.Context) error
	Close() error
}

// InstanceGroup names a consumer group that belongs to a single process.
// The Redis broker destroys the groups it owns on Close.
func InstanceGroup(name, instanceID string) string {
	return name + "-" + instanceID
}

type Request struct {
	ID      string          `json:"id"`
	Topic   string          `json:"topic"`
	ReplyTo string          `json:"replyTo"`
	SentAt  time.Time       `json:"sentAt"`
	Payload json.RawMessage `json:"payload"`
}

type Reply struct {
	CorrelationID string          `json:"correlationId"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         string          `json:"error,omitempty"`
}

type Event struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	EmittedAt time.Time       `json:"emittedAt"`
	Payload   json.RawMessage `json:"payload"`
}

// Call sends req on topic and decodes the reply into T.
func Call[T any](ctx context.Context, s Sender, topic string, req interface{}, timeout time.Duration) (T, error) {
	var out T
	raw, err := s.Send(ctx, topic, req, timeout)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decoding %s reply: %w", topic, err)
	}
	return out, nil
}

func encode(payload interface{}) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("broker: encoding payload: %w", err)
	}
	return b, nil
}

// invoke runs h and turns its outcome into a Reply for the request id.
func invoke(ctx context.Context, h Handler, req Request) Reply {
	reply := Reply{CorrelationID: req.ID}
	out, err := h(ctx, req.Payload)
	if err != nil {
		reply.Error = err.Error()
		return reply
	}
	payload, err := encode(out)
	if err != nil {
		reply.Error = err.Error()
		return reply
	}
	reply.Payload = payload
	return reply
}

func replyResult(topic string, reply Reply) (json.RawMessage, error) {
	if reply.Error != "" {
		return nil, &RemoteError{Topic: topic, Message: reply.Error}
	}
	return reply.Payload, nil
}
