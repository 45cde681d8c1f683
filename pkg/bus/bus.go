package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Subjects carried by the scan pipeline.
const (
	StreamScans        = "BHAKTI_SCANS"
	SubjectRequested   = "bhakti.scans.requested"
	SubjectCompleted   = "bhakti.scans.completed"
	subjectScansPrefix = "bhakti.scans.>"
)

// Bus wraps a NATS JetStream connection for publishing and consuming events.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// New creates a Bus connected to the provided NATS endpoint.
func New(url string, opts ...nats.Option) (*Bus, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &Bus{conn: nc, js: js}, nil
}

// Close shuts down the underlying NATS connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Connected reports whether the connection is usable.
func (b *Bus) Connected() bool {
	return b != nil && b.conn.IsConnected()
}

// EnsureStream creates the scan stream if it does not exist yet. dedupWindow
// bounds how long a message id suppresses duplicates.
func (b *Bus) EnsureStream(ctx context.Context, dedupWindow time.Duration) error {
	if b == nil {
		return errors.New("nil bus")
	}
	_, err := b.js.StreamInfo(StreamScans, nats.Context(ctx))
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("bus: stream info: %w", err)
	}
	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:       StreamScans,
		Subjects:   []string{subjectScansPrefix},
		Storage:    nats.FileStorage,
		Duplicates: dedupWindow,
	}, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("bus: add stream: %w", err)
	}
	return nil
}

// Publish encodes v as JSON and publishes it to the given subject.
func (b *Bus) Publish(ctx context.Context, subj string, v any) error {
	return b.PublishDedup(ctx, subj, "", v)
}

// PublishDedup publishes v with a JetStream message id. Messages with the same
// id inside the stream's duplicate window are stored once.
func (b *Bus) PublishDedup(ctx context.Context, subj, msgID string, v any) error {
	if b == nil {
		return errors.New("nil bus")
	}

	msg, err := newMessage(ctx, subj, v)
	if err != nil {
		return err
	}

	opts := []nats.PubOpt{nats.Context(ctx)}
	if msgID != "" {
		opts = append(opts, nats.MsgId(msgID))
	}
	_, err = b.js.PublishMsg(msg, opts...)
	return err
}

func newMessage(ctx context.Context, subj string, v any) (*nats.Msg, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	msg := nats.NewMsg(subj)
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(http.Header(msg.Header)))
	return msg, nil
}

func messageContext(ctx context.Context, msg *nats.Msg) context.Context {
	if msg.Header == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(http.Header(msg.Header)))
}

type subscription struct {
	sub    *nats.Subscription
	mu     sync.Mutex
	closed bool
}

func (s *subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sub.Drain()
}

// Handler processes one message. Returning an error naks the message so it is
// redelivered.
type Handler func(ctx context.Context, data []byte) error

// Subscribe creates a durable consumer on the given subject and invokes fn for each message.
func (b *Bus) Subscribe(ctx context.Context, subj, durable string, fn Handler) (io.Closer, error) {
	if b == nil {
		return nil, errors.New("nil bus")
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}

	sub, err := b.js.Subscribe(subj, dispatch(ctx, fn), nats.Durable(durable), nats.ManualAck(), nats.AckExplicit())
	if err != nil {
		return nil, err
	}

	s := &subscription{sub: sub}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	return s, nil
}

type acker interface {
	Ack(opts ...nats.AckOpt) error
	Nak(opts ...nats.AckOpt) error
}

func dispatch(ctx context.Context, fn Handler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		handle(ctx, fn, msg, msg)
	}
}

func handle(ctx context.Context, fn Handler, msg *nats.Msg, ack acker) {
	handlerCtx, cancel := context.WithCancel(messageContext(ctx, msg))
	defer cancel()

	if err := fn(handlerCtx, msg.Data); err != nil {
		_ = ack.Nak()
		return
	}
	_ = ack.Ack()
}
