package bus

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type fakeAck struct {
	acks, naks int
}

func (f *fakeAck) Ack(...nats.AckOpt) error { f.acks++; return nil }
func (f *fakeAck) Nak(...nats.AckOpt) error { f.naks++; return nil }

func TestHandleAcksOnSuccess(t *testing.T) {
	msg, err := newMessage(context.Background(), SubjectRequested, map[string]string{"repo": "author/model"})
	require.NoError(t, err)

	var got map[string]string
	ack := &fakeAck{}
	handle(context.Background(), func(ctx context.Context, data []byte) error {
		return json.Unmarshal(data, &got)
	}, msg, ack)

	assert.Equal(t, 1, ack.acks)
	assert.Zero(t, ack.naks)
	assert.Equal(t, "author/model", got["repo"])
}

func TestHandleNaksOnError(t *testing.T) {
	msg := nats.NewMsg(SubjectRequested)
	ack := &fakeAck{}
	handle(context.Background(), func(context.Context, []byte) error {
		return errors.New("hub unavailable")
	}, msg, ack)

	assert.Zero(t, ack.acks)
	assert.Equal(t, 1, ack.naks)
}

func TestTraceContextTravelsInHeaders(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	parent := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	msg, err := newMessage(parent, SubjectCompleted, struct{}{})
	require.NoError(t, err)
	assert.NotEmpty(t, http.Header(msg.Header).Get("traceparent"))

	var seen trace.TraceID
	handle(context.Background(), func(ctx context.Context, _ []byte) error {
		seen = trace.SpanContextFromContext(ctx).TraceID()
		return nil
	}, msg, &fakeAck{})
	assert.Equal(t, traceID, seen)
}

func TestNilBus(t *testing.T) {
	var b *Bus
	require.Error(t, b.Publish(context.Background(), SubjectRequested, nil))
	require.Error(t, b.EnsureStream(context.Background(), 0))
	_, err := b.Subscribe(context.Background(), SubjectRequested, "scanner", func(context.Context, []byte) error { return nil })
	require.Error(t, err)
	assert.False(t, b.Connected())
	b.Close()
}

func TestScanRequestedMsgID(t *testing.T) {
	lm := time.Date(2023, 5, 1, 10, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	req := ScanRequested{ScanID: uuid.New(), Repo: "author/model", LastModified: &lm}
	assert.Equal(t, "author/model@2023-05-01T08:00:00Z", req.MsgID())

	again := ScanRequested{ScanID: uuid.New(), Repo: "author/model", LastModified: &lm}
	assert.Equal(t, req.MsgID(), again.MsgID())

	assert.Equal(t, "author/model", ScanRequested{Repo: "author/model"}.MsgID())
}
