package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/sbflow/internal/runtime/broker"
	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
	"github.com/drblury/sbflow/internal/runtime/metadata"
)

func sampleRecord() Record {
	msg := &broker.Message{
		MessageID:             "m-1",
		Body:                  []byte(`{"order":42}`),
		ContentType:           "application/json",
		ApplicationProperties: map[string]any{"tenant": "acme", "priority": int64(3)},
		DeliveryCount:         2,
		SequenceNumber:        77,
		SessionID:             "S1",
		EnqueuedTime:          time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		CorrelationID:         "corr-1",
	}
	rec := NewRecord(broker.QueueTarget("orders"), msg, time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC))
	rec.Session = &SessionInfo{ID: "S1", State: map[string]any{"step": float64(1)}}
	return rec
}

func TestPublisherSinkPublishesRecord(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubsub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	messages, err := pubsub.Subscribe(ctx, "records")
	require.NoError(t, err)

	sink, err := NewPublisherSink(pubsub, "records", "")
	require.NoError(t, err)
	require.NoError(t, sink.Emit(ctx, sampleRecord()))

	select {
	case msg := <-messages:
		msg.Ack()
		assert.Equal(t, "m-1", msg.Metadata.Get(metadata.KeyMessageID))
		assert.Equal(t, "S1", msg.Metadata.Get(metadata.KeySessionID))
		assert.Equal(t, "77", msg.Metadata.Get(metadata.KeySequenceNumber))
		assert.Equal(t, "2", msg.Metadata.Get(metadata.KeyDeliveryCount))
		assert.Equal(t, "orders", msg.Metadata.Get(metadata.KeyTarget))
		assert.Equal(t, "json", msg.Metadata.Get(metadata.KeyEncoding))
		assert.Equal(t, "corr-1", msg.Metadata.Get(metadata.KeyCorrelationID))
		assert.Equal(t, "acme", msg.Metadata.Get(metadata.PropertyPrefix+"tenant"))
		assert.Equal(t, "3", msg.Metadata.Get(metadata.PropertyPrefix+"priority"))

		rec, err := DecodeRecord(msg.Payload, EncodingJSON)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"order": float64(42)}, rec.Body)
		assert.Equal(t, "77", rec.SequenceNumber)
		require.NotNil(t, rec.Session)
		assert.Equal(t, "S1", rec.Session.ID)
	case <-ctx.Done():
		t.Fatal("record was not published")
	}
}

func TestEncodeRecordProtobuf(t *testing.T) {
	rec := sampleRecord()
	payload, err := EncodeRecord(rec, EncodingProtobuf)
	require.NoError(t, err)

	decoded, err := DecodeRecord(payload, EncodingProtobuf)
	require.NoError(t, err)
	assert.Equal(t, rec.MessageID, decoded.MessageID)
	assert.Equal(t, rec.Body, decoded.Body)
	assert.Equal(t, rec.SequenceNumber, decoded.SequenceNumber)
	assert.True(t, rec.EnqueuedTime.Equal(decoded.EnqueuedTime))
}

func TestEncodeRecordRejectsUnknownEncoding(t *testing.T) {
	_, err := EncodeRecord(sampleRecord(), Encoding("xml"))
	assert.Error(t, err)

	_, err = ParseEncoding("xml")
	assert.Error(t, err)
	enc, err := ParseEncoding("")
	require.NoError(t, err)
	assert.Equal(t, EncodingJSON, enc)
}

func TestNewPublisherSinkRequiresPublisherAndTopic(t *testing.T) {
	_, err := NewPublisherSink(nil, "records", EncodingJSON)
	assert.ErrorIs(t, err, errspkg.ErrPublisherRequired)

	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubsub.Close()
	_, err = NewPublisherSink(pubsub, "", EncodingJSON)
	assert.ErrorIs(t, err, errspkg.ErrTopicRequired)
}

func TestNewRecordKeepsApplicationProperties(t *testing.T) {
	rec := sampleRecord()
	assert.Equal(t, "acme", rec.ApplicationProperties["tenant"])
	assert.Equal(t, "application/json", rec.ContentType)
	assert.Equal(t, "S1", rec.SessionID)
}
