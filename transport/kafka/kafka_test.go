package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/sbflow/internal/runtime/metadata"
	"github.com/drblury/sbflow/transport"
	"github.com/drblury/sbflow/transport/transporttest"
)

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = original })
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "kafka", caps.Name)
	assert.True(t, caps.SupportsPartitioning)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.KafkaCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	t.Run("creates publisher with mocked factory", func(t *testing.T) {
		originalPubFactory := PublisherFactory
		t.Cleanup(func() { PublisherFactory = originalPubFactory })

		mockPub := &transporttest.Publisher{}
		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
			require.NotNil(t, cfg.OverwriteSaramaConfig)
			assert.Equal(t, "bridge-1", cfg.OverwriteSaramaConfig.ClientID)
			assert.NotNil(t, cfg.Marshaler)
			return mockPub, nil
		}

		tr, err := Build(context.Background(), &transporttest.Config{
			KafkaBrokers:  []string{"localhost:9092"},
			KafkaClientID: "bridge-1",
		}, watermill.NopLogger{})

		require.NoError(t, err)
		assert.Equal(t, mockPub, tr.Publisher)
		assert.Nil(t, tr.Subscriber)
	})

	t.Run("defaults the client id", func(t *testing.T) {
		originalPubFactory := PublisherFactory
		t.Cleanup(func() { PublisherFactory = originalPubFactory })

		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			assert.Equal(t, DefaultClientID, cfg.OverwriteSaramaConfig.ClientID)
			return &transporttest.Publisher{}, nil
		}

		_, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"k:9092"}}, watermill.NopLogger{})
		require.NoError(t, err)
	})

	t.Run("requires brokers", func(t *testing.T) {
		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "brokers are required")
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		originalPubFactory := PublisherFactory
		t.Cleanup(func() { PublisherFactory = originalPubFactory })

		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		_, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"k:9092"}}, watermill.NopLogger{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "publisher error")
	})
}

func TestPartitionKey(t *testing.T) {
	withSession := message.NewMessage("u1", nil)
	withSession.Metadata.Set(metadata.KeySessionID, "S1")
	withSession.Metadata.Set(metadata.KeyMessageID, "m1")

	withoutSession := message.NewMessage("u2", nil)
	withoutSession.Metadata.Set(metadata.KeyMessageID, "m2")

	bare := message.NewMessage("u3", nil)

	for msg, want := range map[*message.Message]string{withSession: "S1", withoutSession: "m2", bare: "u3"} {
		key, err := PartitionKey("records", msg)
		require.NoError(t, err)
		assert.Equal(t, want, key)
	}
}
