package aws

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/sbflow/transport"
	"github.com/drblury/sbflow/transport/transporttest"
)

func stubSQS(t *testing.T, factory func(sqs.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error)) {
	t.Helper()
	stubAWS(t)
	original := SQSPublisherFactory
	t.Cleanup(func() { SQSPublisherFactory = original })
	SQSPublisherFactory = factory
}

func TestRegisterSQS(t *testing.T) {
	original := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = original })
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(SQSTransportName)
	assert.Equal(t, "sqs", caps.Name)
	assert.Equal(t, transport.SQSCapabilities, SQSCapabilities())
}

func TestBuildSQS(t *testing.T) {
	t.Run("publishes to mapped queue name", func(t *testing.T) {
		mockPub := &transporttest.Publisher{}
		stubSQS(t, func(cfg sqs.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			assert.Empty(t, cfg.OptFns)
			assert.Equal(t, "us-east-1", cfg.AWSConfig.Region)
			return mockPub, nil
		})

		tr, err := BuildSQS(context.Background(), &transporttest.Config{AWSRegion: "us-east-1"}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Nil(t, tr.Subscriber)

		require.NoError(t, tr.Publisher.Publish("servicebus.records", message.NewMessage("1", []byte("{}"))))
		published := mockPub.Published()
		require.Len(t, published, 1)
		assert.Equal(t, "servicebus-records", published[0].Topic)
	})

	t.Run("sets endpoint override", func(t *testing.T) {
		stubSQS(t, func(cfg sqs.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			assert.Len(t, cfg.OptFns, 1)
			return &transporttest.Publisher{}, nil
		})

		_, err := BuildSQS(context.Background(), &transporttest.Config{
			AWSRegion:   "us-east-1",
			AWSEndpoint: "http://localhost:4566",
		}, watermill.NopLogger{})
		require.NoError(t, err)
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		stubSQS(t, func(cfg sqs.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		})

		_, err := BuildSQS(context.Background(), &transporttest.Config{AWSRegion: "us-east-1"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})
}

func TestQueueName(t *testing.T) {
	assert.Equal(t, "orders_v1-records", QueueName("orders_v1.records"))
	assert.Len(t, QueueName(strings.Repeat("q", 120)), 80)
}
