package aws

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/sbflow/transport"
)

// SQSTransportName is the name the SQS sink is registered under.
const SQSTransportName = "sqs"

// SQSPublisherFactory allows overriding the SQS publisher creation for testing.
var SQSPublisherFactory = func(cfg sqs.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sqs.NewPublisher(cfg, logger)
}

// BuildSQS creates a sink publishing records straight to an SQS queue named
// after the sink topic. The queue is created when missing.
func BuildSQS(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	awsCfg, err := createAWSConfig(ctx, cfg, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	logger.Info("Create SQS sink publisher", watermill.LogFields{
		"region":          safeAWSRegion(awsCfg),
		"custom_endpoint": cfg.GetAWSEndpoint() != "",
	})

	publisherConfig, err := buildSQSPublisherConfig(cfg, awsCfg)
	if err != nil {
		logger.Error("Failed to parse AWS endpoint", err, watermill.LogFields{"endpoint": cfg.GetAWSEndpoint()})
		return transport.Transport{}, err
	}

	publisher, err := SQSPublisherFactory(publisherConfig, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: &queueNamePublisher{Publisher: &attributeLimitPublisher{Publisher: publisher}}}, nil
}

// SQSCapabilities returns the capabilities of the SQS sink.
func SQSCapabilities() transport.Capabilities {
	return transport.SQSCapabilities
}

func buildSQSPublisherConfig(cfg transport.Config, awsCfg *aws.Config) (sqs.PublisherConfig, error) {
	publisherConfig := sqs.PublisherConfig{
		AWSConfig: *awsCfg,
	}

	endpoint, err := awsEndpointURL(cfg)
	if err != nil {
		return sqs.PublisherConfig{}, err
	}
	if endpoint != nil {
		publisherConfig.OptFns = []func(*amazonsqs.Options){
			amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{
				Endpoint: smithyendpoints.Endpoint{URI: *endpoint},
			}),
		}
	}
	return publisherConfig, nil
}

// QueueName maps a sink topic onto a valid SQS queue name: letters, digits,
// hyphens and underscores, at most 80 characters.
func QueueName(topic string) string {
	name := invalidTopicChars.ReplaceAllString(topic, "-")
	if len(name) > 80 {
		name = name[:80]
	}
	return name
}

// queueNamePublisher maps sink topics onto SQS queue names.
type queueNamePublisher struct {
	message.Publisher
}

func (p *queueNamePublisher) Publish(topic string, messages ...*message.Message) error {
	return p.Publisher.Publish(QueueName(topic), messages...)
}
