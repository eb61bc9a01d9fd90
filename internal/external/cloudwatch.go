package external

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"mailroom/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchPublisher implements MetricsPublisher by emitting dispatch
// counters to AWS CloudWatch.
//
// Metrics emitted:
//   - DispatchProcessed / DispatchFailed / DispatchGrouped: per-tick outcomes
//   - QueueDepth: queued-notification count sampled at each tick
type CloudWatchPublisher struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// NewCloudWatchPublisher creates a CloudWatchPublisher that publishes to the
// given namespace.
func NewCloudWatchPublisher(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchPublisher {
	return &CloudWatchPublisher{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// PublishTickStats emits the per-tick dispatch counters. Failures are logged
// and swallowed; metrics are never allowed to break the dispatch loop.
func (p *CloudWatchPublisher) PublishTickStats(ctx context.Context, stats types.TickStats) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(p.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String("DispatchProcessed"),
				Value:      aws.Float64(float64(stats.Processed)),
				Unit:       cwtypes.StandardUnitCount,
			},
			{
				MetricName: aws.String("DispatchFailed"),
				Value:      aws.Float64(float64(stats.Failed)),
				Unit:       cwtypes.StandardUnitCount,
			},
			{
				MetricName: aws.String("DispatchGrouped"),
				Value:      aws.Float64(float64(stats.Grouped)),
				Unit:       cwtypes.StandardUnitCount,
			},
		},
	}

	if _, err := p.client.PutMetricData(ctx, input); err != nil {
		p.logger.Error("failed to publish dispatch metrics",
			"error", err.Error(),
			"processed", stats.Processed,
			"failed", stats.Failed,
		)
	}
}

// PublishQueueDepth emits the current queued-notification count.
func (p *CloudWatchPublisher) PublishQueueDepth(ctx context.Context, depth int64) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(p.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String("QueueDepth"),
				Value:      aws.Float64(float64(depth)),
				Unit:       cwtypes.StandardUnitCount,
			},
		},
	}

	if _, err := p.client.PutMetricData(ctx, input); err != nil {
		p.logger.Error("failed to publish queue depth metric",
			"error", err.Error(),
			"depth", depth,
		)
	}
}

// Compile-time assertion that CloudWatchPublisher satisfies MetricsPublisher.
var _ MetricsPublisher = (*CloudWatchPublisher)(nil)
