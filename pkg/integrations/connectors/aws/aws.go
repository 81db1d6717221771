// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package aws implements the cloud-provider connector on the AWS SDK. It
// exposes a small EC2/SQS surface; the credential is "ACCESS_KEY:SECRET_KEY"
// or empty to use the ambient provider chain.
package aws

import (
	"context"
	"strings"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/eden-vertex/vertex/pkg/errors"
	"github.com/eden-vertex/vertex/pkg/integrations"
	"github.com/eden-vertex/vertex/pkg/model"
)

// Type is the integration type this connector serves.
const Type = "aws"

// Factory returns the registry entry for AWS integrations.
func Factory() integrations.Factory {
	return integrations.Factory{
		Type:           Type,
		RequiredConfig: []string{"region"},
		New:            build,
	}
}

// Connector speaks to one AWS account/region pair.
type Connector struct {
	ec2 *ec2.Client
	sqs *sqs.Client
}

func build(ctx context.Context, bc integrations.BuildContext) (integrations.Connector, error) {
	region, err := integrations.ConfigString(bc.Config, "region")
	if err != nil {
		return nil, err
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if bc.Credential != "" {
		accessKey, secretKey, ok := strings.Cut(bc.Credential, ":")
		if !ok || accessKey == "" || secretKey == "" {
			return nil, errors.NewValidation("aws credential must be ACCESS_KEY:SECRET_KEY")
		}
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.NewConnector(err, "loading aws configuration")
	}
	return &Connector{ec2: ec2.NewFromConfig(cfg), sqs: sqs.NewFromConfig(cfg)}, nil
}

// Test implements integrations.Connector via a DescribeRegions round trip,
// the cheapest call that exercises both credentials and the region endpoint.
func (c *Connector) Test(ctx context.Context) error {
	_, err := c.ec2.DescribeRegions(ctx, &ec2.DescribeRegionsInput{})
	if err != nil {
		return errors.NewConnector(err, "describing regions")
	}
	return nil
}

// Capabilities implements integrations.Connector.
func (c *Connector) Capabilities() []model.ConnectorCapability {
	return []model.ConnectorCapability{
		{Name: "ec2.describe-regions", Description: "list the regions visible to the account"},
		{
			Name:        "ec2.list-instances",
			Description: "list EC2 instances in the region",
			Params:      map[string]string{"state": "optional instance state filter, e.g. running"},
		},
		{
			Name:        "sqs.list-queues",
			Description: "list SQS queue URLs",
			Params:      map[string]string{"prefix": "optional queue name prefix"},
		},
		{
			Name:        "sqs.send-message",
			Description: "send one message to a queue",
			Params:      map[string]string{"queue_url": "target queue URL", "body": "message body"},
		},
		{
			Name:        "sqs.receive-messages",
			Description: "receive up to max messages from a queue",
			Params:      map[string]string{"queue_url": "source queue URL", "max": "optional batch size, default 1"},
		},
	}
}

// Execute implements integrations.Connector.
func (c *Connector) Execute(ctx context.Context, operation string, params map[string]interface{}) (interface{}, error) {
	switch operation {
	case "ec2.describe-regions":
		return c.describeRegions(ctx)
	case "ec2.list-instances":
		return c.listInstances(ctx, params)
	case "sqs.list-queues":
		return c.listQueues(ctx, params)
	case "sqs.send-message":
		return c.sendMessage(ctx, params)
	case "sqs.receive-messages":
		return c.receiveMessages(ctx, params)
	default:
		return nil, errors.NewValidation("operation %q is not supported by %s integrations", operation, Type)
	}
}

// Close implements integrations.Connector. SDK clients hold no connections
// that outlive their requests.
func (c *Connector) Close() error { return nil }

func (c *Connector) describeRegions(ctx context.Context) (interface{}, error) {
	out, err := c.ec2.DescribeRegions(ctx, &ec2.DescribeRegionsInput{})
	if err != nil {
		return nil, errors.NewConnector(err, "describing regions")
	}
	regions := make([]string, 0, len(out.Regions))
	for _, r := range out.Regions {
		regions = append(regions, awssdk.ToString(r.RegionName))
	}
	return map[string]interface{}{"regions": regions}, nil
}

func (c *Connector) listInstances(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	state, err := integrations.OptionalStringParam(params, "state", "")
	if err != nil {
		return nil, err
	}

	input := &ec2.DescribeInstancesInput{}
	if state != "" {
		input.Filters = []ec2types.Filter{{
			Name:   awssdk.String("instance-state-name"),
			Values: []string{state},
		}}
	}

	instances := []map[string]interface{}{}
	paginator := ec2.NewDescribeInstancesPaginator(c.ec2, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.NewConnector(err, "describing instances")
		}
		for _, res := range page.Reservations {
			for _, inst := range res.Instances {
				instances = append(instances, map[string]interface{}{
					"id":    awssdk.ToString(inst.InstanceId),
					"type":  string(inst.InstanceType),
					"state": string(inst.State.Name),
					"zone":  awssdk.ToString(inst.Placement.AvailabilityZone),
				})
			}
		}
	}
	return map[string]interface{}{"instances": instances, "count": len(instances)}, nil
}

func (c *Connector) listQueues(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	prefix, err := integrations.OptionalStringParam(params, "prefix", "")
	if err != nil {
		return nil, err
	}
	input := &sqs.ListQueuesInput{}
	if prefix != "" {
		input.QueueNamePrefix = awssdk.String(prefix)
	}
	out, err := c.sqs.ListQueues(ctx, input)
	if err != nil {
		return nil, errors.NewConnector(err, "listing queues")
	}
	return map[string]interface{}{"queues": out.QueueUrls}, nil
}

func (c *Connector) sendMessage(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	queueURL, err := integrations.StringParam(params, "queue_url")
	if err != nil {
		return nil, err
	}
	body, err := integrations.StringParam(params, "body")
	if err != nil {
		return nil, err
	}
	out, err := c.sqs.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    awssdk.String(queueURL),
		MessageBody: awssdk.String(body),
	})
	if err != nil {
		return nil, errors.NewConnector(err, "sending message to %s", queueURL)
	}
	return map[string]interface{}{"message_id": awssdk.ToString(out.MessageId)}, nil
}

func (c *Connector) receiveMessages(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	queueURL, err := integrations.StringParam(params, "queue_url")
	if err != nil {
		return nil, err
	}
	max, err := integrations.IntParam(params, "max", 1)
	if err != nil {
		return nil, err
	}
	if max < 1 || max > 10 {
		return nil, errors.NewValidation("parameter \"max\" must be between 1 and 10")
	}

	out, err := c.sqs.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            awssdk.String(queueURL),
		MaxNumberOfMessages: int32(max),
	})
	if err != nil {
		return nil, errors.NewConnector(err, "receiving messages from %s", queueURL)
	}
	messages := make([]map[string]interface{}, 0, len(out.Messages))
	for _, m := range out.Messages {
		messages = append(messages, map[string]interface{}{
			"id":             awssdk.ToString(m.MessageId),
			"body":           awssdk.ToString(m.Body),
			"receipt_handle": awssdk.ToString(m.ReceiptHandle),
		})
	}
	return map[string]interface{}{"messages": messages}, nil
}
