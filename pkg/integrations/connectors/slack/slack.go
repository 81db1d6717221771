// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package slack implements the chat connector. The credential is a bot
// token; an optional default_channel config key saves callers from passing
// a channel on every post.
package slack

import (
	"context"

	slackapi "github.com/slack-go/slack"

	"github.com/eden-vertex/vertex/pkg/errors"
	"github.com/eden-vertex/vertex/pkg/integrations"
	"github.com/eden-vertex/vertex/pkg/model"
)

// Type is the integration type this connector serves.
const Type = "slack"

// Factory returns the registry entry for Slack integrations.
func Factory() integrations.Factory {
	return integrations.Factory{
		Type: Type,
		New:  build,
	}
}

// Connector wraps an authenticated Slack client.
type Connector struct {
	client         *slackapi.Client
	defaultChannel string
}

func build(_ context.Context, bc integrations.BuildContext) (integrations.Connector, error) {
	if bc.Credential == "" {
		return nil, errors.NewValidation("slack integrations require a bot token credential")
	}
	return &Connector{
		client:         slackapi.New(bc.Credential),
		defaultChannel: integrations.OptionalConfigString(bc.Config, "default_channel", ""),
	}, nil
}

// Test implements integrations.Connector via auth.test.
func (c *Connector) Test(ctx context.Context) error {
	if _, err := c.client.AuthTestContext(ctx); err != nil {
		return errors.NewConnector(err, "authenticating against slack")
	}
	return nil
}

// Capabilities implements integrations.Connector.
func (c *Connector) Capabilities() []model.ConnectorCapability {
	return []model.ConnectorCapability{
		{
			Name:        "post-message",
			Description: "post a message to a channel",
			Params: map[string]string{
				"channel": "channel id or name; optional when default_channel is configured",
				"text":    "message text",
			},
		},
		{
			Name:        "list-channels",
			Description: "list public channels",
			Params:      map[string]string{"limit": "optional page size, default 100"},
		},
	}
}

// Execute implements integrations.Connector.
func (c *Connector) Execute(ctx context.Context, operation string, params map[string]interface{}) (interface{}, error) {
	switch operation {
	case "post-message":
		return c.postMessage(ctx, params)
	case "list-channels":
		return c.listChannels(ctx, params)
	default:
		return nil, errors.NewValidation("operation %q is not supported by %s integrations", operation, Type)
	}
}

// Close implements integrations.Connector.
func (c *Connector) Close() error { return nil }

func (c *Connector) postMessage(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	channel, err := integrations.OptionalStringParam(params, "channel", c.defaultChannel)
	if err != nil {
		return nil, err
	}
	if channel == "" {
		return nil, errors.NewValidation("missing required parameter \"channel\" and no default_channel configured")
	}
	text, err := integrations.StringParam(params, "text")
	if err != nil {
		return nil, err
	}

	channelID, timestamp, err := c.client.PostMessageContext(ctx, channel,
		slackapi.MsgOptionText(text, false))
	if err != nil {
		return nil, errors.NewConnector(err, "posting to %s", channel)
	}
	return map[string]interface{}{"channel": channelID, "ts": timestamp}, nil
}

func (c *Connector) listChannels(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	limit, err := integrations.IntParam(params, "limit", 100)
	if err != nil {
		return nil, err
	}

	channels, _, err := c.client.GetConversationsContext(ctx, &slackapi.GetConversationsParameters{
		Limit: limit,
		Types: []string{"public_channel"},
	})
	if err != nil {
		return nil, errors.NewConnector(err, "listing channels")
	}
	out := make([]map[string]interface{}, 0, len(channels))
	for _, ch := range channels {
		out = append(out, map[string]interface{}{"id": ch.ID, "name": ch.Name})
	}
	return map[string]interface{}{"channels": out}, nil
}
