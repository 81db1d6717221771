// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	slackapi "github.com/slack-go/slack"

	"github.com/eden-vertex/vertex/pkg/config"
	"github.com/eden-vertex/vertex/pkg/errors"
	"github.com/eden-vertex/vertex/pkg/model"
)

// Message is one rendered notification bound for a single recipient.
type Message struct {
	Recipient string
	Subject   string
	Body      string
}

// Transport delivers a message to one recipient over a channel. Send must
// honor ctx; the engine sets the per-channel timeout on it.
type Transport interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// newTransports wires one transport per channel. All HTTP-backed channels
// share a client; ctx deadlines bound individual sends.
func newTransports(cfg config.Notifications) map[model.NotificationChannel]Transport {
	client := newHTTPClient(cfg.ChannelTimeout.Std())
	return map[model.NotificationChannel]Transport{
		model.ChannelEmail:  &emailTransport{cfg: cfg.Email},
		model.ChannelSMS:    &gatewayTransport{name: "sms", cfg: cfg.SMS, client: client},
		model.ChannelPush:   &gatewayTransport{name: "push", cfg: cfg.Push, client: client},
		model.ChannelChat:   &chatTransport{cfg: cfg.Chat},
		model.ChannelCustom: &customTransport{client: client},
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 20 * time.Second,
			}).DialContext,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     60 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
		},
	}
}

// emailTransport speaks SMTP directly so the ctx deadline can bound every
// protocol step; smtp.SendMail offers no deadline control.
type emailTransport struct {
	cfg config.EmailTransport
}

func (t *emailTransport) Name() string { return "email" }

func (t *emailTransport) Send(ctx context.Context, msg Message) error {
	if t.cfg.Host == "" {
		return errors.NewValidation("the email channel has no smtp host configured")
	}
	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.NewTransport(err, "connecting to smtp host %s", addr)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		return errors.NewTransport(err, "smtp handshake with %s", addr)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: t.cfg.Host}); err != nil {
			return errors.NewTransport(err, "starting tls with %s", addr)
		}
	}
	if t.cfg.Username != "" {
		auth := smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
		if err := c.Auth(auth); err != nil {
			return errors.NewTransport(err, "authenticating against %s", addr)
		}
	}
	if err := c.Mail(t.cfg.From); err != nil {
		return errors.NewTransport(err, "smtp MAIL FROM %s", t.cfg.From)
	}
	if err := c.Rcpt(msg.Recipient); err != nil {
		return errors.NewTransport(err, "smtp RCPT TO %s", msg.Recipient)
	}
	w, err := c.Data()
	if err != nil {
		return errors.NewTransport(err, "smtp DATA")
	}
	if _, err := w.Write(formatMail(t.cfg.From, msg)); err != nil {
		return errors.NewTransport(err, "writing message to %s", msg.Recipient)
	}
	if err := w.Close(); err != nil {
		return errors.NewTransport(err, "finishing message to %s", msg.Recipient)
	}
	return c.Quit()
}

func formatMail(from string, msg Message) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.Recipient)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	return b.Bytes()
}

// gatewayTransport posts sms and push messages to a delivery gateway.
type gatewayTransport struct {
	name   string
	cfg    config.HTTPTransport
	client *http.Client
}

func (t *gatewayTransport) Name() string { return t.name }

func (t *gatewayTransport) Send(ctx context.Context, msg Message) error {
	if t.cfg.GatewayURL == "" {
		return errors.NewValidation("the %s channel has no gateway configured", t.name)
	}
	payload, err := json.Marshal(map[string]string{
		"channel":   t.name,
		"recipient": msg.Recipient,
		"subject":   msg.Subject,
		"body":      msg.Body,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.GatewayURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.cfg.APIKey != "" {
		req.Header.Set("X-Api-Key", t.cfg.APIKey)
	}
	return doExpect2xx(t.client, req, t.name+" gateway")
}

// chatTransport posts to an incoming chat webhook. A recipient that is
// itself an http(s) URL overrides the configured default.
type chatTransport struct {
	cfg config.ChatTransport
}

func (t *chatTransport) Name() string { return "chat" }

func (t *chatTransport) Send(ctx context.Context, msg Message) error {
	url := t.cfg.WebhookURL
	if isHTTPURL(msg.Recipient) {
		url = msg.Recipient
	}
	if url == "" {
		return errors.NewValidation("the chat channel has no webhook url configured")
	}
	text := msg.Body
	if msg.Subject != "" {
		text = "*" + msg.Subject + "*\n" + msg.Body
	}
	if err := slackapi.PostWebhookContext(ctx, url, &slackapi.WebhookMessage{Text: text}); err != nil {
		return errors.NewTransport(err, "posting to chat webhook")
	}
	return nil
}

// customTransport posts the message to the recipient itself, which must be
// an http(s) URL.
type customTransport struct {
	client *http.Client
}

func (t *customTransport) Name() string { return "custom" }

func (t *customTransport) Send(ctx context.Context, msg Message) error {
	if !isHTTPURL(msg.Recipient) {
		return errors.NewValidation("custom channel recipients must be http(s) urls, got %q", msg.Recipient)
	}
	payload, err := json.Marshal(map[string]string{
		"subject": msg.Subject,
		"body":    msg.Body,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.Recipient, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doExpect2xx(t.client, req, "custom endpoint")
}

func doExpect2xx(client *http.Client, req *http.Request, target string) error {
	resp, err := client.Do(req)
	if err != nil {
		return errors.NewTransport(err, "posting to the %s", target)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.NewTransport(nil, "the %s returned status %d", target, resp.StatusCode)
	}
	return nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
