// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package webhook

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eden-vertex/vertex/pkg/errors"
	"github.com/eden-vertex/vertex/pkg/model"
	"github.com/eden-vertex/vertex/pkg/store"
	"github.com/eden-vertex/vertex/pkg/store/memory"
)

// newService returns a Service whose engine is not started; dispatches save
// rows without attempting them, which keeps registration tests synchronous.
func newService() *Service {
	stores := memory.New()
	return NewService(testWebhookConfig(), stores.Webhooks, stores.Deliveries)
}

func validInput() RegisterInput {
	return RegisterInput{
		Name:       "ci-hook",
		TargetURL:  "https://example.com/hook",
		Secret:     "s3cret",
		EventTypes: []string{"build.*"},
	}
}

func TestRegisterValidation(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	cases := map[string]func(*RegisterInput){
		"empty name":        func(in *RegisterInput) { in.Name = "" },
		"unparseable url":   func(in *RegisterInput) { in.TargetURL = "://nope" },
		"ftp scheme":        func(in *RegisterInput) { in.TargetURL = "ftp://example.com" },
		"missing host":      func(in *RegisterInput) { in.TargetURL = "http://" },
		"empty secret":      func(in *RegisterInput) { in.Secret = "" },
		"no patterns":       func(in *RegisterInput) { in.EventTypes = nil },
		"bad pattern":       func(in *RegisterInput) { in.EventTypes = []string{"["} },
		"negative attempts": func(in *RegisterInput) { in.MaxAttempts = -1 },
		"negative rate":     func(in *RegisterInput) { in.RateLimit = -0.5 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := validInput()
			mutate(&in)
			_, err := svc.Register(ctx, "owner-1", in)
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err), "got %v", err)
		})
	}
}

func TestRegisterAppliesDefaults(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	wh, err := svc.Register(ctx, "owner-1", validInput())
	require.NoError(t, err)
	assert.Equal(t, testWebhookConfig().MaxAttempts, wh.MaxAttempts)
	assert.True(t, wh.Active)
	assert.NotEmpty(t, wh.ID)
}

func TestRegisterNameConflict(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	_, err := svc.Register(ctx, "owner-1", validInput())
	require.NoError(t, err)

	_, err = svc.Register(ctx, "owner-1", validInput())
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))

	// A different owner can reuse the name.
	_, err = svc.Register(ctx, "owner-2", validInput())
	require.NoError(t, err)
}

func TestDispatchEventMatchesPatternAndOwner(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	w1, err := svc.Register(ctx, "owner-1", RegisterInput{
		Name: "w1", TargetURL: "http://sink/1", Secret: "s", EventTypes: []string{"build.*"},
	})
	require.NoError(t, err)
	_, err = svc.Register(ctx, "owner-1", RegisterInput{
		Name: "w2", TargetURL: "http://sink/2", Secret: "s", EventTypes: []string{"deploy.*"},
	})
	require.NoError(t, err)
	w3, err := svc.Register(ctx, "owner-2", RegisterInput{
		Name: "w3", TargetURL: "http://sink/3", Secret: "s", EventTypes: []string{"build.*"},
	})
	require.NoError(t, err)

	created, err := svc.DispatchEvent(ctx, &model.Event{
		ID: "e1", Type: "build.finished", OwnerID: "owner-1",
		Payload: map[string]interface{}{"ok": true}, PublishedAt: time.Now(),
	})
	require.NoError(t, err)
	require.Len(t, created, 1, "pattern and owner must both match")
	assert.Equal(t, w1.ID, created[0].WebhookID)

	// System events reach every owner's matching webhooks.
	created, err = svc.DispatchEvent(ctx, &model.Event{
		ID: "e2", Type: "build.finished",
		Payload: map[string]interface{}{}, PublishedAt: time.Now(),
	})
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, d := range created {
		ids[d.WebhookID] = true
	}
	assert.Equal(t, map[string]bool{w1.ID: true, w3.ID: true}, ids)
}

func TestDeactivatedWebhookStopsNewDeliveries(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	wh, err := svc.Register(ctx, "owner-1", validInput())
	require.NoError(t, err)

	inactive := false
	_, err = svc.Update(ctx, "owner-1", wh.ID, UpdatePatch{Active: &inactive})
	require.NoError(t, err)

	created, err := svc.DispatchEvent(ctx, &model.Event{
		ID: "e1", Type: "build.done", OwnerID: "owner-1",
		Payload: map[string]interface{}{}, PublishedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.Empty(t, created)

	_, err = svc.Deliver(ctx, "owner-1", wh.ID, "build.done", nil)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	// History survives deactivation.
	_, err = svc.ListDeliveries(ctx, "owner-1", wh.ID, store.ListOptions{})
	require.NoError(t, err)
}

func TestUpdateRevalidatesPatch(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	wh, err := svc.Register(ctx, "owner-1", validInput())
	require.NoError(t, err)

	bad := "not-a-scheme://"
	_, err = svc.Update(ctx, "owner-1", wh.ID, UpdatePatch{TargetURL: &bad})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	rotated := "new-secret"
	updated, err := svc.Update(ctx, "owner-1", wh.ID, UpdatePatch{Secret: &rotated})
	require.NoError(t, err)
	assert.Equal(t, rotated, updated.Secret)
	assert.True(t, updated.UpdatedAt.After(wh.UpdatedAt) || updated.UpdatedAt.Equal(wh.UpdatedAt))
}

func TestOwnershipEnforced(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	wh, err := svc.Register(ctx, "owner-1", validInput())
	require.NoError(t, err)

	_, err = svc.Get(ctx, "owner-2", wh.ID)
	assert.True(t, errors.IsForbidden(err))

	_, err = svc.Update(ctx, "owner-2", wh.ID, UpdatePatch{})
	assert.True(t, errors.IsForbidden(err))

	err = svc.Delete(ctx, "owner-2", wh.ID)
	assert.True(t, errors.IsForbidden(err))

	_, err = svc.ListDeliveries(ctx, "owner-2", wh.ID, store.ListOptions{})
	assert.True(t, errors.IsForbidden(err))

	// The system scope (empty owner) bypasses ownership.
	_, err = svc.Get(ctx, "", wh.ID)
	assert.NoError(t, err)
}

func TestDeliverRecordsPendingRow(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	wh, err := svc.Register(ctx, "owner-1", validInput())
	require.NoError(t, err)

	d, err := svc.Deliver(ctx, "owner-1", wh.ID, "", map[string]interface{}{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, "webhook.manual", d.EventType)
	assert.Equal(t, model.DeliveryPending, d.Status)
	assert.Equal(t, []byte(`{"n":1}`), d.Payload)
	assert.Equal(t, wh.MaxAttempts, d.MaxAttempts)

	list, err := svc.ListDeliveries(ctx, "owner-1", wh.ID, store.ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, d.ID, list[0].ID)
}

func TestMatchesTypeSeparatorSemantics(t *testing.T) {
	assert.True(t, matchesType([]string{"foo.*"}, "foo.bar"))
	assert.False(t, matchesType([]string{"foo.*"}, "foo.bar.baz"), "* stops at the dot")
	assert.True(t, matchesType([]string{"foo.**"}, "foo.bar.baz"))
	assert.True(t, matchesType([]string{"foo.bar"}, "foo.bar"))
	assert.False(t, matchesType([]string{"foo.bar"}, "foo.baz"))
	assert.True(t, matchesType([]string{"a.*", "foo.*"}, "foo.bar"), "any pattern may match")
}
