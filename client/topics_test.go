// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"testing"

	"github.com/absmach/mmx/stanza"
	"github.com/absmach/mmx/topics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicsResolver(t *testing.T) {
	opts := NewOptions().SetDialer(nopDialer).SetApp(testApp, testKey)
	opts.SealWorkFactor = testWorkFactor
	c, err := New(opts)
	require.NoError(t, err)
	defer c.Close()

	path, err := c.Topics().Resolve(topics.Personal("Alice", "news"))
	require.NoError(t, err)
	assert.Equal(t, "/"+testApp+"/alice/news", path)

	_, err = c.Topics().Resolve(topics.Global("news/eu"))
	assert.ErrorIs(t, err, topics.ErrInvalidTopicName)
}

func TestNestedTopicsOption(t *testing.T) {
	opts := NewOptions().SetDialer(nopDialer).SetApp(testApp, testKey).SetNestedTopics(true)
	opts.SealWorkFactor = testWorkFactor
	c, err := New(opts)
	require.NoError(t, err)
	defer c.Close()

	path, err := c.Topics().Resolve(topics.Global("news/eu"))
	require.NoError(t, err)
	assert.Equal(t, "/"+testApp+"/*/news/eu", path)
}

func TestPublishSubscribe(t *testing.T) {
	srv := newServer(t)
	alice, aliceRec := newTestClient(t, srv)
	login(t, srv, alice, aliceRec, "alice")
	bob, bobRec := newTestClient(t, srv)
	login(t, srv, bob, bobRec, "bob")

	ctx := context.Background()
	news := topics.Global("news")
	require.NoError(t, bob.SubscribeTopic(ctx, news))
	assert.Equal(t, 1, srv.Subscribers("/"+testApp+"/*/news"))

	id, err := alice.Publish(ctx, news, Payload{Type: "text", Data: []byte("extra")}, map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	ev := bobRec.wait(t, EventItem)
	require.NotNil(t, ev.Item)
	assert.Equal(t, id, ev.Item.ID)
	assert.True(t, topics.Equal(news, ev.Item.Topic))
	assert.True(t, ev.Item.From.Bare().Equal(ep("alice")))
	assert.Equal(t, []byte("extra"), ev.Item.Payload.Data)
	assert.Equal(t, "text", ev.Item.Payload.Type)
	assert.Equal(t, "v", ev.Item.Headers["k"])

	require.NoError(t, bob.UnsubscribeTopic(ctx, news))
	assert.Zero(t, srv.Subscribers("/"+testApp+"/*/news"))
	err = bob.UnsubscribeTopic(ctx, news)
	assert.ErrorIs(t, err, StatusNotFound)

	_, err = alice.Publish(ctx, news, Payload{Data: []byte("again")}, nil)
	require.NoError(t, err)
	assert.Len(t, bobRec.of(EventItem), 1)
}

func TestPublishPersonalTopic(t *testing.T) {
	srv := newServer(t)
	alice, aliceRec := newTestClient(t, srv)
	login(t, srv, alice, aliceRec, "alice")

	ctx := context.Background()
	_, err := alice.Publish(ctx, topics.Personal("alice", "status"), Payload{Data: []byte("x")}, nil)
	require.NoError(t, err)

	_, err = alice.Publish(ctx, topics.Personal("bob", "status"), Payload{Data: []byte("x")}, nil)
	assert.ErrorIs(t, err, StatusForbidden)
}

func TestTopicRequestsNeedSession(t *testing.T) {
	srv := newServer(t)
	c, _ := newTestClient(t, srv, func(o *Options) { o.MaxPayloadSize = 4 })
	ctx := context.Background()

	assert.ErrorIs(t, c.SubscribeTopic(ctx, topics.Global("news")), ErrNotConnected)
	_, err := c.Publish(ctx, topics.Global("news"), Payload{Data: []byte("x")}, nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = c.Publish(ctx, topics.Global("news"), Payload{Data: []byte("too big")}, nil)
	assert.ErrorIs(t, err, ErrRequestTooLarge)
	assert.Error(t, c.SubscribeTopic(ctx, topics.Global("")))
	assert.Zero(t, srv.Dials())
}

func TestItemWithForeignTopicDropped(t *testing.T) {
	srv := newServer(t)
	c, rec := newTestClient(t, srv)
	login(t, srv, c, rec, "alice")

	require.NoError(t, srv.Push("alice", &stanza.Stanza{Kind: stanza.KindItem, ID: "i1", Topic: "/other/*/news"}))
	require.NoError(t, srv.Push("alice", &stanza.Stanza{Kind: stanza.KindItem, ID: "i2", Topic: "/" + testApp + "/*/news"}))

	ev := rec.wait(t, EventItem)
	assert.Equal(t, "i2", ev.Item.ID)
	assert.Len(t, rec.of(EventItem), 1)
}
