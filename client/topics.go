// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/mmx/stanza"
	"github.com/absmach/mmx/topics"
	"github.com/absmach/mmx/xid"
)

// Item is a topic item delivered to a subscriber.
type Item struct {
	ID         string
	Topic      topics.Topic
	From       xid.Endpoint
	Payload    Payload
	Headers    map[string]string
	ReceivedAt time.Time
}

// Topics returns the resolver for topic paths of the client's application.
func (c *Client) Topics() topics.Resolver {
	return topics.Resolver{AppID: c.opts.AppID, Restricted: !c.opts.NestedTopics}
}

// Publish sends an item to the subscribers of t and returns its ID. Unlike
// Send, items are never queued while disconnected.
func (c *Client) Publish(ctx context.Context, t topics.Topic, payload Payload, headers map[string]string) (string, error) {
	if len(payload.Data) > c.opts.MaxPayloadSize {
		c.metrics.MessageRejected("too_large")
		return "", fmt.Errorf("%w: %d bytes exceeds %d", ErrRequestTooLarge, len(payload.Data), c.opts.MaxPayloadSize)
	}
	path, err := c.Topics().Resolve(t)
	if err != nil {
		return "", err
	}
	if !c.state.isAuthenticated() {
		return "", ErrNotConnected
	}

	id := c.ids.Load().next()
	res, err := c.request(ctx, stanza.IQSet, stanza.CmdPublish, stanza.Publish{
		Topic:   path,
		ItemID:  id,
		MType:   payload.Type,
		Payload: payload.Data,
		Headers: headers,
	})
	if err != nil {
		return "", err
	}
	if len(res.Body) > 0 {
		var pr stanza.PublishResult
		if err := res.Unmarshal(&pr); err == nil {
			c.logger.Debug("item published",
				slog.String("item_id", id),
				slog.String("topic", path),
				slog.Int("subscribers", pr.Subscribers))
		}
	}
	return id, nil
}

// SubscribeTopic asks the server to deliver items published to t.
func (c *Client) SubscribeTopic(ctx context.Context, t topics.Topic) error {
	return c.topicRequest(ctx, stanza.CmdSubscribe, t)
}

// UnsubscribeTopic stops delivery of items published to t.
func (c *Client) UnsubscribeTopic(ctx context.Context, t topics.Topic) error {
	return c.topicRequest(ctx, stanza.CmdUnsubscribe, t)
}

func (c *Client) topicRequest(ctx context.Context, command string, t topics.Topic) error {
	path, err := c.Topics().Resolve(t)
	if err != nil {
		return err
	}
	if !c.state.isAuthenticated() {
		return ErrNotConnected
	}
	_, err = c.request(ctx, stanza.IQSet, command, stanza.TopicRequest{Topic: path})
	return err
}

// onItem runs on the worker.
func (c *Client) onItem(s *stanza.Stanza) {
	t, err := c.Topics().Parse(s.Topic)
	if err != nil {
		c.logger.Debug("dropping item with invalid topic",
			slog.String("item_id", s.ID),
			slog.String("topic", s.Topic),
			slog.String("error", err.Error()))
		return
	}
	item := &Item{
		ID:         s.ID,
		Topic:      t,
		Payload:    Payload{Type: s.MType, Data: s.Payload},
		Headers:    s.Headers,
		ReceivedAt: time.Now(),
	}
	if s.From != "" {
		if from, err := xid.Decode(s.From); err == nil {
			item.From = from
		}
	}
	c.event(Event{Type: EventItem, Item: item})
}
