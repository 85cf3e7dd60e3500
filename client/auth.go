// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/mmx/stanza"
	"github.com/absmach/mmx/xid"
)

// authenticate logs in on the current connection. A rejected login with
// AuthAutoCreate creates the account and retries exactly once. Server
// rejections are returned as StatusCode errors.
func (c *Client) authenticate(ctx context.Context, creds Credentials) (xid.Endpoint, error) {
	node, err := xid.EncodeNode(creds.Username, c.opts.AppID)
	if err != nil {
		return xid.Endpoint{}, fmt.Errorf("%w: %w", ErrInvalidUsername, err)
	}

	res, err := c.login(ctx, node, creds.Password)
	if isStatus(err, StatusUnauthorized) && creds.AuthMode.Has(AuthAutoCreate) {
		if err := c.createAccount(ctx, creds); err != nil {
			return xid.Endpoint{}, err
		}
		c.event(Event{Type: EventAccountCreated})
		res, err = c.login(ctx, node, creds.Password)
	}
	if err != nil {
		return xid.Endpoint{}, err
	}

	self := xid.Endpoint{
		UserID:   creds.Username,
		AppID:    c.opts.AppID,
		Domain:   c.opts.Domain,
		Resource: c.deviceID,
	}
	var ar stanza.AuthResult
	if len(res.Body) > 0 && res.Unmarshal(&ar) == nil && ar.JID != "" {
		bound, err := xid.Decode(ar.JID)
		if err != nil {
			c.logger.Warn("server bound an invalid address", slog.String("jid", ar.JID))
		} else {
			self = bound
		}
	}
	return self, nil
}

func (c *Client) login(ctx context.Context, node, password string) (*stanza.Stanza, error) {
	return c.request(ctx, stanza.IQSet, stanza.CmdAuth, stanza.AuthRequest{
		Node:     node,
		Password: password,
		Resource: c.deviceID,
	})
}

// createAccount registers the user. An identifier already taken is
// reported as the server's 400 or 409 status.
func (c *Client) createAccount(ctx context.Context, creds Credentials) error {
	mode := stanza.CreateModeUpgrade
	if creds.AuthMode.Has(AuthAnonymous) {
		mode = stanza.CreateModeGuest
	}
	displayName := creds.DisplayName
	if displayName == "" {
		displayName = creds.Username
	}

	_, err := c.request(ctx, stanza.IQSet, stanza.CmdCreateUser, stanza.CreateUser{
		AppID:       c.opts.AppID,
		APIKey:      c.opts.APIKey,
		UserID:      creds.Username,
		Password:    creds.Password,
		Mode:        mode,
		DisplayName: displayName,
		Email:       creds.Email,
		GuestSecret: c.opts.GuestSecret,
	})
	var code StatusCode
	if errors.As(err, &code) && code.Taken() {
		c.logger.Info("account id already taken", slog.String("user", creds.Username))
	}
	return err
}

func isStatus(err error, code StatusCode) bool {
	var sc StatusCode
	return errors.As(err, &sc) && sc == code
}
