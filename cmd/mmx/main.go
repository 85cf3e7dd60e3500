// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/absmach/mmx/client"
	"github.com/absmach/mmx/config"
	"github.com/absmach/mmx/metrics"
	"github.com/absmach/mmx/topics"
	"github.com/absmach/mmx/wakeup"
	"github.com/absmach/mmx/xid"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	user := flag.String("user", "", "User ID to log in as")
	password := flag.String("password", "", "Password")
	anonymous := flag.Bool("anonymous", false, "Log in with a generated guest account")
	autoCreate := flag.Bool("auto-create", false, "Create the account if it does not exist")
	to := flag.String("to", "", "Comma-separated user IDs to send -message to")
	message := flag.String("message", "", "Text message to send after login")
	receipt := flag.Bool("receipt", false, "Request a read receipt")
	topic := flag.String("topic", "", "Topic to subscribe to after login, as owner/name or */name")
	deactivate := flag.Bool("deactivate", false, "Unregister this device on exit")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := config.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	if cfg.Metrics.Enabled && cfg.Metrics.Export {
		shutdown, err := metrics.InitProvider(context.Background(), metrics.ExportConfig{
			Endpoint:       cfg.Metrics.Endpoint,
			Interval:       cfg.Metrics.Interval,
			ServiceName:    cfg.Metrics.ServiceName,
			ServiceVersion: cfg.Metrics.ServiceVersion,
			InstanceID:     cfg.Client.DeviceID,
		})
		if err != nil {
			slog.Error("Failed to initialize metrics exporter", "error", err)
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				slog.Error("Failed to flush metrics", "error", err)
			}
		}()
	}

	// Without a push provider wake-ups are only logged.
	waker := wakeup.WakerFunc(func(_ context.Context, rcpt xid.Endpoint, envelope string) error {
		slog.Info("Wake-up requested", "recipient", rcpt.String(), "envelope", envelope)
		return nil
	})

	c, err := client.NewFromConfig(cfg, waker)
	if err != nil {
		slog.Error("Failed to create client", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	var recipients []xid.Endpoint
	for _, id := range strings.Split(*to, ",") {
		if id = strings.TrimSpace(id); id != "" {
			recipients = append(recipients, xid.Endpoint{UserID: id, AppID: cfg.Client.AppID, Domain: cfg.Client.Domain})
		}
	}

	var follow *topics.Topic
	if *topic != "" {
		t, err := topics.ParseHuman(*topic)
		if err != nil {
			slog.Error("Invalid topic", "topic", *topic, "error", err)
			os.Exit(1)
		}
		follow = &t
	}

	c.Subscribe(func(e client.Event) {
		switch e.Type {
		case client.EventAuthenticated:
			if e.Session.Endpoint != nil {
				slog.Info("Authenticated", "jid", e.Session.Endpoint.String())
			}
			if follow != nil {
				go func() {
					if err := c.SubscribeTopic(context.Background(), *follow); err != nil {
						slog.Warn("Failed to subscribe", "topic", follow.String(), "error", err)
					}
				}()
			}
		case client.EventItem:
			it := e.Item
			slog.Info("Item received", "id", it.ID, "topic", it.Topic.String(), "from", it.From.String(), "data", string(it.Payload.Data))
		case client.EventAuthFailed, client.EventConnectFailed, client.EventConnectionLost:
			slog.Warn("Connection event", "event", e.Type.String(), "code", int(e.Code), "error", e.Err)
		case client.EventMessage:
			m := e.Message
			slog.Info("Message received", "id", m.ID, "from", m.From.String(), "type", m.Payload.Type, "data", string(m.Payload.Data))
			if m.ReceiptRequested {
				if err := c.SendReceipt(*m); err != nil {
					slog.Warn("Failed to send receipt", "id", m.ID, "error", err)
				}
			}
		case client.EventStateChanged:
			slog.Info("Delivery state changed", "id", e.MessageID, "recipient", e.Recipient.String(), "from", e.From.String(), "to", e.To.String())
		case client.EventPush:
			slog.Info("Push received", "type", e.Push.Type, "payload", e.Push.Payload)
		default:
			slog.Debug("Client event", "event", e.Type.String())
		}
	})

	switch {
	case *anonymous:
		err = c.ConnectAnonymous()
	case *user != "":
		creds := client.Credentials{Username: *user, Password: *password}
		if *autoCreate {
			creds.AuthMode = client.AuthAutoCreate
		}
		err = c.Connect(creds)
	default:
		err = c.Reconnect()
	}
	if err != nil {
		slog.Error("Failed to connect", "error", err)
		os.Exit(1)
	}

	if len(recipients) > 0 && *message != "" {
		id, state, err := c.Send(recipients, client.Payload{Type: "text", Data: []byte(*message)}, client.SendOptions{Receipt: *receipt})
		if err != nil {
			slog.Error("Failed to send message", "error", err)
		} else {
			slog.Info("Message submitted", "id", id, "state", state.String())
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	<-sigCh

	slog.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Disconnect(ctx, *deactivate); err != nil {
		slog.Error("Disconnect did not complete", "error", err)
	}
}
