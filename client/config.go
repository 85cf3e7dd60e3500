// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/absmach/mmx/config"
	"github.com/absmach/mmx/metrics"
	mmxtls "github.com/absmach/mmx/pkg/tls"
	"github.com/absmach/mmx/storage"
	"github.com/absmach/mmx/storage/badger"
	"github.com/absmach/mmx/storage/memory"
	"github.com/absmach/mmx/transport"
	"github.com/absmach/mmx/wakeup"
)

// NewFromConfig builds a client with the storage, transport, logger and
// metrics described by cfg. waker may be nil; it is used only when
// wake-ups are enabled.
func NewFromConfig(cfg *config.Config, waker wakeup.Waker) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := config.NewLogger(cfg.Log, os.Stderr)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		var err error
		if m, err = metrics.New(nil); err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
	}

	dialer, err := newDialer(cfg.Client, logger)
	if err != nil {
		return nil, err
	}

	var store storage.Store
	switch cfg.Storage.Type {
	case "badger":
		s, err := badger.New(badger.Config{Dir: cfg.Storage.BadgerDir})
		if err != nil {
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
		store = s
	default:
		store = memory.New()
	}

	opts := NewOptions().
		SetDialer(dialer).
		SetDomain(cfg.Client.Domain).
		SetApp(cfg.Client.AppID, cfg.Client.APIKey).
		SetGuestSecret(cfg.Client.GuestSecret).
		SetDeviceID(cfg.Client.DeviceID).
		SetConnectTimeout(cfg.Client.ConnectTimeout).
		SetRequestTimeout(cfg.Client.RequestTimeout).
		SetMaxPayloadSize(cfg.Client.MaxPayloadSize).
		SetSuspendOnConnect(cfg.Client.SuspendOnConnect).
		SetNestedTopics(cfg.Client.NestedTopics).
		SetStore(store).
		SetLogger(logger).
		SetMetrics(m)
	opts.SealWorkFactor = cfg.Client.SealWorkFactor
	if cfg.Wakeup.Enabled && waker != nil {
		opts.SetWaker(waker, cfg.Wakeup.Config)
	}

	c, err := New(opts)
	if err != nil {
		store.Close()
		return nil, err
	}
	return c, nil
}

func newDialer(cfg config.ClientConfig, logger *slog.Logger) (transport.Dialer, error) {
	tlsCfg, err := mmxtls.LoadClientConfig(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS config: %w", err)
	}
	logger.Info("transport configured",
		slog.String("transport", cfg.Transport),
		slog.String("address", cfg.Address),
		slog.String("security", mmxtls.SecurityStatus(tlsCfg)))

	if cfg.Transport == "websocket" {
		return &transport.WSDialer{
			URL:              cfg.Address,
			TLSConfig:        tlsCfg,
			HandshakeTimeout: cfg.ConnectTimeout,
			WriteTimeout:     cfg.WriteTimeout,
		}, nil
	}
	return &transport.TCPDialer{
		Address:      cfg.Address,
		TLSConfig:    tlsCfg,
		WriteTimeout: cfg.WriteTimeout,
	}, nil
}
