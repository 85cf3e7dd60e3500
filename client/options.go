// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/mmx/config"
	"github.com/absmach/mmx/metrics"
	"github.com/absmach/mmx/storage"
	"github.com/absmach/mmx/transport"
	"github.com/absmach/mmx/wakeup"
	"github.com/absmach/mmx/xid"
)

// Default values.
const (
	DefaultDomain             = "mmx"
	DefaultConnectTimeout     = 10 * time.Second
	DefaultRequestTimeout     = 10 * time.Second
	DefaultWorkerQueueSize    = 256
	DefaultMaxPendingRequests = 64
	DefaultSealWorkFactor     = 15
)

// Options configures the MMX client.
type Options struct {
	// Connection
	Dialer         transport.Dialer
	Domain         string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	// Tenant
	AppID       string
	APIKey      string
	GuestSecret string
	// DeviceID is also the login resource. Empty means a persisted generated ID.
	DeviceID string

	// Delivery
	MaxPayloadSize   int  // bytes, 0 = default
	SuspendOnConnect bool // announce priority -1 after login
	MaxTracked       int  // handed-off messages remembered for QueryState

	// Topics. Nested topic names such as "news/eu" are rejected unless
	// NestedTopics is set.
	NestedTopics bool

	// Storage
	Store          storage.Store // nil = in-memory
	SealWorkFactor int           // scrypt log2 N for sealed credentials

	// Wake-up. Recipients reported as WAKEUP_REQUIRED are woken through
	// Waker when one is set.
	Waker     wakeup.Waker
	Wakeup    wakeup.Config
	PushTypes *wakeup.Registry

	// Observability
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Callbacks
	OnEvent Listener

	// Advanced
	WorkerQueueSize    int
	MaxPendingRequests int
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		Domain:             DefaultDomain,
		ConnectTimeout:     DefaultConnectTimeout,
		RequestTimeout:     DefaultRequestTimeout,
		MaxPayloadSize:     config.DefaultMaxPayloadSize,
		MaxTracked:         DefaultTrackedMessages,
		SealWorkFactor:     DefaultSealWorkFactor,
		Wakeup:             wakeup.DefaultConfig(),
		WorkerQueueSize:    DefaultWorkerQueueSize,
		MaxPendingRequests: DefaultMaxPendingRequests,
	}
}

// SetDialer sets the transport dialer.
func (o *Options) SetDialer(d transport.Dialer) *Options {
	o.Dialer = d
	return o
}

// SetDomain sets the server domain used in addresses.
func (o *Options) SetDomain(domain string) *Options {
	o.Domain = domain
	return o
}

// SetApp sets the tenant application ID and API key.
func (o *Options) SetApp(appID, apiKey string) *Options {
	o.AppID = appID
	o.APIKey = apiKey
	return o
}

// SetGuestSecret sets the secret sent when creating guest accounts.
func (o *Options) SetGuestSecret(secret string) *Options {
	o.GuestSecret = secret
	return o
}

// SetDeviceID sets the device identifier.
func (o *Options) SetDeviceID(id string) *Options {
	o.DeviceID = id
	return o
}

// SetConnectTimeout sets the dial and login timeout.
func (o *Options) SetConnectTimeout(d time.Duration) *Options {
	o.ConnectTimeout = d
	return o
}

// SetRequestTimeout sets the IQ request timeout.
func (o *Options) SetRequestTimeout(d time.Duration) *Options {
	o.RequestTimeout = d
	return o
}

// SetNestedTopics allows '/' inside topic names.
func (o *Options) SetNestedTopics(nested bool) *Options {
	o.NestedTopics = nested
	return o
}

// SetMaxPayloadSize sets the largest payload Send accepts.
func (o *Options) SetMaxPayloadSize(n int) *Options {
	o.MaxPayloadSize = n
	return o
}

// SetSuspendOnConnect makes the client join with delivery suspended.
func (o *Options) SetSuspendOnConnect(suspend bool) *Options {
	o.SuspendOnConnect = suspend
	return o
}

// SetStore sets the local store.
func (o *Options) SetStore(s storage.Store) *Options {
	o.Store = s
	return o
}

// SetWaker enables client-side wake-ups.
func (o *Options) SetWaker(w wakeup.Waker, cfg wakeup.Config) *Options {
	o.Waker = w
	o.Wakeup = cfg
	return o
}

// SetPushTypes sets the registry used to decode typed push payloads.
func (o *Options) SetPushTypes(r *wakeup.Registry) *Options {
	o.PushTypes = r
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// SetMetrics sets the metrics recorder.
func (o *Options) SetMetrics(m *metrics.Metrics) *Options {
	o.Metrics = m
	return o
}

// SetOnEvent sets the first event listener.
func (o *Options) SetOnEvent(fn Listener) *Options {
	o.OnEvent = fn
	return o
}

// Validate checks the options for errors and fills in defaults.
func (o *Options) Validate() error {
	if o.Dialer == nil {
		return ErrNoDialer
	}
	if o.Domain == "" {
		return xid.ErrEmptyDomain
	}
	if o.AppID != "" {
		if _, err := xid.EncodeNode("probe", o.AppID); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidAppID, err)
		}
	}
	if o.MaxPayloadSize == 0 {
		o.MaxPayloadSize = config.DefaultMaxPayloadSize
	}
	if o.MaxPayloadSize < 0 || o.MaxPayloadSize > config.MaxPayloadCeiling {
		return fmt.Errorf("%w: %d not in 1..%d", ErrInvalidPayloadLimit, o.MaxPayloadSize, config.MaxPayloadCeiling)
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.WorkerQueueSize <= 0 {
		o.WorkerQueueSize = DefaultWorkerQueueSize
	}
	if o.MaxPendingRequests <= 0 {
		o.MaxPendingRequests = DefaultMaxPendingRequests
	}
	if o.SealWorkFactor <= 0 {
		o.SealWorkFactor = DefaultSealWorkFactor
	}
	if o.Waker != nil {
		if err := o.Wakeup.Policy.Validate(); err != nil {
			return err
		}
	}
	return nil
}
