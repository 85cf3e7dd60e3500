// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/mmx/metrics"
	"github.com/absmach/mmx/stanza"
	"github.com/absmach/mmx/storage"
	"github.com/absmach/mmx/storage/memory"
	"github.com/absmach/mmx/transport"
	"github.com/absmach/mmx/wakeup"
	"github.com/absmach/mmx/xid"
)

// Client is a thread-safe MMX client.
//
// All post-hand-off delivery state changes, inbound stanza handling and
// queue drains run on a single worker goroutine. Connecting and logging in
// run on a separate connect goroutine, and events are delivered to
// listeners on a third.
type Client struct {
	opts     *Options
	logger   *slog.Logger
	metrics  *metrics.Metrics
	deviceID string

	// State management
	state     *stateManager
	session   atomic.Pointer[Session]
	self      atomic.Pointer[xid.Endpoint]
	mode      atomic.Uint32
	suspended atomic.Bool
	ids       atomic.Pointer[idGenerator]

	// Storage
	store storage.Store
	queue storage.Queue
	creds *credentialStore

	// Delivery
	tracker *tracker
	pending *pendingStore
	bus     *eventBus
	waker   *wakeup.Dispatcher
	wakerMu sync.Mutex

	// Connection
	connMu        sync.Mutex
	conn          transport.Conn
	gen           uint64
	connectCancel context.CancelFunc
	connectDone   chan struct{}

	// Worker
	tasks  chan func()
	stopCh chan struct{}
	doneCh chan struct{}

	// Teardown
	teardownMu sync.Mutex
	teardown   *teardown
	closeOnce  sync.Once
}

// teardown is an in-flight disconnect that later callers join.
type teardown struct {
	done chan struct{}
}

// New creates a client. It does not connect.
func New(opts *Options) (*Client, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := opts.Store
	if store == nil {
		store = memory.New()
	}

	devID := opts.DeviceID
	if devID == "" {
		id, err := deviceID(store.Settings())
		if err != nil {
			return nil, fmt.Errorf("failed to load device id: %w", err)
		}
		devID = id
	}

	c := &Client{
		opts:     opts,
		logger:   logger,
		metrics:  opts.Metrics,
		deviceID: devID,
		state:    newStateManager(),
		store:    store,
		queue:    store.Queue(),
		creds:    newCredentialStore(store.Settings(), opts.AppID, opts.APIKey, opts.SealWorkFactor),
		tracker:  newTracker(opts.MaxTracked),
		pending:  newPendingStore(opts.MaxPendingRequests),
		bus:      newEventBus(logger),
		tasks:    make(chan func(), opts.WorkerQueueSize),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	c.ids.Store(newIDGenerator())
	c.suspended.Store(opts.SuspendOnConnect)

	if opts.OnEvent != nil {
		c.bus.subscribe(opts.OnEvent)
	}
	if opts.Waker != nil {
		if err := c.startWaker(); err != nil {
			c.bus.close()
			return nil, err
		}
	}

	c.publishSession()
	go c.run()
	return c, nil
}

// Subscribe adds an event listener and returns a function that removes it.
// Listeners run on one goroutine in event order and must not call Close.
func (c *Client) Subscribe(fn Listener) func() {
	return c.bus.subscribe(fn)
}

// DeviceID returns the device identifier used as login resource.
func (c *Client) DeviceID() string {
	return c.deviceID
}

// Connect logs in with the given credentials. Only validation errors are
// returned; the outcome is reported through events.
func (c *Client) Connect(creds Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}
	if _, err := xid.EncodeNode(creds.Username, c.opts.AppID); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidUsername, err)
	}
	return c.startConnect(creds)
}

// ConnectAnonymous logs in with a generated guest account that is created
// on first use and reused afterwards.
func (c *Client) ConnectAnonymous() error {
	if c.state.isClosed() {
		return ErrClientClosed
	}
	creds, err := c.creds.anonymous()
	if err != nil {
		return err
	}
	return c.startConnect(creds)
}

// Reconnect logs in again with the last successfully used credentials.
func (c *Client) Reconnect() error {
	if c.state.isClosed() {
		return ErrClientClosed
	}
	creds, err := c.creds.load(keyCredentials)
	if err != nil {
		return err
	}
	return c.startConnect(creds)
}

func (c *Client) startConnect(creds Credentials) error {
	if c.state.isClosed() {
		return ErrClientClosed
	}

	// A teardown started after the transition must find the cancel func,
	// so both happen under teardownMu.
	c.teardownMu.Lock()
	if c.teardown != nil {
		c.teardownMu.Unlock()
		return ErrDisconnectInProgress
	}
	if !c.state.transitionFrom(StateConnecting, StateDisconnected, StateAuthFailed, StateConnectFailed) {
		c.teardownMu.Unlock()
		if c.state.isClosed() {
			return ErrClientClosed
		}
		return ErrAlreadyConnected
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.connMu.Lock()
	c.connectCancel = cancel
	c.connectDone = done
	c.connMu.Unlock()
	c.teardownMu.Unlock()

	c.mode.Store(uint32(creds.AuthMode))
	c.publishSession()

	go func() {
		defer close(done)
		defer cancel()
		c.connect(ctx, creds)
	}()
	return nil
}

// connect runs on the connect goroutine.
func (c *Client) connect(ctx context.Context, creds Credentials) {
	start := time.Now()

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	conn, err := c.opts.Dialer.Dial(dialCtx)
	cancel()
	if err != nil {
		c.connectFailed(fmt.Errorf("dial failed: %w", err), start)
		return
	}

	if a, ok := conn.(transport.Addresser); ok {
		c.logger.Debug("connected", slog.String("remote", a.RemoteAddr().String()))
	}
	gen := c.attach(conn)
	if !c.state.transition(StateConnecting, StateAuthenticating) {
		c.detach(gen, ErrNotConnected)
		return
	}
	c.publishSession()
	c.event(Event{Type: EventConnected})

	authCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout+c.opts.RequestTimeout)
	self, err := c.authenticate(authCtx, creds)
	cancel()
	if err != nil {
		c.detach(gen, ErrNotConnected)
		var code StatusCode
		if errors.As(err, &code) {
			c.authFailed(code, creds, start)
			return
		}
		c.connectFailed(err, start)
		return
	}

	if err := c.creds.save(keyCredentials, creds); err != nil {
		c.logger.Warn("failed to persist credentials", slog.String("error", err.Error()))
	}
	c.metrics.Connect("authenticated", time.Since(start))
	c.post(func() { c.onAuthenticated(gen, self, creds.AuthMode) })
}

func (c *Client) connectFailed(err error, start time.Time) {
	if !c.state.transitionFrom(StateConnectFailed, StateConnecting, StateAuthenticating) {
		return
	}
	c.metrics.Connect("failed", time.Since(start))
	c.logger.Warn("connect failed", slog.String("error", err.Error()))
	c.publishSession()
	c.event(Event{Type: EventConnectFailed, Err: err})
}

func (c *Client) authFailed(code StatusCode, creds Credentials, start time.Time) {
	if !c.state.transition(StateAuthenticating, StateAuthFailed) {
		return
	}
	c.metrics.Connect("auth_failed", time.Since(start))
	c.metrics.AuthFailed(int(code))
	c.logger.Info("authentication failed",
		slog.String("user", creds.Username),
		slog.Int("code", int(code)))
	c.publishSession()
	c.event(Event{Type: EventAuthFailed, Code: code})
}

// attach installs conn as the current connection and starts its reader.
func (c *Client) attach(conn transport.Conn) uint64 {
	c.connMu.Lock()
	c.gen++
	gen := c.gen
	c.conn = conn
	c.connMu.Unlock()

	go c.readLoop(conn, gen)
	return gen
}

// detach closes the connection of generation gen if it is still current.
func (c *Client) detach(gen uint64, cause error) bool {
	c.connMu.Lock()
	if c.gen != gen || c.conn == nil {
		c.connMu.Unlock()
		return false
	}
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	if err := conn.Close(); err != nil {
		c.logger.Debug("error closing connection", slog.String("error", err.Error()))
	}
	c.pending.clear(cause)
	return true
}

func (c *Client) current() (transport.Conn, uint64) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn, c.gen
}

func (c *Client) readLoop(conn transport.Conn, gen uint64) {
	for {
		s, err := conn.Recv()
		if err != nil {
			var merr *stanza.MalformedError
			if errors.As(err, &merr) {
				if !c.skipMalformed(gen, merr) {
					return
				}
				continue
			}
			c.post(func() { c.onConnectionLost(gen, err) })
			return
		}
		if s.Kind == stanza.KindIQ && (s.Type == stanza.IQResult || s.Type == stanza.IQError) {
			if !c.pending.complete(s.ID, s) {
				c.logger.Debug("dropping unmatched iq result", slog.String("id", s.ID))
			}
			continue
		}
		if !c.post(func() { c.handleStanza(gen, s) }) {
			return
		}
	}
}

// run is the worker loop.
func (c *Client) run() {
	defer close(c.doneCh)
	for {
		select {
		case fn := <-c.tasks:
			fn()
		case <-c.stopCh:
			return
		}
	}
}

// post queues fn on the worker. It reports false once the client is closed.
func (c *Client) post(fn func()) bool {
	select {
	case c.tasks <- fn:
		return true
	case <-c.stopCh:
		return false
	}
}

// call runs fn on the worker and waits for it. Never call from the worker.
func (c *Client) call(fn func()) error {
	done := make(chan struct{})
	if !c.post(func() {
		defer close(done)
		fn()
	}) {
		return ErrClientClosed
	}
	select {
	case <-done:
		return nil
	case <-c.stopCh:
		return ErrClientClosed
	}
}

func (c *Client) onAuthenticated(gen uint64, self xid.Endpoint, mode AuthMode) {
	if _, cur := c.current(); cur != gen {
		return
	}
	if !c.state.transition(StateAuthenticating, StateAuthenticated) {
		c.detach(gen, ErrNotConnected)
		return
	}
	c.self.Store(&self)
	c.mode.Store(uint32(mode))

	if err := c.sendPresence(c.suspended.Load()); err != nil {
		c.logger.Warn("failed to send initial presence", slog.String("error", err.Error()))
	}

	c.logger.Info("authenticated",
		slog.String("jid", self.String()),
		slog.String("mode", mode.String()))
	c.publishSession()
	c.event(Event{Type: EventAuthenticated})

	c.drain()
}

// skipMalformed drops a frame that could not be decoded. A frame naming a
// pending request fails it; one naming a handed-off message degrades it to
// UNKNOWN. It reports false once the client is closed.
func (c *Client) skipMalformed(gen uint64, merr *stanza.MalformedError) bool {
	c.logger.Debug("dropping malformed stanza",
		slog.String("id", merr.ID),
		slog.String("kind", string(merr.Kind)),
		slog.String("error", merr.Error()))

	id := merr.ID
	switch {
	case id == "" || merr.Kind == stanza.KindMessage:
		return true
	case merr.Kind == stanza.KindIQ:
		c.pending.complete(id, &stanza.Stanza{Kind: stanza.KindIQ, ID: id, Type: stanza.IQError, Code: int(StatusServerError)})
		return true
	}
	return c.post(func() {
		if _, cur := c.current(); cur == gen {
			c.applyChanges(c.tracker.apply(id, xid.Endpoint{}, MsgUnknown))
		}
	})
}

func (c *Client) onConnectionLost(gen uint64, err error) {
	if !c.detach(gen, ErrConnectionLost) {
		return
	}
	if !c.state.transition(StateAuthenticated, StateDisconnected) {
		return
	}
	c.logger.Warn("connection lost", slog.String("error", err.Error()))
	c.self.Store(nil)
	c.publishSession()
	c.event(Event{Type: EventConnectionLost, Err: fmt.Errorf("%w: %w", ErrConnectionLost, err)})
}

// Disconnect tears the session down and waits for it, or for ctx. With
// deactivate the device is unregistered, stored credentials are removed
// and the offline queue is purged. Concurrent calls share one teardown.
func (c *Client) Disconnect(ctx context.Context, deactivate bool) error {
	select {
	case <-c.DisconnectAsync(deactivate):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DisconnectAsync starts a teardown, or joins the one in flight, and
// returns a channel closed when it completes.
func (c *Client) DisconnectAsync(deactivate bool) <-chan struct{} {
	c.teardownMu.Lock()
	defer c.teardownMu.Unlock()

	if c.teardown != nil {
		return c.teardown.done
	}
	td := &teardown{done: make(chan struct{})}
	if c.state.isClosed() {
		close(td.done)
		return td.done
	}
	c.teardown = td
	go c.runTeardown(td, deactivate)
	return td.done
}

func (c *Client) runTeardown(td *teardown, deactivate bool) {
	defer func() {
		c.teardownMu.Lock()
		c.teardown = nil
		c.teardownMu.Unlock()
		close(td.done)
	}()

	prev := c.state.get()
	c.state.set(StateDisconnecting)
	c.publishSession()

	c.connMu.Lock()
	cancel, done := c.connectCancel, c.connectDone
	c.connectCancel, c.connectDone = nil, nil
	c.connMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	if deactivate && prev == StateAuthenticated {
		if err := c.unregisterDevice(); err != nil {
			c.logger.Warn("failed to unregister device", slog.String("error", err.Error()))
		}
	}

	_, gen := c.current()
	if err := c.call(func() { c.detach(gen, ErrNotConnected) }); err != nil {
		c.detach(gen, ErrNotConnected)
	}

	if deactivate {
		c.deactivate()
	}

	c.ids.Store(newIDGenerator())
	c.self.Store(nil)
	c.suspended.Store(c.opts.SuspendOnConnect)
	c.state.set(StateDisconnected)
	c.publishSession()

	if prev != StateDisconnected || deactivate {
		c.logger.Info("disconnected", slog.Bool("deactivated", deactivate))
		c.event(Event{Type: EventDisconnected})
	}
}

func (c *Client) deactivate() {
	if err := c.creds.clear(); err != nil {
		c.logger.Warn("failed to clear credentials", slog.String("error", err.Error()))
	}
	n, _ := c.queue.Len()
	if err := c.queue.RemoveAll(); err != nil {
		c.logger.Warn("failed to purge offline queue", slog.String("error", err.Error()))
	} else {
		c.metrics.QueuePurged(n)
	}
	c.tracker.reset()
	c.mode.Store(0)
	c.restartWaker()
}

func (c *Client) unregisterDevice() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
	defer cancel()
	_, err := c.request(ctx, stanza.IQSet, stanza.CmdUnregisterDevice, stanza.UnregisterDevice{DeviceID: c.deviceID})
	return err
}

// Close disconnects, stops all goroutines and closes the store. The client
// cannot be used afterwards.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		for {
			<-c.DisconnectAsync(false)
			c.teardownMu.Lock()
			closed := c.state.transition(StateDisconnected, StateClosed)
			c.teardownMu.Unlock()
			if closed {
				break
			}
		}
		c.publishSession()

		close(c.stopCh)
		<-c.doneCh

		c.wakerMu.Lock()
		if c.waker != nil {
			c.waker.Close()
		}
		c.wakerMu.Unlock()

		c.bus.close()
		err = c.store.Close()
	})
	return err
}

// request sends an IQ and waits for its result. Error results are
// returned as StatusCode errors together with the result stanza.
func (c *Client) request(ctx context.Context, typ, command string, body any) (*stanza.Stanza, error) {
	req, err := stanza.NewIQ(c.ids.Load().next(), typ, command, body)
	if err != nil {
		return nil, err
	}

	op, err := c.pending.add(req.ID, command)
	if err != nil {
		return nil, err
	}
	conn, _ := c.current()
	if conn == nil {
		c.pending.remove(req.ID)
		return nil, ErrNotConnected
	}
	if err := conn.Send(req); err != nil {
		c.pending.remove(req.ID)
		return nil, err
	}

	res, err := op.wait(ctx, c.opts.RequestTimeout)
	if err != nil {
		c.pending.remove(req.ID)
		return nil, err
	}
	if res.Type == stanza.IQError || res.Code >= 300 {
		code := StatusCode(res.Code)
		if code == 0 {
			code = StatusServerError
		}
		return res, code
	}
	return res, nil
}

// send writes a stanza on the current connection.
func (c *Client) send(s *stanza.Stanza) error {
	conn, _ := c.current()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(s)
}

func (c *Client) selfAddress() string {
	if self := c.self.Load(); self != nil {
		return self.String()
	}
	return ""
}
