// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides an in-memory MMX server for tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/absmach/mmx/stanza"
	"github.com/absmach/mmx/transport"
	"github.com/absmach/mmx/xid"
)

// ErrRefused is returned by the dialer while the server refuses connections.
var ErrRefused = errors.New("connection refused")

// Record is one stanza received by the server.
type Record struct {
	// Session is the sender's bound address, empty before login.
	Session string
	Stanza  stanza.Stanza
}

// Server is a minimal MMX server: it authenticates and creates users,
// routes messages, acks and receipts, honours presence priority, answers
// state queries and fans topic items out to subscribers. Every received
// stanza is logged.
type Server struct {
	Domain string
	AppID  string
	APIKey string

	mu           sync.Mutex
	users        map[string]string
	sessions     map[*session]struct{}
	offline      map[string][]*stanza.Stanza
	states       map[string][]stanza.RecipientState
	subs         map[string]map[*session]struct{}
	log          []Record
	creates      []stanza.CreateUser
	unregistered []string
	authCode     int
	createCode   int
	takenCode    int
	refuse       bool
	dials        int
	listeners    []*transport.TCPListener
	wg           sync.WaitGroup
}

type session struct {
	conn     transport.Conn
	jid      xid.Endpoint
	authed   bool
	priority int
	held     []*stanza.Stanza
	out      *outbox
}

// NewServer creates a server for one tenant.
func NewServer(domain, appID, apiKey string) *Server {
	return &Server{
		Domain:    domain,
		AppID:     appID,
		APIKey:    apiKey,
		users:     make(map[string]string),
		sessions:  make(map[*session]struct{}),
		offline:   make(map[string][]*stanza.Stanza),
		states:    make(map[string][]stanza.RecipientState),
		subs:      make(map[string]map[*session]struct{}),
		takenCode: 409,
	}
}

// AddUser registers an account.
func (s *Server) AddUser(userID, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[strings.ToLower(userID)] = password
}

// HasUser reports whether the account exists.
func (s *Server) HasUser(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[strings.ToLower(userID)]
	return ok
}

// SetAuthCode forces every login to be answered with code. Zero restores
// normal behaviour.
func (s *Server) SetAuthCode(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authCode = code
}

// SetCreateCode forces every account creation to be answered with code.
func (s *Server) SetCreateCode(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCode = code
}

// SetTakenCode sets the code returned when creating an existing account.
func (s *Server) SetTakenCode(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.takenCode = code
}

// SetRefuse makes the dialer fail.
func (s *Server) SetRefuse(refuse bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refuse = refuse
}

// Dials returns the number of connection attempts.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Dialer connects clients through an in-memory pipe.
func (s *Server) Dialer() transport.Dialer {
	return transport.DialerFunc(func(ctx context.Context) (transport.Conn, error) {
		s.mu.Lock()
		s.dials++
		refuse := s.refuse
		s.mu.Unlock()
		if refuse {
			return nil, ErrRefused
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		clientSide, serverSide := net.Pipe()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(transport.NewStreamConn(serverSide, 5*time.Second), serverSide)
		}()
		return transport.NewStreamConn(clientSide, 5*time.Second), nil
	})
}

// ListenTCP serves clients on a TCP address until Close and returns the
// bound address.
func (s *Server) ListenTCP(address string) (net.Addr, error) {
	ln, err := transport.Listen(address)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ln.Serve(s.Serve)
	}()
	return ln.Addr(), nil
}

// Serve handles one client connection until it closes.
func (s *Server) Serve(conn transport.Conn) {
	s.serve(conn, nil)
}

// serve handles conn. Raw frames are written to raw when it is set.
func (s *Server) serve(conn transport.Conn, raw io.Writer) {
	sess := &session{conn: conn, out: newOutbox()}
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	go sess.out.run(conn, raw)

	for {
		st, err := conn.Recv()
		if err != nil {
			break
		}
		s.mu.Lock()
		s.log = append(s.log, Record{Session: sess.jid.String(), Stanza: *st})
		s.handle(sess, st)
		s.mu.Unlock()
	}

	s.mu.Lock()
	delete(s.sessions, sess)
	for _, subs := range s.subs {
		delete(subs, sess)
	}
	s.mu.Unlock()
	sess.out.close()
	conn.Close()
}

// handle runs with s.mu held.
func (s *Server) handle(sess *session, st *stanza.Stanza) {
	if st.Kind == stanza.KindIQ {
		s.handleIQ(sess, st)
		return
	}
	if !sess.authed {
		sess.out.push(&stanza.Stanza{Kind: stanza.KindError, ID: st.ID, Code: 401, Text: "not authenticated"})
		return
	}

	switch st.Kind {
	case stanza.KindMessage:
		s.route(sess, st)
	case stanza.KindAck:
		s.forward(sess, st, "DELIVERED")
	case stanza.KindReceipt:
		s.forward(sess, st, "RECEIVED")
	case stanza.KindPresence:
		if st.Priority != nil {
			sess.priority = *st.Priority
		}
		if sess.priority >= 0 {
			for _, m := range sess.held {
				sess.out.push(m)
			}
			sess.held = nil
		}
	}
}

func (s *Server) handleIQ(sess *session, st *stanza.Stanza) {
	code, body := 501, any(nil)

	switch st.Command {
	case stanza.CmdAuth:
		code, body = s.auth(sess, st)
	case stanza.CmdCreateUser:
		code = s.create(st)
	case stanza.CmdUnregisterDevice:
		code = 401
		if sess.authed {
			var req stanza.UnregisterDevice
			if st.Unmarshal(&req) == nil {
				s.unregistered = append(s.unregistered, req.DeviceID)
				code = 200
			}
		}
	case stanza.CmdQueryState:
		var req stanza.StateQuery
		code = 400
		if st.Unmarshal(&req) == nil {
			report := make(stanza.StateReport)
			for _, id := range req.IDs {
				if rs, ok := s.states[id]; ok {
					report[id] = append([]stanza.RecipientState(nil), rs...)
				}
			}
			code, body = 200, report
		}
	case stanza.CmdSubscribe, stanza.CmdUnsubscribe:
		code = s.subscribe(sess, st)
	case stanza.CmdPublish:
		code, body = s.publish(sess, st)
	}

	res, err := st.Result(code, body)
	if err != nil {
		return
	}
	sess.out.push(res)

	if st.Command == stanza.CmdAuth && code == 200 {
		s.deliverOffline(sess)
	}
}

func (s *Server) auth(sess *session, st *stanza.Stanza) (int, any) {
	if s.authCode != 0 {
		return s.authCode, nil
	}
	var req stanza.AuthRequest
	if err := st.Unmarshal(&req); err != nil {
		return 400, nil
	}
	userID, appID, err := xid.DecodeNode(req.Node)
	if err != nil {
		return 400, nil
	}
	pw, ok := s.users[strings.ToLower(userID)]
	if !ok || pw != req.Password || appID != s.AppID {
		return 401, nil
	}
	sess.jid = xid.Endpoint{UserID: userID, AppID: appID, Domain: s.Domain, Resource: req.Resource}
	sess.authed = true
	return 200, stanza.AuthResult{JID: sess.jid.String()}
}

func (s *Server) create(st *stanza.Stanza) int {
	var req stanza.CreateUser
	if err := st.Unmarshal(&req); err != nil {
		return 400
	}
	s.creates = append(s.creates, req)
	if s.createCode != 0 {
		return s.createCode
	}
	if req.AppID != s.AppID || req.APIKey != s.APIKey {
		return 403
	}
	key := strings.ToLower(req.UserID)
	if _, ok := s.users[key]; ok {
		return s.takenCode
	}
	s.users[key] = req.Password
	return 200
}

// route delivers a message to every online session of each recipient and
// stores it for recipients that are offline.
func (s *Server) route(from *session, st *stanza.Stanza) {
	for _, rcpt := range st.Recipients {
		to, err := xid.Decode(rcpt)
		if err != nil {
			from.out.push(&stanza.Stanza{Kind: stanza.KindError, ID: st.ID, Code: 400, Text: "bad recipient " + rcpt})
			continue
		}

		msg := *st
		msg.From = from.jid.String()
		msg.To = rcpt

		targets := s.sessionsFor(to)
		if len(targets) == 0 {
			key := bareKey(to)
			s.offline[key] = append(s.offline[key], &msg)
			s.setState(st.ID, to, "WAKEUP_REQUIRED")
			from.out.push(&stanza.Stanza{Kind: stanza.KindState, ID: st.ID, From: rcpt, State: "WAKEUP_REQUIRED"})
			continue
		}
		for _, t := range targets {
			m := msg
			if t.priority < 0 {
				t.held = append(t.held, &m)
				continue
			}
			s.setState(st.ID, to, "DELIVERY_ATTEMPTED")
			from.out.push(&stanza.Stanza{Kind: stanza.KindState, ID: st.ID, From: t.jid.String(), State: "DELIVERY_ATTEMPTED"})
			t.out.push(&m)
		}
	}
}

func (s *Server) subscribe(sess *session, st *stanza.Stanza) int {
	if !sess.authed {
		return 401
	}
	var req stanza.TopicRequest
	if err := st.Unmarshal(&req); err != nil || req.Topic == "" {
		return 400
	}
	key := strings.ToLower(req.Topic)
	if st.Command == stanza.CmdUnsubscribe {
		if _, ok := s.subs[key][sess]; !ok {
			return 404
		}
		delete(s.subs[key], sess)
		return 200
	}
	if s.subs[key] == nil {
		s.subs[key] = make(map[*session]struct{})
	}
	s.subs[key][sess] = struct{}{}
	return 200
}

// publish fans an item out to subscribers. Personal topics accept items
// from their owner only.
func (s *Server) publish(sess *session, st *stanza.Stanza) (int, any) {
	if !sess.authed {
		return 401, nil
	}
	var req stanza.Publish
	if err := st.Unmarshal(&req); err != nil || req.Topic == "" || req.ItemID == "" {
		return 400, nil
	}
	parts := strings.SplitN(strings.TrimPrefix(req.Topic, "/"), "/", 3)
	if len(parts) != 3 || parts[0] != s.AppID {
		return 400, nil
	}
	if parts[1] != "*" && !strings.EqualFold(parts[1], sess.jid.UserID) {
		return 403, nil
	}

	item := &stanza.Stanza{
		Kind:    stanza.KindItem,
		ID:      req.ItemID,
		From:    sess.jid.String(),
		Topic:   req.Topic,
		MType:   req.MType,
		Payload: req.Payload,
		Headers: req.Headers,
	}
	subs := s.subs[strings.ToLower(req.Topic)]
	for t := range subs {
		m := *item
		t.out.push(&m)
	}
	return 200, stanza.PublishResult{ItemID: req.ItemID, Subscribers: len(subs)}
}

// Subscribers returns the number of sessions subscribed to a topic path.
func (s *Server) Subscribers(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[strings.ToLower(path)])
}

// forward relays an ack or receipt to the original sender.
func (s *Server) forward(from *session, st *stanza.Stanza, state string) {
	to, err := xid.Decode(st.To)
	if err != nil {
		return
	}
	s.setState(st.ID, from.jid, state)
	fwd := *st
	fwd.From = from.jid.String()
	for _, t := range s.sessionsFor(to) {
		m := fwd
		t.out.push(&m)
	}
}

func (s *Server) deliverOffline(sess *session) {
	key := bareKey(sess.jid)
	pending := s.offline[key]
	delete(s.offline, key)
	for _, m := range pending {
		if sess.priority < 0 {
			sess.held = append(sess.held, m)
			continue
		}
		sess.out.push(m)
	}
}

func (s *Server) sessionsFor(to xid.Endpoint) []*session {
	var out []*session
	for sess := range s.sessions {
		if !sess.authed || !sess.jid.Bare().Equal(to.Bare()) {
			continue
		}
		if to.Resource != "" && sess.jid.Resource != to.Resource {
			continue
		}
		out = append(out, sess)
	}
	return out
}

func (s *Server) setState(id string, rcpt xid.Endpoint, state string) {
	bare := rcpt.Bare().String()
	rs := s.states[id]
	for i := range rs {
		if rs[i].Recipient == bare {
			rs[i].State = state
			return
		}
	}
	s.states[id] = append(rs, stanza.RecipientState{Recipient: bare, State: state})
}

func bareKey(e xid.Endpoint) string {
	return strings.ToLower(e.Bare().String())
}

// Push sends st to every session of userID.
func (s *Server) Push(userID string, st *stanza.Stanza) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for sess := range s.sessions {
		if sess.authed && strings.EqualFold(sess.jid.UserID, userID) {
			m := *st
			sess.out.push(&m)
			n++
		}
	}
	if n == 0 {
		return fmt.Errorf("user %s not online", userID)
	}
	return nil
}

// PushRaw writes line unvalidated, followed by a newline, to every session
// of userID.
func (s *Server) PushRaw(userID, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for sess := range s.sessions {
		if sess.authed && strings.EqualFold(sess.jid.UserID, userID) {
			sess.out.pushRaw([]byte(line + "\n"))
			n++
		}
	}
	if n == 0 {
		return fmt.Errorf("user %s not online", userID)
	}
	return nil
}

// Online reports whether userID has a logged-in session.
func (s *Server) Online(userID string) bool {
	_, ok := s.Priority(userID)
	return ok
}

// Priority returns the presence priority of userID's first session.
func (s *Server) Priority(userID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		if sess.authed && strings.EqualFold(sess.jid.UserID, userID) {
			return sess.priority, true
		}
	}
	return 0, false
}

// Received returns the logged stanzas of the given kind in arrival order.
func (s *Server) Received(kind stanza.Kind) []stanza.Stanza {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []stanza.Stanza
	for _, r := range s.log {
		if r.Stanza.Kind == kind {
			out = append(out, r.Stanza)
		}
	}
	return out
}

// Log returns every received stanza.
func (s *Server) Log() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.log...)
}

// Creates returns the account creation requests received.
func (s *Server) Creates() []stanza.CreateUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stanza.CreateUser(nil), s.creates...)
}

// Unregistered returns the device IDs removed through dev.unregister.
func (s *Server) Unregistered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.unregistered...)
}

// DropConnections closes every connection as if the network failed.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]transport.Conn, 0, len(s.sessions))
	for sess := range s.sessions {
		conns = append(conns, sess.conn)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// Close stops listening, drops all connections and waits for the handlers
// of piped connections.
func (s *Server) Close() {
	s.mu.Lock()
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()
	for _, ln := range listeners {
		ln.Close()
	}
	s.DropConnections()
	s.wg.Wait()
}

// outbox is an unbounded per-session write queue, so routing never blocks
// on a slow reader.
type outbox struct {
	mu     sync.Mutex
	items  []frame
	closed bool
	signal chan struct{}
}

// frame is either a stanza or raw bytes.
type frame struct {
	st  *stanza.Stanza
	raw []byte
}

func newOutbox() *outbox {
	return &outbox{signal: make(chan struct{}, 1)}
}

func (o *outbox) push(st *stanza.Stanza) {
	o.add(frame{st: st})
}

func (o *outbox) pushRaw(b []byte) {
	o.add(frame{raw: b})
}

func (o *outbox) add(f frame) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.items = append(o.items, f)
	o.mu.Unlock()
	o.notify()
}

func (o *outbox) notify() {
	select {
	case o.signal <- struct{}{}:
	default:
	}
}

func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.notify()
}

func (o *outbox) run(conn transport.Conn, raw io.Writer) {
	for {
		o.mu.Lock()
		if len(o.items) == 0 {
			closed := o.closed
			o.mu.Unlock()
			if closed {
				return
			}
			<-o.signal
			continue
		}
		f := o.items[0]
		o.items = o.items[1:]
		o.mu.Unlock()

		var err error
		switch {
		case f.st != nil:
			err = conn.Send(f.st)
		case raw != nil:
			_, err = raw.Write(f.raw)
		}
		if err != nil {
			o.close()
			return
		}
	}
}
