// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/absmach/mmx/stanza"
	"github.com/absmach/mmx/storage"
	"github.com/absmach/mmx/storage/badger"
	"github.com/absmach/mmx/storage/memory"
	"github.com/absmach/mmx/testutil"
	"github.com/absmach/mmx/wakeup"
	"github.com/absmach/mmx/xid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testDomain = "mmx"
	testApp    = "app1"
	testKey    = "key1"

	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) of(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// waitN waits for the n-th event of typ and returns it.
func (r *recorder) waitN(t *testing.T, typ EventType, n int) Event {
	t.Helper()
	var got Event
	require.Eventually(t, func() bool {
		evs := r.of(typ)
		if len(evs) < n {
			return false
		}
		got = evs[n-1]
		return true
	}, waitFor, tick, "expected %d %s event(s)", n, typ)
	return got
}

func (r *recorder) wait(t *testing.T, typ EventType) Event {
	t.Helper()
	return r.waitN(t, typ, 1)
}

func ep(user string) xid.Endpoint {
	return xid.Endpoint{UserID: user, AppID: testApp, Domain: testDomain}
}

func creds(user string) Credentials {
	return Credentials{Username: user, Password: "pw-" + user}
}

func newServer(t *testing.T) *testutil.Server {
	t.Helper()
	srv := testutil.NewServer(testDomain, testApp, testKey)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *testutil.Server, modify ...func(*Options)) (*Client, *recorder) {
	t.Helper()
	rec := &recorder{}
	opts := NewOptions().
		SetDialer(srv.Dialer()).
		SetDomain(testDomain).
		SetApp(testApp, testKey).
		SetConnectTimeout(2 * time.Second).
		SetRequestTimeout(2 * time.Second).
		SetOnEvent(rec.record)
	opts.SealWorkFactor = testWorkFactor
	for _, m := range modify {
		m(opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, rec
}

// login registers user on srv and connects c.
func login(t *testing.T, srv *testutil.Server, c *Client, rec *recorder, user string) {
	t.Helper()
	srv.AddUser(user, "pw-"+user)
	n := len(rec.of(EventAuthenticated))
	require.NoError(t, c.Connect(creds(user)))
	rec.waitN(t, EventAuthenticated, n+1)
}

func waitState(t *testing.T, c *Client, id string, want MessageState) {
	t.Helper()
	require.Eventually(t, func() bool {
		rs := c.QueryState(id)
		return len(rs) == 1 && rs[0].State == want
	}, waitFor, tick, "message %s never reached %s (now %v)", id, want, c.QueryState(id))
}

func sentIDs(srv *testutil.Server) []string {
	var ids []string
	for _, m := range srv.Received(stanza.KindMessage) {
		ids = append(ids, m.ID)
	}
	return ids
}

func TestNewClient(t *testing.T) {
	srv := newServer(t)
	c, _ := newTestClient(t, srv)

	s := c.Session()
	assert.Equal(t, StateDisconnected, s.State)
	assert.False(t, s.Connected)
	assert.Nil(t, s.Endpoint)
	assert.NotEmpty(t, c.DeviceID())
}

func TestNewClientValidation(t *testing.T) {
	_, err := New(NewOptions())
	assert.ErrorIs(t, err, ErrNoDialer)

	_, err = New(NewOptions().SetDialer(nopDialer).SetMaxPayloadSize(-5))
	assert.ErrorIs(t, err, ErrInvalidPayloadLimit)
}

func TestDeviceIDPersistsInStore(t *testing.T) {
	srv := newServer(t)
	store := memory.New()
	a, _ := newTestClient(t, srv, func(o *Options) { o.Store = store })
	b, _ := newTestClient(t, srv, func(o *Options) { o.Store = store })
	assert.Equal(t, a.DeviceID(), b.DeviceID())
}

func TestConnectValidation(t *testing.T) {
	srv := newServer(t)
	c, _ := newTestClient(t, srv)

	assert.ErrorIs(t, c.Connect(Credentials{Username: "a/b", Password: "x"}), ErrInvalidUsername)
	assert.ErrorIs(t, c.Connect(Credentials{Username: "alice"}), ErrInvalidPassword)
	assert.Equal(t, 0, srv.Dials())

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Connect(creds("alice")), ErrClientClosed)
	assert.ErrorIs(t, c.Reconnect(), ErrClientClosed)
	_, _, err := c.Send([]xid.Endpoint{ep("bob")}, Payload{Data: []byte("x")}, SendOptions{})
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestConnectAuthenticates(t *testing.T) {
	srv := newServer(t)
	c, rec := newTestClient(t, srv)
	login(t, srv, c, rec, "alice")

	assert.Len(t, rec.of(EventConnected), 1)
	s := c.Session()
	assert.Equal(t, StateAuthenticated, s.State)
	assert.True(t, s.Connected)
	require.NotNil(t, s.Endpoint)
	assert.Equal(t, "alice", s.Endpoint.UserID)
	assert.Equal(t, testApp, s.Endpoint.AppID)
	assert.Equal(t, c.DeviceID(), s.Endpoint.Resource)

	require.Eventually(t, func() bool {
		p, ok := srv.Priority("alice")
		return ok && p == PriorityOnline
	}, waitFor, tick)

	assert.ErrorIs(t, c.Connect(creds("alice")), ErrAlreadyConnected)
}

func TestConnectFailed(t *testing.T) {
	srv := newServer(t)
	srv.SetRefuse(true)
	c, rec := newTestClient(t, srv)

	require.NoError(t, c.Connect(creds("alice")))
	e := rec.wait(t, EventConnectFailed)
	assert.ErrorIs(t, e.Err, testutil.ErrRefused)
	assert.Equal(t, StateConnectFailed, c.Session().State)

	srv.SetRefuse(false)
	login(t, srv, c, rec, "alice")
}

func TestAuthFailedWithoutAutoCreate(t *testing.T) {
	srv := newServer(t)
	c, rec := newTestClient(t, srv)

	require.NoError(t, c.Connect(creds("ghost")))
	e := rec.wait(t, EventAuthFailed)
	assert.Equal(t, StatusUnauthorized, e.Code)
	assert.Equal(t, StateAuthFailed, c.Session().State)
	assert.Empty(t, srv.Creates())
	assert.False(t, srv.Online("ghost"))
}

func TestAutoCreateAccount(t *testing.T) {
	srv := newServer(t)
	srv.SetTakenCode(409)
	c, rec := newTestClient(t, srv, func(o *Options) { o.GuestSecret = "gs" })

	cr := creds("newbie")
	cr.AuthMode = AuthAutoCreate
	cr.Email = "newbie@example.com"
	require.NoError(t, c.Connect(cr))

	rec.wait(t, EventAccountCreated)
	rec.wait(t, EventAuthenticated)
	assert.Empty(t, rec.of(EventAuthFailed))

	creates := srv.Creates()
	require.Len(t, creates, 1)
	assert.Equal(t, stanza.CreateModeUpgrade, creates[0].Mode)
	assert.Equal(t, testApp, creates[0].AppID)
	assert.Equal(t, testKey, creates[0].APIKey)
	assert.Equal(t, "newbie", creates[0].DisplayName)
	assert.Equal(t, "newbie@example.com", creates[0].Email)
	assert.Equal(t, "gs", creates[0].GuestSecret)

	var auths int
	for _, iq := range srv.Received(stanza.KindIQ) {
		if iq.Command == stanza.CmdAuth {
			auths++
		}
	}
	assert.Equal(t, 2, auths)
}

func TestAutoCreateTaken(t *testing.T) {
	for _, code := range []int{400, 409} {
		t.Run(StatusCode(code).String(), func(t *testing.T) {
			srv := newServer(t)
			srv.SetTakenCode(code)
			srv.AddUser("alice", "someone-elses-password")
			c, rec := newTestClient(t, srv)

			cr := creds("alice")
			cr.AuthMode = AuthAutoCreate
			require.NoError(t, c.Connect(cr))

			e := rec.wait(t, EventAuthFailed)
			assert.Equal(t, StatusCode(code), e.Code)
			assert.True(t, e.Code.Taken())
			assert.Empty(t, rec.of(EventAccountCreated))
			assert.Len(t, srv.Creates(), 1)

			var auths int
			for _, iq := range srv.Received(stanza.KindIQ) {
				if iq.Command == stanza.CmdAuth {
					auths++
				}
			}
			assert.Equal(t, 1, auths)
		})
	}
}

func TestConnectAnonymous(t *testing.T) {
	srv := newServer(t)
	store := memory.New()

	c, rec := newTestClient(t, srv, func(o *Options) { o.Store = store })
	require.NoError(t, c.ConnectAnonymous())
	rec.wait(t, EventAuthenticated)

	creates := srv.Creates()
	require.Len(t, creates, 1)
	assert.Equal(t, stanza.CreateModeGuest, creates[0].Mode)
	assert.True(t, strings.HasPrefix(creates[0].UserID, anonymousPrefix))
	assert.True(t, c.Session().AuthMode.Has(AuthAnonymous))
	require.NoError(t, c.Close())

	again, rec2 := newTestClient(t, srv, func(o *Options) { o.Store = store })
	require.NoError(t, again.ConnectAnonymous())
	rec2.wait(t, EventAuthenticated)
	assert.Len(t, srv.Creates(), 1)
	assert.Equal(t, creates[0].UserID, again.Session().Endpoint.UserID)
}

func TestReconnectUsesStoredCredentials(t *testing.T) {
	srv := newServer(t)
	c, rec := newTestClient(t, srv)

	assert.ErrorIs(t, c.Reconnect(), ErrNoCredentials)

	login(t, srv, c, rec, "alice")
	require.NoError(t, c.Disconnect(context.Background(), false))
	assert.Equal(t, StateDisconnected, c.Session().State)

	require.NoError(t, c.Reconnect())
	rec.waitN(t, EventAuthenticated, 2)
}

func TestSendWhileConnected(t *testing.T) {
	srv := newServer(t)
	c, rec := newTestClient(t, srv)
	login(t, srv, c, rec, "alice")

	id, st, err := c.Send([]xid.Endpoint{ep("bob")}, Payload{Type: "text", Data: []byte("hi")}, SendOptions{Headers: map[string]string{"k": "v"}})
	require.NoError(t, err)
	assert.Equal(t, MsgPending, st)

	require.Eventually(t, func() bool { return len(srv.Received(stanza.KindMessage)) == 1 }, waitFor, tick)
	m := srv.Received(stanza.KindMessage)[0]
	assert.Equal(t, id, m.ID)
	assert.Equal(t, "text", m.MType)
	assert.Equal(t, []byte("hi"), m.Payload)
	assert.Equal(t, "v", m.Headers["k"])

	// bob is offline.
	waitState(t, c, id, MsgWakeupRequired)
}

func TestSendValidation(t *testing.T) {
	srv := newServer(t)
	c, _ := newTestClient(t, srv)

	_, _, err := c.Send(nil, Payload{Data: []byte("x")}, SendOptions{})
	assert.ErrorIs(t, err, ErrNoRecipients)

	_, _, err = c.Send([]xid.Endpoint{{UserID: "a%b", Domain: testDomain}}, Payload{Data: []byte("x")}, SendOptions{})
	assert.ErrorIs(t, err, ErrInvalidRecipient)

	_, _, err = c.Send([]xid.Endpoint{{UserID: "bob"}}, Payload{Data: []byte("x")}, SendOptions{})
	assert.ErrorIs(t, err, ErrInvalidRecipient)
}

func TestOversizePayloadRejectedBeforeIO(t *testing.T) {
	srv := newServer(t)
	c, rec := newTestClient(t, srv, func(o *Options) { o.MaxPayloadSize = 1024 })
	login(t, srv, c, rec, "alice")

	id, st, err := c.Send([]xid.Endpoint{ep("bob")}, Payload{Data: make([]byte, 1025)}, SendOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRequestTooLarge)
	var code StatusCode
	require.True(t, errors.As(err, &code))
	assert.Equal(t, StatusRequestTooLarge, code)
	assert.Empty(t, id)
	assert.Equal(t, MsgUnknown, st)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, srv.Received(stanza.KindMessage))

	_, st, err = c.Send([]xid.Endpoint{ep("bob")}, Payload{Data: make([]byte, 1024)}, SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, MsgPending, st)
}

func TestOversizePayloadRejectedOffline(t *testing.T) {
	srv := newServer(t)
	c, _ := newTestClient(t, srv, func(o *Options) { o.MaxPayloadSize = 10 })

	_, _, err := c.Send([]xid.Endpoint{ep("bob")}, Payload{Data: make([]byte, 11)}, SendOptions{})
	assert.ErrorIs(t, err, ErrRequestTooLarge)
	n, err := c.queue.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOfflineSendDrainsInOrder(t *testing.T) {
	srv := newServer(t)
	c, rec := newTestClient(t, srv)

	var ids []string
	for i := 0; i < 5; i++ {
		id, st, err := c.Send([]xid.Endpoint{ep("bob")}, Payload{Data: []byte{byte(i)}}, SendOptions{})
		require.NoError(t, err)
		assert.Equal(t, MsgClientPending, st)
		ids = append(ids, id)
	}
	for _, id := range ids {
		rs := c.QueryState(id)
		require.Len(t, rs, 1)
		assert.Equal(t, MsgClientPending, rs[0].State)
		assert.True(t, rs[0].Recipient.Equal(ep("bob")))
	}
	assert.Empty(t, srv.Log())
	assert.Zero(t, srv.Dials())

	login(t, srv, c, rec, "alice")

	require.Eventually(t, func() bool { return len(sentIDs(srv)) == 5 }, waitFor, tick)
	assert.Equal(t, ids, sentIDs(srv))

	for _, id := range ids {
		waitState(t, c, id, MsgWakeupRequired)
	}
	n, err := c.queue.Len()
	require.NoError(t, err)
	assert.Zero(t, n)

	var drained int
	for _, e := range rec.of(EventStateChanged) {
		if e.From == MsgClientPending && e.To == MsgPending {
			drained++
		}
	}
	assert.Equal(t, 5, drained)
}

func TestOfflineQueueSurvivesRestart(t *testing.T) {
	srv := newServer(t)
	store := memory.New()

	first, _ := newTestClient(t, srv, func(o *Options) { o.Store = store })
	id, st, err := first.Send([]xid.Endpoint{ep("bob")}, Payload{Data: []byte("persist me")}, SendOptions{Receipt: true})
	require.NoError(t, err)
	assert.Equal(t, MsgClientPending, st)
	require.NoError(t, first.Close())

	second, rec := newTestClient(t, srv, func(o *Options) { o.Store = store })
	rs := second.QueryState(id)
	require.Len(t, rs, 1)
	assert.Equal(t, MsgClientPending, rs[0].State)

	login(t, srv, second, rec, "alice")
	require.Eventually(t, func() bool { return len(sentIDs(srv)) == 1 }, waitFor, tick)
	m := srv.Received(stanza.KindMessage)[0]
	assert.Equal(t, id, m.ID)
	assert.True(t, m.Receipt)
	assert.Equal(t, []byte("persist me"), m.Payload)
}

func TestOfflineQueueSurvivesRestartBadger(t *testing.T) {
	srv := newServer(t)
	dir := t.TempDir()

	open := func() storage.Store {
		s, err := badger.New(badger.Config{Dir: dir})
		require.NoError(t, err)
		return s
	}

	first, _ := newTestClient(t, srv, func(o *Options) { o.Store = open() })
	var ids []string
	for i := 0; i < 3; i++ {
		id, _, err := first.Send([]xid.Endpoint{ep("bob")}, Payload{Data: []byte{byte(i)}}, SendOptions{})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, first.Close())

	second, rec := newTestClient(t, srv, func(o *Options) { o.Store = open() })
	for _, id := range ids {
		assert.Equal(t, MsgClientPending, second.QueryState(id)[0].State)
	}
	login(t, srv, second, rec, "alice")
	require.Eventually(t, func() bool { return len(sentIDs(srv)) == 3 }, waitFor, tick)
	assert.Equal(t, ids, sentIDs(srv))
}

func TestCancelOnce(t *testing.T) {
	srv := newServer(t)
	c, rec := newTestClient(t, srv)

	keep, _, err := c.Send([]xid.Endpoint{ep("bob")}, Payload{Data: []byte("keep")}, SendOptions{})
	require.NoError(t, err)
	drop, _, err := c.Send([]xid.Endpoint{ep("bob")}, Payload{Data: []byte("drop")}, SendOptions{})
	require.NoError(t, err)

	assert.True(t, c.Cancel(drop))
	assert.False(t, c.Cancel(drop))
	assert.Equal(t, []RecipientState{{State: MsgUnknown}}, c.QueryState(drop))

	login(t, srv, c, rec, "alice")
	require.Eventually(t, func() bool { return len(sentIDs(srv)) == 1 }, waitFor, tick)
	assert.Equal(t, []string{keep}, sentIDs(srv))

	// Already handed off.
	assert.False(t, c.Cancel(keep))
}

func TestUnknownIDIsIdempotent(t *testing.T) {
	srv := newServer(t)
	c, _ := newTestClient(t, srv)

	want := []RecipientState{{State: MsgUnknown}}
	assert.Equal(t, want, c.QueryState("no-such-id"))
	assert.Equal(t, want, c.QueryState("no-such-id"))
	assert.False(t, c.Cancel("no-such-id"))

	states := c.QueryStates("a", "b")
	assert.Equal(t, want, states["a"])
	assert.Equal(t, want, states["b"])
}

func TestTwoSessionReceiptFlow(t *testing.T) {
	srv := newServer(t)
	alice, aliceRec := newTestClient(t, srv, func(o *Options) { o.DeviceID = "alice-phone" })
	bob, bobRec := newTestClient(t, srv, func(o *Options) { o.DeviceID = "bob-phone" })
	login(t, srv, alice, aliceRec, "alice")
	login(t, srv, bob, bobRec, "bob")

	id, st, err := alice.Send([]xid.Endpoint{ep("bob")}, Payload{Type: "text", Data: []byte("hello bob")}, SendOptions{Receipt: true})
	require.NoError(t, err)
	assert.Equal(t, MsgPending, st)

	e := bobRec.wait(t, EventMessage)
	require.NotNil(t, e.Message)
	assert.Equal(t, id, e.Message.ID)
	assert.Equal(t, "alice", e.Message.From.UserID)
	assert.Equal(t, "alice-phone", e.Message.From.Resource)
	assert.Equal(t, []byte("hello bob"), e.Message.Payload.Data)
	assert.True(t, e.Message.ReceiptRequested)

	// bob's client acks automatically.
	waitState(t, alice, id, MsgDelivered)

	require.NoError(t, bob.SendReceipt(*e.Message))
	waitState(t, alice, id, MsgReceived)

	var path []MessageState
	for _, ev := range aliceRec.of(EventStateChanged) {
		if ev.MessageID == id {
			path = append(path, ev.To)
		}
	}
	assert.Equal(t, []MessageState{MsgDeliveryAttempted, MsgDelivered, MsgReceived}, path)
}

func TestSendReceiptNotRequested(t *testing.T) {
	srv := newServer(t)
	alice, aliceRec := newTestClient(t, srv)
	bob, bobRec := newTestClient(t, srv)
	login(t, srv, alice, aliceRec, "alice")
	login(t, srv, bob, bobRec, "bob")

	id, _, err := alice.Send([]xid.Endpoint{ep("bob")}, Payload{Data: []byte("no receipt")}, SendOptions{})
	require.NoError(t, err)

	e := bobRec.wait(t, EventMessage)
	assert.ErrorIs(t, bob.SendReceipt(*e.Message), ErrReceiptNotRequested)
	waitState(t, alice, id, MsgDelivered)
}

func TestMultipleRecipientsTrackedSeparately(t *testing.T) {
	srv := newServer(t)
	alice, aliceRec := newTestClient(t, srv)
	bob, bobRec := newTestClient(t, srv)
	login(t, srv, alice, aliceRec, "alice")
	login(t, srv, bob, bobRec, "bob")

	id, _, err := alice.Send([]xid.Endpoint{ep("bob"), ep("carol")}, Payload{Data: []byte("hi")}, SendOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rs := alice.QueryState(id)
		return len(rs) == 2 && rs[0].State == MsgDelivered && rs[1].State == MsgWakeupRequired
	}, waitFor, tick)
}

func TestServerNotFoundMakesUnknown(t *testing.T) {
	srv := newServer(t)
	c, rec := newTestClient(t, srv)
	login(t, srv, c, rec, "alice")

	id, _, err := c.Send([]xid.Endpoint{ep("bob")}, Payload{Data: []byte("x")}, SendOptions{})
	require.NoError(t, err)
	waitState(t, c, id, MsgWakeupRequired)

	require.NoError(t, srv.Push("alice", &stanza.Stanza{Kind: stanza.KindError, ID: id, Code: int(StatusNotFound)}))
	waitState(t, c, id, MsgUnknown)
}

func TestReconcile(t *testing.T) {
	srv := newServer(t)
	alice, aliceRec := newTestClient(t, srv)
	carol, carolRec := newTestClient(t, srv)
	srv.AddUser("carol", "pw-carol")

	login(t, srv, alice, aliceRec, "alice")
	id, _, err := alice.Send([]xid.Endpoint{ep("carol")}, Payload{Data: []byte("while you were away")}, SendOptions{})
	require.NoError(t, err)
	waitState(t, alice, id, MsgWakeupRequired)
	require.NoError(t, alice.Disconnect(context.Background(), false))

	// carol picks the message up and acks it while alice is offline.
	login(t, srv, carol, carolRec, "carol")
	carolRec.wait(t, EventMessage)
	require.Eventually(t, func() bool { return len(srv.Received(stanza.KindAck)) == 1 }, waitFor, tick)

	assert.ErrorIs(t, alice.Reconcile(context.Background(), id), ErrNotConnected)

	require.NoError(t, alice.Reconnect())
	aliceRec.waitN(t, EventAuthenticated, 2)
	assert.Equal(t, MsgWakeupRequired, alice.QueryState(id)[0].State)

	require.NoError(t, alice.Reconcile(context.Background(), id, "never-sent"))
	assert.Equal(t, MsgDelivered, alice.QueryState(id)[0].State)
	assert.Equal(t, MsgUnknown, alice.QueryState("never-sent")[0].State)
}

func TestSuspendAndResumeDelivery(t *testing.T) {
	srv := newServer(t)
	alice, aliceRec := newTestClient(t, srv)
	bob, bobRec := newTestClient(t, srv, func(o *Options) { o.SuspendOnConnect = true })
	login(t, srv, alice, aliceRec, "alice")
	login(t, srv, bob, bobRec, "bob")

	require.Eventually(t, func() bool {
		p, ok := srv.Priority("bob")
		return ok && p == PriorityBlocking
	}, waitFor, tick)
	assert.True(t, bob.Session().Suspended)

	id, _, err := alice.Send([]xid.Endpoint{ep("bob")}, Payload{Data: []byte("later")}, SendOptions{})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, bobRec.of(EventMessage))

	require.NoError(t, bob.ResumeDelivery())
	assert.False(t, bob.Session().Suspended)
	e := bobRec.wait(t, EventMessage)
	assert.Equal(t, id, e.Message.ID)
	waitState(t, alice, id, MsgDelivered)

	require.NoError(t, bob.SuspendDelivery())
	require.Eventually(t, func() bool {
		p, _ := srv.Priority("bob")
		return p == PriorityBlocking
	}, waitFor, tick)

	presences := srv.Received(stanza.KindPresence)
	require.NotEmpty(t, presences)
	last := presences[len(presences)-1]
	assert.Equal(t, stanza.ModeDND, last.Mode)
	assert.Equal(t, "Blocking", last.Status)
}

func TestConnectionLostThenReconnectDrains(t *testing.T) {
	srv := newServer(t)
	c, rec := newTestClient(t, srv)
	login(t, srv, c, rec, "alice")

	srv.DropConnections()
	e := rec.wait(t, EventConnectionLost)
	assert.ErrorIs(t, e.Err, ErrConnectionLost)
	require.Eventually(t, func() bool { return !c.Session().Connected }, waitFor, tick)

	id, st, err := c.Send([]xid.Endpoint{ep("bob")}, Payload{Data: []byte("queued")}, SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, MsgClientPending, st)

	require.NoError(t, c.Reconnect())
	rec.waitN(t, EventAuthenticated, 2)
	require.Eventually(t, func() bool { return len(sentIDs(srv)) == 1 }, waitFor, tick)
	assert.Equal(t, []string{id}, sentIDs(srv))
}

func TestDisconnectJoinsInflightTeardown(t *testing.T) {
	srv := newServer(t)
	c, rec := newTestClient(t, srv)
	login(t, srv, c, rec, "alice")

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Disconnect(context.Background(), false)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	rec.wait(t, EventDisconnected)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.of(EventDisconnected), 1)
	assert.Equal(t, StateDisconnected, c.Session().State)
	require.Eventually(t, func() bool { return !srv.Online("alice") }, waitFor, tick)
}

func TestDisconnectAsyncSharesChannel(t *testing.T) {
	srv := newServer(t)
	c, rec := newTestClient(t, srv)
	login(t, srv, c, rec, "alice")

	c.teardownMu.Lock()
	c.teardown = &teardown{done: make(chan struct{})}
	held := c.teardown
	c.teardownMu.Unlock()

	assert.Equal(t, (<-chan struct{})(held.done), c.DisconnectAsync(true))
	assert.ErrorIs(t, c.Connect(creds("alice")), ErrDisconnectInProgress)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Disconnect(ctx, false), context.DeadlineExceeded)

	c.teardownMu.Lock()
	c.teardown = nil
	c.teardownMu.Unlock()
	close(held.done)
}

func TestDisconnectDeactivate(t *testing.T) {
	srv := newServer(t)
	c, rec := newTestClient(t, srv, func(o *Options) { o.DeviceID = "dev-42" })
	login(t, srv, c, rec, "alice")

	require.NoError(t, c.Disconnect(context.Background(), true))
	assert.Equal(t, []string{"dev-42"}, srv.Unregistered())
	assert.ErrorIs(t, c.Reconnect(), ErrNoCredentials)
	assert.Zero(t, c.Session().AuthMode)
}

func TestDeactivatePurgesQueue(t *testing.T) {
	srv := newServer(t)
	c, _ := newTestClient(t, srv)

	id, _, err := c.Send([]xid.Endpoint{ep("bob")}, Payload{Data: []byte("x")}, SendOptions{})
	require.NoError(t, err)

	require.NoError(t, c.Disconnect(context.Background(), true))
	assert.Equal(t, MsgUnknown, c.QueryState(id)[0].State)
	n, err := c.queue.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, srv.Unregistered())
}

func TestIDGeneratorReplacedAfterTeardown(t *testing.T) {
	srv := newServer(t)
	c, _ := newTestClient(t, srv)

	first, _, err := c.Send([]xid.Endpoint{ep("bob")}, Payload{Data: []byte("1")}, SendOptions{})
	require.NoError(t, err)
	second, _, err := c.Send([]xid.Endpoint{ep("bob")}, Payload{Data: []byte("2")}, SendOptions{})
	require.NoError(t, err)

	p1, s1, ok := splitID(first)
	require.True(t, ok)
	p2, s2, ok := splitID(second)
	require.True(t, ok)
	assert.Equal(t, p1, p2)
	assert.Equal(t, s1+1, s2)

	require.NoError(t, c.Disconnect(context.Background(), false))
	third, _, err := c.Send([]xid.Endpoint{ep("bob")}, Payload{Data: []byte("3")}, SendOptions{})
	require.NoError(t, err)
	p3, s3, ok := splitID(third)
	require.True(t, ok)
	assert.NotEqual(t, p1, p3)
	assert.Equal(t, uint64(1), s3)
}

func TestHandleWakeup(t *testing.T) {
	srv := newServer(t)
	reg := wakeup.NewRegistry()
	type invite struct {
		Channel string `json:"channel"`
	}
	wakeup.RegisterJSON[invite](reg, "invite")
	c, rec := newTestClient(t, srv, func(o *Options) { o.PushTypes = reg })

	assert.ErrorIs(t, c.HandleWakeup("mmx:w\r\n"), ErrNoCredentials)
	assert.ErrorIs(t, c.HandleWakeup("hello"), wakeup.ErrNotEnvelope)

	push, err := wakeup.Encode(wakeup.ActionPush, "", wakeup.Notification{Title: "t", Body: "b"})
	require.NoError(t, err)
	require.NoError(t, c.HandleWakeup(push))
	e := rec.wait(t, EventPush)
	require.NotNil(t, e.Push)
	assert.Equal(t, wakeup.Notification{Title: "t", Body: "b"}, e.Push.Payload)

	typed, err := wakeup.Encode(wakeup.ActionPush, "invite", invite{Channel: "news"})
	require.NoError(t, err)
	require.NoError(t, c.HandleWakeup(typed))
	e = rec.waitN(t, EventPush, 2)
	assert.Equal(t, invite{Channel: "news"}, e.Push.Payload)

	login(t, srv, c, rec, "alice")
	require.NoError(t, c.Disconnect(context.Background(), false))

	wake, err := wakeup.Encode(wakeup.ActionWakeup, "", nil)
	require.NoError(t, err)
	require.NoError(t, c.HandleWakeup(wake))
	rec.waitN(t, EventAuthenticated, 2)

	// Already connected: nothing to do.
	require.NoError(t, c.HandleWakeup(wake))
}

func TestWakeupDispatch(t *testing.T) {
	srv := newServer(t)

	var mu sync.Mutex
	var woken []string
	waker := wakeup.WakerFunc(func(_ context.Context, to xid.Endpoint, envelope string) error {
		mu.Lock()
		defer mu.Unlock()
		woken = append(woken, to.UserID+" "+envelope)
		return nil
	})
	cfg := wakeup.DefaultConfig()
	cfg.Policy.MaxAttempts = 2
	cfg.Policy.Interval = 20 * time.Millisecond

	c, rec := newTestClient(t, srv, func(o *Options) { o.SetWaker(waker, cfg) })
	login(t, srv, c, rec, "alice")

	id, _, err := c.Send([]xid.Endpoint{ep("carol")}, Payload{Data: []byte("wake up")}, SendOptions{})
	require.NoError(t, err)
	waitState(t, c, id, MsgWakeupTimedOut)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, woken, 2)
	assert.True(t, strings.HasPrefix(woken[0], "carol mmx:w"))

	var path []MessageState
	for _, ev := range rec.of(EventStateChanged) {
		if ev.MessageID == id {
			path = append(path, ev.To)
		}
	}
	assert.Equal(t, []MessageState{MsgWakeupRequired, MsgWakeupSent, MsgWakeupTimedOut}, path)
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := newServer(t)
	c, rec := newTestClient(t, srv)
	login(t, srv, c, rec, "alice")

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.Session().State)
	assert.ErrorIs(t, c.SuspendDelivery(), ErrClientClosed)
	assert.ErrorIs(t, c.HandleWakeup("mmx:p\r\n"), ErrClientClosed)
	<-c.DisconnectAsync(false)
}

func TestLargePayloadRoundTrip(t *testing.T) {
	srv := newServer(t)
	alice, aliceRec := newTestClient(t, srv, func(o *Options) { o.MaxPayloadSize = 1 << 20 })
	bob, bobRec := newTestClient(t, srv)

	data := bytes.Repeat([]byte("0123456789abcdef"), 1<<15)
	id, st, err := alice.Send([]xid.Endpoint{ep("bob")}, Payload{Data: data}, SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, MsgClientPending, st)

	login(t, srv, bob, bobRec, "bob")
	login(t, srv, alice, aliceRec, "alice")

	e := bobRec.wait(t, EventMessage)
	assert.Equal(t, id, e.Message.ID)
	assert.Equal(t, data, e.Message.Payload.Data)
}

func TestMalformedFramesKeepSession(t *testing.T) {
	srv := newServer(t)
	c, rec := newTestClient(t, srv)
	login(t, srv, c, rec, "alice")

	id, _, err := c.Send([]xid.Endpoint{ep("bob")}, Payload{Data: []byte("hi")}, SendOptions{})
	require.NoError(t, err)
	waitState(t, c, id, MsgWakeupRequired)

	// An ack without an address, an unknown kind and a line that is not JSON.
	require.NoError(t, srv.PushRaw("alice", `{"kind":"ack","id":"`+id+`"}`))
	require.NoError(t, srv.PushRaw("alice", `{"kind":"bogus","id":"x1"}`))
	require.NoError(t, srv.PushRaw("alice", `not json`))
	require.NoError(t, srv.Push("alice", &stanza.Stanza{
		Kind:    stanza.KindMessage,
		ID:      "in-1",
		From:    ep("carol").String(),
		Payload: []byte("after"),
	}))

	ev := rec.wait(t, EventMessage)
	assert.Equal(t, "in-1", ev.Message.ID)
	waitState(t, c, id, MsgUnknown)
	assert.Equal(t, StateAuthenticated, c.Session().State)
	assert.Empty(t, rec.of(EventConnectionLost))
	assert.True(t, srv.Online("alice"))
}

func TestOversizeMetadataRejected(t *testing.T) {
	srv := newServer(t)
	c, rec := newTestClient(t, srv)
	big := SendOptions{Headers: map[string]string{"h": strings.Repeat("x", 5<<20)}}

	_, st, err := c.Send([]xid.Endpoint{ep("bob")}, Payload{Data: []byte("a")}, big)
	assert.ErrorIs(t, err, ErrRequestTooLarge)
	assert.Equal(t, MsgUnknown, st)
	n, err := c.queue.Len()
	require.NoError(t, err)
	assert.Zero(t, n)

	login(t, srv, c, rec, "alice")
	_, _, err = c.Send([]xid.Endpoint{ep("bob")}, Payload{Data: []byte("a")}, big)
	assert.ErrorIs(t, err, ErrRequestTooLarge)
	assert.Empty(t, srv.Received(stanza.KindMessage))
	assert.Equal(t, StateAuthenticated, c.Session().State)
}

func TestUnsendableQueuedMessageSkipped(t *testing.T) {
	srv := newServer(t)
	c, rec := newTestClient(t, srv)

	// Stored before the metadata limit existed: it can never fit in a frame.
	poisoned, err := newRecord(&Message{
		Recipients: []xid.Endpoint{ep("bob")},
		Headers:    map[string]string{"h": strings.Repeat("x", 5<<20)},
		CreatedAt:  time.Now(),
	})
	require.NoError(t, err)
	poisoned.ID = "poisoned-1"
	require.NoError(t, c.enqueue(poisoned))

	id, st, err := c.Send([]xid.Endpoint{ep("bob")}, Payload{Data: []byte("B")}, SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, MsgClientPending, st)

	login(t, srv, c, rec, "alice")

	require.Eventually(t, func() bool { return len(sentIDs(srv)) == 1 }, waitFor, tick)
	assert.Equal(t, []string{id}, sentIDs(srv))
	waitState(t, c, id, MsgWakeupRequired)

	require.Eventually(t, func() bool {
		for _, e := range rec.of(EventStateChanged) {
			if e.MessageID == "poisoned-1" && e.From == MsgClientPending && e.To == MsgUnknown {
				return true
			}
		}
		return false
	}, waitFor, tick)
	assert.Equal(t, MsgUnknown, c.QueryState("poisoned-1")[0].State)
	n, err := c.queue.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, StateAuthenticated, c.Session().State)
}

func TestDisconnectRightAfterConnect(t *testing.T) {
	srv := newServer(t)
	srv.AddUser("alice", "pw-alice")

	for i := 0; i < 20; i++ {
		c, rec := newTestClient(t, srv)
		require.NoError(t, c.Connect(creds("alice")))
		require.NoError(t, c.Disconnect(context.Background(), false))
		assert.Equal(t, StateDisconnected, c.Session().State)

		require.NoError(t, c.Close())
		rec.mu.Lock()
		last := rec.events[len(rec.events)-1].Type
		rec.mu.Unlock()
		assert.Equal(t, EventDisconnected, last, "nothing may follow the teardown")
		assert.Len(t, rec.of(EventDisconnected), 1)
	}
}
