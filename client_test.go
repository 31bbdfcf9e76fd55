package guildhall_test

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	guildhall "github.com/vovakirdan/guildhall-client"
	"github.com/vovakirdan/guildhall-client/internal/archive"
	"github.com/vovakirdan/guildhall-client/internal/mock"
)

var testCreds = guildhall.Credentials{User: "dev", Pass: "devpass"}

// startServer runs the in-process chat server with one known account.
func startServer(t *testing.T) (*mock.Server, *httptest.Server) {
	t.Helper()

	disabled := zerolog.New(nil)
	srv := mock.New(&disabled)
	if err := srv.AddAccount(testCreds.User, testCreds.Pass); err != nil {
		t.Fatalf("failed to add account: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

// newTestClient builds a client against url with timings tightened for tests.
func newTestClient(t *testing.T, url string, reconnectDelay time.Duration) *guildhall.Client {
	t.Helper()

	disabled := zerolog.New(nil)
	cl := guildhall.New(guildhall.Config{
		BaseURL:        url,
		Logger:         &disabled,
		ReconnectDelay: reconnectDelay,
		DiscoveryPause: time.Millisecond,
	})
	t.Cleanup(cl.Logout)
	return cl
}

type stateHop struct {
	old  guildhall.ConnectionState
	next guildhall.ConnectionState
}

// recorder buffers every client event so tests can assert on them without
// blocking the delivery path.
type recorder struct {
	messages  chan guildhall.Message
	deletes   chan guildhall.Message
	typings   chan guildhall.TypingEvent
	reactions chan guildhall.Reaction
	removals  chan guildhall.Reaction
	roles     chan guildhall.User
	raws      chan []byte
	states    chan stateHop
	logouts   chan struct{}
}

func record(cl *guildhall.Client) *recorder {
	r := &recorder{
		messages:  make(chan guildhall.Message, 64),
		deletes:   make(chan guildhall.Message, 64),
		typings:   make(chan guildhall.TypingEvent, 64),
		reactions: make(chan guildhall.Reaction, 64),
		removals:  make(chan guildhall.Reaction, 64),
		roles:     make(chan guildhall.User, 64),
		raws:      make(chan []byte, 64),
		states:    make(chan stateHop, 64),
		logouts:   make(chan struct{}, 64),
	}
	cl.OnMessageCreate(func(m guildhall.Message) { r.messages <- m })
	cl.OnMessageDelete(func(m guildhall.Message) { r.deletes <- m })
	cl.OnTyping(func(ev guildhall.TypingEvent) { r.typings <- ev })
	cl.OnReactionAdd(func(re guildhall.Reaction) { r.reactions <- re })
	cl.OnReactionRemove(func(re guildhall.Reaction) { r.removals <- re })
	cl.OnMemberRolesUpdate(func(u guildhall.User) { r.roles <- u })
	cl.OnRaw(func(raw []byte) { r.raws <- raw })
	cl.OnStateChange(func(old, next guildhall.ConnectionState) { r.states <- stateHop{old, next} })
	cl.OnLogout(func() { r.logouts <- struct{}{} })
	return r
}

// mustState drains state transitions until one lands on want.
func mustState(t *testing.T, r *recorder, want guildhall.ConnectionState) stateHop {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case hop := <-r.states:
			if hop.next == want {
				return hop
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Fatalf("state %v not reached", want)
	return stateHop{}
}

func mustMessage(t *testing.T, r *recorder) guildhall.Message {
	t.Helper()

	select {
	case m := <-r.messages:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message event")
		return guildhall.Message{}
	}
}

func mustTyping(t *testing.T, r *recorder) guildhall.TypingEvent {
	t.Helper()

	select {
	case ev := <-r.typings:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for typing event")
		return guildhall.TypingEvent{}
	}
}

func mustReaction(t *testing.T, ch <-chan guildhall.Reaction) guildhall.Reaction {
	t.Helper()

	select {
	case re := <-ch:
		return re
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reaction event")
		return guildhall.Reaction{}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mustLogin(t *testing.T, cl *guildhall.Client, r *recorder) {
	t.Helper()

	if err := cl.Login(context.Background(), testCreds); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	mustState(t, r, guildhall.StateConnected)
}

func TestLoginConnectsAndJoinsRooms(t *testing.T) {
	srv, ts := startServer(t)
	g := srv.AddGuild("playground")
	general := srv.AddChannel(g.ID, "general")
	random := srv.AddChannel(g.ID, "random")

	cl := newTestClient(t, ts.URL, 50*time.Millisecond)
	r := record(cl)

	if err := cl.Login(context.Background(), testCreds); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	hop := mustState(t, r, guildhall.StateConnecting)
	if hop.old != guildhall.StateDisconnected {
		t.Fatalf("unexpected transition into connecting: %v -> %v", hop.old, hop.next)
	}
	mustState(t, r, guildhall.StateConnected)

	// Discovery joins the guild room, then each of its channel rooms.
	waitFor(t, "room joins", func() bool { return len(srv.Joins()) == 3 })
	joins := srv.Joins()
	if joins[0] != g.ID {
		t.Fatalf("expected guild joined first, got %v", joins)
	}
	seen := map[string]bool{}
	for _, room := range joins {
		seen[room] = true
	}
	if !seen[general.ID] || !seen[random.ID] {
		t.Fatalf("channels not joined: %v", joins)
	}
	if got := cl.State(); got != guildhall.StateConnected {
		t.Fatalf("expected connected state, got %v", got)
	}
}

func TestTrailingSlashBaseURL(t *testing.T) {
	srv, ts := startServer(t)
	g := srv.AddGuild("playground")
	srv.AddChannel(g.ID, "general")

	cl := newTestClient(t, ts.URL+"/", 50*time.Millisecond)
	r := record(cl)
	mustLogin(t, cl, r)

	waitFor(t, "room joins", func() bool { return len(srv.Joins()) == 2 })
}

func TestLoginWhileActive(t *testing.T) {
	_, ts := startServer(t)
	cl := newTestClient(t, ts.URL, 50*time.Millisecond)
	r := record(cl)
	mustLogin(t, cl, r)

	err := cl.Login(context.Background(), testCreds)
	if !errors.Is(err, guildhall.ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
}

func TestLoginBadCredentialsLeavesClientUsable(t *testing.T) {
	_, ts := startServer(t)
	cl := newTestClient(t, ts.URL, 50*time.Millisecond)
	r := record(cl)

	err := cl.Login(context.Background(), guildhall.Credentials{User: "dev", Pass: "wrong"})
	if err == nil {
		t.Fatal("expected login to fail")
	}
	if got := cl.State(); got != guildhall.StateDisconnected {
		t.Fatalf("failed login left state %v", got)
	}

	// The failed attempt released the session slot.
	mustLogin(t, cl, r)
}

func TestLoginWithheldCookie(t *testing.T) {
	srv, ts := startServer(t)
	srv.WithholdCookie(true)
	cl := newTestClient(t, ts.URL, 50*time.Millisecond)

	err := cl.Login(context.Background(), testCreds)
	if !errors.Is(err, guildhall.ErrNoSessionCookie) {
		t.Fatalf("expected ErrNoSessionCookie, got %v", err)
	}
	if got := cl.State(); got != guildhall.StateDisconnected {
		t.Fatalf("unexpected state: %v", got)
	}
}

func TestOperationsWithoutSession(t *testing.T) {
	_, ts := startServer(t)
	cl := newTestClient(t, ts.URL, 50*time.Millisecond)
	ctx := context.Background()

	if err := cl.SendMessage(ctx, "ch1", "hi"); !errors.Is(err, guildhall.ErrNoSession) {
		t.Fatalf("SendMessage: expected ErrNoSession, got %v", err)
	}
	if _, err := cl.Guilds(ctx); !errors.Is(err, guildhall.ErrNoSession) {
		t.Fatalf("Guilds: expected ErrNoSession, got %v", err)
	}
	if _, err := cl.Channels(ctx, "g1"); !errors.Is(err, guildhall.ErrNoSession) {
		t.Fatalf("Channels: expected ErrNoSession, got %v", err)
	}
}

func TestGuildAndChannelListing(t *testing.T) {
	srv, ts := startServer(t)
	g := srv.AddGuild("playground")
	general := srv.AddChannel(g.ID, "general")

	cl := newTestClient(t, ts.URL, 50*time.Millisecond)
	r := record(cl)
	mustLogin(t, cl, r)

	guilds, err := cl.Guilds(context.Background())
	if err != nil {
		t.Fatalf("Guilds failed: %v", err)
	}
	if len(guilds) != 1 || guilds[0].ID != g.ID || guilds[0].Name != "playground" {
		t.Fatalf("unexpected guilds: %+v", guilds)
	}

	channels, err := cl.Channels(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("Channels failed: %v", err)
	}
	if len(channels) != 1 || channels[0].ID != general.ID {
		t.Fatalf("unexpected channels: %+v", channels)
	}
}

func TestMessagePairingDeliversChannel(t *testing.T) {
	srv, ts := startServer(t)
	g := srv.AddGuild("playground")
	ch := srv.AddChannel(g.ID, "general")

	cl := newTestClient(t, ts.URL, 50*time.Millisecond)
	r := record(cl)
	mustLogin(t, cl, r)
	waitFor(t, "room joins", func() bool { return len(srv.Joins()) == 2 })

	srv.EmitMessage(ch.ID, guildhall.Message{ID: "m1", Text: "hello", User: guildhall.User{ID: "u1", Name: "alice"}})

	m := mustMessage(t, r)
	if m.ID != "m1" || m.Text != "hello" || m.User.Name != "alice" {
		t.Fatalf("unexpected message: %+v", m)
	}
	if m.ChannelID != ch.ID {
		t.Fatalf("message not correlated with its channel: %q", m.ChannelID)
	}
}

func TestSendMessageRoundTrip(t *testing.T) {
	srv, ts := startServer(t)
	g := srv.AddGuild("playground")
	ch := srv.AddChannel(g.ID, "general")

	cl := newTestClient(t, ts.URL, 50*time.Millisecond)
	r := record(cl)
	mustLogin(t, cl, r)
	waitFor(t, "room joins", func() bool { return len(srv.Joins()) == 2 })

	if err := cl.SendMessage(context.Background(), ch.ID, "ping"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	posted := srv.Messages()
	if len(posted) != 1 || posted[0].Room != ch.ID || posted[0].Text != "ping" || posted[0].User != "dev" {
		t.Fatalf("unexpected posted messages: %+v", posted)
	}

	// The message is not echoed locally; it comes back through the realtime
	// stream with its channel attached.
	m := mustMessage(t, r)
	if m.Text != "ping" || m.ChannelID != ch.ID || m.User.Name != "dev" {
		t.Fatalf("unexpected echoed message: %+v", m)
	}
}

func TestOrphanNotificationDropped(t *testing.T) {
	srv, ts := startServer(t)
	cl := newTestClient(t, ts.URL, 50*time.Millisecond)
	r := record(cl)
	mustLogin(t, cl, r)

	// A notification with no message staged before it produces nothing.
	srv.Push("new_notification", guildhall.Notification{ID: "ch1"})

	select {
	case m := <-r.messages:
		t.Fatalf("orphan notification produced a message: %+v", m)
	case <-time.After(150 * time.Millisecond):
	}

	// The stream keeps working afterwards.
	srv.EmitMessage("ch1", guildhall.Message{ID: "m1", Text: "still here", User: guildhall.User{ID: "u1"}})
	m := mustMessage(t, r)
	if m.ID != "m1" || m.ChannelID != "ch1" {
		t.Fatalf("unexpected message: %+v", m)
	}
}

func TestMessageBurstKeepsNewest(t *testing.T) {
	srv, ts := startServer(t)
	cl := newTestClient(t, ts.URL, 50*time.Millisecond)
	r := record(cl)
	mustLogin(t, cl, r)

	// Two messages land before the first notification: the older one loses
	// its slot and is never delivered.
	srv.Push("new_message", guildhall.Message{ID: "m1", Text: "first", User: guildhall.User{ID: "u1"}})
	srv.Push("new_message", guildhall.Message{ID: "m2", Text: "second", User: guildhall.User{ID: "u1"}})
	srv.Push("new_notification", guildhall.Notification{ID: "ch1"})

	m := mustMessage(t, r)
	if m.ID != "m2" || m.ChannelID != "ch1" {
		t.Fatalf("expected m2 in ch1, got %+v", m)
	}

	select {
	case extra := <-r.messages:
		t.Fatalf("replaced message still delivered: %+v", extra)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestUnknownActionSurfacesRaw(t *testing.T) {
	srv, ts := startServer(t)
	cl := newTestClient(t, ts.URL, 50*time.Millisecond)
	r := record(cl)
	mustLogin(t, cl, r)

	frame := []byte(`{"action":"presence_sync","data":{"online":3}}`)
	srv.PushRaw(frame)

	select {
	case raw := <-r.raws:
		if !bytes.Equal(raw, frame) {
			t.Fatalf("raw frame altered in flight: %s", raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for raw event")
	}
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	srv, ts := startServer(t)
	cl := newTestClient(t, ts.URL, 50*time.Millisecond)
	r := record(cl)
	mustLogin(t, cl, r)

	srv.PushRaw([]byte(`{"action":`))
	srv.PushRaw([]byte(`{"data":{"id":"m0"}}`))
	srv.EmitMessage("ch1", guildhall.Message{ID: "m1", Text: "alive", User: guildhall.User{ID: "u1"}})

	m := mustMessage(t, r)
	if m.ID != "m1" {
		t.Fatalf("unexpected message: %+v", m)
	}
	if got := cl.State(); got != guildhall.StateConnected {
		t.Fatalf("malformed frame tore down the connection: %v", got)
	}
	if n := srv.ActiveConns(); n != 1 {
		t.Fatalf("expected 1 active connection, got %d", n)
	}
}

func TestTypingReactionAndRoleEvents(t *testing.T) {
	srv, ts := startServer(t)
	cl := newTestClient(t, ts.URL, 50*time.Millisecond)
	r := record(cl)
	mustLogin(t, cl, r)

	srv.Push("start_typing", guildhall.User{ID: "u1", Name: "alice"})
	srv.Push("stop_typing", guildhall.User{ID: "u1", Name: "alice"})
	srv.Push("add_reaction", guildhall.Reaction{Emoji: "+1", MessageID: "m1", User: guildhall.User{ID: "u2"}})
	srv.Push("remove_reaction", guildhall.Reaction{Emoji: "+1", MessageID: "m1", User: guildhall.User{ID: "u2"}})
	srv.Push("update_member_roles", guildhall.User{ID: "u1", Roles: []string{"admin"}})
	srv.Push("delete_message", guildhall.Message{ID: "m9", User: guildhall.User{ID: "u1"}})

	started := mustTyping(t, r)
	if !started.Started || started.User.Name != "alice" {
		t.Fatalf("unexpected typing event: %+v", started)
	}
	stopped := mustTyping(t, r)
	if stopped.Started {
		t.Fatalf("expected a stop event, got %+v", stopped)
	}

	added := mustReaction(t, r.reactions)
	if added.Emoji != "+1" || added.MessageID != "m1" {
		t.Fatalf("unexpected reaction: %+v", added)
	}
	removed := mustReaction(t, r.removals)
	if removed.Emoji != "+1" {
		t.Fatalf("unexpected removal: %+v", removed)
	}

	select {
	case u := <-r.roles:
		if len(u.Roles) != 1 || u.Roles[0] != "admin" {
			t.Fatalf("unexpected roles update: %+v", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for roles update")
	}

	select {
	case m := <-r.deletes:
		if m.ID != "m9" {
			t.Fatalf("unexpected delete: %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delete event")
	}
}

func TestReconnectAfterServerDrop(t *testing.T) {
	srv, ts := startServer(t)
	delay := 60 * time.Millisecond
	cl := newTestClient(t, ts.URL, delay)
	r := record(cl)
	mustLogin(t, cl, r)
	waitFor(t, "connection", func() bool { return srv.ActiveConns() == 1 })

	dropped := time.Now()
	srv.DisconnectAll()

	mustState(t, r, guildhall.StateReconnectScheduled)
	mustState(t, r, guildhall.StateConnected)

	// The retry respects the fixed delay.
	hs := srv.Handshakes()
	if len(hs) < 2 {
		t.Fatalf("expected a second handshake, got %d", len(hs))
	}
	if gap := hs[len(hs)-1].Sub(dropped); gap < delay {
		t.Fatalf("reconnected after %v, before the %v delay", gap, delay)
	}
	waitFor(t, "connection", func() bool { return srv.ActiveConns() == 1 })
}

func TestReconnectAtExposesDeadline(t *testing.T) {
	srv, ts := startServer(t)
	delay := 400 * time.Millisecond
	cl := newTestClient(t, ts.URL, delay)
	r := record(cl)
	mustLogin(t, cl, r)

	if _, ok := cl.ReconnectAt(); ok {
		t.Fatal("ReconnectAt reported a deadline while connected")
	}

	srv.DisconnectAll()
	mustState(t, r, guildhall.StateReconnectScheduled)

	at, ok := cl.ReconnectAt()
	if !ok {
		t.Fatal("ReconnectAt reported no deadline while scheduled")
	}
	if until := time.Until(at); until <= 0 || until > delay {
		t.Fatalf("implausible reconnect deadline %v away", until)
	}
}

func TestRevokedSessionForcesRelogin(t *testing.T) {
	srv, ts := startServer(t)
	cl := newTestClient(t, ts.URL, 40*time.Millisecond)
	r := record(cl)
	mustLogin(t, cl, r)
	waitFor(t, "connection", func() bool { return srv.ActiveConns() == 1 })

	before := len(srv.Handshakes())
	srv.RevokeSessions()
	srv.DisconnectAll()

	// The stale cookie is rejected on the next handshake; the client still
	// holds its credentials and logs in again on the attempt after that.
	mustState(t, r, guildhall.StateConnected)
	waitFor(t, "connection", func() bool { return srv.ActiveConns() == 1 })

	if got := len(srv.Handshakes()); got < before+2 {
		t.Fatalf("expected a rejected and an accepted handshake, got %d new", got-before)
	}
}

func TestLogoutTearsDownConnection(t *testing.T) {
	srv, ts := startServer(t)
	cl := newTestClient(t, ts.URL, 40*time.Millisecond)
	r := record(cl)
	mustLogin(t, cl, r)
	waitFor(t, "connection", func() bool { return srv.ActiveConns() == 1 })
	handshakes := len(srv.Handshakes())

	cl.Logout()

	select {
	case <-r.logouts:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for logout event")
	}
	hop := mustState(t, r, guildhall.StateDisconnected)
	if hop.old != guildhall.StateConnected {
		t.Fatalf("unexpected final transition: %v -> %v", hop.old, hop.next)
	}
	if got := cl.State(); got != guildhall.StateDisconnected {
		t.Fatalf("unexpected state: %v", got)
	}
	waitFor(t, "teardown", func() bool { return srv.ActiveConns() == 0 })

	// No reconnect attempts after logout.
	time.Sleep(150 * time.Millisecond)
	if got := len(srv.Handshakes()); got != handshakes {
		t.Fatalf("client kept dialing after logout: %d -> %d", handshakes, got)
	}

	if err := cl.SendMessage(context.Background(), "ch1", "hi"); !errors.Is(err, guildhall.ErrNoSession) {
		t.Fatalf("expected ErrNoSession after logout, got %v", err)
	}
}

func TestLogoutCancelsScheduledReconnect(t *testing.T) {
	srv, ts := startServer(t)
	cl := newTestClient(t, ts.URL, 300*time.Millisecond)
	r := record(cl)
	mustLogin(t, cl, r)

	handshakes := len(srv.Handshakes())
	srv.DisconnectAll()
	mustState(t, r, guildhall.StateReconnectScheduled)

	cl.Logout()
	mustState(t, r, guildhall.StateDisconnected)

	// Wait past the retry deadline: the canceled timer must not dial.
	time.Sleep(400 * time.Millisecond)
	if got := len(srv.Handshakes()); got != handshakes {
		t.Fatalf("scheduled reconnect survived logout: %d -> %d", handshakes, got)
	}
	if _, ok := cl.ReconnectAt(); ok {
		t.Fatal("ReconnectAt still reports a deadline after logout")
	}
}

func TestLogoutAlwaysEmitsEvent(t *testing.T) {
	_, ts := startServer(t)
	cl := newTestClient(t, ts.URL, 40*time.Millisecond)
	r := record(cl)

	// No session was ever established; the event fires regardless.
	cl.Logout()
	cl.Logout()

	for range 2 {
		select {
		case <-r.logouts:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for logout event")
		}
	}
	if len(r.states) != 0 {
		t.Fatalf("logout without a session emitted %d state changes", len(r.states))
	}
}

func TestArchiveCapturesStream(t *testing.T) {
	srv, ts := startServer(t)
	g := srv.AddGuild("playground")
	ch := srv.AddChannel(g.ID, "general")

	cl := newTestClient(t, ts.URL, 50*time.Millisecond)

	disabled := zerolog.New(nil)
	arc, err := archive.Open(":memory:", &disabled)
	if err != nil {
		t.Fatalf("failed to open archive: %v", err)
	}
	defer arc.Close()
	arc.Attach(cl)

	// The archive observer registered first, so by the time the recorder
	// sees a message the matching row is already written.
	r := record(cl)
	mustLogin(t, cl, r)
	waitFor(t, "room joins", func() bool { return len(srv.Joins()) == 2 })

	srv.EmitMessage(ch.ID, guildhall.Message{ID: "m1", Text: "for the record", User: guildhall.User{ID: "u1", Name: "alice"}})
	mustMessage(t, r)

	entries, err := arc.Recent(context.Background(), ch.ID, 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "m1" || entries[0].Text != "for the record" {
		t.Fatalf("unexpected archive entries: %+v", entries)
	}

	srv.Push("delete_message", guildhall.Message{ID: "m1", User: guildhall.User{ID: "u1"}})
	select {
	case <-r.deletes:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delete event")
	}

	entries, err = arc.Recent(context.Background(), ch.ID, 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(entries) != 1 || !entries[0].Deleted {
		t.Fatalf("deletion not archived: %+v", entries)
	}
}
