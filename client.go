package guildhall

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/guildhall-client/internal/rest"
)

// Defaults applied by New where the Config leaves them zero.
const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultDiscoveryPause = 150 * time.Millisecond
)

// Config carries the settings for a Client.
type Config struct {
	// BaseURL is the root of the server's HTTP API, e.g.
	// "http://127.0.0.1:8080". The realtime socket is dialed on the same
	// host.
	BaseURL string

	// HTTPClient serves REST calls and the realtime handshake. It must not
	// set Timeout (the websocket handshake rejects that); use context
	// deadlines instead. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Logger receives diagnostics. Defaults to a disabled logger.
	Logger *zerolog.Logger

	// ReconnectDelay is the fixed pause between losing the connection and
	// the next attempt. There is no backoff growth and no attempt cap.
	ReconnectDelay time.Duration

	// DiscoveryPause is the delay after each HTTP call of the post-connect
	// guild and channel crawl.
	DiscoveryPause time.Duration
}

// Client is a connection to a guildhall chat server. It logs in over HTTP,
// holds one realtime socket at a time, reconnects on a fixed delay when the
// socket drops, and hands decoded server events to the observers registered
// with the On* methods. All methods are safe for concurrent use.
type Client struct {
	cfg     Config
	log     zerolog.Logger
	api     *rest.Client
	sess    session
	events  *dispatcher
	pending *correlator

	mu          sync.Mutex
	state       ConnectionState
	reconnectAt time.Time
	conn        *websocket.Conn
	cancelRun   context.CancelFunc

	// writeMu serializes socket writes. Reads stay on the run goroutine.
	writeMu sync.Mutex
}

// New returns an unconnected Client for cfg. Call Login to start a session.
func New(cfg Config) *Client {
	// REST calls and the realtime dial both append paths to BaseURL.
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.DiscoveryPause <= 0 {
		cfg.DiscoveryPause = DefaultDiscoveryPause
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	c := &Client{
		cfg: cfg,
		log: logger,
		api: rest.New(cfg.BaseURL, cfg.HTTPClient),
	}
	c.pending = newCorrelator(&c.log)
	c.events = newDispatcher(&c.log, c.sess.live)
	return c
}

// Login authenticates creds and, on success, brings up the realtime
// connection in the background. The returned error covers the login call
// only: once Login returns nil, connection failures are logged and retried
// on the reconnect delay, never raised to the caller. Fails with
// ErrSessionActive when a session is already in progress and with
// ErrNoSessionCookie when the server answers without minting a session.
func (c *Client) Login(ctx context.Context, creds Credentials) error {
	if !c.sess.begin(creds) {
		return ErrSessionActive
	}
	if err := c.sess.authenticate(ctx, c.api); err != nil {
		c.sess.clear()
		return fmt.Errorf("login: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if !c.sess.live() {
		// Logged out while the login call was in flight.
		c.mu.Unlock()
		cancel()
		return ErrNoSession
	}
	c.cancelRun = cancel
	old := c.state
	c.state = StateConnecting
	c.mu.Unlock()

	c.log.Info().Str("user", creds.User).Msg("logged in")
	c.events.emitStateChange(old, StateConnecting)
	go c.run(runCtx)
	return nil
}

// Logout ends the session: it clears credentials and cookie, cancels any
// pending reconnect, closes the socket, and emits a logout event. After
// Logout no further reconnect attempt or chat event is delivered. Safe to
// call from an observer. Calling it with no session still emits the event.
func (c *Client) Logout() {
	c.mu.Lock()
	c.sess.clear()
	if c.cancelRun != nil {
		c.cancelRun()
		c.cancelRun = nil
	}
	conn := c.conn
	c.conn = nil
	old := c.state
	c.state = StateDisconnected
	c.reconnectAt = time.Time{}
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "logout")
	}
	c.log.Info().Msg("logged out")
	if old != StateDisconnected {
		c.events.emitFinalStateChange(old, StateDisconnected)
	}
	c.events.emitLogout()
}

// State reports the connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReconnectAt reports when the next connection attempt is due. ok is false
// unless the state is StateReconnectScheduled.
func (c *Client) ReconnectAt() (at time.Time, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectAt, c.state == StateReconnectScheduled
}

// SendMessage posts text to a channel over the HTTP API. The message is not
// echoed back locally; like any other message it arrives through the
// realtime stream as a messageCreate event. Fails with ErrNoSession when no
// session is live.
func (c *Client) SendMessage(ctx context.Context, channelID, text string) error {
	cookie := c.sess.value()
	if cookie == "" {
		return ErrNoSession
	}
	body := map[string]string{"room": channelID, "text": text}
	if err := c.api.PostJSON(ctx, cookie, "/api/message", body, nil); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// Guilds lists the guilds visible to the session.
func (c *Client) Guilds(ctx context.Context) ([]Guild, error) {
	cookie := c.sess.value()
	if cookie == "" {
		return nil, ErrNoSession
	}
	var guilds []Guild
	if err := c.api.GetJSON(ctx, cookie, "/api/guilds", &guilds); err != nil {
		return nil, fmt.Errorf("list guilds: %w", err)
	}
	return guilds, nil
}

// Channels lists the channels of one guild.
func (c *Client) Channels(ctx context.Context, guildID string) ([]Channel, error) {
	cookie := c.sess.value()
	if cookie == "" {
		return nil, ErrNoSession
	}
	var channels []Channel
	if err := c.api.GetJSON(ctx, cookie, "/api/guilds/"+guildID+"/channels", &channels); err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	return channels, nil
}

// run owns the socket lifecycle for one session: connect, pump frames,
// schedule reconnects. It exits only when ctx is canceled by Logout or the
// session disappears underneath it.
func (c *Client) run(ctx context.Context) {
	for ctx.Err() == nil {
		if !c.sess.live() {
			return
		}
		if c.sess.value() == "" {
			// The cookie was invalidated by a rejected handshake. Mint a
			// fresh one with the remembered credentials.
			if err := c.sess.authenticate(ctx, c.api); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.Warn().Err(err).Msg("re-login failed")
				if !c.scheduleReconnect(ctx) {
					return
				}
				continue
			}
		}

		if !c.setState(ctx, StateConnecting, time.Time{}) {
			return
		}
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn().Err(err).Msg("realtime connect failed")
			if !c.scheduleReconnect(ctx) {
				return
			}
			continue
		}

		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			_ = conn.Close(websocket.StatusNormalClosure, "logout")
			return
		}
		c.conn = conn
		c.mu.Unlock()
		if !c.setState(ctx, StateConnected, time.Time{}) {
			_ = conn.Close(websocket.StatusNormalClosure, "logout")
			return
		}
		c.log.Info().Msg("realtime connected")

		discCtx, stopDiscovery := context.WithCancel(ctx)
		go c.runDiscovery(discCtx, conn)

		err = c.readFrames(ctx, conn)
		stopDiscovery()
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if ctx.Err() != nil {
			return
		}
		c.log.Warn().Err(err).Msg("realtime connection lost")
		if !c.scheduleReconnect(ctx) {
			return
		}
	}
}

// setState publishes a state transition from the run path. The ctx check
// under the lock keeps a late transition from overwriting the Disconnected
// state Logout installs after canceling ctx. Same-state transitions emit
// nothing.
func (c *Client) setState(ctx context.Context, next ConnectionState, at time.Time) bool {
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		return false
	}
	old := c.state
	c.reconnectAt = at
	if old == next {
		c.mu.Unlock()
		return true
	}
	c.state = next
	c.mu.Unlock()

	c.log.Debug().Str("from", old.String()).Str("to", next.String()).Msg("connection state")
	c.events.emitStateChange(old, next)
	return true
}

// scheduleReconnect parks the run loop for the configured delay, reporting
// the due time through ReconnectAt. Returns false when ctx is canceled while
// waiting.
func (c *Client) scheduleReconnect(ctx context.Context) bool {
	if !c.setState(ctx, StateReconnectScheduled, time.Now().Add(c.cfg.ReconnectDelay)) {
		return false
	}
	t := time.NewTimer(c.cfg.ReconnectDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// dial opens the realtime socket, presenting the session cookie on the
// handshake. A 401 or 403 answer invalidates the cookie so the next attempt
// logs in again instead of retrying a dead token.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if cookie := c.sess.value(); cookie != "" {
		header.Set("Cookie", cookie)
	}
	conn, resp, err := websocket.Dial(ctx, c.cfg.BaseURL+"/realtime", &websocket.DialOptions{
		HTTPClient: c.cfg.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			c.sess.invalidate()
		}
		return nil, err
	}
	return conn, nil
}

// readFrames pumps the socket until it fails, handing each text frame to the
// decoder. A frame that fails to decode is dropped and logged; the
// connection stays open.
func (c *Client) readFrames(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, raw, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			c.log.Debug().Int("type", int(typ)).Msg("ignoring non-text frame")
			continue
		}
		ev, err := decodeFrame(raw)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping frame")
			continue
		}
		c.handleEvent(ev)
	}
}

// handleEvent routes one decoded server event. new_message and
// new_notification meet in the correlator; everything else maps straight to
// its client event.
func (c *Client) handleEvent(ev serverEvent) {
	switch ev.Kind {
	case serverMessageCreated:
		c.pending.messageCreated(ev.Message)
	case serverNotification:
		if m, ok := c.pending.notificationReceived(ev.Notification); ok {
			c.events.emitMessageCreate(m)
		}
	case serverMessageDeleted:
		c.events.emitMessageDelete(ev.Message)
	case serverTypingStarted:
		c.events.emitTyping(TypingEvent{User: ev.Member, Started: true})
	case serverTypingStopped:
		c.events.emitTyping(TypingEvent{User: ev.Member, Started: false})
	case serverReactionAdded:
		c.events.emitReactionAdd(ev.Reaction)
	case serverReactionRemoved:
		c.events.emitReactionRemove(ev.Reaction)
	case serverMemberRolesUpdated:
		c.events.emitMemberRolesUpdate(ev.Member)
	case serverUnrecognized:
		c.events.emitRaw(ev.Raw)
	}
}

// runDiscovery walks the guild and channel lists once per connection and
// joins each room, pausing after every HTTP call so a freshly connected
// client does not hammer the server. Failures leave discovery incomplete for
// this session; they never tear down the connection.
func (c *Client) runDiscovery(ctx context.Context, conn *websocket.Conn) {
	guilds, err := c.Guilds(ctx)
	if err != nil {
		c.discoveryFailed(ctx, "list guilds", err)
		return
	}
	if !c.pace(ctx) {
		return
	}
	joined := 0
	for _, g := range guilds {
		if err := c.send(ctx, conn, joinCommand{Action: actionJoinGuild, Room: g.ID}); err != nil {
			c.discoveryFailed(ctx, "join guild", err)
			return
		}
		channels, err := c.Channels(ctx, g.ID)
		if err != nil {
			c.discoveryFailed(ctx, "list channels", err)
			continue
		}
		if !c.pace(ctx) {
			return
		}
		for _, ch := range channels {
			if err := c.send(ctx, conn, joinCommand{Action: actionJoinChannel, Room: ch.ID}); err != nil {
				c.discoveryFailed(ctx, "join channel", err)
				return
			}
			joined++
		}
	}
	c.log.Debug().Int("guilds", len(guilds)).Int("channels", joined).Msg("discovery complete")
}

func (c *Client) discoveryFailed(ctx context.Context, stage string, err error) {
	if ctx.Err() != nil {
		return
	}
	c.log.Warn().Err(err).Str("stage", stage).Msg("discovery incomplete")
}

// pace waits out the discovery pause.
func (c *Client) pace(ctx context.Context) bool {
	t := time.NewTimer(c.cfg.DiscoveryPause)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// send writes one JSON frame to the socket. Writers are serialized; reads
// are not, and stay on the run goroutine.
func (c *Client) send(ctx context.Context, conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsjson.Write(ctx, conn, v)
}
