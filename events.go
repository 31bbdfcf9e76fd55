package guildhall

import (
	"sync"

	"github.com/rs/zerolog"
)

// User is a chat participant as delivered by the server.
type User struct {
	ID    string   `json:"id"`
	Name  string   `json:"name,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// Message is a chat message. ChannelID is empty on the wire for new_message
// frames; the correlation step fills it in before the message is published.
type Message struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	User      User   `json:"user"`
	ChannelID string `json:"channelId,omitempty"`
}

// Notification is the server's channel-activity marker. Its ID names the
// channel the immediately preceding new_message was created in; the two
// frames carry no shared key beyond their ordering.
type Notification struct {
	ID string `json:"id"`
}

// Reaction is an emoji reaction attached to or removed from a message.
type Reaction struct {
	Emoji     string `json:"emoji"`
	MessageID string `json:"message"`
	User      User   `json:"user"`
}

// TypingEvent reports a user starting or stopping to type.
type TypingEvent struct {
	User    User
	Started bool
}

// Guild is a guild as listed by the discovery API.
type Guild struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Channel is a channel within a guild as listed by the discovery API.
type Channel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// EventKind is a notification the client emits to its observers.
type EventKind int

const (
	// EventMessageCreate delivers a message correlated with its channel.
	EventMessageCreate EventKind = iota
	// EventMessageDelete delivers a message removal.
	EventMessageDelete
	// EventTyping delivers typing start/stop updates.
	EventTyping
	// EventReactionAdd delivers a reaction added to a message.
	EventReactionAdd
	// EventReactionRemove delivers a reaction removed from a message.
	EventReactionRemove
	// EventMemberRolesUpdate delivers a member role change.
	EventMemberRolesUpdate
	// EventRaw delivers frames with an unrecognized action verbatim.
	EventRaw
	// EventLogout reports that Logout was called on this client.
	EventLogout
	// EventStateChange reports connection state transitions.
	EventStateChange
)

// String returns the public name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventMessageCreate:
		return "messageCreate"
	case EventMessageDelete:
		return "messageDelete"
	case EventTyping:
		return "typing"
	case EventReactionAdd:
		return "reactionAdd"
	case EventReactionRemove:
		return "reactionRemove"
	case EventMemberRolesUpdate:
		return "memberRolesUpdate"
	case EventRaw:
		return "raw"
	case EventLogout:
		return "logout"
	case EventStateChange:
		return "stateChange"
	default:
		return "unknown"
	}
}

// dispatcher is the typed publish side of the client: one observer list per
// event kind, invoked synchronously in registration order. A failing observer
// never reaches the frame-processing path; panics are recovered and logged.
type dispatcher struct {
	mu    sync.Mutex
	log   *zerolog.Logger
	allow func() bool

	messageCreate     []func(Message)
	messageDelete     []func(Message)
	typing            []func(TypingEvent)
	reactionAdd       []func(Reaction)
	reactionRemove    []func(Reaction)
	memberRolesUpdate []func(User)
	raw               []func([]byte)
	logout            []func()
	stateChange       []func(old, next ConnectionState)
}

func newDispatcher(logger *zerolog.Logger, allow func() bool) *dispatcher {
	return &dispatcher{log: logger, allow: allow}
}

// allowed gates frame-derived emissions: once the session is cleared, events
// still in flight are discarded instead of reaching observers.
func (d *dispatcher) allowed(kind EventKind) bool {
	if d.allow() {
		return true
	}
	d.log.Debug().Str("event", kind.String()).Msg("session cleared, dropping event")
	return false
}

func (d *dispatcher) invoke(kind EventKind, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Warn().Str("event", kind.String()).Interface("panic", r).Msg("observer panic recovered")
		}
	}()
	fn()
}

func (d *dispatcher) emitMessageCreate(m Message) {
	if !d.allowed(EventMessageCreate) {
		return
	}
	d.mu.Lock()
	handlers := append([]func(Message){}, d.messageCreate...)
	d.mu.Unlock()
	for _, h := range handlers {
		d.invoke(EventMessageCreate, func() { h(m) })
	}
}

func (d *dispatcher) emitMessageDelete(m Message) {
	if !d.allowed(EventMessageDelete) {
		return
	}
	d.mu.Lock()
	handlers := append([]func(Message){}, d.messageDelete...)
	d.mu.Unlock()
	for _, h := range handlers {
		d.invoke(EventMessageDelete, func() { h(m) })
	}
}

func (d *dispatcher) emitTyping(t TypingEvent) {
	if !d.allowed(EventTyping) {
		return
	}
	d.mu.Lock()
	handlers := append([]func(TypingEvent){}, d.typing...)
	d.mu.Unlock()
	for _, h := range handlers {
		d.invoke(EventTyping, func() { h(t) })
	}
}

func (d *dispatcher) emitReactionAdd(r Reaction) {
	if !d.allowed(EventReactionAdd) {
		return
	}
	d.mu.Lock()
	handlers := append([]func(Reaction){}, d.reactionAdd...)
	d.mu.Unlock()
	for _, h := range handlers {
		d.invoke(EventReactionAdd, func() { h(r) })
	}
}

func (d *dispatcher) emitReactionRemove(r Reaction) {
	if !d.allowed(EventReactionRemove) {
		return
	}
	d.mu.Lock()
	handlers := append([]func(Reaction){}, d.reactionRemove...)
	d.mu.Unlock()
	for _, h := range handlers {
		d.invoke(EventReactionRemove, func() { h(r) })
	}
}

func (d *dispatcher) emitMemberRolesUpdate(u User) {
	if !d.allowed(EventMemberRolesUpdate) {
		return
	}
	d.mu.Lock()
	handlers := append([]func(User){}, d.memberRolesUpdate...)
	d.mu.Unlock()
	for _, h := range handlers {
		d.invoke(EventMemberRolesUpdate, func() { h(u) })
	}
}

func (d *dispatcher) emitRaw(frame []byte) {
	if !d.allowed(EventRaw) {
		return
	}
	d.mu.Lock()
	handlers := append([]func([]byte){}, d.raw...)
	d.mu.Unlock()
	for _, h := range handlers {
		d.invoke(EventRaw, func() { h(frame) })
	}
}

// emitLogout bypasses the session gate: the logout event is produced by the
// teardown itself and is delivered on every Logout call.
func (d *dispatcher) emitLogout() {
	d.mu.Lock()
	handlers := append([]func(){}, d.logout...)
	d.mu.Unlock()
	for _, h := range handlers {
		d.invoke(EventLogout, h)
	}
}

// emitStateChange publishes a transition observed while the session is live.
// The connection goroutine can still be winding down after Logout cleared the
// session; transitions it reports at that point are dropped so that no
// stateChange lands after the logout event.
func (d *dispatcher) emitStateChange(old, next ConnectionState) {
	if !d.allowed(EventStateChange) {
		return
	}
	d.deliverStateChange(old, next)
}

// emitFinalStateChange bypasses the session gate for the one transition the
// teardown produces itself: the move to disconnected during logout.
func (d *dispatcher) emitFinalStateChange(old, next ConnectionState) {
	d.deliverStateChange(old, next)
}

func (d *dispatcher) deliverStateChange(old, next ConnectionState) {
	d.mu.Lock()
	handlers := append([]func(old, next ConnectionState){}, d.stateChange...)
	d.mu.Unlock()
	for _, h := range handlers {
		d.invoke(EventStateChange, func() { h(old, next) })
	}
}

// OnMessageCreate registers an observer for messageCreate events: one chat
// message enriched with the channel it was created in. Observers run
// synchronously in registration order.
func (c *Client) OnMessageCreate(fn func(Message)) {
	c.events.mu.Lock()
	c.events.messageCreate = append(c.events.messageCreate, fn)
	c.events.mu.Unlock()
}

// OnMessageDelete registers an observer for messageDelete events.
func (c *Client) OnMessageDelete(fn func(Message)) {
	c.events.mu.Lock()
	c.events.messageDelete = append(c.events.messageDelete, fn)
	c.events.mu.Unlock()
}

// OnTyping registers an observer for typing events, covering both start and
// stop updates.
func (c *Client) OnTyping(fn func(TypingEvent)) {
	c.events.mu.Lock()
	c.events.typing = append(c.events.typing, fn)
	c.events.mu.Unlock()
}

// OnReactionAdd registers an observer for reactionAdd events.
func (c *Client) OnReactionAdd(fn func(Reaction)) {
	c.events.mu.Lock()
	c.events.reactionAdd = append(c.events.reactionAdd, fn)
	c.events.mu.Unlock()
}

// OnReactionRemove registers an observer for reactionRemove events.
func (c *Client) OnReactionRemove(fn func(Reaction)) {
	c.events.mu.Lock()
	c.events.reactionRemove = append(c.events.reactionRemove, fn)
	c.events.mu.Unlock()
}

// OnMemberRolesUpdate registers an observer for memberRolesUpdate events.
func (c *Client) OnMemberRolesUpdate(fn func(User)) {
	c.events.mu.Lock()
	c.events.memberRolesUpdate = append(c.events.memberRolesUpdate, fn)
	c.events.mu.Unlock()
}

// OnRaw registers an observer for frames whose action the client does not
// recognize. The observer receives the frame exactly as it arrived.
func (c *Client) OnRaw(fn func([]byte)) {
	c.events.mu.Lock()
	c.events.raw = append(c.events.raw, fn)
	c.events.mu.Unlock()
}

// OnLogout registers an observer invoked once per Logout call.
func (c *Client) OnLogout(fn func()) {
	c.events.mu.Lock()
	c.events.logout = append(c.events.logout, fn)
	c.events.mu.Unlock()
}

// OnStateChange registers an observer for connection state transitions.
func (c *Client) OnStateChange(fn func(old, next ConnectionState)) {
	c.events.mu.Lock()
	c.events.stateChange = append(c.events.stateChange, fn)
	c.events.mu.Unlock()
}
