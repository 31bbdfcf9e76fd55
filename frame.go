package guildhall

import (
	"encoding/json"
	"errors"
)

// frame is the wire envelope for realtime traffic in both directions: a
// discriminating action string plus an action-specific payload.
type frame struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Server-to-client actions.
const (
	actionNewMessage        = "new_message"
	actionDeleteMessage     = "delete_message"
	actionStartTyping       = "start_typing"
	actionStopTyping        = "stop_typing"
	actionNewNotification   = "new_notification"
	actionAddReaction       = "add_reaction"
	actionRemoveReaction    = "remove_reaction"
	actionUpdateMemberRoles = "update_member_roles"
)

// Client-to-server actions.
const (
	actionJoinGuild   = "joinGuild"
	actionJoinChannel = "joinChannel"
)

// joinCommand subscribes this session to a guild or channel room.
// Fire-and-forget; the server never acknowledges it.
type joinCommand struct {
	Action string `json:"action"`
	Room   string `json:"room"`
}

var (
	errMissingAction = errors.New("missing action field")
	errMissingData   = errors.New("missing data payload")
)

// serverEventKind discriminates decoded realtime frames.
type serverEventKind int

const (
	serverMessageCreated serverEventKind = iota
	serverMessageDeleted
	serverTypingStarted
	serverTypingStopped
	serverNotification
	serverReactionAdded
	serverReactionRemoved
	serverMemberRolesUpdated
	serverUnrecognized
)

// serverEvent is one decoded realtime frame. Only the fields for its kind are
// populated; the rest stay zero and are never read.
type serverEvent struct {
	Kind         serverEventKind
	Message      Message
	Notification Notification
	Reaction     Reaction
	Member       User
	Raw          []byte
}

// decodeFrame parses a realtime text frame into a serverEvent. Unknown
// actions decode to serverUnrecognized carrying the frame verbatim, so new
// upstream event types surface as raw events instead of breaking the client.
func decodeFrame(raw []byte) (serverEvent, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return serverEvent{}, &DecodeError{Frame: raw, Err: err}
	}
	if f.Action == "" {
		return serverEvent{}, &DecodeError{Frame: raw, Err: errMissingAction}
	}

	switch f.Action {
	case actionNewMessage, actionDeleteMessage:
		var m Message
		if err := decodePayload(raw, f.Data, &m); err != nil {
			return serverEvent{}, err
		}
		kind := serverMessageCreated
		if f.Action == actionDeleteMessage {
			kind = serverMessageDeleted
		}
		return serverEvent{Kind: kind, Message: m}, nil
	case actionStartTyping, actionStopTyping:
		var u User
		if err := decodePayload(raw, f.Data, &u); err != nil {
			return serverEvent{}, err
		}
		kind := serverTypingStarted
		if f.Action == actionStopTyping {
			kind = serverTypingStopped
		}
		return serverEvent{Kind: kind, Member: u}, nil
	case actionNewNotification:
		var n Notification
		if err := decodePayload(raw, f.Data, &n); err != nil {
			return serverEvent{}, err
		}
		return serverEvent{Kind: serverNotification, Notification: n}, nil
	case actionAddReaction, actionRemoveReaction:
		var r Reaction
		if err := decodePayload(raw, f.Data, &r); err != nil {
			return serverEvent{}, err
		}
		kind := serverReactionAdded
		if f.Action == actionRemoveReaction {
			kind = serverReactionRemoved
		}
		return serverEvent{Kind: kind, Reaction: r}, nil
	case actionUpdateMemberRoles:
		var u User
		if err := decodePayload(raw, f.Data, &u); err != nil {
			return serverEvent{}, err
		}
		return serverEvent{Kind: serverMemberRolesUpdated, Member: u}, nil
	default:
		return serverEvent{Kind: serverUnrecognized, Raw: raw}, nil
	}
}

func decodePayload(raw []byte, data json.RawMessage, v any) error {
	if len(data) == 0 {
		return &DecodeError{Frame: raw, Err: errMissingData}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &DecodeError{Frame: raw, Err: err}
	}
	return nil
}
