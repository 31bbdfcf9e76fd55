package mock

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	guildhall "github.com/vovakirdan/guildhall-client"
)

// remote is one connected realtime client.
type remote struct {
	id  string
	ws  *websocket.Conn
	out chan []byte
}

// joinFrame is the only command clients send over the socket.
type joinFrame struct {
	Action string `json:"action"`
	Room   string `json:"room"`
}

// outFrame is the wire envelope for server-to-client pushes.
type outFrame struct {
	Action string `json:"action"`
	Data   any    `json:"data,omitempty"`
}

// GET /realtime, mounted on the plain mux in Handler: Accept hijacks the
// connection through the raw http.ResponseWriter, which gin's writer refuses
// once the handshake reply has been flushed through it.
func (s *Server) handleRealtime(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	s.handshakes = append(s.handshakes, time.Now())
	s.mu.Unlock()

	cookie, err := req.Cookie(sessionCookieName)
	if err != nil {
		s.rejectHandshake(w, "missing session cookie")
		return
	}
	if _, err := s.validateSession(cookie.Value); err != nil {
		s.log.Debug().Err(err).Msg("realtime handshake rejected")
		s.rejectHandshake(w, "invalid session")
		return
	}

	ws, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer ws.Close(websocket.StatusInternalError, "internal error")

	rc := &remote{id: uuid.NewString(), ws: ws, out: make(chan []byte, 32)}
	s.mu.Lock()
	s.conns[rc.id] = rc
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, rc.id)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- s.readLoop(ctx, rc)
	}()
	go func() {
		errCh <- s.writeLoop(ctx, rc)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh

	if err != nil && !errors.Is(err, context.Canceled) {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		default:
			s.log.Debug().Err(err).Str("conn_id", rc.id).Msg("realtime connection ended")
		}
	}
	ws.Close(websocket.StatusNormalClosure, "closing")
}

// rejectHandshake answers an unauthenticated realtime request with the same
// body shape the REST middleware uses.
func (s *Server) rejectHandshake(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: msg})
}

func (s *Server) readLoop(ctx context.Context, r *remote) error {
	for {
		var cmd joinFrame
		if err := wsjson.Read(ctx, r.ws, &cmd); err != nil {
			return err
		}
		switch cmd.Action {
		case "joinGuild", "joinChannel":
			s.mu.Lock()
			s.joins = append(s.joins, cmd.Room)
			s.mu.Unlock()
			s.log.Debug().Str("action", cmd.Action).Str("room", cmd.Room).Msg("room joined")
		default:
			s.log.Debug().Str("action", cmd.Action).Msg("unrecognized command")
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, r *remote) error {
	for {
		select {
		case raw := <-r.out:
			if err := r.ws.Write(ctx, websocket.MessageText, raw); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Push broadcasts one frame to every connected realtime client.
func (s *Server) Push(action string, data any) {
	raw, err := json.Marshal(outFrame{Action: action, Data: data})
	if err != nil {
		s.log.Error().Err(err).Str("action", action).Msg("marshal frame")
		return
	}
	s.PushRaw(raw)
}

// PushRaw broadcasts raw bytes as one text frame, malformed ones included.
func (s *Server) PushRaw(raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.conns {
		select {
		case r.out <- raw:
		default:
			s.log.Warn().Str("conn_id", r.id).Msg("push dropped, slow client")
		}
	}
}

// EmitMessage pushes a new_message frame followed by the new_notification
// frame that names its channel, the way the upstream delivers every message.
func (s *Server) EmitMessage(channelID string, m guildhall.Message) {
	m.ChannelID = ""
	s.Push("new_message", m)
	s.Push("new_notification", guildhall.Notification{ID: channelID})
}

// DisconnectAll drops every realtime connection, as a restarting server
// would.
func (s *Server) DisconnectAll() {
	s.mu.Lock()
	conns := make([]*remote, 0, len(s.conns))
	for _, r := range s.conns {
		conns = append(conns, r)
	}
	s.mu.Unlock()
	for _, r := range conns {
		_ = r.ws.Close(websocket.StatusGoingAway, "going away")
	}
}
