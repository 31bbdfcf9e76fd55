package mock

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	guildhall "github.com/vovakirdan/guildhall-client"
)

const sessionCookieName = "session"

// contextKeyUser is the gin context key for the authenticated username.
const contextKeyUser = "user"

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// PostedMessage records one message accepted over the HTTP API.
type PostedMessage struct {
	Room string
	Text string
	User string
}

// Server is an in-process chat server faithful to the upstream wire
// protocol: cookie login, REST discovery, realtime frames with the
// new_message/new_notification pairing. Tests and the playground binary run
// the client against it.
type Server struct {
	log *zerolog.Logger

	mu             sync.Mutex
	secret         []byte
	withholdCookie bool
	accounts       map[string]string
	guilds         []guildhall.Guild
	channels       map[string][]guildhall.Channel
	conns          map[string]*remote
	joins          []string
	messages       []PostedMessage
	handshakes     []time.Time
}

// New returns an empty Server. Add accounts and fixtures, then mount
// Handler on an HTTP listener.
func New(logger *zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	return &Server{
		log:      logger,
		secret:   []byte(uuid.NewString()),
		accounts: map[string]string{},
		channels: map[string][]guildhall.Channel{},
		conns:    map[string]*remote{},
	}
}

// AddAccount registers a login. The password is stored as a bcrypt hash;
// MinCost is plenty for a test double and keeps logins fast.
func (s *Server) AddAccount(user, pass string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(pass), bcrypt.MinCost)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.accounts[user] = string(hash)
	s.mu.Unlock()
	return nil
}

// AddGuild registers a guild and returns it.
func (s *Server) AddGuild(name string) guildhall.Guild {
	g := guildhall.Guild{ID: uuid.NewString(), Name: name}
	s.mu.Lock()
	s.guilds = append(s.guilds, g)
	if _, ok := s.channels[g.ID]; !ok {
		s.channels[g.ID] = nil
	}
	s.mu.Unlock()
	return g
}

// AddChannel registers a channel under a guild and returns it.
func (s *Server) AddChannel(guildID, name string) guildhall.Channel {
	ch := guildhall.Channel{ID: uuid.NewString(), Name: name}
	s.mu.Lock()
	s.channels[guildID] = append(s.channels[guildID], ch)
	s.mu.Unlock()
	return ch
}

// WithholdCookie makes subsequent logins answer 200 without a Set-Cookie
// header, the way the upstream behaves when it refuses to mint a session.
func (s *Server) WithholdCookie(v bool) {
	s.mu.Lock()
	s.withholdCookie = v
	s.mu.Unlock()
}

// RevokeSessions invalidates every outstanding session cookie by rotating
// the signing secret.
func (s *Server) RevokeSessions() {
	s.mu.Lock()
	s.secret = []byte(uuid.NewString())
	s.mu.Unlock()
}

// Joins returns the rooms realtime clients joined, in order.
func (s *Server) Joins() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.joins...)
}

// Messages returns the messages posted through the HTTP API, in order.
func (s *Server) Messages() []PostedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PostedMessage{}, s.messages...)
}

// Handshakes returns the start times of realtime handshake attempts,
// rejected ones included.
func (s *Server) Handshakes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time{}, s.handshakes...)
}

// ActiveConns reports how many realtime connections are open.
func (s *Server) ActiveConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Handler returns the HTTP surface: gin serves the REST API, while the
// realtime socket hangs off the enclosing mux so Accept gets the raw
// response writer it needs to hijack the connection.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(s.requestLog())

	r.POST("/api/login", s.handleLogin)

	api := r.Group("/api", s.requireSession())
	api.GET("/guilds", s.handleListGuilds)
	api.GET("/guilds/:id/channels", s.handleListChannels)
	api.POST("/message", s.handleSendMessage)

	mux := http.NewServeMux()
	mux.HandleFunc("/realtime", s.handleRealtime)
	mux.Handle("/", r)
	return mux
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Msg("mock request")
	}
}

// requireSession validates the session cookie. The client replays the whole
// Set-Cookie value, attributes included, as its Cookie header; that still
// parses as a cookie list, with the attributes read as extra pairs.
func (s *Server) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := c.Cookie(sessionCookieName)
		if err != nil {
			s.log.Debug().Str("path", c.Request.URL.Path).Msg("missing session cookie")
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "missing session cookie"})
			return
		}
		claims, err := s.validateSession(token)
		if err != nil {
			s.log.Debug().Err(err).Msg("invalid session")
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid session"})
			return
		}
		c.Set(contextKeyUser, claims.User)
		c.Next()
	}
}

// LoginRequest represents the login request body.
type LoginRequest struct {
	User string `json:"user" binding:"required"`
	Pass string `json:"pass" binding:"required"`
}

// POST /api/login
func (s *Server) handleLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.log.Debug().Err(err).Msg("invalid login request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	s.mu.Lock()
	hash, ok := s.accounts[req.User]
	withhold := s.withholdCookie
	s.mu.Unlock()
	if !ok || bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Pass)) != nil {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid credentials"})
		return
	}

	if withhold {
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	token, err := s.mintSession(req.User)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to mint session")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}
	c.SetCookie(sessionCookieName, token, int(sessionTTL.Seconds()), "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"ok": true})
	s.log.Info().Str("user", req.User).Msg("user logged in")
}

// GET /api/guilds
func (s *Server) handleListGuilds(c *gin.Context) {
	s.mu.Lock()
	guilds := append([]guildhall.Guild{}, s.guilds...)
	s.mu.Unlock()
	c.JSON(http.StatusOK, guilds)
}

// GET /api/guilds/:id/channels
func (s *Server) handleListChannels(c *gin.Context) {
	id := c.Param("id")
	s.mu.Lock()
	channels, ok := s.channels[id]
	channels = append([]guildhall.Channel{}, channels...)
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "guild not found"})
		return
	}
	c.JSON(http.StatusOK, channels)
}

// MessageRequest represents the send message request body.
type MessageRequest struct {
	Room string `json:"room" binding:"required"`
	Text string `json:"text" binding:"required"`
}

// POST /api/message
func (s *Server) handleSendMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.log.Debug().Err(err).Msg("invalid message request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	user := c.GetString(contextKeyUser)
	msg := guildhall.Message{
		ID:   uuid.NewString(),
		Text: req.Text,
		User: guildhall.User{ID: user, Name: user},
	}
	s.mu.Lock()
	s.messages = append(s.messages, PostedMessage{Room: req.Room, Text: req.Text, User: user})
	s.mu.Unlock()

	s.EmitMessage(req.Room, msg)
	s.log.Debug().Str("user", user).Str("room", req.Room).Msg("message posted")
	c.JSON(http.StatusCreated, msg)
}
