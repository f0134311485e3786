// Package server is the relay server: it hands out tickets, keeps the live
// flags and runs the websocket relay hub.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"livecast/native/internal/api"
	"livecast/native/internal/auth"
	"livecast/native/internal/domain"
	"livecast/native/internal/relay"
)

const shutdownTimeout = 5 * time.Second

type Options struct {
	Issuer *auth.Issuer
	Live   domain.LiveStore
	Hub    *relay.Hub

	// BroadcastKey guards broadcaster tickets. Empty disables the check.
	BroadcastKey string
	ICEServers   []domain.ICEServer
	// PublicRelayURL is put in tickets. Empty derives it from the request.
	PublicRelayURL string
	AllowedOrigins []string

	Logger zerolog.Logger
}

type Server struct {
	opts   Options
	engine *gin.Engine
	logger zerolog.Logger
}

func New(opts Options) *Server {
	s := &Server{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "server").Logger(),
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger), OriginFilter(opts.AllowedOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	apiGroup := r.Group("/api")
	{
		apiGroup.POST("/tickets", s.createTicket)
		apiGroup.GET("/sessions/:id/live", s.getLive)
		apiGroup.PUT("/sessions/:id/live", opts.Issuer.Middleware(), s.putLive)
	}

	r.GET("/ws", opts.Issuer.Middleware(), s.relay)

	s.engine = r
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) createTicket(c *gin.Context) {
	var req api.TicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "Invalid request body"})
		return
	}

	switch req.Role {
	case domain.RoleViewer:
	case domain.RoleBroadcaster:
		if s.opts.BroadcastKey != "" &&
			subtle.ConstantTimeCompare([]byte(req.Key), []byte(s.opts.BroadcastKey)) != 1 {
			s.logger.Warn().Str("session", req.Session).Msg("broadcaster ticket with bad key")
			c.JSON(http.StatusForbidden, api.ErrorResponse{Error: "Invalid broadcast key"})
			return
		}
	default:
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "Unknown role"})
		return
	}

	token, expires, err := s.opts.Issuer.Issue(req.Session, req.Role)
	if err != nil {
		s.logger.Error().Err(err).Msg("issue token")
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "Failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, domain.Ticket{
		Session:    req.Session,
		Role:       req.Role,
		Token:      token,
		RelayURL:   s.relayURL(c.Request),
		ICEServers: s.opts.ICEServers,
		ExpiresAt:  expires,
	})
}

func (s *Server) relayURL(r *http.Request) string {
	if s.opts.PublicRelayURL != "" {
		return s.opts.PublicRelayURL
	}
	scheme := "ws"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "wss"
	}
	return scheme + "://" + r.Host + "/ws"
}

func (s *Server) getLive(c *gin.Context) {
	live, err := s.opts.Live.IsLive(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.logger.Error().Err(err).Str("session", c.Param("id")).Msg("read live flag")
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "Failed to read live flag"})
		return
	}
	c.JSON(http.StatusOK, api.LiveStatus{Live: live})
}

func (s *Server) putLive(c *gin.Context) {
	id := c.Param("id")
	claims, _ := auth.FromContext(c)
	if claims == nil || claims.Role != domain.RoleBroadcaster || claims.Session != id {
		c.JSON(http.StatusForbidden, api.ErrorResponse{Error: "Not the broadcaster of this session"})
		return
	}

	var body api.LiveStatus
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "Invalid request body"})
		return
	}
	if err := s.opts.Live.SetLive(c.Request.Context(), id, body.Live); err != nil {
		s.logger.Error().Err(err).Str("session", id).Msg("write live flag")
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "Failed to write live flag"})
		return
	}
	s.logger.Info().Str("session", id).Bool("live", body.Live).Msg("live flag updated")
	c.Status(http.StatusNoContent)
}

// relay hands the connection to the hub, scoped to the token's session.
func (s *Server) relay(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, api.ErrorResponse{Error: "Authorization required"})
		return
	}
	s.opts.Hub.ServeHTTP(c.Writer, c.Request, func(topic string) bool {
		session, err := domain.ParseTopic(topic)
		return err == nil && session.ID == claims.Session
	})
}
