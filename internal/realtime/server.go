package realtime

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server upgrades HTTP requests and runs one client per connection.
type Server struct {
	gateway  *Gateway
	upgrader websocket.Upgrader
	logger   *zap.Logger
	baseCtx  context.Context
}

type ServerConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	// AllowedOrigin is "*" or a single origin compared against the Origin header.
	AllowedOrigin string
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		AllowedOrigin:   "*",
	}
}

// NewServer builds the upgrade handler. ctx bounds every client's store calls
// and should be cancelled on shutdown.
func NewServer(ctx context.Context, gateway *Gateway, cfg ServerConfig, logger *zap.Logger) *Server {
	allowed := strings.TrimSpace(cfg.AllowedOrigin)
	return &Server{
		gateway: gateway,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowed == "" || allowed == "*" || origin == "" || origin == allowed
			},
		},
		logger:  logger.Named("ws"),
		baseCtx: ctx,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	credential := handshakeCredential(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.String("remoteAddr", r.RemoteAddr), zap.Error(err))
		return
	}

	client := newClient(conn, s.logger)
	s.gateway.Connect(client, credential)
	client.logger.Debug("websocket connected",
		zap.String("remoteAddr", r.RemoteAddr),
		zap.Bool("identified", client.handshakeUser() != ""),
	)

	go client.writePump()
	client.readPump(s.baseCtx, s.gateway)
}

// handshakeCredential reads the token query parameter first, then the bearer header.
func handshakeCredential(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
