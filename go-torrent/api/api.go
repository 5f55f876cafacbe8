package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Charana123/swarm/go-torrent/event"
	"github.com/Charana123/swarm/go-torrent/stats"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	PING_INTERVAL    = 30 * time.Second
	WRITE_TIMEOUT    = 10 * time.Second
	SHUTDOWN_TIMEOUT = 5 * time.Second
)

// Source is the read-only view of a transfer the api serves.
type Source interface {
	Snapshot() stats.Snapshot
	Peers() []stats.PeerStat
	Subscribe() (<-chan event.Event, func())
}

type Server struct {
	addr     string
	source   Source
	router   *gin.Engine
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

type wsEvent struct {
	Type     string `json:"type"`
	Transfer int    `json:"transfer"`
	Detail   string `json:"detail"`
}

func NewServer(
	addr string,
	source Source,
	logger zerolog.Logger) *Server {

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		addr:   addr,
		source: source,
		router: gin.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: logger.With().Str("component", "api").Logger(),
	}
	s.router.Use(gin.Recovery(), s.logRequests, cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept"},
	}))

	s.router.GET("/health", s.health)
	s.router.GET("/stats", s.stats)
	s.router.GET("/peers", s.peers)
	s.router.GET("/ws/events", s.events)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	s.log.Info().Str("addr", s.addr).Msg("api listening")

	select {
	case err := <-errc:
		return fmt.Errorf("api: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), SHUTDOWN_TIMEOUT)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.log.Debug().
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Int("status", c.Writer.Status()).
		Dur("took", time.Since(start)).
		Msg("request")
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.source.Snapshot())
}

func (s *Server) peers(c *gin.Context) {
	c.JSON(http.StatusOK, s.source.Peers())
}

func toWSEvent(ev event.Event) wsEvent {
	out := wsEvent{
		Type:     strings.TrimPrefix(fmt.Sprintf("%T", ev), "event."),
		Transfer: ev.Transfer(),
	}
	if stringer, ok := ev.(fmt.Stringer); ok {
		out.Detail = stringer.String()
	}
	return out
}

// events streams every forwarded event as JSON until the client goes
// away.
func (s *Server) events(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub, cancel := s.source.Subscribe()
	defer cancel()

	// reading is only needed to notice the client closing
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(PING_INTERVAL)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(WRITE_TIMEOUT))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev := <-sub:
			conn.SetWriteDeadline(time.Now().Add(WRITE_TIMEOUT))
			if err := conn.WriteJSON(toWSEvent(ev)); err != nil {
				s.log.Debug().Err(err).Msg("websocket client dropped")
				return
			}
		}
	}
}
