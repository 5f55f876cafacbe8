package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// Handler takes ownership of accepted connections. It returns false when
// it no longer takes peers, in which case the connection is closed.
type Handler interface {
	Incoming(conn net.Conn) bool
}

type Server interface {
	Serve(ctx context.Context, handler Handler) error
	GetServerPort() int
	Close() error
}

type server struct {
	port     int
	listener net.Listener
	log      zerolog.Logger
}

var (
	listen = net.Listen
	// backoff after a temporary accept failure
	ACCEPT_BACKOFF = 100 * time.Millisecond
)

// NewServer listens on port, 0 picks a free one.
func NewServer(
	port int,
	logger zerolog.Logger) (Server, error) {

	listener, err := listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}
	sv := &server{
		listener: listener,
		log:      logger.With().Str("component", "server").Logger(),
	}
	if addr, ok := listener.Addr().(*net.TCPAddr); ok {
		sv.port = addr.Port
	}
	sv.log.Info().Int("port", sv.port).Msg("listening for peers")
	return sv, nil
}

// Serve hands accepted peers to handler until ctx is canceled or the
// listener is closed.
func (sv *server) Serve(ctx context.Context, handler Handler) error {
	stop := context.AfterFunc(ctx, func() {
		sv.listener.Close()
	})
	defer stop()

	for {
		conn, err := sv.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				sv.log.Debug().Msg("terminating peer listener")
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				time.Sleep(ACCEPT_BACKOFF)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		sv.log.Debug().Stringer("addr", conn.RemoteAddr()).Msg("inbound peer")
		if !handler.Incoming(conn) {
			conn.Close()
		}
	}
}

func (sv *server) GetServerPort() int {
	return sv.port
}

func (sv *server) Close() error {
	return sv.listener.Close()
}
