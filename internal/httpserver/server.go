// Package httpserver is the local control surface: status, interrupt and
// text input for the desktop UI, plus the overlay and microphone
// websockets.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/chadiek/avatar-overlay/internal/barrage"
	"github.com/chadiek/avatar-overlay/internal/turn"
)

// Turns is the arbiter as seen by the control API.
type Turns interface {
	SubmitUserText(ctx context.Context, text string) error
	Interrupt()
	Status() turn.Status
}

// BarrageFeed is the live-chat poller.
type BarrageFeed interface {
	Start(ctx context.Context) bool
	Stop() bool
	SetRoomID(id string) bool
	SetCheckInterval(d time.Duration) error
	Status(ctx context.Context) barrage.Status
	Recent(ctx context.Context) ([]barrage.Message, error)
}

// MicSink receives microphone frames as float32 samples.
type MicSink interface {
	Feed(frame []float32)
}

// Deps are the collaborators behind the routes. Barrage, Queue, Overlay
// and Mic may be nil; their routes are then not registered.
type Deps struct {
	Turns   Turns
	Barrage BarrageFeed
	Queue   interface{ Items() []barrage.Item }
	Overlay http.Handler
	Mic     MicSink

	// Context bounds work started by a request that outlives it, such as
	// a barrage feed started over the API.
	Context   context.Context
	AuthToken string
	Log       zerolog.Logger
}

// Server bundles the router and its listener.
type Server struct {
	Echo *echo.Echo
	log  zerolog.Logger
}

func New(deps Deps) *Server {
	if deps.Context == nil {
		deps.Context = context.Background()
	}
	e := NewRouter(deps.AuthToken, deps.Log)
	Handlers{deps: deps}.Register(e)
	return &Server{Echo: e, log: deps.Log}
}

// Run serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Echo,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.log.Info().Str("address", addr).Msg("control server listening")
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "control server")
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("graceful shutdown failed")
		_ = server.Close()
	}
	return nil
}
