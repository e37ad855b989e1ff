// Command wsecho runs a WebSocket echo server on a raw TCP listener.
//
//	wsecho -config wsecho.toml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"

	"github.com/rawsocket/websocket"
	"github.com/rawsocket/websocket/internal/admin"
	"github.com/rawsocket/websocket/internal/config"
	"github.com/rawsocket/websocket/internal/logging"
	"github.com/rawsocket/websocket/internal/wsecho"
	"github.com/rawsocket/websocket/internal/xsync"
)

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "wsecho: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a TOML config file")
	addr := flag.String("addr", "", "listen address, overrides the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	log, err := logging.New(os.Stdout, "wsecho", cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := websocket.NewServer(cfg.ServerOptions(&log))
	s.OnConnection(wsecho.Handler(log))
	s.OnError(func(err error) {
		log.Debug().Err(err).Msg("rejected connection")
	})

	serveErr := xsync.Go(func() error {
		return s.ListenAndServe(cfg.Addr)
	})

	var adminServer *http.Server
	var adminErr <-chan error
	if cfg.AdminAddr != "" {
		gin.SetMode(gin.ReleaseMode)
		adminServer = &http.Server{
			Addr:              cfg.AdminAddr,
			Handler:           admin.NewRouter(s, log),
			ReadHeaderTimeout: time.Second * 10,
		}
		adminErr = xsync.Go(func() error {
			log.Info().Str("addr", cfg.AdminAddr).Msg("serving admin endpoints")
			return adminServer.ListenAndServe()
		})
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err = <-serveErr:
		return xerrors.Errorf("websocket server stopped: %w", err)
	case err = <-adminErr:
		return xerrors.Errorf("admin server stopped: %w", err)
	}

	return shutdown(s, adminServer, log)
}

func shutdown(s *websocket.Server, adminServer *http.Server, log zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	if adminServer != nil {
		err := adminServer.Shutdown(ctx)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Msg("admin server shutdown failed")
		}
	}

	err := s.Shutdown(ctx)
	if err != nil {
		return err
	}
	log.Info().Interface("stats", s.Stats()).Msg("server stopped")
	return nil
}
