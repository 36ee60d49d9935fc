// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/exporter-toolkit/web"

	"github.com/SerhiiYahdzhyiev/EMA/internal/service"
)

// DefaultListenAddress is used when no address is configured
const DefaultListenAddress = ":9464"

var errNoListenAddress = errors.New("no listening address provided")

// APIService is an HTTP server that other services hang endpoints on
type APIService interface {
	service.Service
	Register(endpoint, summary, description string, handler http.Handler) error
}

type Opts struct {
	logger          *slog.Logger
	listenAddresses []string
	webConfigFile   string
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithListen sets the listen addresses and the exporter-toolkit web config
// file used for TLS and basic auth. An empty file serves plain HTTP.
func WithListen(addrs []string, webConfigFile string) OptionFn {
	return func(o *Opts) {
		o.listenAddresses = addrs
		o.webConfigFile = webConfigFile
	}
}

func DefaultOpts() Opts {
	return Opts{
		logger:          slog.Default(),
		listenAddresses: []string{DefaultListenAddress},
	}
}

// APIServer serves registered endpoints and a landing page listing them
type APIServer struct {
	logger    *slog.Logger
	server    *http.Server
	mux       *http.ServeMux
	webConfig *web.FlagConfig

	endpoints string
}

var (
	_ APIService          = (*APIServer)(nil)
	_ service.Initializer = (*APIServer)(nil)
	_ service.Runner      = (*APIServer)(nil)
	_ service.Shutdowner  = (*APIServer)(nil)
)

func NewAPIServer(applyOpts ...OptionFn) *APIServer {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	mux := http.NewServeMux()
	addrs, file := opts.listenAddresses, opts.webConfigFile
	return &APIServer{
		logger: opts.logger.With("service", "api-server"),
		mux:    mux,
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		webConfig: &web.FlagConfig{
			WebListenAddresses: &addrs,
			WebConfigFile:      &file,
		},
	}
}

func (s *APIServer) Name() string {
	return "api-server"
}

func (s *APIServer) Init() error {
	if len(*s.webConfig.WebListenAddresses) == 0 {
		return errNoListenAddress
	}
	s.logger.Info("Initializing EMA server", "listen", *s.webConfig.WebListenAddresses)

	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, err := fmt.Fprintf(w, `<html>
<head><title>EMA</title></head>
<body>
<h1>EMA</h1>
<p>Available endpoints:</p>
<ul>
%s</ul>
</body>
</html>`, s.endpoints)
		if err != nil {
			s.logger.Error("failed to write landing page", "error", err)
		}
	})
	return nil
}

func (s *APIServer) Run(ctx context.Context) error {
	s.logger.Info("Running EMA server")
	errCh := make(chan error, 1)
	go func() {
		errCh <- web.ListenAndServe(s.server, s.webConfig, s.logger)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down EMA server on context done")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.logger.Error("EMA server returned an error", "error", err)
		return err
	}
}

func (s *APIServer) Shutdown() error {
	s.logger.Info("Shutting down API server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *APIServer) Register(endpoint, summary, description string, handler http.Handler) error {
	s.logger.Debug("Endpoint registered", "endpoint", endpoint)
	s.mux.Handle(endpoint, handler)
	s.endpoints += fmt.Sprintf("<li><a href=%q>%s</a> %s</li>\n",
		endpoint, html.EscapeString(summary), html.EscapeString(description))
	return nil
}
