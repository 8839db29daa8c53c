package api

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type ServerConfig struct {
	Addr         string
	CertFile     string
	KeyFile      string
	ClientCAPEM  []byte // optional; when set, presented client certificates must chain to it
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server runs the HTTP(S) listener as a registry service.
type Server struct {
	cfg     ServerConfig
	handler http.Handler
	logger  zerolog.Logger

	mu  sync.Mutex
	srv *http.Server
	wg  sync.WaitGroup
}

func NewServer(cfg ServerConfig, handler http.Handler, logger zerolog.Logger) *Server {
	return &Server{cfg: cfg, handler: handler, logger: logger}
}

// TLSConfig requests client certificates without requiring them: devices
// authenticate with a certificate on the provisioning and token routes only.
func (s *Server) TLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, ClientAuth: tls.RequestClientCert}
	if len(s.cfg.ClientCAPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(s.cfg.ClientCAPEM) {
			return nil, errors.New("failed to parse client CA bundle")
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return cfg, nil
}

func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return errors.New("http server is already running")
	}

	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	useTLS := s.cfg.CertFile != ""
	if useTLS {
		tlsCfg, err := s.TLSConfig()
		if err != nil {
			return err
		}
		srv.TLSConfig = tlsCfg
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.srv = srv

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var err error
		if useTLS {
			err = srv.ServeTLS(ln, s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Bool("tls", useTLS).Msg("HTTPServer started successfully")
	return nil
}

func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return errors.New("http server is not running")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.srv.Shutdown(ctx)
	s.wg.Wait()
	s.srv = nil
	s.logger.Info().Msg("HTTPServer stopped")
	return err
}
