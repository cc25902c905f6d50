// Package serverutil runs an http.Server until its context ends, then drains
// it within a bounded grace period.
package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// DefaultShutdownTimeout bounds graceful shutdown when Config leaves it unset.
const DefaultShutdownTimeout = 10 * time.Second

// TLSConfig names the certificate and key served on the listener.
type TLSConfig struct {
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

// Enabled reports whether both certificate and key are configured.
func (c TLSConfig) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

func (c TLSConfig) validate() error {
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("both TLS cert file and key file must be provided")
	}
	return nil
}

// Config controls one Run.
type Config struct {
	Server          *http.Server
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	// Ready is closed once the listener accepts connections.
	Ready chan<- struct{}
	// OnShutdown hooks run when draining begins. Hijacked connections such
	// as websockets are invisible to http.Server.Shutdown and must be closed
	// here.
	OnShutdown []func()
	Logger     *slog.Logger
}

// Run serves until ctx is cancelled or the server fails. Cancellation starts
// a graceful shutdown bounded by ShutdownTimeout; a clean drain returns nil.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return errors.New("server is required")
	}
	if err := cfg.TLS.validate(); err != nil {
		return err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := listen(cfg.Server, cfg.TLS)
	if err != nil {
		return err
	}
	for _, hook := range cfg.OnShutdown {
		if hook != nil {
			cfg.Server.RegisterOnShutdown(hook)
		}
	}

	logger.Info("http server listening", "addr", ln.Addr().String(), "tls", cfg.TLS.Enabled())
	if cfg.Ready != nil {
		close(cfg.Ready)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- cfg.Server.Serve(ln) }()

	select {
	case err := <-serveErr:
		return ignoreClosed(err)
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	logger.Info("http server draining", "timeout", timeout.String())
	return drain(cfg.Server, serveErr, timeout)
}

// listen opens the TCP listener, wrapping it in TLS when configured.
func listen(srv *http.Server, tlsCfg TLSConfig) (net.Listener, error) {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return nil, err
	}
	if !tlsCfg.Enabled() {
		return ln, nil
	}
	cert, err := tls.LoadX509KeyPair(tlsCfg.CertFile, tlsCfg.KeyFile)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}
	conf := &tls.Config{MinVersion: tls.VersionTLS12}
	if srv.TLSConfig != nil {
		conf = srv.TLSConfig.Clone()
	}
	conf.Certificates = append([]tls.Certificate{cert}, conf.Certificates...)
	srv.TLSConfig = conf
	return tls.NewListener(ln, conf), nil
}

func drain(srv *http.Server, serveErr <-chan error, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	shutdownErr := srv.Shutdown(ctx)
	select {
	case err := <-serveErr:
		if err := ignoreClosed(err); err != nil {
			return err
		}
		return shutdownErr
	case <-ctx.Done():
		if shutdownErr != nil {
			return shutdownErr
		}
		return ctx.Err()
	}
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
