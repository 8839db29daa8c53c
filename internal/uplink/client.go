// Package uplink is the device side HTTP client of the ingestion server.
package uplink

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/hybrid-tracker/internal/models"
	http_utils "github.com/benmeehan/hybrid-tracker/pkg/httpUtils"
)

const (
	livePath      = "/api/v1/telematics/live"
	batchPath     = "/api/v1/telematics/batch"
	heartbeatPath = "/api/v1/telematics/heartbeat"
	tokenPath     = "/api/v1/auth/device/token"
	provisionPath = "/api/v1/auth/device/provision"
)

var (
	ErrUnauthorized                  = errors.New("credentials rejected by server")
	ErrRejected                      = errors.New("payload rejected by server")
	ErrInstallerVerificationRequired = errors.New("installer verification has not happened yet")
)

// TokenSource supplies the bearer token for device calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Client talks to the ingestion server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	logger     zerolog.Logger
}

// NewClient builds a client. tokens may be nil for calls that rely on mTLS only.
func NewClient(baseURL string, httpClient *http.Client, tokens TokenSource, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		tokens:     tokens,
		logger:     logger,
	}
}

// NewTLSHTTPClient builds an HTTP client presenting certPEM/keyPEM and trusting caPEM.
// connectTimeout bounds dialing and the TLS handshake.
func NewTLSHTTPClient(caPEM, certPEM, keyPEM []byte, connectTimeout time.Duration) (*http.Client, error) {
	pool := x509.NewCertPool()
	if len(caPEM) > 0 && !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("failed to append CA certificate")
	}

	tlsConfig := &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	if len(certPEM) > 0 {
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return &http.Client{
		Transport: &http.Transport{
			DialContext:         (&net.Dialer{Timeout: connectTimeout}).DialContext,
			TLSClientConfig:     tlsConfig,
			TLSHandshakeTimeout: connectTimeout,
			MaxIdleConns:        4,
			IdleConnTimeout:     90 * time.Second,
		},
	}, nil
}

// SendLive posts a single point.
func (c *Client) SendLive(ctx context.Context, p models.TelemetryPoint) error {
	return c.authorized(ctx, livePath, p, nil)
}

// SendBatch posts queued points and returns the per-point outcome.
func (c *Client) SendBatch(ctx context.Context, points []models.TelemetryPoint) (models.BatchResponse, error) {
	var resp models.BatchResponse
	err := c.authorized(ctx, batchPath, models.BatchRequest{Points: points}, &resp)
	return resp, err
}

// SendHeartbeat posts a heartbeat.
func (c *Client) SendHeartbeat(ctx context.Context, hb models.Heartbeat) error {
	return c.authorized(ctx, heartbeatPath, hb, nil)
}

// RefreshToken exchanges the operational client certificate for a short-lived token.
func (c *Client) RefreshToken(ctx context.Context, deviceID string) (string, error) {
	var resp models.AuthResponse
	_, err := http_utils.DoJSON(ctx, c.httpClient, http.MethodPost, c.baseURL+tokenPath, "",
		models.TokenRequest{DeviceID: deviceID}, &resp)
	if err != nil {
		return "", classify(err)
	}
	return resp.JWT, nil
}

// Provision exchanges the bootstrap identity for operational credentials. The
// client must present the bootstrap certificate.
func (c *Client) Provision(ctx context.Context, req models.ProvisionRequest) (models.ProvisionResponse, error) {
	var resp models.ProvisionResponse
	_, err := http_utils.DoJSON(ctx, c.httpClient, http.MethodPost, c.baseURL+provisionPath, "", req, &resp)
	if err != nil {
		if http_utils.StatusCode(err) == http.StatusForbidden {
			return resp, fmt.Errorf("%w: %v", ErrInstallerVerificationRequired, err)
		}
		return resp, classify(err)
	}
	return resp, nil
}

func (c *Client) authorized(ctx context.Context, path string, in, out any) error {
	if c.tokens == nil {
		return fmt.Errorf("%w: no token source", ErrUnauthorized)
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	_, err = http_utils.DoJSON(ctx, c.httpClient, http.MethodPost, c.baseURL+path, token, in, out)
	if err == nil {
		return nil
	}

	err = classify(err)
	if errors.Is(err, ErrUnauthorized) {
		c.tokens.Invalidate()
		c.logger.Warn().Str("path", path).Msg("Token rejected, will refresh on next attempt")
	}
	return err
}

func classify(err error) error {
	switch code := http_utils.StatusCode(err); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return err
}
