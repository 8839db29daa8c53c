// Package smsgateway sends sealed directives to backup units through an HTTP SMS
// carrier API.
package smsgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/pkg/encryption"
	"github.com/benmeehan/hybrid-tracker/pkg/smscodec"
)

var ErrNotConfigured = errors.New("sms gateway is not configured")

// KeySource yields the SMS key provisioned for a device.
type KeySource interface {
	SMSKey(deviceID string) ([]byte, error)
}

type Config struct {
	URL        string
	APIKey     string
	FromNumber string
	Timeout    time.Duration
}

// message is the carrier's send request.
type message struct {
	From string `json:"from"`
	To   string `json:"to"`
	Body string `json:"body"`
}

type Gateway struct {
	cfg    Config
	keys   KeySource
	client *http.Client
	now    func() time.Time
	logger zerolog.Logger

	mu      sync.Mutex
	counter uint64
}

func New(cfg Config, keys KeySource, logger zerolog.Logger) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Gateway{
		cfg:    cfg,
		keys:   keys,
		client: &http.Client{Timeout: cfg.Timeout},
		now:    time.Now,
		logger: logger,
	}
}

// nextCounter returns a directive counter that is strictly greater than every
// counter handed out before, including by earlier processes.
func (g *Gateway) nextCounter() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := uint64(g.now().UnixNano())
	if c <= g.counter {
		c = g.counter + 1
	}
	g.counter = c
	return c
}

// SendDirective seals kind for deviceID and posts it to the carrier.
func (g *Gateway) SendDirective(ctx context.Context, deviceID, smsAddress string, kind constants.DirectiveKind) error {
	if g.cfg.URL == "" {
		return ErrNotConfigured
	}
	key, err := g.keys.SMSKey(deviceID)
	if err != nil {
		return fmt.Errorf("failed to load sms key: %w", err)
	}
	sealer, err := encryption.NewEncryptionManagerFromKey(key)
	if err != nil {
		return err
	}
	plaintext, err := smscodec.EncodeDirective(smscodec.DirectiveFrame{
		Kind:     kind,
		Counter:  g.nextCounter(),
		IssuedAt: g.now().UTC(),
	})
	if err != nil {
		return err
	}
	body, err := smscodec.Wrap(deviceID, plaintext, sealer)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(message{From: g.cfg.FromNumber, To: smsAddress, Body: body})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms carrier request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sms carrier returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	g.logger.Info().
		Str("device_id", deviceID).
		Str("directive", string(kind)).
		Msg("Directive sent over SMS")
	return nil
}
