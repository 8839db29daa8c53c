// Package realtimeclient subscribes to the server's live vehicle feed and keeps the
// subscription alive across disconnects.
package realtimeclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
	http_utils "github.com/benmeehan/hybrid-tracker/pkg/httpUtils"
)

// Event is a real-time event as received. GapFill marks locations fetched over
// REST after a reconnect rather than pushed by the server.
type Event struct {
	ID        string              `json:"id"`
	Type      constants.EventType `json:"type"`
	Topic     string              `json:"topic"`
	VehicleID string              `json:"vehicle_id"`
	Timestamp time.Time           `json:"timestamp"`
	Data      json.RawMessage     `json:"data"`
	GapFill   bool                `json:"-"`
}

type Config struct {
	BaseURL    string // http(s)://host:port
	Token      string
	Vehicles   []string
	MinBackoff time.Duration
	MaxBackoff time.Duration
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

type Client struct {
	cfg     Config
	handler func(Event)
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	conn *websocket.Conn
}

func New(cfg Config, handler func(Event), logger zerolog.Logger) *Client {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Client{cfg: cfg, handler: handler, logger: logger}
}

func (c *Client) Start() error {
	if c.ctx != nil {
		return errors.New("realtime client is already running")
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.wg.Add(1)
	go c.run()
	c.logger.Info().Strs("vehicles", c.cfg.Vehicles).Msg("RealtimeClient started successfully")
	return nil
}

func (c *Client) Stop() error {
	if c.cancel == nil {
		return errors.New("realtime client is not running")
	}
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
	c.ctx, c.cancel = nil, nil
	c.logger.Info().Msg("RealtimeClient stopped")
	return nil
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.MinBackoff
	for i := 0; i < attempt && d < c.cfg.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, c.cfg.MaxBackoff)
}

func (c *Client) run() {
	defer c.wg.Done()
	attempt := 0
	for {
		conn, err := c.connect()
		if err != nil {
			wait := c.backoff(attempt)
			attempt++
			c.logger.Warn().Err(err).Dur("retry_in", wait).Msg("Real-time connection failed")
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		attempt = 0
		c.fillGaps()
		c.read(conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Info().Msg("Real-time connection lost, reconnecting")
	}
}

func (c *Client) wsURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(c.cfg.BaseURL, "/") + "/ws/live")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("token", c.cfg.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) connect() (*websocket.Conn, error) {
	target, err := c.wsURL()
	if err != nil {
		return nil, err
	}
	conn, _, err := c.cfg.Dialer.DialContext(c.ctx, target, nil)
	if err != nil {
		return nil, err
	}
	for _, id := range c.cfg.Vehicles {
		frame := map[string]string{"action": "subscribe", "topic": constants.LocationTopic(id)}
		if err := conn.WriteJSON(frame); err != nil {
			conn.Close()
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		conn.Close()
		return nil, c.ctx.Err()
	}
	c.conn = conn
	return conn, nil
}

func (c *Client) read(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Debug().Err(err).Msg("Skipping undecodable frame")
			continue
		}
		switch ev.Type {
		case constants.EventLocationUpdate, constants.EventAlertTriggered, constants.EventDeviceStatus:
			c.handler(ev)
		case "error":
			c.logger.Warn().Str("topic", ev.Topic).RawJSON("frame", data).Msg("Subscription rejected")
		}
	}
}

// fillGaps fetches the current location of every vehicle, covering whatever
// was pushed while disconnected.
func (c *Client) fillGaps() {
	base := strings.TrimRight(c.cfg.BaseURL, "/")
	for _, id := range c.cfg.Vehicles {
		var loc json.RawMessage
		_, err := http_utils.DoJSON(c.ctx, c.cfg.HTTPClient, http.MethodGet,
			base+"/api/v1/vehicles/"+url.PathEscape(id)+"/location", c.cfg.Token, nil, &loc)
		if err != nil {
			if http_utils.StatusCode(err) != http.StatusNotFound {
				c.logger.Warn().Err(err).Str("vehicle_id", id).Msg("Gap fill failed")
			}
			continue
		}
		c.handler(Event{
			Type:      constants.EventLocationUpdate,
			Topic:     constants.LocationTopic(id),
			VehicleID: id,
			Timestamp: time.Now().UTC(),
			Data:      loc,
			GapFill:   true,
		})
	}
}
