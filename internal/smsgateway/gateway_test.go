package smsgateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/pkg/encryption"
	"github.com/benmeehan/hybrid-tracker/pkg/smscodec"
)

type staticKeys map[string][]byte

func (k staticKeys) SMSKey(deviceID string) ([]byte, error) {
	key, ok := k[deviceID]
	if !ok {
		return nil, errors.New("no key")
	}
	return key, nil
}

var testKey = []byte("0123456789abcdef0123456789abcdef")

type carrier struct {
	mu       sync.Mutex
	messages []message
	auth     []string
	status   int
}

func (c *carrier) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var m message
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c.mu.Lock()
	c.messages = append(c.messages, m)
	c.auth = append(c.auth, r.Header.Get("Authorization"))
	status := c.status
	c.mu.Unlock()
	if status != 0 {
		http.Error(w, "carrier down", status)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func decodeDirective(t *testing.T, body string) smscodec.DirectiveFrame {
	t.Helper()
	deviceID, sealed, err := smscodec.Split(body)
	require.NoError(t, err)
	assert.Equal(t, "D2", deviceID)
	sealer, err := encryption.NewEncryptionManagerFromKey(testKey)
	require.NoError(t, err)
	frame, err := smscodec.Unwrap(deviceID, sealed, sealer)
	require.NoError(t, err)
	require.NotNil(t, frame.Directive)
	return *frame.Directive
}

func TestGateway_SendDirective(t *testing.T) {
	c := &carrier{}
	srv := httptest.NewServer(c)
	defer srv.Close()

	g := New(Config{URL: srv.URL, APIKey: "k", FromNumber: "+15550000000"}, staticKeys{"D2": testKey}, zerolog.Nop())
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return fixed }

	require.NoError(t, g.SendDirective(context.Background(), "D2", "+15550002", constants.DirectiveWake))
	require.NoError(t, g.SendDirective(context.Background(), "D2", "+15550002", constants.DirectiveRecovery))

	require.Len(t, c.messages, 2)
	assert.Equal(t, "+15550002", c.messages[0].To)
	assert.Equal(t, "+15550000000", c.messages[0].From)
	assert.Equal(t, "Bearer k", c.auth[0])

	first := decodeDirective(t, c.messages[0].Body)
	second := decodeDirective(t, c.messages[1].Body)
	assert.Equal(t, constants.DirectiveWake, first.Kind)
	assert.Equal(t, constants.DirectiveRecovery, second.Kind)
	assert.Equal(t, fixed.Unix(), first.IssuedAt.Unix())
	// Same clock reading still yields increasing counters.
	assert.Greater(t, second.Counter, first.Counter)
}

func TestGateway_Errors(t *testing.T) {
	c := &carrier{status: http.StatusServiceUnavailable}
	srv := httptest.NewServer(c)
	defer srv.Close()

	g := New(Config{URL: srv.URL}, staticKeys{"D2": testKey}, zerolog.Nop())
	err := g.SendDirective(context.Background(), "D2", "+15550002", constants.DirectiveWake)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")

	err = g.SendDirective(context.Background(), "D404", "+15550404", constants.DirectiveWake)
	assert.Error(t, err)

	unconfigured := New(Config{}, staticKeys{}, zerolog.Nop())
	assert.ErrorIs(t, unconfigured.SendDirective(context.Background(), "D2", "+1", constants.DirectiveWake), ErrNotConfigured)
}
