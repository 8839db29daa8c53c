package jwt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/benmeehan/hybrid-tracker/pkg/encryption"
	"github.com/benmeehan/hybrid-tracker/pkg/file"
)

// expirySkew refreshes tokens slightly before they actually expire.
const expirySkew = 30 * time.Second

var ErrNoRefresher = errors.New("no token refresher configured")

// RefreshFunc obtains a fresh device token from the backend.
type RefreshFunc func(ctx context.Context) (string, error)

// JWTManagerInterface defines methods to manage the device's short-lived access token.
type JWTManagerInterface interface {
	LoadJWT() error
	SaveJWT(token string) error
	GetJWT() string
	IsJWTValid() (bool, error)
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// tokenData is the on-disk form of the token cache.
type tokenData struct {
	JWTToken string `json:"jwt_token,omitempty"`
}

// JWTManager caches the device token encrypted on disk and refreshes it on demand.
// The device does not hold the signing secret, so tokens are only inspected for
// expiry; the server remains the authority on validity.
type JWTManager struct {
	TokenFilePath     string
	FileOps           file.FileOperations
	EncryptionManager encryption.EncryptionManagerInterface

	mu        sync.Mutex
	token     string
	refresher RefreshFunc
	now       func() time.Time
}

// NewJWTManager initializes a new JWTManager instance with a single file path.
func NewJWTManager(tokenFilePath string, fileOps file.FileOperations, encryptionManager encryption.EncryptionManagerInterface) *JWTManager {
	return &JWTManager{
		TokenFilePath:     tokenFilePath,
		FileOps:           fileOps,
		EncryptionManager: encryptionManager,
		now:               time.Now,
	}
}

// SetRefresher installs the function used to fetch a new token when the cached one expires.
func (jm *JWTManager) SetRefresher(fn RefreshFunc) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.refresher = fn
}

// LoadJWT reads the cached token. A missing or empty file leaves the cache empty.
func (jm *JWTManager) LoadJWT() error {
	data, err := jm.FileOps.ReadFileRaw(jm.TokenFilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	decryptedData, err := jm.EncryptionManager.Decrypt(data)
	if err != nil {
		return err
	}

	var tokens tokenData
	if err := json.Unmarshal(decryptedData, &tokens); err != nil {
		return fmt.Errorf("failed to parse token data: %w", err)
	}

	jm.mu.Lock()
	jm.token = tokens.JWTToken
	jm.mu.Unlock()
	return nil
}

// SaveJWT stores token in memory and on disk.
func (jm *JWTManager) SaveJWT(token string) error {
	if _, err := expiryOf(token); err != nil {
		return fmt.Errorf("invalid JWT: %w", err)
	}

	data, err := json.Marshal(tokenData{JWTToken: token})
	if err != nil {
		return fmt.Errorf("failed to serialize token data: %w", err)
	}
	encrypted, err := jm.EncryptionManager.Encrypt(data)
	if err != nil {
		return fmt.Errorf("failed to encrypt token data: %w", err)
	}
	if err := jm.FileOps.WriteFileRaw(jm.TokenFilePath, encrypted); err != nil {
		return err
	}

	jm.mu.Lock()
	jm.token = token
	jm.mu.Unlock()
	return nil
}

// GetJWT retrieves the current JWT token only if it is still valid.
func (jm *JWTManager) GetJWT() string {
	ok, err := jm.IsJWTValid()
	if err != nil || !ok {
		return ""
	}
	jm.mu.Lock()
	defer jm.mu.Unlock()
	return jm.token
}

// IsJWTValid reports whether the cached token exists and is not about to expire.
func (jm *JWTManager) IsJWTValid() (bool, error) {
	jm.mu.Lock()
	token := jm.token
	jm.mu.Unlock()

	if token == "" {
		return false, nil
	}
	exp, err := expiryOf(token)
	if err != nil {
		return false, err
	}
	return jm.now().Add(expirySkew).Before(exp), nil
}

// Token returns a usable token, refreshing it through the configured refresher if needed.
func (jm *JWTManager) Token(ctx context.Context) (string, error) {
	if token := jm.GetJWT(); token != "" {
		return token, nil
	}

	jm.mu.Lock()
	refresh := jm.refresher
	jm.mu.Unlock()
	if refresh == nil {
		return "", ErrNoRefresher
	}

	token, err := refresh(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to refresh token: %w", err)
	}
	if err := jm.SaveJWT(token); err != nil {
		return "", err
	}
	return token, nil
}

// Invalidate drops the cached token, typically after the server rejected it.
func (jm *JWTManager) Invalidate() {
	jm.mu.Lock()
	jm.token = ""
	jm.mu.Unlock()
}

func expiryOf(token string) (time.Time, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, errors.New("JWT expiration (exp) claim missing")
	}
	return claims.ExpiresAt.Time, nil
}
