package models

import "time"

// AuthResponse is returned by the device token endpoint.
type AuthResponse struct {
	JWT       string    `json:"jwt"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenRequest asks for a short-lived device token. The operational certificate
// is the client certificate of the request.
type TokenRequest struct {
	DeviceID string `json:"device_id"`
}
