package signal

import (
	"errors"
	"fmt"
	"time"

	"peerlink/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

// DeviceClaims is the JWT payload the identity service signs into device
// tokens.
type DeviceClaims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// TokenVerifier validates device tokens presented to the relay.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier creates a verifier for HMAC-signed device tokens.
func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

// Verify returns the device ID embedded in a valid token.
func (v *TokenVerifier) Verify(tokenString string) (domain.DeviceID, error) {
	token, err := jwt.ParseWithClaims(tokenString, &DeviceClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("device token expired")
		}
		return "", fmt.Errorf("invalid device token: %w", err)
	}

	claims, ok := token.Claims.(*DeviceClaims)
	if !ok || !token.Valid || claims.DeviceID == "" {
		return "", fmt.Errorf("invalid device token claims")
	}
	return domain.DeviceID(claims.DeviceID), nil
}

// IssueDeviceToken signs a token for a device. The production identity
// service owns token issuance; this exists for local development and tests.
func IssueDeviceToken(secret string, deviceID domain.DeviceID, ttl time.Duration) (string, error) {
	claims := &DeviceClaims{
		DeviceID: string(deviceID),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
