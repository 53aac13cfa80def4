package service

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chatwire/im-gateway/config"
	"github.com/chatwire/im-gateway/internal/domain/model"
)

// ErrUnauthenticated is returned for every authentication failure:
// bad signature, expiry, unknown user, deviceId mismatch. One error
// for all of them so the response text offers no user-existence
// oracle.
var ErrUnauthenticated = errors.New("invalid credentials")

// Identity is the authenticated (userId, deviceId) pair behind a
// socket.
type Identity struct {
	UserID     int64
	DeviceID   string
	DeviceType model.DeviceType
}

// Auther validates access tokens presented in LOGIN frames.
type Auther interface {
	// Validate checks the signed token and binds it to the deviceId the
	// client claims in the login frame.
	Validate(token, deviceID string) (Identity, error)
}

type tokenClaims struct {
	UserID   int64  `json:"uid"`
	DeviceID string `json:"did,omitempty"`
	jwt.RegisteredClaims
}

type authService struct {
	key []byte
}

func NewAuthService(cfg *config.Config) Auther {
	return &authService{key: []byte(cfg.Auth.SigningKey)}
}

func (a *authService) Validate(token, deviceID string) (Identity, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.key, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		// Expired, malformed and forged tokens all fail identically.
		return Identity{}, fmt.Errorf("%w", ErrUnauthenticated)
	}

	if claims.UserID <= 0 {
		return Identity{}, ErrUnauthenticated
	}

	// A token minted for one device must not authenticate another.
	if claims.DeviceID != "" && claims.DeviceID != deviceID {
		return Identity{}, ErrUnauthenticated
	}

	return Identity{UserID: claims.UserID, DeviceID: deviceID}, nil
}
