package signal

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"peerlink/internal/core/domain"
)

var (
	ErrInvalidToken = errors.New("invalid signaling token")
	ErrExpiredToken = errors.New("signaling token expired")
)

// Claims identify the device opening a signaling connection
type Claims struct {
	DeviceID domain.PeerID `json:"device_id"`
	jwt.RegisteredClaims
}

// TokenAuth issues and checks the HS256 tokens presented on the WebSocket
// handshake. Devices sharing a secret trust each other's claimed ids.
type TokenAuth struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenAuth(secret string, ttl time.Duration) *TokenAuth {
	return &TokenAuth{secret: []byte(secret), ttl: ttl}
}

func (a *TokenAuth) Issue(deviceID domain.PeerID) (string, error) {
	now := time.Now()
	claims := &Claims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(deviceID),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *TokenAuth) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.DeviceID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authorize checks the request's bearer token and returns the device id
func (a *TokenAuth) Authorize(r *http.Request) (domain.PeerID, error) {
	header := r.Header.Get("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if header == "" || token == header {
		return "", ErrInvalidToken
	}
	claims, err := a.Validate(token)
	if err != nil {
		return "", err
	}
	return claims.DeviceID, nil
}

func (a *TokenAuth) Header(deviceID domain.PeerID) (http.Header, error) {
	token, err := a.Issue(deviceID)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h, nil
}
