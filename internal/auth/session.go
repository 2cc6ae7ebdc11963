// internal/auth/session.go
package auth

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jason-s-yu/bingo/internal/models"
)

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("invalid token")

// privateKey and publicKey are used for signing and verifying JWT tokens.
var (
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey

	// tokenExpire is the lifetime of issued tokens (0 => never).
	tokenExpire time.Duration
)

// Identity is what a token asserts about its bearer.
type Identity struct {
	PlayerID   string `json:"playerId"`
	Name       string `json:"name"`
	TelegramID *int64 `json:"telegramId,omitempty"`
}

// Player builds the session record for a join.
func (id Identity) Player() models.Player {
	return models.Player{ID: id.PlayerID, Name: id.Name, TelegramID: id.TelegramID}
}

// Init generates a fresh ed25519 key pair at runtime. Tokens it signs are only valid on
// this instance, so multi-instance deployments use InitFromSeed.
func Init(expire time.Duration) error {
	var err error
	publicKey, privateKey, err = ed25519.GenerateKey(nil)
	if err != nil {
		return fmt.Errorf("failed to generate ed25519 key pair: %w", err)
	}
	tokenExpire = expire
	return nil
}

// InitFromSeed derives the key pair from a hex-encoded 32-byte seed shared by all instances.
func InitFromSeed(seedHex string, expire time.Duration) error {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return fmt.Errorf("failed to decode auth seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return fmt.Errorf("auth seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	privateKey = ed25519.NewKeyFromSeed(seed)
	publicKey = privateKey.Public().(ed25519.PublicKey)
	tokenExpire = expire
	return nil
}

// CreateJWT creates a signed JWT with "sub" = player id, plus the display name and the
// Telegram id when there is one.
func CreateJWT(id Identity) (string, error) {
	if privateKey == nil {
		return "", errors.New("auth not initialized")
	}
	claims := jwt.MapClaims{
		"sub":  id.PlayerID,
		"name": id.Name,
		"iat":  time.Now().Unix(),
	}
	if id.TelegramID != nil {
		claims["tg"] = strconv.FormatInt(*id.TelegramID, 10)
	}
	if tokenExpire > 0 {
		claims["exp"] = time.Now().Add(tokenExpire).Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(privateKey)
}

// AuthenticateJWT verifies a JWT string and returns the identity it carries.
func AuthenticateJWT(tokenString string) (Identity, error) {
	t, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return publicKey, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !t.Valid {
		return Identity{}, ErrInvalidToken
	}

	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, fmt.Errorf("%w: invalid claims", ErrInvalidToken)
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Identity{}, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}

	id := Identity{PlayerID: sub}
	id.Name, _ = claims["name"].(string)
	if raw, ok := claims["tg"].(string); ok {
		tg, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Identity{}, fmt.Errorf("%w: bad telegram id", ErrInvalidToken)
		}
		id.TelegramID = &tg
	}
	return id, nil
}
