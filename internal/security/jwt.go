package security

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// JWT validation errors.
var (
	// ErrInvalidToken indicates a token is malformed or fails validation.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken indicates a token has expired.
	ErrExpiredToken = errors.New("token expired")
)

const (
	tokenKindUser  = "user"
	tokenKindGuest = "guest"
)

// UserClaims defines JWT claims for registered users.
type UserClaims struct {
	UserID uint64 `json:"user_id"`
	Email  string `json:"email"`
	Kind   string `json:"kind"`
	jwt.RegisteredClaims
}

// GuestClaims identifies one anonymous client. The guest id lives in Subject.
type GuestClaims struct {
	Kind string `json:"kind"`
	jwt.RegisteredClaims
}

// GuestID returns the verified guest identifier.
func (c *GuestClaims) GuestID() string {
	if c == nil {
		return ""
	}
	return c.Subject
}

// GenerateToken signs a user JWT with the configured expiry.
func GenerateToken(secret string, userID uint64, email string, expiry time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := UserClaims{
		UserID: userID,
		Email:  email,
		Kind:   tokenKindUser,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates a user JWT and returns its claims.
func ParseToken(secret string, tokenString string) (*UserClaims, error) {
	claims := &UserClaims{}
	if err := parseInto(secret, tokenString, claims); err != nil {
		return nil, err
	}
	if claims.Kind != tokenKindUser || claims.UserID == 0 {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// GenerateGuestToken signs a guest JWT for a fresh random guest id.
func GenerateGuestToken(secret string, expiry time.Duration) (string, *GuestClaims, error) {
	now := time.Now().UTC()
	claims := &GuestClaims{
		Kind: tokenKindGuest,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}

// ParseGuestToken validates a guest JWT and returns its claims.
func ParseGuestToken(secret string, tokenString string) (*GuestClaims, error) {
	claims := &GuestClaims{}
	if err := parseInto(secret, tokenString, claims); err != nil {
		return nil, err
	}
	if claims.Kind != tokenKindGuest {
		return nil, ErrInvalidToken
	}
	if _, errUUID := uuid.Parse(claims.Subject); errUUID != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func parseInto(secret, tokenString string, claims jwt.Claims) error {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" || secret == "" {
		return ErrInvalidToken
	}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredToken
		}
		return ErrInvalidToken
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	return nil
}
