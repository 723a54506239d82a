package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/PaulBabatuyi/anonymous-messages/internal/normalize"
	"github.com/golang-jwt/jwt/v5"
	"go.mongodb.org/mongo-driver/v2/bson"
	"golang.org/x/crypto/bcrypt"
)

// JWTManager signs and validates the session tokens used by the API.
type JWTManager struct {
	keys      map[string]string // kid -> HMAC secret; "" is the single-secret kid
	activeKid string            // kid used to sign new tokens
	duration  time.Duration
}

// Identity is what a session token asserts about its holder.
type Identity struct {
	UserID              bson.ObjectID
	Username            string
	Email               string
	IsVerified          bool
	IsAcceptingMessages bool
}

// Claims is the session payload. UserID is the hex form of the user's _id,
// which is the only field the stores look users up by.
type Claims struct {
	UserID              string `json:"user_id"`
	Username            string `json:"username"`
	Email               string `json:"email"`
	IsVerified          bool   `json:"is_verified"`
	IsAcceptingMessages bool   `json:"is_accepting_messages"`
	jwt.RegisteredClaims
}

// NewJWTManager returns a manager that signs with a single secret.
func NewJWTManager(secretKey string, duration time.Duration) *JWTManager {
	return &JWTManager{
		keys:     map[string]string{"": secretKey},
		duration: duration,
	}
}

// NewJWTManagerFromKeys returns a manager that signs with keys[activeKid] and
// accepts tokens signed by any of keys, selected by the token's kid header.
func NewJWTManagerFromKeys(keys map[string]string, activeKid string, duration time.Duration) *JWTManager {
	cp := make(map[string]string, len(keys))
	for k, v := range keys {
		cp[k] = v
	}
	return &JWTManager{keys: cp, activeKid: activeKid, duration: duration}
}

// Duration is the lifetime of issued tokens.
func (m *JWTManager) Duration() time.Duration { return m.duration }

// GenerateToken issues a signed token for id.
func (m *JWTManager) GenerateToken(id Identity) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(m.duration)

	claims := &Claims{
		UserID:              id.UserID.Hex(),
		Username:            id.Username,
		Email:               normalize.Email(id.Email),
		IsVerified:          id.IsVerified,
		IsAcceptingMessages: id.IsAcceptingMessages,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID.Hex(),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	secret, ok := m.keys[m.activeKid]
	if !ok {
		return "", time.Time{}, fmt.Errorf("no signing key for kid %q", m.activeKid)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	if m.activeKid != "" {
		token.Header["kid"] = m.activeKid
	}

	tokenString, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return tokenString, expiresAt, nil
}

// VerifyToken parses and validates a token and returns its claims.
func (m *JWTManager) VerifyToken(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// only HMAC; rejects alg=none and asymmetric confusion
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		secret, ok := m.keys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if _, err := bson.ObjectIDFromHex(claims.UserID); err != nil {
		return nil, errors.New("invalid user id claim")
	}
	return claims, nil
}

// HashPassword returns a bcrypt hash for the provided plaintext.
func HashPassword(password string) (string, error) {
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashedPassword), nil
}

// CheckPassword compares a plaintext password against a bcrypt hash.
func CheckPassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}
