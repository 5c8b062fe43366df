package server

import (
	"crypto"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v4"
)

// Identity is who a subscriber authenticated as.
type Identity struct {
	UserID    uuid.UUID
	Username  string
	ServerKey bool
}

func (i *Identity) String() string {
	if i.ServerKey {
		return "server-key"
	}
	if i.Username != "" {
		return i.Username
	}
	return i.UserID.String()
}

type Authenticator interface {
	Verify(token string) (*Identity, bool)
}

type ConsoleTokenClaims struct {
	TokenID   string `json:"tid,omitempty"`
	UserID    string `json:"uid,omitempty"`
	Username  string `json:"usn,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
}

func (stc *ConsoleTokenClaims) Valid() error {
	// Verify expiry.
	if stc.ExpiresAt <= time.Now().UTC().Unix() {
		vErr := new(jwt.ValidationError)
		vErr.Inner = errors.New("Token is expired")
		vErr.Errors |= jwt.ValidationErrorExpired
		return vErr
	}
	return nil
}

var _ Authenticator = (*TokenAuthenticator)(nil)

// TokenAuthenticator accepts HS256 session tokens signed with the session encryption key, and the static server keys.
type TokenAuthenticator struct {
	hmacSecret []byte
	serverKeys [][]byte
}

func NewTokenAuthenticator(config Config) *TokenAuthenticator {
	a := &TokenAuthenticator{}
	if key := config.GetSession().EncryptionKey; key != "" {
		a.hmacSecret = []byte(key)
	}
	for _, k := range config.GetSession().ServerKeys {
		if k != "" {
			a.serverKeys = append(a.serverKeys, []byte(k))
		}
	}
	return a
}

func (a *TokenAuthenticator) Verify(token string) (*Identity, bool) {
	if token == "" {
		return nil, false
	}
	for _, k := range a.serverKeys {
		if subtle.ConstantTimeCompare(k, []byte(token)) == 1 {
			return &Identity{ServerKey: true}, true
		}
	}
	if a.hmacSecret == nil {
		return nil, false
	}
	userID, username, _, ok := parseConsoleToken(a.hmacSecret, token)
	if !ok {
		return nil, false
	}
	return &Identity{UserID: userID, Username: username}, true
}

func parseConsoleToken(hmacSecretByte []byte, tokenString string) (userID uuid.UUID, username string, exp int64, ok bool) {
	jwtToken, err := jwt.ParseWithClaims(tokenString, &ConsoleTokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if s, ok := token.Method.(*jwt.SigningMethodHMAC); !ok || s.Hash != crypto.SHA256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return hmacSecretByte, nil
	})
	if err != nil {
		return
	}
	claims, ok := jwtToken.Claims.(*ConsoleTokenClaims)
	if !ok || !jwtToken.Valid {
		return uuid.Nil, "", 0, false
	}
	userID, err = uuid.FromString(claims.UserID)
	if err != nil {
		return uuid.Nil, "", 0, false
	}
	return userID, claims.Username, claims.ExpiresAt, true
}
