package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/goevery/storefront/internal/ierr"
	"github.com/golang-jwt/jwt/v5"
)

// Credentials holds the bearer token issued by the external identity
// collaborator and the authenticated user id recovered from it. The user
// id forms the private notification channel name; the token travels on
// the duplex handshake and on every order-service request.
type Credentials struct {
	secret    []byte
	jwtParser *jwt.Parser

	mu     sync.RWMutex
	token  string
	userId string
}

func NewCredentials(secret string) *Credentials {
	jwtParser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithAudience("storefront"),
	)

	return &Credentials{
		secret:    []byte(secret),
		jwtParser: jwtParser,
	}
}

func (c *Credentials) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("unexpected signing method"))
	}

	return c.secret, nil
}

// SetToken validates the issued bearer token and stores it together with
// the subject claim. Called on login and on token refresh.
func (c *Credentials) SetToken(tokenString string) error {
	claims := jwt.RegisteredClaims{}

	_, err := c.jwtParser.ParseWithClaims(tokenString, &claims, c.keyFunc)
	if err != nil {
		return ierr.New(ierr.ErrorCodeUnauthenticated, err)
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("invalid subject claim"))
	}

	c.mu.Lock()
	c.token = tokenString
	c.userId = subject
	c.mu.Unlock()

	return nil
}

// Clear forgets the stored credential. Called on logout.
func (c *Credentials) Clear() {
	c.mu.Lock()
	c.token = ""
	c.userId = ""
	c.mu.Unlock()
}

// Token returns the stored bearer token, reporting whether one is set.
func (c *Credentials) Token() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.token, c.token != ""
}

// UserId returns the authenticated user's id, reporting whether a
// credential is set.
func (c *Credentials) UserId() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.userId, c.userId != ""
}
