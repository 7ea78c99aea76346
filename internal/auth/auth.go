package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"estatechat/internal/models"

	"github.com/c-pro/geche"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
	issuer             = "estatechat"
)

var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrTooManyAttempts = errors.New("too many failed login attempts")
)

type Config struct {
	Secret      string        `json:"secret"`
	TokenExpiry time.Duration `json:"tokenExpiry"`

	secretBytes []byte
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}
	if len(c.secretBytes) < 16 {
		return errors.New("auth secret must be at least 16 bytes")
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

type Claims struct {
	jwt.RegisteredClaims
}

// TokenService issues and verifies signed access tokens. Tokens are revoked
// by id until they would have expired anyway.
type TokenService struct {
	Config
	revoked geche.Geche[string, struct{}]
	now     func() time.Time
}

func NewTokenService(ctx context.Context, config Config) (*TokenService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &TokenService{
		Config:  config,
		revoked: geche.NewMapTTLCache[string, struct{}](ctx, config.TokenExpiry, time.Minute),
		now:     time.Now,
	}, nil
}

// Issue returns a token for userID and its expiry as unix seconds.
func (ts *TokenService) Issue(userID string) (string, int64, error) {
	if userID == "" {
		return "", 0, errors.New("user id is required")
	}

	now := ts.now()
	expiresAt := now.Add(ts.TokenExpiry)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ts.secretBytes)
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign token: %w", err)
	}
	return token, expiresAt.Unix(), nil
}

func (ts *TokenService) parse(token string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(ts.now),
	)
	_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return ts.secretBytes, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// GetUserID returns the user the token was issued to.
func (ts *TokenService) GetUserID(token string) (string, error) {
	claims, err := ts.parse(token)
	if err != nil {
		return "", fmt.Errorf("%w: %w", models.ErrUnauthenticated, err)
	}
	if _, err := ts.revoked.Get(claims.ID); err == nil {
		return "", fmt.Errorf("%w: %w", models.ErrUnauthenticated, ErrInvalidToken)
	}
	return claims.Subject, nil
}

func (ts *TokenService) Logoff(token string) error {
	claims, err := ts.parse(token)
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrUnauthenticated, err)
	}
	ts.revoked.Set(claims.ID, struct{}{})
	return nil
}

// TokenFromRequest extracts an access token from the Authorization bearer
// header, the token header, the token cookie or the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if token := r.Header.Get("token"); token != "" {
		return token
	}
	if cookie, err := r.Cookie("token"); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return r.URL.Query().Get("token")
}

// HashPassword returns a bcrypt hash suitable for ADMIN_PASSWORD_HASH.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// AdminCredentials guards the admin API with a single user and password.
// Consecutive failures are throttled with a growing delay.
type AdminCredentials struct {
	username     string
	passwordHash []byte

	mu                  sync.Mutex
	failedLoginAttempts int64
	lastAttemptTime     int64
	now                 func() time.Time
}

// NewAdminCredentials takes either a plain password or a bcrypt hash of it.
func NewAdminCredentials(username, password, passwordHash string) (*AdminCredentials, error) {
	if username == "" {
		return nil, errors.New("admin user is required")
	}
	if passwordHash == "" {
		if password == "" {
			return nil, errors.New("admin password or password hash is required")
		}
		var err error
		if passwordHash, err = HashPassword(password); err != nil {
			return nil, err
		}
	}
	if _, err := bcrypt.Cost([]byte(passwordHash)); err != nil {
		return nil, fmt.Errorf("admin password hash is not a bcrypt hash: %w", err)
	}

	return &AdminCredentials{
		username:     username,
		passwordHash: []byte(passwordHash),
		now:          time.Now,
	}, nil
}

func (ac *AdminCredentials) Check(username, password string) error {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	now := ac.now().Unix()
	if ac.failedLoginAttempts > 3 {
		nextAttempt := ac.lastAttemptTime + 30*(ac.failedLoginAttempts*ac.failedLoginAttempts)
		if now < nextAttempt {
			return fmt.Errorf("%w: next attempt in %d seconds", ErrTooManyAttempts, nextAttempt-now)
		}
	}

	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(ac.username)) == 1
	passErr := bcrypt.CompareHashAndPassword(ac.passwordHash, []byte(password))
	if !userOK || passErr != nil {
		ac.failedLoginAttempts++
		ac.lastAttemptTime = now
		return models.ErrUnauthenticated
	}

	ac.failedLoginAttempts = 0
	ac.lastAttemptTime = now
	return nil
}
