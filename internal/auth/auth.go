package auth

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"touchline/internal/models"

	"github.com/c-pro/geche"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
	issuer             = "touchline"
)

var (
	ErrUserExists   = errors.New("user already exists")
	ErrInvalidToken = errors.New("invalid token")
)

type AddUserRequest struct {
	Username    string          `json:"username"`
	DisplayName string          `json:"displayName"`
	Role        models.UserRole `json:"role"`
}

type AddUserResponse struct {
	User        models.User `json:"user"`
	Token       string      `json:"token"`
	TokenExpiry int64       `json:"tokenExpiry"`
}

// RevocationStore persists revoked token digests across restarts.
type RevocationStore interface {
	RevokeToken(digest string, expiresAt time.Time) error
	ListRevokedTokens(now time.Time) (map[string]time.Time, error)
}

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

type AuthService struct {
	Config
	// username -> user id
	users   *geche.Locker[string, string]
	revoked geche.Geche[string, time.Time]
	store   RevocationStore
	now     func() time.Time
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

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

// NewAuthService creates the token service. store may be nil, revocations are
// then kept in memory only.
func NewAuthService(ctx context.Context, config Config, store RevocationStore) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	as := &AuthService{
		Config:  config,
		users:   geche.NewLocker[string, string](geche.NewMapCache[string, string]()),
		revoked: geche.NewMapTTLCache[string, time.Time](ctx, config.TokenExpiry, time.Minute),
		store:   store,
		now:     time.Now,
	}

	if store != nil {
		revoked, err := store.ListRevokedTokens(as.now())
		if err != nil {
			return nil, fmt.Errorf("failed to load revoked tokens: %w", err)
		}
		for digest, exp := range revoked {
			as.revoked.Set(digest, exp)
		}
	}
	return as, nil
}

// LoadUsers registers existing users so their names stay unique.
func (as *AuthService) LoadUsers(users []models.User) {
	tx := as.users.Lock()
	defer tx.Unlock()
	for _, u := range users {
		tx.Set(u.UserName, u.ID)
	}
}

// AddUser reserves username and returns the new user. Persisting it is up to the caller.
func (as *AuthService) AddUser(req AddUserRequest) (models.User, error) {
	if req.Username == "" {
		return models.User{}, fmt.Errorf("%w: username is required", models.ErrInvalid)
	}
	tx := as.users.Lock()
	defer tx.Unlock()
	if _, err := tx.Get(req.Username); err == nil {
		return models.User{}, ErrUserExists
	}

	user := models.User{
		ID:          uuid.NewString(),
		UserName:    req.Username,
		DisplayName: req.DisplayName,
		Role:        req.Role,
	}
	if user.DisplayName == "" {
		user.DisplayName = req.Username
	}
	tx.Set(req.Username, user.ID)
	return user, nil
}

// IssueToken signs a token for userID valid for TokenExpiry.
func (as *AuthService) IssueToken(userID string) (string, time.Time, error) {
	now := as.now()
	exp := now.Add(as.TokenExpiry)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   userID,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := token.SignedString(as.secretBytes)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, exp, nil
}

func (as *AuthService) parse(token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return as.secretBytes, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(as.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}

// GetUserID verifies the token and returns the user it was issued for.
func (as *AuthService) GetUserID(token string) (string, error) {
	claims, err := as.parse(token)
	if err != nil {
		return "", err
	}
	if _, err := as.revoked.Get(digest(token)); err == nil {
		return "", fmt.Errorf("%w: revoked", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// Revoke invalidates a token before its expiry.
func (as *AuthService) Revoke(token string) error {
	claims, err := as.parse(token)
	if err != nil {
		return err
	}
	d := digest(token)
	exp := claims.ExpiresAt.Time
	as.revoked.Set(d, exp)
	if as.store != nil {
		if err := as.store.RevokeToken(d, exp); err != nil {
			return fmt.Errorf("failed to persist revocation: %w", err)
		}
	}
	slog.Info("token revoked", "user_id", claims.Subject, "token_id", claims.ID)
	return nil
}

// BearerToken extracts the token from the Authorization header, falling back
// to the token query parameter for clients that cannot set headers.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// digest keeps raw tokens out of memory and disk.
func digest(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
