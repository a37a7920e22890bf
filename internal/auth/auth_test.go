package auth

import (
	"context"
	"encoding/base64"
	"maps"
	"net/http/httptest"
	"testing"
	"time"

	"touchline/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRevocations struct {
	tokens map[string]time.Time
}

func (m *memRevocations) RevokeToken(digest string, expiresAt time.Time) error {
	m.tokens[digest] = expiresAt
	return nil
}

func (m *memRevocations) ListRevokedTokens(time.Time) (map[string]time.Time, error) {
	return maps.Clone(m.tokens), nil
}

func TestAuthService(t *testing.T) {
	const t0Unix = 1700000000

	createService := func(t *testing.T, store RevocationStore) (*AuthService, *time.Time) {
		cfg := Config{
			Secret:      base64.StdEncoding.EncodeToString([]byte("server-secret")),
			TokenExpiry: time.Hour,
		}

		svc, err := NewAuthService(t.Context(), cfg, store)
		require.NoError(t, err)

		currentTime := time.Unix(t0Unix, 0)
		svc.now = func() time.Time {
			return currentTime
		}

		return svc, &currentTime
	}

	t.Run("Validate", func(t *testing.T) {
		_, err := NewAuthService(context.Background(), Config{}, nil)
		assert.Error(t, err)

		_, err = NewAuthService(context.Background(), Config{Secret: "not base64!"}, nil)
		assert.Error(t, err)

		cfg := Config{Secret: base64.StdEncoding.EncodeToString([]byte("s"))}
		require.NoError(t, cfg.Validate())
		assert.Equal(t, DefaultTokenExpiry, cfg.TokenExpiry)
	})

	t.Run("AddUser", func(t *testing.T) {
		svc, _ := createService(t, nil)

		u1, err := svc.AddUser(AddUserRequest{Username: "user1", Role: models.UserRoleCandidate})
		require.NoError(t, err)
		assert.Equal(t, "user1", u1.UserName)
		assert.Equal(t, "user1", u1.DisplayName)
		assert.NotEmpty(t, u1.ID)

		_, err = svc.AddUser(AddUserRequest{Username: "user1"})
		assert.ErrorIs(t, err, ErrUserExists)

		_, err = svc.AddUser(AddUserRequest{})
		assert.ErrorIs(t, err, models.ErrInvalid)

		svc.LoadUsers([]models.User{{ID: "x", UserName: "loaded"}})
		_, err = svc.AddUser(AddUserRequest{Username: "loaded"})
		assert.ErrorIs(t, err, ErrUserExists)
	})

	t.Run("TokenRoundTrip", func(t *testing.T) {
		svc, _ := createService(t, nil)

		token, exp, err := svc.IssueToken("user-1")
		require.NoError(t, err)
		assert.Equal(t, int64(t0Unix+3600), exp.Unix())

		userID, err := svc.GetUserID(token)
		require.NoError(t, err)
		assert.Equal(t, "user-1", userID)
	})

	t.Run("Expired", func(t *testing.T) {
		svc, now := createService(t, nil)

		token, _, err := svc.IssueToken("user-1")
		require.NoError(t, err)

		*now = now.Add(2 * time.Hour)
		_, err = svc.GetUserID(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("ForeignSecret", func(t *testing.T) {
		svc, _ := createService(t, nil)
		other, err := NewAuthService(t.Context(), Config{
			Secret: base64.StdEncoding.EncodeToString([]byte("another-secret")),
		}, nil)
		require.NoError(t, err)
		other.now = svc.now

		token, _, err := other.IssueToken("user-1")
		require.NoError(t, err)

		_, err = svc.GetUserID(token)
		assert.ErrorIs(t, err, ErrInvalidToken)

		_, err = svc.GetUserID("garbage")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("Revoke", func(t *testing.T) {
		store := &memRevocations{tokens: make(map[string]time.Time)}
		svc, _ := createService(t, store)

		token, _, err := svc.IssueToken("user-1")
		require.NoError(t, err)
		keep, _, err := svc.IssueToken("user-1")
		require.NoError(t, err)

		require.NoError(t, svc.Revoke(token))
		_, err = svc.GetUserID(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
		_, err = svc.GetUserID(keep)
		assert.NoError(t, err)
		assert.Len(t, store.tokens, 1)

		// revocations survive a restart
		restarted, _ := createService(t, store)
		_, err = restarted.GetUserID(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws?token=from-query", nil)
	assert.Equal(t, "from-query", BearerToken(req))

	req.Header.Set("Authorization", "Bearer from-header")
	assert.Equal(t, "from-header", BearerToken(req))

	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	assert.Empty(t, BearerToken(req), "a foreign scheme is not a bearer token")

	assert.Empty(t, BearerToken(httptest.NewRequest("GET", "/ws", nil)))
}
