package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware(secret))
	r.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"userId": c.GetString("userId"), "username": c.GetString("username")})
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	good, err := SignAccessToken(secret, "u-1", "alice", time.Minute)
	require.NoError(t, err)
	expired, err := SignAccessToken(secret, "u-1", "alice", -time.Minute)
	require.NoError(t, err)
	forged, err := SignAccessToken([]byte("other"), "u-1", "alice", time.Minute)
	require.NoError(t, err)
	refresh, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{UserID: "u-1", Type: "refresh"}).SignedString(secret)
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
		query  string
		status int
	}{
		{"bearer header", "Bearer " + good, "", http.StatusOK},
		{"query token", "", "?token=" + good, http.StatusOK},
		{"missing", "", "", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, "", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + forged, "", http.StatusUnauthorized},
		{"refresh token", "Bearer " + refresh, "", http.StatusUnauthorized},
		{"lower-case bearer", "bearer " + good, "", http.StatusOK},
		{"not bearer", "Basic " + good, "", http.StatusUnauthorized},
	}
	r := newRouter()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me"+tc.query, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
			if tc.status == http.StatusOK {
				assert.JSONEq(t, `{"userId":"u-1","username":"alice"}`, w.Body.String())
			} else {
				assert.Contains(t, w.Body.String(), "UNAUTHENTICATED")
			}
		})
	}
}
