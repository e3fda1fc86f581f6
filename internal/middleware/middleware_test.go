package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redismock/v9"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iconic-events/backend/internal/access"
	"github.com/iconic-events/backend/internal/auth"
	"github.com/iconic-events/backend/internal/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestJWT_SetsPrincipal(t *testing.T) {
	svc := auth.NewJWTService("secret", 1)
	uid := uuid.New()
	tok, err := svc.Generate(access.Principal{UserID: uid, Role: models.RoleScanner}, "s@example.com")
	require.NoError(t, err)

	r := gin.New()
	r.GET("/me", JWT(svc), RequireRole(models.RoleScanner, models.RoleAdmin), func(c *gin.Context) {
		p := Principal(c)
		c.String(http.StatusOK, p.UserID.String()+" "+string(p.Role))
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, uid.String()+" scanner", w.Body.String())
}

func TestJWT_Rejects(t *testing.T) {
	svc := auth.NewJWTService("secret", 1)
	r := gin.New()
	r.GET("/me", JWT(svc), func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, header := range []string{"", "Basic abc", "Bearer ", "Bearer garbage"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/me?access_token=x", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, header)
	}
}

func TestRequireRole_Forbidden(t *testing.T) {
	svc := auth.NewJWTService("secret", 1)
	tok, err := svc.Generate(access.Principal{UserID: uuid.New(), Role: models.RoleUser}, "")
	require.NoError(t, err)

	r := gin.New()
	r.GET("/scan", JWT(svc), RequireRole(models.RoleScanner), func(c *gin.Context) { c.Status(http.StatusOK) })
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/scan", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRedisLimiter(t *testing.T) {
	db, mock := redismock.NewClientMock()
	l := NewRedisLimiter(db, 2, time.Minute)
	ctx := context.Background()

	mock.ExpectIncr("ratelimit:k").SetVal(1)
	mock.ExpectExpire("ratelimit:k", time.Minute).SetVal(true)
	mock.ExpectIncr("ratelimit:k").SetVal(2)
	mock.ExpectIncr("ratelimit:k").SetVal(3)

	for _, want := range []bool{true, true, false} {
		ok, err := l.Allow(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, want, ok)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryLimiter(t *testing.T) {
	l := NewMemoryLimiter(2, time.Minute)
	ctx := context.Background()
	for _, want := range []bool{true, true, false} {
		ok, err := l.Allow(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, want, ok)
	}
	ok, err := l.Allow(ctx, "other")
	require.NoError(t, err)
	assert.True(t, ok)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) { return false, errors.New("down") }

func TestRateLimit_Middleware(t *testing.T) {
	r := gin.New()
	r.GET("/x", RateLimit("test", NewMemoryLimiter(1, time.Minute), nil), func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/open", RateLimit("test", failingLimiter{}, nil), func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/open", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCORS_Preflight(t *testing.T) {
	r := gin.New()
	r.Use(CORS("https://app.example.com"))
	r.POST("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "https://app.example.com")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}
