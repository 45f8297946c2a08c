package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orthodoxlms/backend/internal/auth"
)

func init() { gin.SetMode(gin.TestMode) }

func newRouter(t *testing.T, jwtService *auth.JWTService) *gin.Engine {
	t.Helper()
	r := gin.New()
	r.Use(CORS([]string{"http://localhost:3000"}), Logger(zap.NewNop()))
	g := r.Group("/videos", JWT(jwtService), RequireRole("admin", "teacher"))
	g.GET("/:lessonId/status", func(c *gin.Context) {
		id, role, ok := Subject(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"user": id.String(), "role": role})
	})
	return r
}

func TestJWTAndRole(t *testing.T) {
	jwtService := auth.NewJWTService("secret", 1)
	r := newRouter(t, jwtService)
	userID := uuid.New()

	teacher, err := jwtService.Generate(userID, "t@example.com", "teacher")
	require.NoError(t, err)
	student, err := jwtService.Generate(uuid.New(), "s@example.com", "student")
	require.NoError(t, err)
	foreign, err := auth.NewJWTService("other", 1).Generate(userID, "t@example.com", "teacher")
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"teacher", "Bearer " + teacher, http.StatusOK},
		{"lowercase scheme", "bearer " + teacher, http.StatusOK},
		{"student", "Bearer " + student, http.StatusForbidden},
		{"missing", "", http.StatusUnauthorized},
		{"no scheme", teacher, http.StatusUnauthorized},
		{"wrong secret", "Bearer " + foreign, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/videos/"+uuid.NewString()+"/status", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusOK {
				assert.Contains(t, w.Body.String(), userID.String())
			}
		})
	}
}

func TestCORS(t *testing.T) {
	r := newRouter(t, auth.NewJWTService("secret", 1))

	req := httptest.NewRequest(http.MethodOptions, "/videos/x/status", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/videos/x/status", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
