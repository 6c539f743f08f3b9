package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newService(t *testing.T) *Service {
	t.Helper()
	s, err := NewService(Config{JWTSecret: "s3cret", TokenTTL: time.Hour})
	require.NoError(t, err)
	return s
}

func TestNewService_RequiresSecret(t *testing.T) {
	_, err := NewService(Config{})
	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestIssueValidate_RoundTrip(t *testing.T) {
	s := newService(t)
	tok, err := s.Issue("ci", []string{RoleOperator}, 0)
	require.NoError(t, err)
	assert.Equal(t, "Bearer", tok.Type)
	assert.WithinDuration(t, time.Now().Add(time.Hour), tok.ExpiresAt, 5*time.Second)

	res, err := s.Validate(tok.Value)
	require.NoError(t, err)
	assert.Equal(t, "ci", res.Subject)
	assert.True(t, res.HasRole(RoleOperator))
	assert.True(t, res.HasRole(RoleViewer))
}

func TestValidate_Rejects(t *testing.T) {
	s := newService(t)
	other, err := NewService(Config{JWTSecret: "different"})
	require.NoError(t, err)
	foreign, err := other.Issue("ci", nil, 0)
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := s.Issue("ci", nil, time.Minute)
	require.NoError(t, err)
	s.now = time.Now

	for name, tok := range map[string]string{
		"empty":   "",
		"garbage": "not.a.jwt",
		"foreign": foreign.Value,
		"expired": expired.Value,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := s.Validate(tok)
			assert.ErrorIs(t, err, ErrInvalidCredentials)
		})
	}
}

func TestIssue_RequiresSubject(t *testing.T) {
	_, err := newService(t).Issue("", nil, 0)
	assert.Error(t, err)
}

func TestResult_HasRole(t *testing.T) {
	viewer := &Result{Roles: []string{RoleViewer}}
	assert.True(t, viewer.HasRole(RoleViewer))
	assert.False(t, viewer.HasRole(RoleOperator))
}

func TestCheckToken(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("letmein"), bcrypt.MinCost)
	require.NoError(t, err)

	assert.True(t, CheckToken("letmein", "letmein", ""))
	assert.False(t, CheckToken("letmeim", "letmein", ""))
	assert.False(t, CheckToken("", "", ""))
	assert.False(t, CheckToken("anything", "", ""))
	assert.True(t, CheckToken("letmein", "", string(hash)))
	assert.False(t, CheckToken("nope", "", string(hash)))
	assert.False(t, CheckToken("letmein", "letmein", "not-a-bcrypt-hash"))
}

func TestHashToken(t *testing.T) {
	h, err := HashToken("letmein", bcrypt.MinCost)
	require.NoError(t, err)
	assert.True(t, CheckToken("letmein", "", h))
}

func testRouter(m *Middleware) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group("/", m.GinAuth())
	g.GET("/read", m.GinRequireRole(RoleViewer), func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	g.POST("/write", m.GinRequireRole(RoleOperator), func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return r
}

func do(r http.Handler, method, path, token string) int {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec.Code
}

func TestMiddleware(t *testing.T) {
	s := newService(t)
	r := testRouter(NewMiddleware(s))
	viewer, err := s.Issue("dash", []string{RoleViewer}, 0)
	require.NoError(t, err)
	op, err := s.Issue("ci", []string{RoleOperator}, 0)
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/read", ""))
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/read", "junk"))
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/read", viewer.Value))
	assert.Equal(t, http.StatusForbidden, do(r, http.MethodPost, "/write", viewer.Value))
	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/write", op.Value))
}

func TestMiddleware_Disabled(t *testing.T) {
	r := testRouter(NewMiddleware(nil))
	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/write", ""))
}
