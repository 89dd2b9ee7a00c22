package app_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invoicedesk/invoicedesk/internal/activity"
	"github.com/invoicedesk/invoicedesk/internal/app"
	"github.com/invoicedesk/invoicedesk/internal/notify"
	"github.com/invoicedesk/invoicedesk/internal/observability"
	_ "github.com/invoicedesk/invoicedesk/testing"
)

type guard struct {
	token string
	admin bool
}

func (g guard) Token() string { return g.token }
func (g guard) IsAdmin() bool  { return g.admin }

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("BACKEND_URL", "https://api.example.com")
	t.Setenv("DEMO_ACCOUNTS", "admin:$2a$10$abc,user:$2a$10$def")

	cfg, err := app.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.ERPSessionTTL)
	assert.Equal(t, 5*time.Minute, cfg.ERPFreshness)
	assert.Equal(t, time.Second, cfg.UnauthorizedGuardReset)
	assert.Equal(t, 5*time.Second, cfg.NotifyTTL)
	assert.Equal(t, 100, cfg.ActivityLimit)
	assert.Equal(t, 5, cfg.StatusSyncMaxRetry)
	assert.Equal(t, "$2a$10$abc", cfg.DemoAccounts["admin"])
	assert.True(t, app.InTestMode())
}

func TestConfigValidate(t *testing.T) {
	valid := app.Config{
		BackendURL:             "http://localhost:8000",
		BackendTimeout:         time.Second,
		ERPSessionTTL:          time.Hour,
		ERPFreshness:           time.Minute,
		UnauthorizedGuardReset: time.Second,
		NotifyTTL:              time.Second,
		ActivityLimit:          10,
	}
	require.NoError(t, valid.Validate())

	cases := map[string]func(c *app.Config){
		"relative url":   func(c *app.Config) { c.BackendURL = "/api" },
		"ftp url":        func(c *app.Config) { c.BackendURL = "ftp://files.local" },
		"zero freshness": func(c *app.Config) { c.ERPFreshness = 0 },
		"negative ttl":   func(c *app.Config) { c.NotifyTTL = -time.Second },
		"no activity":    func(c *app.Config) { c.ActivityLimit = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func newRouter(g guard) http.Handler {
	center := notify.NewCenter(time.Second, nil)
	return app.NewRouter(app.RouterParams{
		Config:              &app.Config{AppEnv: "test", CORSOrigins: []string{"http://localhost:3000"}},
		Sessions:            g,
		Metrics:             observability.NewMetrics(),
		NotificationHandler: notify.NewHandler(center, nil),
		ActivityHandler:     activity.NewHandler(nil, nil),
	})
}

func TestRouterGuards(t *testing.T) {
	cases := []struct {
		name  string
		guard guard
		path  string
		want  int
	}{
		{name: "health is public", path: "/healthz", want: http.StatusOK},
		{name: "metrics is public", path: "/metrics", want: http.StatusOK},
		{name: "signed out", path: "/notifications/", want: http.StatusUnauthorized},
		{name: "signed in", guard: guard{token: "t"}, path: "/notifications/", want: http.StatusOK},
		{name: "admin only", guard: guard{token: "t"}, path: "/admin/activity/", want: http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			newRouter(tc.guard).ServeHTTP(res, req)
			assert.Equal(t, tc.want, res.Code)
		})
	}
}

func TestRouterSetsSecurityHeaders(t *testing.T) {
	res := httptest.NewRecorder()
	newRouter(guard{}).ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, "DENY", res.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", res.Header().Get("X-Content-Type-Options"))
}
