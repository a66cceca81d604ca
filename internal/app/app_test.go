package app

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/matflow/internal/masterdata"
	"github.com/odyssey-erp/matflow/internal/observability"
	"github.com/odyssey-erp/matflow/internal/shared"
	"github.com/odyssey-erp/matflow/internal/workflow"
)

type stubDirectoryRepo struct{}

func (stubDirectoryRepo) GetProject(_ context.Context, id int64) (workflow.Project, error) {
	return workflow.Project{ID: id, Name: "Jetty", BaseCurrency: "USD", MaxMTFApprovalLevel: 2}, nil
}

func (stubDirectoryRepo) GetUser(_ context.Context, id int64) (workflow.User, error) {
	if id != 4 {
		return workflow.User{}, workflow.Missing("user", id)
	}
	return workflow.User{ID: 4, Name: "Buyer"}, nil
}

func (stubDirectoryRepo) GetSupplier(_ context.Context, id int64) (masterdata.Supplier, error) {
	return masterdata.Supplier{ID: id}, nil
}

func (stubDirectoryRepo) GetItem(_ context.Context, id int64) (masterdata.Item, error) {
	return masterdata.Item{ID: id}, nil
}

func (stubDirectoryRepo) ListUsersWithRole(context.Context, int64, int64, string, int) ([]workflow.User, error) {
	return nil, nil
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	directory := masterdata.NewDirectory(stubDirectoryRepo{}, nil, logger)
	return NewRouter(RouterParams{
		Logger:            logger,
		Config:            &Config{AppEnv: "test"},
		MasterDataHandler: masterdata.NewHandler(logger, directory),
		Metrics:           observability.NewMetrics(),
	})
}

func TestRouterHealthAndSecurityHeaders(t *testing.T) {
	router := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	require.NotEmpty(t, rec.Header().Get("X-RateLimit-Limit"))
}

func TestRouterResolvesActor(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/masterdata/me", nil)
	req.Header.Set(ActorHeader, "4")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var user workflow.User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &user))
	require.Equal(t, "Buyer", user.Name)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/masterdata/me", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/masterdata/me", nil)
	req.Header.Set(ActorHeader, "abc")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `route="/api/masterdata/me"`)
}

func TestActorMiddleware(t *testing.T) {
	var got int64
	h := ActorMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = shared.ActorFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ActorHeader, " 12 ")
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.Equal(t, int64(12), got)

	req.Header.Set(ActorHeader, "-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("WORKFLOW_COUNT_REJECTED", "false")
	t.Setenv("DIRECTORY_CACHE_TTL", "90s")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, int64(10<<20), cfg.AttachmentMaxBytes)
	require.Equal(t, "0 7 * * *", cfg.DraftReminderCron)
	require.Equal(t, 90.0, cfg.DirectoryCacheTTL.Seconds())
	require.False(t, cfg.IsProduction())

	require.Equal(t, "127.0.0.1:6379", cfg.Redis().Addr)
	require.Zero(t, cfg.Redis().DB)

	policy := cfg.Policy()
	require.False(t, policy.CountRejected)
	require.True(t, policy.ScopeMTFByProject)

	t.Setenv("ATTACHMENT_MAX_BYTES", "0")
	_, err = LoadConfig()
	require.Error(t, err)
}

func TestLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&Config{AppEnv: "production", LogFormat: "json"}, &buf).Info("hello")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "matflow", entry["service"])
	require.Equal(t, "production", entry["env"])

	buf.Reset()
	newLogger(nil, &buf).Debug("visible")
	require.True(t, strings.Contains(buf.String(), "msg=visible"))
}

func TestTestModeFlag(t *testing.T) {
	t.Setenv(testModeEnv, "1")
	RefreshTestMode()
	require.True(t, InTestMode())
	t.Setenv(testModeEnv, "")
	RefreshTestMode()
	require.False(t, InTestMode())
}
