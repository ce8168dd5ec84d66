package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/observability"
	"github.com/odyssey-erp/stockledger/internal/platform/locks"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LOCK_BACKEND", "")
	os.Unsetenv("LOCK_BACKEND")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, LockBackendMemory, cfg.LockBackend)
	require.Equal(t, 2*time.Second, cfg.ScanDebounceWindow)
	require.Equal(t, 10, cfg.ScanSerialMinLength)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SCAN_SERIAL_MIN_LENGTH=12\nAPP_ENV=production\n"), 0o600))
	t.Setenv("SCAN_SERIAL_MIN_LENGTH", "")
	os.Unsetenv("SCAN_SERIAL_MIN_LENGTH")
	t.Setenv("APP_ENV", "")
	os.Unsetenv("APP_ENV")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, 12, cfg.ScanSerialMinLength)
	require.True(t, cfg.IsProduction())
}

func TestConfigValidate(t *testing.T) {
	valid := Config{LockBackend: LockBackendRedis, LockTTL: time.Second, ScanSerialMinLength: 10, DrainParallelism: 1}
	require.NoError(t, valid.Validate())

	cases := map[string]func(*Config){
		"backend":     func(c *Config) { c.LockBackend = "etcd" },
		"ttl":         func(c *Config) { c.LockTTL = 0 },
		"serial":      func(c *Config) { c.ScanSerialMinLength = 0 },
		"debounce":    func(c *Config) { c.ScanDebounceWindow = -time.Second },
		"parallelism": func(c *Config) { c.DrainParallelism = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestNewLockerSelectsBackend(t *testing.T) {
	cfg := &Config{LockBackend: LockBackendMemory}
	locker, client, err := NewLocker(context.Background(), cfg)
	require.NoError(t, err)
	require.Nil(t, client)
	require.IsType(t, &locks.KeyedMutex{}, locker)

	srv := miniredis.RunT(t)
	cfg = &Config{LockBackend: LockBackendRedis, RedisAddr: srv.Addr(), LockTTL: time.Second}
	locker, client, err = NewLocker(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.IsType(t, &locks.RedisLocker{}, locker)

	unlock, err := locker.Lock(context.Background(), shared.StockLockKey(1, 2))
	require.NoError(t, err)
	unlock()
}

func TestLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&Config{LogFormat: "json", AppEnv: "test"}, &buf).Info("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "hello", line["msg"])
	require.Equal(t, "stockledger", line["service"])
	require.Equal(t, "test", line["env"])

	buf.Reset()
	newLogger(nil, &buf).Info("plain")
	require.Contains(t, buf.String(), "msg=plain")
}

func TestRuntimeTestMode(t *testing.T) {
	t.Setenv(testModeEnv, "1")
	RefreshTestMode()
	require.True(t, InTestMode())
	t.Setenv(testModeEnv, "true")
	RefreshTestMode()
	require.True(t, InTestMode())
	t.Setenv(testModeEnv, "0")
	RefreshTestMode()
	require.False(t, InTestMode())
	t.Setenv(testModeEnv, "yes please")
	RefreshTestMode()
	require.False(t, InTestMode())
}

func TestActorMiddleware(t *testing.T) {
	var got shared.Actor
	h := ActorMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = shared.ActorFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/inventory/movements", nil)
	req.Header.Set(HeaderActorID, "42")
	req.Header.Set(HeaderClientID, "7")
	req.Header.Set(HeaderDeviceID, " scanner-3 ")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, shared.Actor{ActorID: 42, ClientID: 7, DeviceID: "scanner-3"}, got)

	req = httptest.NewRequest(http.MethodPost, "/inventory/movements", nil)
	req.Header.Set(HeaderActorID, "abc")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), HeaderActorID)
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func TestRouterHealthAndMetrics(t *testing.T) {
	t.Setenv(testModeEnv, "1")
	RefreshTestMode()

	metrics := observability.NewMetrics()
	router := NewRouter(RouterParams{
		Config:   &Config{AppRequestTimeout: time.Second},
		Metrics:  metrics,
		Database: stubPinger{},
	})

	for _, path := range []string{"/healthz", "/readyz"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rr.Code, path)
		require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `stockledger_http_requests_total{code="200",route="/healthz"} 1`)

	down := NewRouter(RouterParams{Database: stubPinger{err: context.DeadlineExceeded}})
	rr = httptest.NewRecorder()
	down.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
