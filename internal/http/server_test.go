package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/config"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/identifier"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/infra"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/ingress"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/metrics"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/models"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/plans"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/repository"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/service"
	"go.uber.org/zap"
)

const (
	testWebhookSecret = "whsec_http_test_secret"
	testJWTSecret     = "jwt-secret-for-http-tests-0123456789"
	testAdminKey      = "admin-key-for-http-tests-0123456789"
)

type testEnv struct {
	srv   *Server
	store *repository.MemoryStore
	fake  *infra.Fake
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Mode: "test"},
		JWT:    config.JWTConfig{SecretKey: testJWTSecret},
		Admin:  config.AdminConfig{APIKey: testAdminKey},
	}
}

func newTestEnv(t *testing.T, dispatcher ingress.Dispatcher) *testEnv {
	t.Helper()
	store := repository.NewMemoryStore()
	log := zap.NewNop()
	m := metrics.New()

	real := service.NewDispatcher(store, plans.Default(),
		identifier.Options{NamespacePrefix: "ca", BaseDomain: "tenants.example.com"}, nil, m, log)
	if dispatcher == nil {
		dispatcher = real
	}
	webhooks := ingress.NewHandler(ingress.NewVerifier(testWebhookSecret, 0), dispatcher, log)
	fake := infra.NewFake()

	srv := NewServer(testConfig(), Deps{
		Webhooks:    webhooks,
		Tenants:     service.NewTenantService(store, fake, nil, log),
		Provisioner: real,
		Store:       store,
		Metrics:     m,
		Log:         log,
	})
	return &testEnv{srv: srv, store: store, fake: fake}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func (e *testEnv) webhook(t *testing.T, payload string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/provider", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", ingress.SignatureHeader(testWebhookSecret, time.Now(), []byte(payload)))
	return e.do(req)
}

// checkout creates a tenant for owner and returns its id.
func (e *testEnv) checkout(t *testing.T, eventID, owner string) string {
	t.Helper()
	payload := `{"id":"` + eventID + `","type":"checkout.session.completed","plan":"basic","customer":"cus_` + owner + `","owner_user_id":"` + owner + `"}`
	w := e.webhook(t, payload)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	tenants, _, err := e.store.ListTenants(context.Background(), models.TenantFilter{OwnerUserID: owner, Limit: 10})
	require.NoError(t, err)
	require.NotEmpty(t, tenants)
	return tenants[0].ID
}

func userRequest(t *testing.T, method, path string, claims jwt.MapClaims) *http.Request {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func asUser(t *testing.T, method, path, owner string) *http.Request {
	return userRequest(t, method, path, jwt.MapClaims{"uid": owner, "exp": time.Now().Add(time.Hour).Unix()})
}

func asAdmin(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("X-Admin-API-Key", testAdminKey)
	return req
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestWebhook(t *testing.T) {
	env := newTestEnv(t, nil)
	payload := `{"id":"evt_1","type":"checkout.session.completed","plan":"basic","customer":"c1"}`

	w := env.webhook(t, payload)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "queued", decode[models.WebhookResponse](t, w).Status)

	w = env.webhook(t, payload)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "already_applied", decode[models.WebhookResponse](t, w).Status)

	w = env.webhook(t, `{"id":"evt_2","type":"something.unrelated"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "applied_now", decode[models.WebhookResponse](t, w).Status)

	tenants, total, err := env.store.ListTenants(context.Background(), models.TenantFilter{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, models.TenantPending, tenants[0].Status)
}

func TestWebhook_Rejections(t *testing.T) {
	env := newTestEnv(t, nil)

	t.Run("bad signature", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/provider", strings.NewReader(`{"id":"evt_1","type":"x"}`))
		req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
		assert.Equal(t, http.StatusBadRequest, env.do(req).Code)
	})

	t.Run("missing signature", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/provider", strings.NewReader(`{"id":"evt_1","type":"x"}`))
		assert.Equal(t, http.StatusBadRequest, env.do(req).Code)
	})

	t.Run("malformed payload", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, env.webhook(t, `{"type":"checkout.session.completed"}`).Code)
		assert.Equal(t, http.StatusBadRequest, env.webhook(t, `not json`).Code)
	})

	_, total, err := env.store.ListTenants(context.Background(), models.TenantFilter{Limit: 10})
	require.NoError(t, err)
	assert.Zero(t, total)
}

type failingDispatcher struct{}

func (failingDispatcher) Dispatch(context.Context, models.InboundEvent) (models.Disposition, error) {
	return "", errors.New("database unavailable")
}

func TestWebhook_InternalFailure(t *testing.T) {
	env := newTestEnv(t, failingDispatcher{})
	w := env.webhook(t, `{"id":"evt_1","type":"checkout.session.completed","customer":"c1"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestTenantAPI_Auth(t *testing.T) {
	env := newTestEnv(t, nil)

	assert.Equal(t, http.StatusUnauthorized, env.do(httptest.NewRequest(http.MethodGet, "/tenants", nil)).Code)

	req := httptest.NewRequest(http.MethodGet, "/tenants", nil)
	req.Header.Set("Authorization", "Token abc")
	assert.Equal(t, http.StatusUnauthorized, env.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/tenants", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, env.do(req).Code)

	expired := userRequest(t, http.MethodGet, "/tenants", jwt.MapClaims{"uid": "u1", "exp": time.Now().Add(-time.Hour).Unix()})
	assert.Equal(t, http.StatusUnauthorized, env.do(expired).Code)

	noSubject := userRequest(t, http.MethodGet, "/tenants", jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	assert.Equal(t, http.StatusUnauthorized, env.do(noSubject).Code)

	bySub := userRequest(t, http.MethodGet, "/tenants", jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(time.Hour).Unix()})
	assert.Equal(t, http.StatusOK, env.do(bySub).Code)
}

func TestTenantAPI_OwnerScoping(t *testing.T) {
	env := newTestEnv(t, nil)
	mine := env.checkout(t, "evt_a", "alice")
	env.checkout(t, "evt_b", "bob")

	w := env.do(asUser(t, http.MethodGet, "/tenants", "alice"))
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[models.TenantListResponse](t, w)
	require.Len(t, list.Tenants, 1)
	assert.Equal(t, mine, list.Tenants[0].TenantID)
	assert.Equal(t, "https://"+list.Tenants[0].Hostname, list.Tenants[0].URL)
	assert.NotContains(t, w.Body.String(), "sealed")

	w = env.do(asUser(t, http.MethodGet, "/tenants/"+mine, "alice"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "PENDING", decode[models.TenantResponse](t, w).Status)

	assert.Equal(t, http.StatusNotFound, env.do(asUser(t, http.MethodGet, "/tenants/"+mine, "bob")).Code)
	assert.Equal(t, http.StatusNotFound, env.do(asUser(t, http.MethodGet, "/tenants/missing", "alice")).Code)
	assert.Equal(t, http.StatusNotFound, env.do(asUser(t, http.MethodDelete, "/tenants/"+mine, "bob")).Code)
}

func TestTenantAPI_Delete(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.checkout(t, "evt_a", "alice")

	w := env.do(asUser(t, http.MethodDelete, "/tenants/"+id, "alice"))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := decode[models.EnqueueResponse](t, w)
	assert.Equal(t, "DELETED", resp.TargetState)

	w = env.do(asUser(t, http.MethodDelete, "/tenants/"+id, "alice"))
	assert.Equal(t, http.StatusAccepted, w.Code)

	tenant, err := env.store.GetTenant(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, tenant.DeleteRequested())

	w = env.do(asUser(t, http.MethodGet, "/tenants/"+id, "alice"))
	assert.True(t, decode[models.TenantResponse](t, w).DeletePending)
}

func TestAdminAPI(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.checkout(t, "evt_a", "alice")
	env.checkout(t, "evt_b", "bob")

	t.Run("requires key", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, env.do(httptest.NewRequest(http.MethodGet, "/admin/tenants", nil)).Code)
		req := httptest.NewRequest(http.MethodGet, "/admin/tenants", nil)
		req.Header.Set("X-Admin-API-Key", "wrong")
		assert.Equal(t, http.StatusUnauthorized, env.do(req).Code)
	})

	t.Run("lists every tenant", func(t *testing.T) {
		w := env.do(asAdmin(http.MethodGet, "/admin/tenants"))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 2, decode[models.TenantListResponse](t, w).Total)

		w = env.do(asAdmin(http.MethodGet, "/admin/tenants?status=active"))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Zero(t, decode[models.TenantListResponse](t, w).Total)

		w = env.do(asAdmin(http.MethodGet, "/admin/tenants?limit=1"))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, decode[models.TenantListResponse](t, w).Tenants, 1)

		assert.Equal(t, http.StatusBadRequest, env.do(asAdmin(http.MethodGet, "/admin/tenants?status=bogus")).Code)
	})

	t.Run("status", func(t *testing.T) {
		w := env.do(asAdmin(http.MethodGet, "/admin/tenants/"+id+"/status"))
		require.Equal(t, http.StatusOK, w.Code)
		status := decode[models.TenantStatusResponse](t, w)
		assert.Equal(t, id, status.Tenant.TenantID)
		require.NotNil(t, status.Subscription)
		assert.Equal(t, "cus_alice", status.Subscription.CustomerID)
		require.Len(t, status.Tasks, 1)
		assert.Equal(t, "ACTIVE", status.Tasks[0].TargetState)
		assert.Equal(t, models.TaskOriginBilling, status.Tasks[0].Origin)
		require.NotNil(t, status.Cluster)
		assert.False(t, status.Cluster.NamespaceExists, "nothing deployed yet")
		assert.Empty(t, status.Cluster.Error)

		env.fake.FailAlways(infra.OpNamespaceExists, infra.Transient(errors.New("api server down")))
		w = env.do(asAdmin(http.MethodGet, "/admin/tenants/"+id+"/status"))
		env.fake.FailAlways(infra.OpNamespaceExists, nil)
		require.Equal(t, http.StatusOK, w.Code, "cluster outage degrades the block only")
		status = decode[models.TenantStatusResponse](t, w)
		require.NotNil(t, status.Cluster)
		assert.Contains(t, status.Cluster.Error, "api server down")

		assert.Equal(t, http.StatusNotFound, env.do(asAdmin(http.MethodGet, "/admin/tenants/missing/status")).Code)
	})

	t.Run("state changes", func(t *testing.T) {
		assert.Equal(t, http.StatusConflict, env.do(asAdmin(http.MethodPost, "/admin/tenants/"+id+"/suspend")).Code)
		assert.Equal(t, http.StatusConflict, env.do(asAdmin(http.MethodPost, "/admin/tenants/"+id+"/resume")).Code)
		assert.Equal(t, http.StatusConflict, env.do(asAdmin(http.MethodPost, "/admin/tenants/"+id+"/retry")).Code)
		assert.Equal(t, http.StatusNotFound, env.do(asAdmin(http.MethodPost, "/admin/tenants/missing/retry")).Code)

		ctx := context.Background()
		require.NoError(t, env.store.UpdateTenantStatus(ctx, id, models.TenantProvisioning))
		require.NoError(t, env.store.UpdateTenantStatus(ctx, id, models.TenantFailed))

		w := env.do(asAdmin(http.MethodPost, "/admin/tenants/"+id+"/retry"))
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		assert.Equal(t, "ACTIVE", decode[models.EnqueueResponse](t, w).TargetState)
	})
}

func TestAdminAPI_ProvisionAndLookup(t *testing.T) {
	env := newTestEnv(t, nil)
	body := `{"request_id":"req-1","plan":"basic","owner_user_id":"carol","customer_id":"cus_carol","email":"carol@example.com"}`

	provision := func(body string) *httptest.ResponseRecorder {
		req := asAdmin(http.MethodPost, "/admin/provision")
		req.Body = io.NopCloser(strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		return env.do(req)
	}

	w := provision(body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	first := decode[models.ProvisionResponse](t, w)
	assert.Equal(t, "queued", first.Disposition)
	require.NotNil(t, first.TenantID)

	w = provision(body)
	require.Equal(t, http.StatusAccepted, w.Code)
	again := decode[models.ProvisionResponse](t, w)
	assert.Equal(t, "already_applied", again.Disposition)
	require.NotNil(t, again.TenantID)
	assert.Equal(t, *first.TenantID, *again.TenantID, "same request id, same tenant")

	_, total, err := env.store.ListTenants(context.Background(), models.TenantFilter{OwnerUserID: "carol"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	assert.Equal(t, http.StatusBadRequest, provision(`{"plan":"platinum","owner_user_id":"carol"}`).Code)
	assert.Equal(t, http.StatusBadRequest, provision(`{"plan":"basic"}`).Code)

	tenant, err := env.store.GetTenant(context.Background(), *first.TenantID)
	require.NoError(t, err)
	w = env.do(asAdmin(http.MethodGet, "/admin/namespaces/"+tenant.Namespace))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, tenant.ID, decode[models.TenantResponse](t, w).TenantID)

	assert.Equal(t, http.StatusNotFound, env.do(asAdmin(http.MethodGet, "/admin/namespaces/ca-unknown")).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok"`)

	env.webhook(t, `{"id":"evt_1","type":"checkout.session.completed","customer":"c1"}`)
	w = env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "tenant_provisioner_webhook_events_total")
	assert.Contains(t, body, "tenant_provisioner_http_requests_total")
}

func TestRateLimiter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("u1"))
	assert.True(t, rl.Allow("u1"))
	assert.False(t, rl.Allow("u1"))
	assert.True(t, rl.Allow("u2"))

	now = now.Add(61 * time.Second)
	assert.True(t, rl.Allow("u1"))
}

func TestDeleteRateLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.checkout(t, "evt_a", "alice")

	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusAccepted, env.do(asUser(t, http.MethodDelete, "/tenants/"+id, "alice")).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, env.do(asUser(t, http.MethodDelete, "/tenants/"+id, "alice")).Code)
	assert.Equal(t, http.StatusOK, env.do(asUser(t, http.MethodGet, "/tenants", "alice")).Code)
}

