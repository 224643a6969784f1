package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/taskmarket/internal/auth"
	"github.com/mbd888/taskmarket/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// newTestDispatcher skips URL checks so httptest loopback servers are reachable.
func newTestDispatcher(store Store, opts ...Option) *Dispatcher {
	opts = append(opts, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	d := NewDispatcher(store, opts...)
	d.urlValidator = func(string) error { return nil }
	d.now = func() time.Time { return t0 }
	return d
}

type received struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   [][]byte
}

func (r *received) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func newReceiver(t *testing.T, status int) (*httptest.Server, *received) {
	t.Helper()
	rec := &received{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.requests = append(rec.requests, r)
		rec.bodies = append(rec.bodies, body)
		rec.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func TestNotify_SignedDelivery(t *testing.T) {
	srv, rec := newReceiver(t, http.StatusOK)
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{
		ID: "wh_1", UserID: "user_payee", URL: srv.URL, Secret: "s3cret", Active: true, CreatedAt: t0,
	}))
	d := newTestDispatcher(store)

	err := d.Notify(ctx, "user_payee", "escrow_released", map[string]string{"escrowId": "esc_1", "payout": "8000"})
	require.NoError(t, err)
	require.Equal(t, 1, rec.count())

	req, body := rec.requests[0], rec.bodies[0]
	assert.Equal(t, "escrow_released", req.Header.Get(HeaderEvent))
	ts := req.Header.Get(HeaderTimestamp)
	assert.Equal(t, "sha256="+Sign("s3cret", ts, body), req.Header.Get(HeaderSignature))

	var ev Event
	require.NoError(t, json.Unmarshal(body, &ev))
	assert.Equal(t, "user_payee", ev.UserID)
	assert.Equal(t, "8000", ev.Data["payout"])
	assert.Equal(t, ev.ID, req.Header.Get(HeaderDelivery))

	sub, _ := store.Get(ctx, "wh_1")
	require.NotNil(t, sub.LastSuccess)
	assert.Zero(t, sub.ConsecutiveFailures)
}

func TestNotify_DeliveryIDStableAcrossRetries(t *testing.T) {
	payload := map[string]string{"escrowId": "esc_1", "state": "released"}
	a := eventID("u", "escrow_released", payload)
	b := eventID("u", "escrow_released", map[string]string{"state": "released", "escrowId": "esc_1"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, eventID("u", "escrow_refunded", payload))
}

func TestNotify_TemplateFilterAndInactive(t *testing.T) {
	srv, rec := newReceiver(t, http.StatusOK)
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{
		ID: "wh_1", UserID: "u", URL: srv.URL, Templates: []string{"escrow_disputed"}, Active: true,
	}))
	require.NoError(t, store.Create(ctx, &Subscription{
		ID: "wh_2", UserID: "u", URL: srv.URL, Active: false,
	}))
	require.NoError(t, store.Create(ctx, &Subscription{
		ID: "wh_3", UserID: "someone_else", URL: srv.URL, Active: true,
	}))
	d := newTestDispatcher(store)

	require.NoError(t, d.Notify(ctx, "u", "escrow_released", nil))
	assert.Equal(t, 0, rec.count())

	require.NoError(t, d.Notify(ctx, "u", "escrow_disputed", nil))
	assert.Equal(t, 1, rec.count())
}

func TestNotify_FailureReturnedAndRecorded(t *testing.T) {
	srv, _ := newReceiver(t, http.StatusInternalServerError)
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{ID: "wh_1", UserID: "u", URL: srv.URL, Active: true}))
	d := newTestDispatcher(store)

	err := d.Notify(ctx, "u", "escrow_funded", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")

	sub, _ := store.Get(ctx, "wh_1")
	assert.Equal(t, 1, sub.ConsecutiveFailures)
	assert.Equal(t, "status 500", sub.LastError)
}

func TestNotify_DeactivatesAfterRepeatedFailures(t *testing.T) {
	srv, rec := newReceiver(t, http.StatusBadGateway)
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{ID: "wh_1", UserID: "u", URL: srv.URL, Active: true}))
	d := newTestDispatcher(store)

	for i := 0; i < MaxConsecutiveFailures+3; i++ {
		_ = d.Notify(ctx, "u", "escrow_funded", nil)
	}
	assert.Equal(t, MaxConsecutiveFailures, rec.count())
	sub, _ := store.Get(ctx, "wh_1")
	assert.False(t, sub.Active)
}

func TestNotify_SinkReceivesEverything(t *testing.T) {
	srv, rec := newReceiver(t, http.StatusNoContent)
	d := newTestDispatcher(nil, WithSink(srv.URL, "ops"))
	ctx := context.Background()

	require.NoError(t, d.Notify(ctx, "a", "escrow_funded", nil))
	require.NoError(t, d.Notify(ctx, "b", "escrow_cancelled", nil))
	assert.Equal(t, 2, rec.count())
	assert.NotEmpty(t, rec.requests[0].Header.Get(HeaderSignature))
}

func TestNotify_BlockedURLCountsAsFailure(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{ID: "wh_1", UserID: "u", URL: "http://127.0.0.1:9/hook", Active: true}))
	d := NewDispatcher(store, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	err := d.Notify(ctx, "u", "escrow_funded", nil)
	assert.ErrorIs(t, err, ErrInvalidURL)
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url string
		ok  bool
	}{
		{"https://hooks.example.com/escrow", true},
		{"http://example.org:8080/x", true},
		{"ftp://example.com", false},
		{"https://localhost/x", false},
		{"http://127.0.0.1/x", false},
		{"http://10.0.0.5/x", false},
		{"http://192.168.1.1/x", false},
		{"http://169.254.169.254/latest", false},
		{"http://[::1]/x", false},
		{"not a url", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidURL)
			}
		})
	}
}

func runStoreContract(t *testing.T, store Store) {
	ctx := context.Background()
	at := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, store.Create(ctx, &Subscription{
		ID: "wh_a", UserID: "alice", URL: "https://a.example.com", Secret: "x",
		Templates: []string{"escrow_funded"}, Active: true, CreatedAt: at,
	}))
	require.NoError(t, store.Create(ctx, &Subscription{
		ID: "wh_b", UserID: "alice", URL: "https://b.example.com", Secret: "y",
		Active: true, CreatedAt: at.Add(time.Second),
	}))

	got, err := store.Get(ctx, "wh_a")
	require.NoError(t, err)
	assert.Equal(t, []string{"escrow_funded"}, got.Templates)
	assert.Equal(t, "x", got.Secret)

	subs, err := store.GetByUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "wh_b", subs[0].ID)
	assert.Empty(t, subs[0].Templates)

	success := at.Add(time.Minute)
	got.LastSuccess = &success
	got.ConsecutiveFailures = 3
	got.LastError = "status 500"
	got.Active = false
	require.NoError(t, store.Update(ctx, got))

	got, err = store.Get(ctx, "wh_a")
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, 3, got.ConsecutiveFailures)
	require.NotNil(t, got.LastSuccess)
	assert.True(t, success.Equal(*got.LastSuccess))

	require.NoError(t, store.Delete(ctx, "wh_a"))
	_, err = store.Get(ctx, "wh_a")
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "wh_a"), ErrSubscriptionNotFound)
}

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestPostgresStore_Contract(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	runStoreContract(t, NewPostgresStore(db))
}

func setupRouter(t *testing.T) (*gin.Engine, *MemoryStore, map[string]string) {
	t.Helper()
	mgr := auth.NewManager(auth.NewMemoryStore())
	keys := map[string]string{}
	for _, u := range []string{"alice", "bob"} {
		raw, _, err := mgr.GenerateKey(context.Background(), u, auth.RoleMember, "test")
		require.NoError(t, err)
		keys[u] = raw
	}
	store := NewMemoryStore()
	r := gin.New()
	r.Use(auth.Middleware(mgr))
	NewHandler(store).RegisterRoutes(r.Group("/v1", auth.RequireAuth()))
	return r, store, keys
}

func call(r *gin.Engine, key, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestHandler_CreateListDelete(t *testing.T) {
	r, _, keys := setupRouter(t)

	w, body := call(r, keys["alice"], http.MethodPost, "/v1/webhooks",
		map[string]any{"url": "https://hooks.example.com/a", "templates": []string{"escrow_released"}})
	require.Equal(t, http.StatusCreated, w.Code, body)
	assert.Len(t, body["secret"], 64)
	id := body["webhook"].(map[string]any)["id"].(string)
	_, hasSecret := body["webhook"].(map[string]any)["secret"]
	assert.False(t, hasSecret)

	w, body = call(r, keys["alice"], http.MethodGet, "/v1/webhooks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["webhooks"], 1)

	w, _ = call(r, keys["bob"], http.MethodDelete, "/v1/webhooks/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "other users cannot delete")

	w, _ = call(r, keys["alice"], http.MethodDelete, "/v1/webhooks/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_RejectsPrivateURL(t *testing.T) {
	r, _, keys := setupRouter(t)

	w, body := call(r, keys["alice"], http.MethodPost, "/v1/webhooks", map[string]any{"url": "http://10.1.2.3/x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_url", body["error"])
}

func TestHandler_SubscriptionLimit(t *testing.T) {
	r, _, keys := setupRouter(t)

	for i := 0; i < maxSubscriptionsPerUser; i++ {
		w, _ := call(r, keys["bob"], http.MethodPost, "/v1/webhooks", map[string]any{"url": "https://hooks.example.com/b"})
		require.Equal(t, http.StatusCreated, w.Code)
	}
	w, _ := call(r, keys["bob"], http.MethodPost, "/v1/webhooks", map[string]any{"url": "https://hooks.example.com/b"})
	assert.Equal(t, http.StatusConflict, w.Code)
}
