package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumatch/pushgate/internal/breaker"
	"github.com/lumatch/pushgate/internal/db"
	"github.com/lumatch/pushgate/internal/vapid"
)

type fakeStore struct {
	mu          sync.Mutex
	subs        []*db.PushSubscription
	listCalls   int
	deleteCalls [][]uuid.UUID
	listErr     error
	deleteErr   error
}

func (s *fakeStore) ListByRecipient(ctx context.Context, recipientID string) ([]*db.PushSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.subs, nil
}

func (s *fakeStore) DeleteByIDs(ctx context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteCalls = append(s.deleteCalls, ids)
	return s.deleteErr
}

func testKeys(t *testing.T) *vapid.KeyMaterial {
	t.Helper()
	pub, priv, err := vapid.GenerateKeys()
	if err != nil {
		t.Fatalf("generate vapid keys: %v", err)
	}
	km, err := vapid.LoadKeys(pub, priv, "mailto:ops@example.com")
	if err != nil {
		t.Fatalf("load vapid keys: %v", err)
	}
	return km
}

func makeSub(t *testing.T, endpoint string) *db.PushSubscription {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate subscription key: %v", err)
	}
	authSecret := make([]byte, 16)
	if _, err := rand.Read(authSecret); err != nil {
		t.Fatalf("generate auth secret: %v", err)
	}
	return &db.PushSubscription{
		ID:          uuid.New(),
		RecipientID: "user-1",
		Endpoint:    endpoint,
		P256dh:      base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
		Auth:        base64.RawURLEncoding.EncodeToString(authSecret),
	}
}

func newTestDispatcher(keys *vapid.KeyMaterial, store Store) *Dispatcher {
	return NewDispatcher(keys, store, nil, Config{SendTimeout: 200 * time.Millisecond}, zap.NewNop())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		want   Outcome
	}{
		{200, OutcomeDelivered},
		{201, OutcomeDelivered},
		{404, OutcomeExpired},
		{410, OutcomeExpired},
		{429, OutcomeTransient},
		{500, OutcomeTransient},
		{502, OutcomeTransient},
	}

	for _, tt := range tests {
		if got := classify(tt.status); got != tt.want {
			t.Errorf("classify(%d) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestDeliver_NotConfigured(t *testing.T) {
	store := &fakeStore{}
	d := newTestDispatcher(nil, store)

	_, err := d.Deliver(context.Background(), "user-1", &Notification{Title: "Hi"})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if store.listCalls != 0 {
		t.Error("store should not be touched when push is not configured")
	}
}

func TestDeliver_ZeroSubscriptions(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))
	defer srv.Close()

	store := &fakeStore{}
	d := newTestDispatcher(testKeys(t), store)

	result, err := d.Deliver(context.Background(), "user-1", &Notification{Title: "Hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Sent != 0 || result.Cleaned != 0 {
		t.Errorf("expected zero result, got %+v", result)
	}
	if requests != 0 {
		t.Error("no network calls should be made for zero subscriptions")
	}
}

func TestDeliver_MissingTitle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	store := &fakeStore{subs: []*db.PushSubscription{makeSub(t, srv.URL)}}
	d := newTestDispatcher(testKeys(t), store)

	if _, err := d.Deliver(context.Background(), "user-1", &Notification{}); !errors.Is(err, ErrMissingTitle) {
		t.Fatalf("expected ErrMissingTitle, got %v", err)
	}
}

func TestDeliver_WireFormat(t *testing.T) {
	var (
		mu      sync.Mutex
		gotReq  *http.Request
		bodyLen int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotReq = r.Clone(context.Background())
		buf := make([]byte, 4096)
		n, _ := r.Body.Read(buf)
		bodyLen = n
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	store := &fakeStore{subs: []*db.PushSubscription{makeSub(t, srv.URL+"/send/abc")}}
	keys := testKeys(t)
	d := NewDispatcher(keys, store, nil, Config{TTL: 3600, SendTimeout: time.Second}, zap.NewNop())

	result, err := d.Deliver(context.Background(), "user-1", &Notification{Title: "Hi", Body: "there"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Sent != 1 {
		t.Fatalf("expected 1 sent, got %d", result.Sent)
	}

	mu.Lock()
	defer mu.Unlock()

	if auth := gotReq.Header.Get("Authorization"); !strings.HasPrefix(auth, "vapid t=") || !strings.Contains(auth, ",k="+keys.PublicKey()) {
		t.Errorf("bad Authorization header: %s", auth)
	}
	if ct := gotReq.Header.Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("Content-Type = %s", ct)
	}
	if ce := gotReq.Header.Get("Content-Encoding"); ce != "aesgcm" {
		t.Errorf("Content-Encoding = %s", ce)
	}
	if ttl := gotReq.Header.Get("TTL"); ttl != "3600" {
		t.Errorf("TTL = %s", ttl)
	}
	if urgency := gotReq.Header.Get("Urgency"); urgency != "normal" {
		t.Errorf("Urgency = %s", urgency)
	}

	salt := strings.TrimPrefix(gotReq.Header.Get("Encryption"), "salt=")
	saltBytes, err := base64.RawURLEncoding.DecodeString(salt)
	if err != nil || len(saltBytes) != 16 {
		t.Errorf("Encryption header salt invalid: %q", salt)
	}

	dh := strings.TrimPrefix(gotReq.Header.Get("Crypto-Key"), "dh=")
	dhBytes, err := base64.RawURLEncoding.DecodeString(dh)
	if err != nil || len(dhBytes) != 65 {
		t.Errorf("Crypto-Key header dh invalid: %q", dh)
	}

	// 2-byte pad prefix + JSON payload + 16-byte GCM tag.
	if bodyLen <= 18 {
		t.Errorf("encrypted body suspiciously small: %d bytes", bodyLen)
	}
}

func TestDeliver_MixedOutcomes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(http.StatusCreated)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	goneSub := makeSub(t, srv.URL+"/gone")
	store := &fakeStore{subs: []*db.PushSubscription{
		makeSub(t, srv.URL+"/ok"),
		goneSub,
		makeSub(t, srv.URL+"/slow"),
	}}
	d := newTestDispatcher(testKeys(t), store)

	result, err := d.Deliver(context.Background(), "user-1", &Notification{Title: "Hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Sent != 1 {
		t.Errorf("sent = %d, want 1", result.Sent)
	}
	if result.Cleaned != 1 {
		t.Errorf("cleaned = %d, want 1", result.Cleaned)
	}

	if len(store.deleteCalls) != 1 {
		t.Fatalf("expected exactly one delete call, got %d", len(store.deleteCalls))
	}
	if len(store.deleteCalls[0]) != 1 || store.deleteCalls[0][0] != goneSub.ID {
		t.Errorf("delete call should contain exactly the gone subscription id, got %v", store.deleteCalls[0])
	}
}

func TestDeliver_CleanupExactness(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	gone1 := makeSub(t, srv.URL+"/gone")
	gone2 := makeSub(t, srv.URL+"/gone")
	store := &fakeStore{subs: []*db.PushSubscription{
		makeSub(t, srv.URL+"/ok"),
		gone1,
		makeSub(t, srv.URL+"/ok"),
		gone2,
		makeSub(t, srv.URL+"/ok"),
	}}
	d := newTestDispatcher(testKeys(t), store)

	result, err := d.Deliver(context.Background(), "user-1", &Notification{Title: "Hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Sent != 3 || result.Cleaned != 2 {
		t.Errorf("result = %+v, want sent 3 cleaned 2", result)
	}

	if len(store.deleteCalls) != 1 {
		t.Fatalf("expected exactly one delete call, got %d", len(store.deleteCalls))
	}

	deleted := map[uuid.UUID]bool{}
	for _, id := range store.deleteCalls[0] {
		deleted[id] = true
	}
	if len(deleted) != 2 || !deleted[gone1.ID] || !deleted[gone2.ID] {
		t.Errorf("delete call should contain exactly the two gone ids, got %v", store.deleteCalls[0])
	}
}

func TestDeliver_CleanupFailureIsNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	store := &fakeStore{
		subs:      []*db.PushSubscription{makeSub(t, srv.URL)},
		deleteErr: errors.New("db down"),
	}
	d := newTestDispatcher(testKeys(t), store)

	result, err := d.Deliver(context.Background(), "user-1", &Notification{Title: "Hi"})
	if err != nil {
		t.Fatalf("cleanup failure must not fail the dispatch: %v", err)
	}
	if result.Cleaned != 0 {
		t.Errorf("cleaned should be 0 when delete fails, got %d", result.Cleaned)
	}
}

func TestDeliver_StoreError(t *testing.T) {
	store := &fakeStore{listErr: errors.New("db down")}
	d := newTestDispatcher(testKeys(t), store)

	if _, err := d.Deliver(context.Background(), "user-1", &Notification{Title: "Hi"}); err == nil {
		t.Fatal("expected error when the store is unavailable")
	}
}

func TestDeliver_BadSubscriptionKeysDoNotAbortBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	broken := makeSub(t, srv.URL)
	broken.P256dh = "not-a-key"

	store := &fakeStore{subs: []*db.PushSubscription{broken, makeSub(t, srv.URL)}}
	d := newTestDispatcher(testKeys(t), store)

	result, err := d.Deliver(context.Background(), "user-1", &Notification{Title: "Hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Sent != 1 {
		t.Errorf("healthy subscription should still be delivered, sent = %d", result.Sent)
	}
	if len(store.deleteCalls) != 0 {
		t.Error("transient failures must not trigger cleanup")
	}
}

func TestDeliver_BreakerSkipsDeadHost(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := &fakeStore{subs: []*db.PushSubscription{makeSub(t, srv.URL)}}
	breakers := breaker.New(breaker.Config{MaxFailures: 1, RecoveryTimeout: time.Minute}, zap.NewNop())
	d := NewDispatcher(testKeys(t), store, breakers, Config{SendTimeout: time.Second}, zap.NewNop())

	// First dispatch hits the host and trips the breaker.
	if _, err := d.Deliver(context.Background(), "user-1", &Notification{Title: "Hi"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if requests != 1 {
		t.Fatalf("expected 1 request, got %d", requests)
	}

	// Second dispatch fails fast without touching the network.
	result, err := d.Deliver(context.Background(), "user-1", &Notification{Title: "Hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if requests != 1 {
		t.Errorf("open breaker should prevent network calls, got %d requests", requests)
	}
	if result.Sent != 0 {
		t.Errorf("sent = %d, want 0", result.Sent)
	}
}
