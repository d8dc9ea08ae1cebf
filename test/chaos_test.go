package test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tummycrypt/tcfs/internal/objectstore"
)

// ToxicServer is a minimal S3-compatible backend that can inject faults,
// used to exercise the AWS SDK's own retry behavior underneath
// internal/objectstore without needing a real flaky network.
type ToxicServer struct {
	server *httptest.Server
	mu     sync.Mutex

	latency       time.Duration
	failCount     int
	failCode      int
	requestCount  int
	hangForever   bool
	totalRequests int32
}

func NewToxicServer() *ToxicServer {
	ts := &ToxicServer{}
	ts.server = httptest.NewServer(http.HandlerFunc(ts.handleRequest))
	return ts
}

func (ts *ToxicServer) Close() { ts.server.Close() }
func (ts *ToxicServer) URL() string { return ts.server.URL }

func (ts *ToxicServer) Reset() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.latency = 0
	ts.failCount = 0
	ts.failCode = 0
	ts.requestCount = 0
	ts.hangForever = false
	atomic.StoreInt32(&ts.totalRequests, 0)
}

func (ts *ToxicServer) SetBehavior(latency time.Duration, failCount, failCode int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.latency = latency
	ts.failCount = failCount
	ts.failCode = failCode
	ts.requestCount = 0
}

func (ts *ToxicServer) SetHang(hang bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.hangForever = hang
}

func (ts *ToxicServer) TotalRequests() int32 { return atomic.LoadInt32(&ts.totalRequests) }

func (ts *ToxicServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&ts.totalRequests, 1)

	ts.mu.Lock()
	latency := ts.latency
	shouldFail := ts.requestCount < ts.failCount
	failCode := ts.failCode
	hang := ts.hangForever
	if shouldFail {
		ts.requestCount++
	}
	ts.mu.Unlock()

	if hang {
		time.Sleep(30 * time.Second)
		return
	}
	if latency > 0 {
		time.Sleep(latency)
	}

	if shouldFail && failCode > 0 {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(failCode)
		code := "InternalError"
		if failCode == http.StatusServiceUnavailable || failCode == 429 {
			code = "SlowDown"
		}
		w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>` + code + `</Code><Message>injected fault</Message><RequestId>toxic-0</RequestId></Error>`))
		return
	}

	w.Header().Set("x-amz-request-id", "toxic-request-id")
	switch r.Method {
	case http.MethodPut:
		w.Header().Set("ETag", `"toxic-etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		w.Header().Set("ETag", `"toxic-etag"`)
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("toxic content"))
	case http.MethodHead:
		w.Header().Set("Content-Length", "13")
		w.WriteHeader(http.StatusOK)
	}
}

func toxicStore(t *testing.T, ctx context.Context, backend *ToxicServer) objectstore.Store {
	t.Helper()
	store, err := objectstore.New(ctx, objectstore.Config{
		Bucket:    "toxic-bucket",
		Region:    "us-east-1",
		Endpoint:  backend.URL(),
		AccessKey: "test-access",
		SecretKey: "test-secret",
		PathStyle: true,
	})
	if err != nil {
		t.Fatalf("building store against toxic backend: %v", err)
	}
	return store
}

func TestChaosTransientThrottlingSucceedsAfterRetries(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping chaos test in short mode")
	}
	backend := NewToxicServer()
	defer backend.Close()
	backend.SetBehavior(0, 2, 429)

	store := toxicStore(t, context.Background(), backend)
	if err := store.Write(context.Background(), "key1", []byte("data")); err != nil {
		t.Fatalf("expected write to succeed after SDK retries, got: %v", err)
	}
	if total := backend.TotalRequests(); total < 3 {
		t.Errorf("expected at least 3 requests to backend (2 failures + success), got %d", total)
	}
}

func TestChaosPersistentThrottlingEventuallyFails(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping chaos test in short mode")
	}
	backend := NewToxicServer()
	defer backend.Close()
	backend.SetBehavior(0, 50, 429) // fails far more times than the SDK's default retry budget

	store := toxicStore(t, context.Background(), backend)
	if err := store.Write(context.Background(), "key2", []byte("data")); err == nil {
		t.Error("expected write to fail against a persistently throttling backend")
	}
}

func TestChaosTransient500SucceedsAfterRetries(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping chaos test in short mode")
	}
	backend := NewToxicServer()
	defer backend.Close()
	backend.SetBehavior(0, 2, 500)

	store := toxicStore(t, context.Background(), backend)
	if _, err := store.Read(context.Background(), "key1"); err != nil {
		t.Fatalf("expected read to succeed after SDK retries, got: %v", err)
	}
	if total := backend.TotalRequests(); total < 3 {
		t.Errorf("expected retries, got %d requests", total)
	}
}

func TestChaosBackendHangTimesOut(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping chaos test in short mode")
	}
	backend := NewToxicServer()
	defer backend.Close()
	backend.SetHang(true)

	store := toxicStore(t, context.Background(), backend)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	_, err := store.Read(ctx, "key-hang")
	if err == nil {
		t.Error("expected an error when the backend hangs past the context deadline")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("expected the context deadline to cut the request short, took %v", elapsed)
	}
}
