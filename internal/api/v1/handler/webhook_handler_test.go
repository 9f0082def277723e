package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pubsub-webhook/internal/archive"
	"pubsub-webhook/internal/middleware"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

type fakePublisher struct {
	payload   []byte
	published bool
	calls     int
	id        string
	err       error
	block     bool
}

func (f *fakePublisher) Publish(ctx context.Context, payload []byte) (string, error) {
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	f.published = true
	f.calls++
	f.payload = append([]byte(nil), payload...)
	if f.err != nil {
		return "", f.err
	}
	return f.id, nil
}

func newTestHandler(pub *fakePublisher) *WebhookHandler {
	return NewWebhookHandler(pub, "projects/test-project/topics/test-topic", 5*time.Second, nil, zerolog.Nop())
}

// newAllowlistedMux registers the handler the same way the router does, with
// the allowlist middleware in the chain.
func newAllowlistedMux(pub *fakePublisher, ranges string) *http.ServeMux {
	h := newTestHandler(pub)
	mux := http.NewServeMux()
	prefixes := middleware.ParseRanges(ranges, zerolog.Nop())
	h.RegisterRoutes(mux, middleware.IPAllowlist(prefixes, zerolog.Nop()))
	return mux
}

func TestRegisterRoutes_MethodCheckPrecedesAllowlist(t *testing.T) {
	pub := &fakePublisher{id: "1"}
	mux := newAllowlistedMux(pub, "10.0.0.0/8")

	// Neither inside the range nor parseable clients change the answer for
	// a wrong method.
	for _, remote := range []string{"192.168.1.50:1234", "10.0.0.1:1234", "not-an-ip"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		w := httptest.NewRecorder()

		mux.ServeHTTP(w, req)

		res := w.Result()
		res.Body.Close()
		if res.StatusCode != http.StatusMethodNotAllowed {
			t.Fatalf("%s: expected status %d for non-POST, got %d", remote, http.StatusMethodNotAllowed, res.StatusCode)
		}
	}
	if pub.published {
		t.Fatal("publisher must not be called for rejected methods")
	}
}

func TestRegisterRoutes_AllowedPostForwards(t *testing.T) {
	pub := &fakePublisher{id: "msg-1"}
	mux := newAllowlistedMux(pub, "10.0.0.0/8")

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("payload"))
	req.RemoteAddr = "10.1.2.3:9999"
	w := httptest.NewRecorder()

	mux.ServeHTTP(w, req)

	res := w.Result()
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, res.StatusCode)
	}
	if got := w.Body.String(); got != "OK" {
		t.Fatalf("expected body OK, got %q", got)
	}
	if string(pub.payload) != "payload" {
		t.Fatalf("unexpected published payload %q", pub.payload)
	}
}

func TestRegisterRoutes_DisallowedPostForbidden(t *testing.T) {
	pub := &fakePublisher{id: "1"}
	mux := newAllowlistedMux(pub, "10.0.0.0/8")

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("payload"))
	req.RemoteAddr = "192.168.1.50:1234"
	w := httptest.NewRecorder()

	mux.ServeHTTP(w, req)

	res := w.Result()
	res.Body.Close()
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected status %d, got %d", http.StatusForbidden, res.StatusCode)
	}
	if pub.published {
		t.Fatal("publisher must not be called for rejected clients")
	}
}

func TestReceive_MethodNotAllowed(t *testing.T) {
	pub := &fakePublisher{id: "1"}
	h := newTestHandler(pub)

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodHead} {
		req := httptest.NewRequest(method, "/", nil)
		w := httptest.NewRecorder()

		h.Receive(w, req)

		res := w.Result()
		res.Body.Close()
		if res.StatusCode != http.StatusMethodNotAllowed {
			t.Fatalf("%s: expected status %d, got %d", method, http.StatusMethodNotAllowed, res.StatusCode)
		}
	}
	if pub.published {
		t.Fatal("publisher must not be called for rejected methods")
	}
}

func TestReceive_ChallengeEcho(t *testing.T) {
	pub := &fakePublisher{id: "1"}
	h := newTestHandler(pub)

	body := `{"challenge":"abc","type":"url_verification","token":"t0k3n"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	w := httptest.NewRecorder()

	h.Receive(w, req)

	res := w.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected JSON content type, got %q", ct)
	}

	var echoed map[string]any
	if err := json.NewDecoder(res.Body).Decode(&echoed); err != nil {
		t.Fatalf("failed to decode echo body: %v", err)
	}
	var sent map[string]any
	if err := json.Unmarshal([]byte(body), &sent); err != nil {
		t.Fatalf("failed to decode input: %v", err)
	}
	if len(echoed) != len(sent) {
		t.Fatalf("echo must return the full parsed JSON, got %+v", echoed)
	}
	for k, v := range sent {
		if echoed[k] != v {
			t.Fatalf("echo field %q: expected %v, got %v", k, v, echoed[k])
		}
	}
	if pub.published {
		t.Fatal("challenge requests must not reach the queue")
	}
}

func TestReceive_FalsyChallengeIsForwarded(t *testing.T) {
	for _, body := range []string{
		`{"challenge":""}`,
		`{"challenge":null}`,
		`{"challenge":false}`,
		`{"challenge":0}`,
		`{"challenge":[]}`,
		`{"challenge":{}}`,
		`{"event":"push"}`,
	} {
		pub := &fakePublisher{id: "1"}
		h := newTestHandler(pub)

		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		w := httptest.NewRecorder()

		h.Receive(w, req)

		res := w.Result()
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s: expected status %d, got %d", body, http.StatusOK, res.StatusCode)
		}
		if !pub.published {
			t.Fatalf("%s: expected payload to be forwarded", body)
		}
		if string(pub.payload) != body {
			t.Fatalf("%s: forwarded payload mutated: %q", body, pub.payload)
		}
	}
}

func TestReceive_NonEmptyCompositeChallengeEchoes(t *testing.T) {
	pub := &fakePublisher{id: "1"}
	h := newTestHandler(pub)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"challenge":["abc"]}`))
	w := httptest.NewRecorder()

	h.Receive(w, req)

	res := w.Result()
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected JSON content type, got %q", ct)
	}
	if pub.published {
		t.Fatal("challenge requests must not reach the queue")
	}
}

func TestReceive_ForwardsRawBody(t *testing.T) {
	pub := &fakePublisher{id: "msg-42"}
	h := newTestHandler(pub)

	payload := []byte{0x00, 0x01, 'h', 'i', 0xff, '\n'}
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(payload))
	w := httptest.NewRecorder()

	h.Receive(w, req)

	res := w.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, res.StatusCode)
	}
	if got := w.Body.String(); got != "OK" {
		t.Fatalf("expected body OK, got %q", got)
	}
	if !bytes.Equal(pub.payload, payload) {
		t.Fatalf("published payload differs from request body: %v vs %v", pub.payload, payload)
	}
}

type failingObjectStore struct {
	called chan struct{}
}

func (f *failingObjectStore) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	select {
	case f.called <- struct{}{}:
	default:
	}
	return nil, errors.New("bucket gone")
}

func TestReceive_ArchiveFailureDoesNotChangeResponse(t *testing.T) {
	pub := &fakePublisher{id: "msg-1"}
	store := &failingObjectStore{called: make(chan struct{}, 1)}
	archiver := archive.New(store, "webhook-audit", zerolog.Nop())
	h := NewWebhookHandler(pub, "projects/test-project/topics/test-topic", 5*time.Second, archiver, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("payload"))
	w := httptest.NewRecorder()

	h.Receive(w, req)

	res := w.Result()
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, res.StatusCode)
	}
	if got := w.Body.String(); got != "OK" {
		t.Fatalf("expected body OK, got %q", got)
	}
	if pub.calls != 1 {
		t.Fatalf("expected exactly one publish, got %d", pub.calls)
	}

	// The archive runs asynchronously; make sure it was attempted at all.
	select {
	case <-store.called:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the archiver to be invoked")
	}
}

func TestReceive_PublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("topic not found")}
	h := newTestHandler(pub)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("payload"))
	w := httptest.NewRecorder()

	h.Receive(w, req)

	res := w.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, res.StatusCode)
	}
	if got := strings.TrimSpace(w.Body.String()); got != "Failed to process webhook" {
		t.Fatalf("error details must not leak to the caller, got %q", got)
	}
}

func TestReceive_PublishTimeout(t *testing.T) {
	pub := &fakePublisher{block: true}
	h := NewWebhookHandler(pub, "projects/test-project/topics/test-topic", 50*time.Millisecond, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("payload"))
	w := httptest.NewRecorder()

	start := time.Now()
	h.Receive(w, req)
	elapsed := time.Since(start)

	res := w.Result()
	res.Body.Close()
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, res.StatusCode)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("publish wait was not bounded, took %s", elapsed)
	}
}

func TestReceive_MissingTopicConfig(t *testing.T) {
	pub := &fakePublisher{id: "1"}
	h := NewWebhookHandler(pub, "", 5*time.Second, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("payload"))
	w := httptest.NewRecorder()

	h.Receive(w, req)

	res := w.Result()
	res.Body.Close()
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, res.StatusCode)
	}
	if got := strings.TrimSpace(w.Body.String()); got != "Configuration error" {
		t.Fatalf("expected configuration error body, got %q", got)
	}
	if pub.published {
		t.Fatal("publisher must not be called without a topic")
	}
}
