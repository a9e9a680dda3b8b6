package httpx

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"multitenant-template/shared/logx"
)

func TestWithRequestIDSetsCorrelation(t *testing.T) {
	var body ErrorEnvelope
	h := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusForbidden, "FORBIDDEN", "no", nil)
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Correlation-ID", "corr-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.CorrelationID != "corr-1" || body.Error.RequestID == "" {
		t.Fatalf("unexpected ids: %+v", body.Error)
	}
	if rec.Header().Get("X-Correlation-ID") != "corr-1" || rec.Header().Get("X-Request-ID") != body.Error.RequestID {
		t.Fatalf("unexpected headers: %v", rec.Header())
	}
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}
	cases := map[string]bool{
		`{"name":"a"}`:           true,
		`{"name":"a","extra":1}`: false,
		`{"name":"a"} {}`:        false,
		`not json`:               false,
	}
	for in, ok := range cases {
		var p payload
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(in))
		err := DecodeJSON(httptest.NewRecorder(), r, &p)
		if (err == nil) != ok {
			t.Fatalf("DecodeJSON(%q) err=%v, want ok=%v", in, err, ok)
		}
	}
}

func TestAnnotateOutsideRequestLogIsNoop(t *testing.T) {
	Annotate(httptest.NewRequest(http.MethodGet, "/", nil).Context(), slog.String("k", "v"))
}

func TestWithTimeoutWritesGatewayTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h := WithTimeout(20*time.Millisecond, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rec.Code)
	}
}

func TestWithRecover(t *testing.T) {
	h := WithRecover(logx.New("httpx-test", "test", "", "error"), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("INTERNAL_ERROR")) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}
