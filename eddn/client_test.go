package eddn

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func testPayload(t *testing.T) *Payload {
	t.Helper()
	event := decodeEvent(t, `{"event":"FSDJump","StarSystem":"Sol","StarPos":[0,0,0],"timestamp":"2024-01-01T00:00:00.123Z"}`)
	payload, err := BuildPayload(event, GameState{Commander: "Nova"}, testSoftware)
	if err != nil {
		t.Fatal(err)
	}
	return payload
}

func TestClientUploadGzip(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") != "gzip" {
			t.Errorf("expected gzip encoding, got %q", r.Header.Get("Content-Encoding"))
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected JSON content type, got %q", r.Header.Get("Content-Type"))
		}
		reader, err := gzip.NewReader(r.Body)
		if err != nil {
			t.Errorf("body is not gzip: %v", err)
			return
		}
		if err := json.NewDecoder(reader).Decode(&received); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, 0, MustValidator())
	if err := client.Upload(context.Background(), testPayload(t)); err != nil {
		t.Fatal(err)
	}

	message := received["message"].(map[string]any)
	if message["timestamp"] != "2024-01-01T00:00:00Z" {
		t.Errorf("expected normalized timestamp on the wire, got %v", message["timestamp"])
	}
	if received["$schemaRef"] != SchemaRef {
		t.Errorf("expected schema ref, got %v", received["$schemaRef"])
	}
}

func TestClientUploadPlain(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") != "" {
			t.Errorf("expected no content encoding, got %q", r.Header.Get("Content-Encoding"))
		}
		body, _ := io.ReadAll(r.Body)
		if !json.Valid(body) {
			t.Errorf("expected plain JSON body, got %q", body)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, 0, nil)
	client.Gzip = false
	if err := client.Upload(context.Background(), testPayload(t)); err != nil {
		t.Fatal(err)
	}
}

func TestClientUploadRejected(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "FAIL: schema mismatch", http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewClient(server.URL, 0, nil)
	err := client.Upload(context.Background(), testPayload(t))
	if !errors.Is(err, ErrRejected) {
		t.Errorf("expected ErrRejected, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected exactly one attempt, got %d", calls.Load())
	}
}

func TestClientSkipsNetworkForInvalidPayload(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	payload := testPayload(t)
	payload.Message["StarPos"] = []any{1.0}

	client := NewClient(server.URL, 0, MustValidator())
	if err := client.Upload(context.Background(), payload); !errors.Is(err, ErrSchemaViolation) {
		t.Errorf("expected ErrSchemaViolation, got %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("expected no network call, got %d", calls.Load())
	}
}
