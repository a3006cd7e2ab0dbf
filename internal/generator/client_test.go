package generator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"talewise/api/internal/rules"
	"talewise/api/internal/store"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, retries int) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(nil, Options{BaseURL: srv.URL + "/", APIKey: "secret", MaxRetries: retries, InitialBackoff: time.Millisecond})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(nil, Options{}); err == nil {
		t.Fatal("expected error for empty base url")
	}
}

func TestGenerateSendsContractAndBrief(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/drafts" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req DraftRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Contract.LengthBudget.MaxWords != 450 || req.Brief.TopicKey != "storms" {
			t.Errorf("unexpected payload %+v", req)
		}
		_ = json.NewEncoder(w).Encode(DraftResult{
			Title: "Brave in the Storm",
			Pages: []store.Page{{PageNumber: 1, Text: "Thunder."}, {PageNumber: 2, Text: "Breathe."}},
		})
	}, 0)

	result, err := client.Generate(context.Background(), DraftRequest{
		Contract: rules.Contract{LengthBudget: rules.LengthBudget{MaxWords: 450}},
		Brief:    rules.Brief{TopicKey: "storms"},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if result.Title != "Brave in the Storm" || len(result.Pages) != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestGenerateRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(DraftResult{Pages: []store.Page{{PageNumber: 1, Text: "ok"}}})
	}, 2)

	if _, err := client.Generate(context.Background(), DraftRequest{}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestGenerateDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad contract", http.StatusBadRequest)
	}, 3)

	_, err := client.Generate(context.Background(), DraftRequest{})
	var httpErr *httpError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected http 400 error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestGenerateRejectsMalformedPages(t *testing.T) {
	tests := []struct {
		name  string
		pages []store.Page
	}{
		{"no pages", nil},
		{"gap in numbering", []store.Page{{PageNumber: 1, Text: "a"}, {PageNumber: 3, Text: "b"}}},
		{"empty text", []store.Page{{PageNumber: 1, Text: "  "}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(DraftResult{Pages: tt.pages})
			}, 0)
			if _, err := client.Generate(context.Background(), DraftRequest{}); !errors.Is(err, ErrMalformedResult) {
				t.Fatalf("expected ErrMalformedResult, got %v", err)
			}
		})
	}
}

func TestGenerateHonoursContextDeadline(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, 5)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := client.Generate(ctx, DraftRequest{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("retries must stop once the caller's deadline passes")
	}
}

func TestProposeRevision(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req RevisionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) != 1 || req.Messages[0].Role != "specialist" {
			t.Errorf("unexpected messages %+v", req.Messages)
		}
		_ = json.NewEncoder(w).Encode(RevisionResult{PageNumber: 2, SuggestedText: "Softer page two.", Rationale: "gentler tone"})
	}, 0)

	result, err := client.ProposeRevision(context.Background(), RevisionRequest{
		Pages:    []store.Page{{PageNumber: 1, Text: "one"}, {PageNumber: 2, Text: "two"}},
		Messages: []ChatMessage{{Role: "specialist", Content: "make page 2 gentler"}},
	})
	if err != nil {
		t.Fatalf("ProposeRevision: %v", err)
	}
	if result.PageNumber != 2 || result.Rationale != "gentler tone" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestProposeRevisionRejectsUnknownPage(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(RevisionResult{PageNumber: 9, SuggestedText: "x"})
	}, 0)
	_, err := client.ProposeRevision(context.Background(), RevisionRequest{Pages: []store.Page{{PageNumber: 1, Text: "one"}}})
	if !errors.Is(err, ErrMalformedResult) {
		t.Fatalf("expected ErrMalformedResult, got %v", err)
	}
}
