package chunkworker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/Arke-Institute/arke-ocr-service/internal/casstore"
	"github.com/Arke-Institute/arke-ocr-service/internal/ocrclient"
	"github.com/Arke-Institute/arke-ocr-service/internal/store"
)

func openTestWorker(t *testing.T) (*Worker, *store.DB) {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, filepath.Join(t.TempDir(), "chunk.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.InitState(ctx, "batch-1", "chunk-1"); err != nil {
		t.Fatalf("InitState() error = %v", err)
	}
	if err := db.InsertPI(ctx, "pi-1"); err != nil {
		t.Fatalf("InsertPI() error = %v", err)
	}

	w := newWorker("batch-1", "chunk-1", db, WorkerConfig{}, func(cleaned bool) {})
	return w, db
}

// newTestCAS points a Worker's CAS collaborator at an httptest server that
// just echoes back an incrementing CID for every upload.
func newTestCAS(t *testing.T) *casstore.Client {
	t.Helper()
	n := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n++
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(casstore.UploadResult{CID: fmt.Sprintf("cid-%d", n), Size: 1})
	}))
	t.Cleanup(srv.Close)
	return casstore.New(srv.URL, nil)
}

// newTestOCR returns an OCR client pointed at an httptest server
// impersonating the chat-completions endpoint the openai-go SDK targets.
func newTestOCR(t *testing.T, handler http.HandlerFunc) *ocrclient.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return ocrclient.New(ocrclient.Config{APIKey: "test-key", BaseURL: srv.URL})
}

func chatCompletionResponse(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "gpt-4o",
		"choices": []map[string]any{
			{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": text,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     10,
			"completion_tokens": 5,
			"total_tokens":      15,
		},
	})
}

// TestProcessOneRefSkipRoundTrip covers P8: a ref whose cached document
// already carries ocr text is re-uploaded unchanged and marked skipped
// with ocr_text_length matching the existing text, never calling the OCR
// provider.
func TestProcessOneRefSkipRoundTrip(t *testing.T) {
	w, _ := openTestWorker(t)
	w.cas = newTestCAS(t)
	w.ocr = newTestOCR(t, func(rw http.ResponseWriter, r *http.Request) {
		t.Fatal("OCR provider should not be called for a ref that already has ocr text")
	})

	ref := store.Ref{
		ID:          1,
		Filename:    "a.ref.json",
		CDNUrl:      "https://cdn.example/asset/abc123",
		RefDataJSON: `{"url":"https://cdn.example/asset/abc123","ocr":"existing text"}`,
	}

	outcome := w.processOneRef(context.Background(), ref)
	if outcome.kind != outcomeSkipped {
		t.Fatalf("outcome.kind = %v, want outcomeSkipped", outcome.kind)
	}
	if outcome.textLength != len("existing text") {
		t.Fatalf("outcome.textLength = %d, want %d", outcome.textLength, len("existing text"))
	}
	if outcome.resultCID == "" {
		t.Fatal("outcome.resultCID is empty, want a CID from the re-upload")
	}
}

// TestProcessOneRefDone covers the success path: a fresh OCR call, no
// fallback needed, and the ref document re-uploaded with ocr populated.
func TestProcessOneRefDone(t *testing.T) {
	w, _ := openTestWorker(t)
	w.cas = newTestCAS(t)
	w.ocr = newTestOCR(t, func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Fatalf("unexpected OCR call path: %s", r.URL.Path)
		}
		chatCompletionResponse(rw, "extracted text")
	})

	ref := store.Ref{
		ID:          1,
		Filename:    "a.ref.json",
		CDNUrl:      "https://cdn.example/asset/abc123",
		RefDataJSON: `{"url":"https://cdn.example/asset/abc123"}`,
	}

	outcome := w.processOneRef(context.Background(), ref)
	if outcome.kind != outcomeDone {
		t.Fatalf("outcome.kind = %v, want outcomeDone", outcome.kind)
	}
	if outcome.textLength != len("extracted text") {
		t.Fatalf("outcome.textLength = %d, want %d", outcome.textLength, len("extracted text"))
	}
}

// TestProcessOneRefFallback covers the variant fallback rule: a 400
// "failed to download" on the /medium variant retries against the
// unscaled URL before giving up.
func TestProcessOneRefFallback(t *testing.T) {
	w, _ := openTestWorker(t)
	w.cas = newTestCAS(t)

	var gotPaths []string
	w.ocr = newTestOCR(t, func(rw http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		gotPaths = append(gotPaths, "call")
		if len(gotPaths) == 1 {
			rw.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(rw).Encode(map[string]any{
				"error": map[string]any{"message": "failed to download image"},
			})
			return
		}
		chatCompletionResponse(rw, "fallback text")
	})

	ref := store.Ref{
		ID:          1,
		Filename:    "a.ref.json",
		CDNUrl:      "https://cdn.example/asset/abc123",
		RefDataJSON: `{"url":"https://cdn.example/asset/abc123"}`,
	}

	outcome := w.processOneRef(context.Background(), ref)
	if outcome.kind != outcomeDone {
		t.Fatalf("outcome.kind = %v, want outcomeDone (after fallback)", outcome.kind)
	}
	if len(gotPaths) != 2 {
		t.Fatalf("OCR called %d times, want 2 (primary + fallback)", len(gotPaths))
	}
}

// TestProcessOneRefPermanent covers P4 (permanent is terminal): a provider
// error naming an unsupported image shape classifies as permanent, never
// transient.
func TestProcessOneRefPermanent(t *testing.T) {
	w, _ := openTestWorker(t)
	w.cas = newTestCAS(t)
	w.ocr = newTestOCR(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(map[string]any{
			"error": map[string]any{"message": "invalid image format"},
		})
	})

	ref := store.Ref{
		ID:          1,
		Filename:    "a.ref.json",
		CDNUrl:      "https://cdn.example/asset/abc123",
		RefDataJSON: `{"url":"https://cdn.example/asset/abc123"}`,
	}

	outcome := w.processOneRef(context.Background(), ref)
	if outcome.kind != outcomePermanent {
		t.Fatalf("outcome.kind = %v, want outcomePermanent", outcome.kind)
	}
}

// TestRunProcessEndToEnd drives runProcess against a store-backed set of
// refs and checks P1 (counter conservation) and the phase transition into
// publishing once the queue drains.
func TestRunProcessEndToEnd(t *testing.T) {
	ctx := context.Background()
	w, db := openTestWorker(t)
	w.cfg.MaxParallel = 10
	w.cfg.MaxRetriesPerRef = 3
	w.cas = newTestCAS(t)
	w.ocr = newTestOCR(t, func(rw http.ResponseWriter, r *http.Request) {
		chatCompletionResponse(rw, "ocr'd")
	})

	if err := db.InsertRef(ctx, "pi-1", "a.ref.json", "https://cdn.example/asset/aaa", "orig-a", `{"url":"https://cdn.example/asset/aaa"}`); err != nil {
		t.Fatalf("InsertRef() error = %v", err)
	}
	if err := db.InsertRef(ctx, "pi-1", "b.ref.json", "https://cdn.example/asset/bbb", "orig-b", `{"url":"https://cdn.example/asset/bbb","ocr":"cached"}`); err != nil {
		t.Fatalf("InsertRef() error = %v", err)
	}
	if err := db.SetTotalRefs(ctx, 2); err != nil {
		t.Fatalf("SetTotalRefs() error = %v", err)
	}

	if _, _, err := w.runProcess(ctx); err != nil {
		t.Fatalf("runProcess() error = %v", err)
	}

	counts, err := db.CountsByStatus(ctx)
	if err != nil {
		t.Fatalf("CountsByStatus() error = %v", err)
	}
	total := counts[store.RefPending] + counts[store.RefProcessing] + counts[store.RefDone] + counts[store.RefSkipped] + counts[store.RefError]
	if total != 2 {
		t.Fatalf("ref counts sum to %d, want 2 (counts=%v)", total, counts)
	}
	if counts[store.RefDone] != 1 || counts[store.RefSkipped] != 1 {
		t.Fatalf("counts = %v, want 1 done + 1 skipped", counts)
	}

	// The queue is now empty; one more fire should advance to publishing.
	if _, _, err := w.runProcess(ctx); err != nil {
		t.Fatalf("second runProcess() error = %v", err)
	}
	state, err := db.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.Phase != store.PhasePublishing {
		t.Fatalf("phase = %v, want %v", state.Phase, store.PhasePublishing)
	}
}
