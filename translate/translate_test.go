// Package translate contains tests for the batch translation pipeline.
package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/conversa-dev/conversa/cache"
	"github.com/conversa-dev/conversa/dataset"
)

// ---------------------------------------------------------------------------
// Mock API server
// ---------------------------------------------------------------------------

var promptLine = regexp.MustCompile(`(?m)^\d+\. (.*)$`)

// echoTranslator answers every batch with "EN(<source>)" per text, in
// request order, after an optional per-request delay chosen by delayFn.
func echoTranslator(t *testing.T, requests *atomic.Int64, delayFn func(n int64) time.Duration) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		if delayFn != nil {
			time.Sleep(delayFn(n))
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}

		matches := promptLine.FindAllStringSubmatch(req.Messages[0].Content, -1)
		translations := make([]string, len(matches))
		for i, m := range matches {
			translations[i] = "EN(" + m[1] + ")"
		}
		writeContent(w, translations)
	}
}

func writeContent(w http.ResponseWriter, translations []string) {
	arr, _ := json.Marshal(translations)
	resp := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": string(arr)}},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func newTestPipeline(t *testing.T, url string, opts Options) (*Pipeline, *cache.Cache) {
	t.Helper()
	c, err := cache.Load(filepath.Join(t.TempDir(), "cache.json"))
	if err != nil {
		t.Fatal(err)
	}
	client := NewClient(url, "test-key", "", "test-model", 0.3, 1000, 10*time.Second)
	return NewPipeline(client, c, opts), c
}

// ---------------------------------------------------------------------------
// Concrete end-to-end scenario
// ---------------------------------------------------------------------------

func TestTexts_ConcreteScenario(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeContent(w, []string{"Hi, all good?", "How much does it cost?"})
	}))
	defer srv.Close()

	p, c := newTestPipeline(t, srv.URL, Options{BatchSize: 2})

	got, err := p.Texts(context.Background(), []string{"Oi, tudo bem?", "Quanto custa?"})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	want := []string{"Hi, all good?", "How much does it cost?"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("output[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	// Both mappings must be cached afterwards.
	if v, ok := c.Get("Oi, tudo bem?"); !ok || v != "Hi, all good?" {
		t.Errorf("cache miss for first text, got %q ok=%v", v, ok)
	}
	if v, ok := c.Get("Quanto custa?"); !ok || v != "How much does it cost?" {
		t.Errorf("cache miss for second text, got %q ok=%v", v, ok)
	}
}

// ---------------------------------------------------------------------------
// Order preservation
// ---------------------------------------------------------------------------

func TestTexts_OrderPreservedUnderVariableLatency(t *testing.T) {
	var requests atomic.Int64
	// Early requests take longest, so completion order inverts dispatch order.
	srv := httptest.NewServer(echoTranslator(t, &requests, func(n int64) time.Duration {
		return time.Duration(50-n*10) * time.Millisecond
	}))
	defer srv.Close()

	texts := make([]string, 12)
	for i := range texts {
		texts[i] = fmt.Sprintf("texto %d", i)
	}

	p, _ := newTestPipeline(t, srv.URL, Options{BatchSize: 3, MaxConcurrent: 4, RequestsPerMinute: 100000})

	got, err := p.Texts(context.Background(), texts)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if len(got) != len(texts) {
		t.Fatalf("output length %d, want %d", len(got), len(texts))
	}
	for i, text := range texts {
		if got[i] != "EN("+text+")" {
			t.Errorf("output[%d] = %q, want %q", i, got[i], "EN("+text+")")
		}
	}
}

// ---------------------------------------------------------------------------
// Idempotence via cache
// ---------------------------------------------------------------------------

func TestTexts_FullyCachedIssuesNoRequests(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(echoTranslator(t, &requests, nil))
	defer srv.Close()

	texts := []string{"um", "dois", "três"}
	p, _ := newTestPipeline(t, srv.URL, Options{BatchSize: 2, RequestsPerMinute: 100000})

	first, err := p.Texts(context.Background(), texts)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	afterFirst := requests.Load()
	if afterFirst == 0 {
		t.Fatal("first run should hit the API")
	}

	second, err := p.Texts(context.Background(), texts)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if requests.Load() != afterFirst {
		t.Errorf("second run issued %d extra requests, want 0", requests.Load()-afterFirst)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("run outputs differ at %d: %q vs %q", i, first[i], second[i])
		}
	}

	sum := p.summary()
	if sum.Cached != len(texts) {
		t.Errorf("cached count = %d, want %d", sum.Cached, len(texts))
	}
}

// ---------------------------------------------------------------------------
// Retry, backoff, degradation
// ---------------------------------------------------------------------------

func TestTranslateWithRetry_RecoversAfterFailures(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			http.Error(w, "upstream exploded", http.StatusBadGateway)
			return
		}
		writeContent(w, []string{"Hello"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key", "", "test-model", 0.3, 1000, 10*time.Second)

	start := time.Now()
	outcome, err := client.translateWithRetry(context.Background(), []string{"Olá"}, 3)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if outcome.Degraded {
		t.Error("should not degrade after recovery")
	}
	if outcome.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", outcome.Attempts)
	}
	if outcome.Translations[0] != "Hello" {
		t.Errorf("translation = %q", outcome.Translations[0])
	}
	// One failure induces one 2^0 = 1s backoff before the retry.
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("elapsed %v, want >= 1s backoff", elapsed)
	}
}

func TestTranslateWithRetry_DegradesToSourceText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "permanently broken", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key", "", "test-model", 0.3, 1000, 10*time.Second)

	texts := []string{"Oi, tudo bem?", "Quanto custa?"}
	outcome, err := client.translateWithRetry(context.Background(), texts, 2)
	if err != nil {
		t.Fatalf("degradation must not surface an error, got %v", err)
	}
	if !outcome.Degraded {
		t.Fatal("want degraded outcome")
	}
	if outcome.Err == nil {
		t.Error("degraded outcome should carry the last failure")
	}
	for i, text := range texts {
		if outcome.Translations[i] != text {
			t.Errorf("fallback[%d] = %q, want source %q", i, outcome.Translations[i], text)
		}
	}
}

func TestTexts_DegradedBatchDoesNotAbortRun(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if strings.Contains(req.Messages[0].Content, "falha") {
			http.Error(w, "no luck", http.StatusInternalServerError)
			return
		}
		matches := promptLine.FindAllStringSubmatch(req.Messages[0].Content, -1)
		translations := make([]string, len(matches))
		for i, m := range matches {
			translations[i] = "EN(" + m[1] + ")"
		}
		writeContent(w, translations)
	}))
	defer srv.Close()

	p, c := newTestPipeline(t, srv.URL, Options{BatchSize: 1, MaxRetries: 1, RequestsPerMinute: 100000})

	got, err := p.Texts(context.Background(), []string{"bom dia", "falha aqui", "boa noite"})
	if err != nil {
		t.Fatalf("run aborted: %v", err)
	}
	if got[0] != "EN(bom dia)" || got[2] != "EN(boa noite)" {
		t.Errorf("healthy batches corrupted: %v", got)
	}
	if got[1] != "falha aqui" {
		t.Errorf("degraded slot = %q, want source text", got[1])
	}

	sum := p.summary()
	if sum.Degraded != 1 || sum.Translated != 2 {
		t.Errorf("summary = %+v", sum)
	}
	// Degraded values are never cached; the next run retries them.
	if _, ok := c.Get("falha aqui"); ok {
		t.Error("degraded value must not be cached")
	}
}

// ---------------------------------------------------------------------------
// Response content parsing
// ---------------------------------------------------------------------------

func TestParseTranslations(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected int
		want     []string
		wantErr  bool
	}{
		{"bare array", `["a", "b"]`, 2, []string{"a", "b"}, false},
		{"fenced", "```\n[\"a\", \"b\"]\n```", 2, []string{"a", "b"}, false},
		{"fenced with json tag", "```json\n[\"a\", \"b\"]\n```", 2, []string{"a", "b"}, false},
		{"prose around array", `Here you go: ["a", "b"] hope that helps!`, 2, []string{"a", "b"}, false},
		{"newlines inside array", "[\"a\",\n\"b\"]", 2, []string{"a", "b"}, false},
		{"wrong length", `["a"]`, 2, nil, true},
		{"too many", `["a", "b", "c"]`, 2, nil, true},
		{"not an array", `{"a": 1}`, 1, nil, true},
		{"not JSON at all", `I refuse to answer.`, 1, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTranslations(tt.content, tt.expected)
			if tt.wantErr {
				if err == nil {
					t.Errorf("want error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("got[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestCompleteBatch_LengthMismatchIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeContent(w, []string{"only one"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key", "", "test-model", 0.3, 1000, 10*time.Second)
	if _, err := client.completeBatch(context.Background(), []string{"um", "dois"}); err == nil {
		t.Error("short response must be a failure, not silently accepted")
	}
}

// ---------------------------------------------------------------------------
// Full pair pipeline
// ---------------------------------------------------------------------------

func TestTranslatePairs(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(echoTranslator(t, &requests, nil))
	defer srv.Close()

	pairs := []*dataset.QAPair{
		{ID: 1, QuestionPT: "Oi, tudo bem?", AnswerPT: "Tudo sim!", Context: "saudação"},
		{ID: 2, QuestionPT: "Quanto custa?", AnswerPT: "Dez reais.", Context: ""},
	}

	p, _ := newTestPipeline(t, srv.URL, Options{BatchSize: 10, RequestsPerMinute: 100000})

	sum, err := p.TranslatePairs(context.Background(), pairs)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}

	if pairs[0].QuestionEN != "EN(Oi, tudo bem?)" || pairs[0].AnswerEN != "EN(Tudo sim!)" {
		t.Errorf("pair 0 = %+v", pairs[0])
	}
	if pairs[0].ContextEN != "EN(saudação)" {
		t.Errorf("context_en = %q", pairs[0].ContextEN)
	}
	// Empty source context stays empty even though a placeholder was sent.
	if pairs[1].ContextEN != "" {
		t.Errorf("empty context became %q", pairs[1].ContextEN)
	}

	if sum.Degraded != 0 {
		t.Errorf("summary = %+v", sum)
	}
	// Three field passes, one batch each.
	if sum.Batches != 3 {
		t.Errorf("batches = %d, want 3", sum.Batches)
	}
}

func TestTranslatePairs_PlaceholderHitsNotCountedAsCached(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(echoTranslator(t, &requests, nil))
	defer srv.Close()

	pairs := []*dataset.QAPair{
		{ID: 1, QuestionPT: "Oi, tudo bem?", AnswerPT: "Tudo sim!", Context: ""},
		{ID: 2, QuestionPT: "Quanto custa?", AnswerPT: "Dez reais.", Context: ""},
	}

	c, err := cache.Load(filepath.Join(t.TempDir(), "cache.json"))
	if err != nil {
		t.Fatal(err)
	}
	client := NewClient(srv.URL, "test-key", "", "test-model", 0.3, 1000, 10*time.Second)
	opts := Options{BatchSize: 10, RequestsPerMinute: 100000}

	if _, err := NewPipeline(client, c, opts).TranslatePairs(context.Background(), pairs); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Second run over the same cache: the four real texts are cache hits,
	// the placeholder sent for the two empty contexts is not counted.
	sum, err := NewPipeline(client, c, opts).TranslatePairs(context.Background(), pairs)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if sum.Cached != 4 {
		t.Errorf("cached count = %d, want 4", sum.Cached)
	}
	if pairs[0].ContextEN != "" || pairs[1].ContextEN != "" {
		t.Errorf("empty contexts became %q, %q", pairs[0].ContextEN, pairs[1].ContextEN)
	}
}
