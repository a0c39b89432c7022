package server_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mpokket/testgen/internal/config"
	"github.com/mpokket/testgen/internal/server"
)

// modelServerStub is a fake llama.cpp model server that records how many
// generation calls it received.
type modelServerStub struct {
	generateCalls atomic.Int64
	failWith      int    // if non-zero, /generate responds with this status
	tests         string // body of the "response" field
}

func (m *modelServerStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /generate", func(w http.ResponseWriter, r *http.Request) {
		m.generateCalls.Add(1)
		if m.failWith != 0 {
			http.Error(w, `{"error":"stub failure"}`, m.failWith)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"response":                m.tests,
			"generation_time_seconds": 0.5,
			"model_used":              "deepseek-v2",
			"model_requested":         "auto",
		})
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "healthy"})
	})
	mux.HandleFunc("GET /system-status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"uptime_seconds": 42})
	})
	mux.HandleFunc("GET /models/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"deepseek-v2": "loaded"})
	})
	mux.HandleFunc("POST /clear-cache", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"cleared": true})
	})
	mux.HandleFunc("POST /initialize-model", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"initialized": true})
	})
	return mux
}

// newTestServer wires a Server against a stub model server.
func newTestServer(t *testing.T, stub *modelServerStub) *server.Server {
	t.Helper()
	backend := httptest.NewServer(stub.handler())
	t.Cleanup(backend.Close)

	cfg := &config.Config{
		ServerAddr:     ":0",
		DataDir:        t.TempDir(),
		ModelServerURL: backend.URL,
		Timeout:        5 * time.Second,
		MaxRetries:     2,
		RetryDelay:     time.Millisecond,
		PrimaryModel:   "deepseek-v2",
		AutoSelection:  true,
		CacheEnabled:   true,
		CacheSize:      10,
		CacheTTL:       time.Hour,
	}
	cfg.DatabasePath = filepath.Join(cfg.DataDir, "testgen.db")

	srv, err := server.New(cfg)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	return srv
}

func doJSON(t *testing.T, srv *server.Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling request: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return m
}

// ---------------------------------------------------------------------------
// POST /generate-tests
// ---------------------------------------------------------------------------

func TestGenerateTests_Success(t *testing.T) {
	stub := &modelServerStub{tests: "@Test void adds() {}"}
	srv := newTestServer(t, stub)

	rec := doJSON(t, srv, http.MethodPost, "/generate-tests", map[string]string{
		"javaCode": "public class Calculator {}",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["generatedTests"] != "@Test void adds() {}" {
		t.Errorf("generatedTests = %v", body["generatedTests"])
	}
	if body["className"] != "Calculator" {
		t.Errorf("className = %v, want Calculator", body["className"])
	}
	if body["model"] != "deepseek-v2" {
		t.Errorf("model = %v, want deepseek-v2", body["model"])
	}
	if body["testFramework"] != "JUnit 5" {
		t.Errorf("testFramework = %v, want JUnit 5", body["testFramework"])
	}
	if _, ok := body["generationTimeMs"]; !ok {
		t.Error("response should include generationTimeMs")
	}
}

func TestGenerateTests_MissingCode(t *testing.T) {
	stub := &modelServerStub{tests: "x"}
	srv := newTestServer(t, stub)

	rec := doJSON(t, srv, http.MethodPost, "/generate-tests", map[string]string{})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["error"] == "" {
		t.Error("error body should carry a message")
	}
	if got := stub.generateCalls.Load(); got != 0 {
		t.Errorf("model server called %d times, want 0 (validation happens first)", got)
	}
}

func TestGenerateTests_InvalidJSON(t *testing.T) {
	srv := newTestServer(t, &modelServerStub{tests: "x"})

	req := httptest.NewRequest(http.MethodPost, "/generate-tests", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGenerateTests_CachedSecondCall(t *testing.T) {
	stub := &modelServerStub{tests: "@Test void cached() {}"}
	srv := newTestServer(t, stub)

	payload := map[string]string{"javaCode": "public class Calculator {}"}

	first := doJSON(t, srv, http.MethodPost, "/generate-tests", payload)
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d", first.Code)
	}

	second := doJSON(t, srv, http.MethodPost, "/generate-tests", payload)
	if second.Code != http.StatusOK {
		t.Fatalf("second status = %d", second.Code)
	}
	body := decodeBody(t, second)
	if body["cached"] != true {
		t.Error("second response should be marked cached")
	}
	if got := stub.generateCalls.Load(); got != 1 {
		t.Errorf("model server called %d times, want 1", got)
	}
}

func TestGenerateTests_ModelServerFailure(t *testing.T) {
	stub := &modelServerStub{failWith: http.StatusInternalServerError}
	srv := newTestServer(t, stub)

	rec := doJSON(t, srv, http.MethodPost, "/generate-tests", map[string]string{
		"javaCode": "class A {}",
	})

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := stub.generateCalls.Load(); got != 2 {
		t.Errorf("model server called %d times, want 2 (MaxRetries)", got)
	}
}

// ---------------------------------------------------------------------------
// POST /generate-tests-v2
// ---------------------------------------------------------------------------

func TestGenerateTestsV2_Success(t *testing.T) {
	stub := &modelServerStub{tests: "@Test void v2() {}"}
	srv := newTestServer(t, stub)

	rec := doJSON(t, srv, http.MethodPost, "/generate-tests-v2", map[string]string{
		"javaCode": "public class Calculator {}",
		"model":    "deepseek-6b",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["modelRequested"] != "deepseek-6b" {
		t.Errorf("modelRequested = %v, want deepseek-6b", body["modelRequested"])
	}
	if body["version"] != "2.0" {
		t.Errorf("version = %v, want 2.0", body["version"])
	}
}

func TestGenerateTestsV2_InvalidModel(t *testing.T) {
	stub := &modelServerStub{tests: "x"}
	srv := newTestServer(t, stub)

	rec := doJSON(t, srv, http.MethodPost, "/generate-tests-v2", map[string]string{
		"javaCode": "class A {}",
		"model":    "gpt-4",
	})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := stub.generateCalls.Load(); got != 0 {
		t.Errorf("model server called %d times, want 0", got)
	}
}

// ---------------------------------------------------------------------------
// POST /generate (raw body)
// ---------------------------------------------------------------------------

func TestGenerateRaw(t *testing.T) {
	stub := &modelServerStub{tests: "@Test void raw() {}"}
	srv := newTestServer(t, stub)

	req := httptest.NewRequest(http.MethodPost, "/generate",
		strings.NewReader("public class RawInput {}"))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["className"] != "RawInput" {
		t.Errorf("className = %v, want RawInput (extracted)", body["className"])
	}
}

func TestGenerateRaw_EmptyBody(t *testing.T) {
	srv := newTestServer(t, &modelServerStub{tests: "x"})

	req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(""))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// POST /generate-and-save
// ---------------------------------------------------------------------------

func TestGenerateAndSave(t *testing.T) {
	stub := &modelServerStub{tests: "@Test void saved() {}"}
	srv := newTestServer(t, stub)

	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src", "main", "java", "Calculator.java")
	if err := os.MkdirAll(filepath.Dir(srcPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(srcPath, []byte("public class Calculator {}"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, srv, http.MethodPost, "/generate-and-save", map[string]string{
		"filePath": srcPath,
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)

	wantPath := filepath.Join(dir, "src", "test", "java", "CalculatorTest.java")
	if body["testFilePath"] != wantPath {
		t.Errorf("testFilePath = %v, want %v", body["testFilePath"], wantPath)
	}

	written, err := os.ReadFile(wantPath)
	if err != nil {
		t.Fatalf("test file was not written: %v", err)
	}
	if string(written) != "@Test void saved() {}" {
		t.Errorf("written tests = %q", written)
	}
}

func TestGenerateAndSave_MissingFile(t *testing.T) {
	srv := newTestServer(t, &modelServerStub{tests: "x"})

	rec := doJSON(t, srv, http.MethodPost, "/generate-and-save", map[string]string{
		"filePath": "/no/such/File.java",
	})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Status endpoints
// ---------------------------------------------------------------------------

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &modelServerStub{tests: "x"})

	rec := doJSON(t, srv, http.MethodGet, "/health", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	remote, ok := body["modelServer"].(map[string]any)
	if !ok {
		t.Fatalf("modelServer = %v, want object", body["modelServer"])
	}
	if remote["status"] != "healthy" {
		t.Errorf("modelServer.status = %v, want healthy", remote["status"])
	}
}

func TestHealth_ModelServerDown(t *testing.T) {
	stub := &modelServerStub{tests: "x"}
	backend := httptest.NewServer(stub.handler())
	backend.Close() // down before the facade calls it

	cfg := &config.Config{
		ServerAddr:     ":0",
		DataDir:        t.TempDir(),
		ModelServerURL: backend.URL,
		Timeout:        time.Second,
		MaxRetries:     1,
		RetryDelay:     time.Millisecond,
		CacheEnabled:   false,
	}
	cfg.DatabasePath = filepath.Join(cfg.DataDir, "testgen.db")

	srv, err := server.New(cfg)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}

	rec := doJSON(t, srv, http.MethodGet, "/health", nil)

	// The facade itself stays up even when the model server is gone.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	remote, ok := body["modelServer"].(map[string]any)
	if !ok {
		t.Fatalf("modelServer = %v, want object", body["modelServer"])
	}
	if remote["status"] != "unreachable" {
		t.Errorf("modelServer.status = %v, want unreachable", remote["status"])
	}
}

func TestSystemStatus(t *testing.T) {
	srv := newTestServer(t, &modelServerStub{tests: "x"})

	rec := doJSON(t, srv, http.MethodGet, "/system-status", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["endpoint"] == "" {
		t.Error("endpoint should be set")
	}
	if body["timestamp"] == "" {
		t.Error("timestamp should be set")
	}
	if _, ok := body["cache"]; !ok {
		t.Error("cache stats should be included")
	}
}

func TestModelsStatus(t *testing.T) {
	srv := newTestServer(t, &modelServerStub{tests: "x"})

	rec := doJSON(t, srv, http.MethodGet, "/models-status", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["deepseek-v2"] != "loaded" {
		t.Errorf("deepseek-v2 = %v, want loaded", body["deepseek-v2"])
	}
}

func TestInitialize(t *testing.T) {
	srv := newTestServer(t, &modelServerStub{tests: "x"})

	rec := doJSON(t, srv, http.MethodPost, "/initialize", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["initialized"] != true {
		t.Errorf("initialized = %v, want true", body["initialized"])
	}
}

// ---------------------------------------------------------------------------
// POST /clear-cache
// ---------------------------------------------------------------------------

func TestClearCache(t *testing.T) {
	stub := &modelServerStub{tests: "@Test void t() {}"}
	srv := newTestServer(t, stub)

	payload := map[string]string{"javaCode": "public class Calculator {}"}
	doJSON(t, srv, http.MethodPost, "/generate-tests", payload)

	rec := doJSON(t, srv, http.MethodPost, "/clear-cache", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["cacheSize"] != float64(0) {
		t.Errorf("cacheSize = %v, want 0", body["cacheSize"])
	}

	// A repeat generation now misses the cache and hits the model server again.
	doJSON(t, srv, http.MethodPost, "/generate-tests", payload)
	if got := stub.generateCalls.Load(); got != 2 {
		t.Errorf("model server called %d times, want 2 after clear", got)
	}
}

// ---------------------------------------------------------------------------
// GET /test and GET /history
// ---------------------------------------------------------------------------

func TestTestEndpoint(t *testing.T) {
	srv := newTestServer(t, &modelServerStub{tests: "x"})

	rec := doJSON(t, srv, http.MethodGet, "/test", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["service"] != "testgen" {
		t.Errorf("service = %v, want testgen", body["service"])
	}
	if _, ok := body["endpoints"].([]any); !ok {
		t.Error("endpoints list should be included")
	}
}

func TestHistory(t *testing.T) {
	stub := &modelServerStub{tests: "@Test void h() {}"}
	srv := newTestServer(t, stub)

	doJSON(t, srv, http.MethodPost, "/generate-tests", map[string]string{
		"javaCode": "public class Calculator {}",
	})

	rec := doJSON(t, srv, http.MethodGet, "/history", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var records []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decoding history: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0]["class_name"] != "Calculator" {
		t.Errorf("class_name = %v, want Calculator", records[0]["class_name"])
	}
	if records[0]["status"] != "ok" {
		t.Errorf("status = %v, want ok", records[0]["status"])
	}
}

func TestHistory_BadLimit(t *testing.T) {
	srv := newTestServer(t, &modelServerStub{tests: "x"})

	rec := doJSON(t, srv, http.MethodGet, "/history?limit=zero", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
