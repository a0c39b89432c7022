// Package server provides the testgen HTTP API server.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/mpokket/testgen/internal/cache"
	"github.com/mpokket/testgen/internal/config"
	"github.com/mpokket/testgen/internal/generator"
	"github.com/mpokket/testgen/internal/history"
	"github.com/mpokket/testgen/internal/javalang"
	"github.com/mpokket/testgen/internal/modelclient"
)

// apiVersion is reported by the v2 generation endpoint.
const apiVersion = "2.0"

// Server is the testgen HTTP API server.
type Server struct {
	config    *config.Config
	client    *modelclient.Client
	cache     *cache.Cache // nil if caching is disabled
	history   *history.Store
	generator *generator.Generator
	router    chi.Router
}

// New creates a new Server with all dependencies.
func New(cfg *config.Config) (*Server, error) {
	store, err := history.NewStore(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("initializing history store: %w", err)
	}

	client := modelclient.New(cfg.ModelServerURL, cfg.MaxRetries, cfg.RetryDelay, cfg.Timeout)

	var responseCache *cache.Cache
	if cfg.CacheEnabled {
		responseCache = cache.New(cfg.CacheSize, cfg.CacheTTL)
	}

	s := &Server{
		config:  cfg,
		client:  client,
		cache:   responseCache,
		history: store,
		generator: generator.New(generator.Config{
			Client:        client,
			Cache:         responseCache,
			History:       store,
			PrimaryModel:  cfg.PrimaryModel,
			AutoSelection: cfg.AutoSelection,
		}),
	}
	s.router = s.buildRouter()

	return s, nil
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.config.ServerAddr,
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().
		Str("addr", s.config.ServerAddr).
		Str("model_server", s.config.ModelServerURL).
		Msg("testgen server listening")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	if s.cache != nil {
		s.cache.Close()
	}
	return s.history.Close()
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Post("/generate-tests", s.handleGenerateTests)
	r.Post("/generate-tests-v2", s.handleGenerateTestsV2)
	r.Post("/generate", s.handleGenerateRaw)
	r.Post("/generate-and-save", s.handleGenerateAndSave)
	r.Get("/health", s.handleHealth)
	r.Get("/system-status", s.handleSystemStatus)
	r.Get("/models-status", s.handleModelsStatus)
	r.Post("/initialize", s.handleInitialize)
	r.Post("/clear-cache", s.handleClearCache)
	r.Get("/test", s.handleTest)
	r.Get("/history", s.handleHistory)

	return r
}

// --- Request/Response types ---

type generateTestsRequest struct {
	JavaCode  string `json:"javaCode"`
	ClassName string `json:"className,omitempty"`
	Model     string `json:"model,omitempty"`
}

type generateTestsResponse struct {
	GeneratedTests   string `json:"generatedTests"`
	ClassName        string `json:"className"`
	GenerationTimeMs int64  `json:"generationTimeMs"`
	Model            string `json:"model,omitempty"`
	ModelRequested   string `json:"modelRequested,omitempty"`
	TestFramework    string `json:"testFramework"`
	Version          string `json:"version,omitempty"`
	Cached           bool   `json:"cached,omitempty"`
}

type generateAndSaveRequest struct {
	FilePath string `json:"filePath"`
}

type generateAndSaveResponse struct {
	Message          string `json:"message"`
	TestFilePath     string `json:"testFilePath"`
	ClassName        string `json:"className"`
	GenerationTimeMs int64  `json:"generationTimeMs"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// --- Generation handlers ---

func (s *Server) handleGenerateTests(w http.ResponseWriter, r *http.Request) {
	var req generateTestsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.JavaCode == "" {
		writeError(w, http.StatusBadRequest, "javaCode is required")
		return
	}

	res, err := s.generator.Generate(r.Context(), generator.Request{
		JavaCode:  req.JavaCode,
		ClassName: req.ClassName,
		Model:     req.Model,
	})
	if err != nil {
		writeGenerationError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, generateTestsResponse{
		GeneratedTests:   res.Tests,
		ClassName:        res.ClassName,
		GenerationTimeMs: res.DurationMs,
		Model:            res.ModelUsed,
		TestFramework:    "JUnit 5",
		Cached:           res.Cached,
	})
}

func (s *Server) handleGenerateTestsV2(w http.ResponseWriter, r *http.Request) {
	var req generateTestsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.JavaCode == "" {
		writeError(w, http.StatusBadRequest, "javaCode is required")
		return
	}
	if req.Model != "" && !generator.IsValidModel(req.Model) {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("invalid model %q: must be one of auto, deepseek-v2, deepseek-6b, demo", req.Model))
		return
	}

	res, err := s.generator.Generate(r.Context(), generator.Request{
		JavaCode:  req.JavaCode,
		ClassName: req.ClassName,
		Model:     req.Model,
	})
	if err != nil {
		writeGenerationError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, generateTestsResponse{
		GeneratedTests:   res.Tests,
		ClassName:        res.ClassName,
		GenerationTimeMs: res.DurationMs,
		ModelRequested:   res.ModelRequested,
		TestFramework:    "JUnit 5",
		Version:          apiVersion,
		Cached:           res.Cached,
	})
}

// handleGenerateRaw accepts raw Java source as the request body.
func (s *Server) handleGenerateRaw(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body")
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "request body must contain Java source")
		return
	}

	res, err := s.generator.Generate(r.Context(), generator.Request{JavaCode: string(body)})
	if err != nil {
		writeGenerationError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, generateTestsResponse{
		GeneratedTests:   res.Tests,
		ClassName:        res.ClassName,
		GenerationTimeMs: res.DurationMs,
		Model:            res.ModelUsed,
		TestFramework:    "JUnit 5",
		Cached:           res.Cached,
	})
}

func (s *Server) handleGenerateAndSave(w http.ResponseWriter, r *http.Request) {
	var req generateAndSaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.FilePath == "" {
		writeError(w, http.StatusBadRequest, "filePath is required")
		return
	}

	source, err := os.ReadFile(req.FilePath)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("reading source file: %v", err))
		return
	}

	res, err := s.generator.Generate(r.Context(), generator.Request{JavaCode: string(source)})
	if err != nil {
		writeGenerationError(w, err)
		return
	}

	testPath := javalang.TestFilePath(req.FilePath)
	if err := os.MkdirAll(filepath.Dir(testPath), 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("creating test directory: %v", err))
		return
	}
	if err := os.WriteFile(testPath, []byte(res.Tests), 0o644); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("writing test file: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, generateAndSaveResponse{
		Message:          "Test file generated successfully",
		TestFilePath:     testPath,
		ClassName:        res.ClassName,
		GenerationTimeMs: res.DurationMs,
	})
}

// --- Status handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"service": "testgen",
	}

	remote, err := s.client.Health(r.Context())
	if err != nil {
		resp["modelServer"] = map[string]any{
			"status": "unreachable",
			"error":  err.Error(),
		}
	} else {
		resp["modelServer"] = remote
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"endpoint":  s.config.ModelServerURL,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"cache":     s.cacheStats(),
	}

	remote, err := s.client.SystemStatus(r.Context())
	if err != nil {
		resp["error"] = err.Error()
	} else {
		resp["modelServer"] = remote
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleModelsStatus(w http.ResponseWriter, r *http.Request) {
	remote, err := s.client.ModelsStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, remote)
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	remote, err := s.client.InitializeModel(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, remote)
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if s.cache != nil {
		s.cache.Clear()
	}

	resp := map[string]any{
		"message":   "cache cleared",
		"cacheSize": 0,
	}

	// Forward the clear to the model server; its cache is independent.
	remote, err := s.client.ClearCache(r.Context())
	if err != nil {
		resp["modelServer"] = map[string]any{"error": err.Error()}
	} else {
		resp["modelServer"] = remote
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "testgen",
		"status":  "ok",
		"version": apiVersion,
		"endpoints": []string{
			"POST /generate-tests",
			"POST /generate-tests-v2",
			"POST /generate",
			"POST /generate-and-save",
			"GET /health",
			"GET /system-status",
			"GET /models-status",
			"POST /initialize",
			"POST /clear-cache",
			"GET /history",
		},
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := s.history.List(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list history")
		log.Error().Err(err).Msg("listing history")
		return
	}
	if records == nil {
		records = []*history.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) cacheStats() cache.Stats {
	if s.cache == nil {
		return cache.Stats{}
	}
	return s.cache.Stats()
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeGenerationError maps generation failures to HTTP statuses.
func writeGenerationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, modelclient.ErrEmptyCode):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
		log.Error().Err(err).Msg("generation failed")
	}
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	return n, nil
}
