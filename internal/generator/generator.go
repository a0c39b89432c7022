// Package generator coordinates test generation: validation, cache lookup,
// the model server call, and history recording.
package generator

import (
	"context"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mpokket/testgen/internal/cache"
	"github.com/mpokket/testgen/internal/history"
	"github.com/mpokket/testgen/internal/javalang"
	"github.com/mpokket/testgen/internal/modelclient"
)

// validModelRe lists the model selectors accepted by the validated endpoint.
var validModelRe = regexp.MustCompile(`^(auto|deepseek-v2|deepseek-6b|demo)$`)

// IsValidModel reports whether m is an accepted model selector.
func IsValidModel(m string) bool {
	return validModelRe.MatchString(m)
}

// ModelClient is the subset of the model server client the generator needs.
type ModelClient interface {
	Generate(ctx context.Context, req modelclient.GenerateRequest) (*modelclient.GenerateResponse, error)
}

// Recorder persists generation attempts.
type Recorder interface {
	Add(rec *history.Record) error
}

// Config holds the generator's dependencies.
type Config struct {
	Client ModelClient

	// Cache may be nil to disable response caching.
	Cache *cache.Cache

	// History may be nil to disable persistence.
	History Recorder

	// PrimaryModel is used when the caller picks no model and auto-selection
	// is off.
	PrimaryModel string

	// AutoSelection defers model choice to the model server when the caller
	// picks none.
	AutoSelection bool
}

// Generator orchestrates a single test generation request.
type Generator struct {
	client        ModelClient
	cache         *cache.Cache
	history       Recorder
	primaryModel  string
	autoSelection bool
}

// New creates a Generator from the given dependencies.
func New(cfg Config) *Generator {
	return &Generator{
		client:        cfg.Client,
		cache:         cfg.Cache,
		history:       cfg.History,
		primaryModel:  cfg.PrimaryModel,
		autoSelection: cfg.AutoSelection,
	}
}

// Request is one test generation request.
type Request struct {
	JavaCode  string
	ClassName string // extracted from JavaCode when empty
	Model     string // resolved from config when empty
}

// Result is the outcome of a successful generation.
type Result struct {
	Tests          string
	ClassName      string
	ModelRequested string
	ModelUsed      string
	DurationMs     int64
	Cached         bool
}

// Generate produces JUnit tests for the given Java source. Identical inputs
// are served from the cache without touching the model server.
func (g *Generator) Generate(ctx context.Context, req Request) (*Result, error) {
	if req.JavaCode == "" {
		return nil, modelclient.ErrEmptyCode
	}

	className := req.ClassName
	if className == "" {
		className = javalang.ExtractClassName(req.JavaCode)
	}
	model := g.resolveModel(req.Model)

	key := cache.Key(model, className, req.JavaCode)
	if g.cache != nil {
		if tests, ok := g.cache.Get(key); ok {
			result := &Result{
				Tests:          tests,
				ClassName:      className,
				ModelRequested: model,
				ModelUsed:      model,
				Cached:         true,
			}
			g.record(result, nil)
			log.Info().Str("class", className).Str("model", model).Msg("cache hit")
			return result, nil
		}
	}

	start := time.Now()
	resp, err := g.client.Generate(ctx, modelclient.GenerateRequest{
		Prompt:    req.JavaCode,
		ClassName: className,
		Model:     model,
	})
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		g.record(&Result{
			ClassName:      className,
			ModelRequested: model,
			DurationMs:     durationMs,
		}, err)
		return nil, err
	}

	result := &Result{
		Tests:          resp.Response,
		ClassName:      className,
		ModelRequested: model,
		ModelUsed:      resp.ModelUsed,
		DurationMs:     durationMs,
	}

	if g.cache != nil {
		g.cache.Set(key, resp.Response)
	}
	g.record(result, nil)

	log.Info().
		Str("class", className).
		Str("model", result.ModelUsed).
		Int64("duration_ms", durationMs).
		Msg("generated tests")

	return result, nil
}

// resolveModel picks the effective model for a request.
func (g *Generator) resolveModel(requested string) string {
	if requested != "" {
		return requested
	}
	if g.autoSelection {
		return "auto"
	}
	return g.primaryModel
}

func (g *Generator) record(res *Result, genErr error) {
	if g.history == nil {
		return
	}
	rec := &history.Record{
		ID:             uuid.New().String()[:8],
		ClassName:      res.ClassName,
		ModelRequested: res.ModelRequested,
		ModelUsed:      res.ModelUsed,
		DurationMs:     res.DurationMs,
		Cached:         res.Cached,
		Status:         history.StatusOK,
		CreatedAt:      time.Now().UTC(),
	}
	if genErr != nil {
		rec.Status = history.StatusError
		rec.Error = genErr.Error()
	}
	if err := g.history.Add(rec); err != nil {
		log.Warn().Err(err).Msg("failed to record generation")
	}
}
