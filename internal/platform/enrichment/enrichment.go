// Package enrichment asks a generative model for a logistics assessment of a
// requested drug and a triage summary of a consultation reason.
package enrichment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotConfigured is returned at call time when the provider has no API key,
// so the service still starts without AI.
var ErrNotConfigured = errors.New("AI configuration missing")

const (
	emptyAnalysisText = "Analysis complete but no text returned."
	emptySummaryText  = "No summary generated."
	defaultSourceName = "Source"

	// callTimeout bounds a single provider call.
	callTimeout = 30 * time.Second
)

// Source is a web citation backing an analysis.
type Source struct {
	Title string `json:"title"`
	URI   string `json:"uri"`
}

type Result struct {
	Text    string   `json:"text"`
	Sources []Source `json:"sources"`
}

// Analyzer is implemented by every provider backend.
type Analyzer interface {
	Analyze(ctx context.Context, drugName, notes string) (*Result, error)
	Summarize(ctx context.Context, reason string) (string, error)
}

// Config selects the provider and carries its credentials.
type Config struct {
	Provider     string // gemini | openai
	GeminiAPIKey string
	GeminiModel  string
	GeminiURL    string // overrides the public endpoint, used in tests
	OpenAIAPIKey string
	OpenAIModel  string
	OpenAIURL    string
}

// Recorder receives one call per provider request.
type Recorder interface {
	EnrichmentCompleted(provider string, err error)
}

// New returns the configured backend wrapped with logging and metrics.
// rec may be nil.
func New(cfg Config, logger zerolog.Logger, rec Recorder) (Analyzer, error) {
	var a Analyzer
	switch cfg.Provider {
	case "", "gemini":
		cfg.Provider = "gemini"
		a = NewGemini(cfg.GeminiAPIKey, cfg.GeminiModel, cfg.GeminiURL)
	case "openai":
		a = NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIURL)
	default:
		return nil, fmt.Errorf("unknown enrichment provider %q", cfg.Provider)
	}
	return &observed{
		next:     a,
		provider: cfg.Provider,
		logger:   logger.With().Str("component", "enrichment").Str("provider", cfg.Provider).Logger(),
		rec:      rec,
	}, nil
}

func analysisPrompt(drugName, notes string) string {
	return fmt.Sprintf(`You are a pharmaceutical logic assistant for a rare drug sourcing platform.
Analyze the following drug request:
Drug Name: %s
Patient Notes: %s

Please provide a brief assessment (max 100 words) covering:
1. Is this typically considered a rare/orphan drug?
2. Are there common supply chain constraints?
3. Any critical handling requirements (e.g., cold chain)?

Do not provide medical advice. Focus on logistics and pharmacology facts.`, drugName, notes)
}

func summaryPrompt(reason string) string {
	return fmt.Sprintf("Summarize the following patient consultation reason into a medical category "+
		"(e.g., Cardiology, Dermatology, General) and a 1-sentence triage summary: %q", reason)
}

// observed logs and counts every call to next.
type observed struct {
	next     Analyzer
	provider string
	logger   zerolog.Logger
	rec      Recorder
}

func (o *observed) Analyze(ctx context.Context, drugName, notes string) (*Result, error) {
	start := time.Now()
	res, err := o.next.Analyze(ctx, drugName, notes)
	o.done("analyze", start, err)
	if err == nil {
		o.logger.Debug().Int("sources", len(res.Sources)).Msg("analysis returned")
	}
	return res, err
}

func (o *observed) Summarize(ctx context.Context, reason string) (string, error) {
	start := time.Now()
	out, err := o.next.Summarize(ctx, reason)
	o.done("summarize", start, err)
	return out, err
}

func (o *observed) done(op string, start time.Time, err error) {
	if o.rec != nil {
		o.rec.EnrichmentCompleted(o.provider, err)
	}
	evt := o.logger.Info()
	if err != nil {
		evt = o.logger.Error().Err(err)
	}
	evt.Str("op", op).Dur("latency", time.Since(start)).Msg("enrichment call")
}
