// Package classify assigns crime categories to article text. A regex rule
// table always runs; an optional external stage may replace its result.
package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/blaulicht-crawler/internal/article"
	"github.com/JakeFAU/blaulicht-crawler/internal/metrics"
)

// Classification sources.
const (
	SourceRules = "rules"
	SourceAI    = "ai"
)

// defaultConfidence applies when an external answer omits confidence.
const defaultConfidence = 0.5

// maxExternalRunes bounds the text sent to an external classifier.
const maxExternalRunes = 6000

// ErrUnavailable wraps every external classifier failure.
var ErrUnavailable = errors.New("external classifier unavailable")

// Answer is the raw result of an external classifier.
type Answer struct {
	Categories []string `json:"categories"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// External is an optional classifier consulted after the rules.
type External interface {
	Classify(ctx context.Context, text string) (Answer, error)
}

// Classifier runs the rule table and, when configured, an external stage.
type Classifier struct {
	rules    []Rule
	external External
	logger   *zap.Logger
}

// New creates a Classifier. external may be nil.
func New(rules []Rule, external External, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{rules: rules, external: external, logger: logger}
}

// Classify never fails: any external error leaves the rule result in place.
func (c *Classifier) Classify(ctx context.Context, text string) article.Classification {
	result := ApplyRules(c.rules, text)
	if c.external == nil {
		return result
	}

	ai, err := c.classifyExternal(ctx, text)
	metrics.ObserveStage("classify_ai", err == nil)
	if err != nil {
		c.logger.Debug("external classifier failed; keeping rule result", zap.Error(err))
		return result
	}
	return ai
}

func (c *Classifier) classifyExternal(ctx context.Context, text string) (article.Classification, error) {
	ans, err := c.external.Classify(ctx, truncateRunes(text, maxExternalRunes))
	if err != nil {
		return article.Classification{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return normalize(ans)
}

// normalize validates an external answer. Missing or empty categories make
// the answer unusable.
func normalize(ans Answer) (article.Classification, error) {
	seen := make(map[article.CrimeCategory]struct{}, len(ans.Categories))
	cats := make([]article.CrimeCategory, 0, len(ans.Categories))
	for _, raw := range ans.Categories {
		cat := article.CrimeCategory(strings.ToLower(strings.TrimSpace(raw)))
		if cat == "" {
			continue
		}
		if _, dup := seen[cat]; dup {
			continue
		}
		seen[cat] = struct{}{}
		cats = append(cats, cat)
	}
	if len(cats) == 0 {
		return article.Classification{}, fmt.Errorf("%w: answer has no categories", ErrUnavailable)
	}

	confidence := defaultConfidence
	if ans.Confidence != nil {
		confidence = min(max(*ans.Confidence, 0), 1)
	}
	return article.Classification{Categories: cats, Confidence: confidence, Source: SourceAI}, nil
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
