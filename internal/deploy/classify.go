package deploy

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/txpool"
)

// Classifier decides whether a synchronous send error may be retried once
// with a fresh nonce.
type Classifier interface {
	Retryable(err error) bool
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(err error) bool

func (f ClassifierFunc) Retryable(err error) bool { return f(err) }

// DefaultRetryPatterns match nonce conflicts and underpriced replacements in
// JSON-RPC error messages.
var DefaultRetryPatterns = []string{"nonce", "replacement"}

// PatternClassifier matches go-ethereum's typed errors first, then falls
// back to case-insensitive substrings for errors that only carry a message.
type PatternClassifier struct {
	patterns []string
}

// NewPatternClassifier creates a classifier. Nil patterns use
// DefaultRetryPatterns.
func NewPatternClassifier(patterns []string) *PatternClassifier {
	if patterns == nil {
		patterns = DefaultRetryPatterns
	}
	lower := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			lower = append(lower, strings.ToLower(p))
		}
	}
	return &PatternClassifier{patterns: lower}
}

func (c *PatternClassifier) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, core.ErrNonceTooLow) || errors.Is(err, txpool.ErrReplaceUnderpriced) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range c.patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

var _ Classifier = (*PatternClassifier)(nil)
