// Package classifier detects buyer intents in lead messages. It is an opaque,
// possibly-slow external collaborator: failures degrade to "no intents
// detected" and never block conversation processing.
package classifier

import (
	"context"

	"dealerflow_backend/platform/logger"
)

// Classifier extracts intents from one message text.
type Classifier interface {
	Classify(ctx context.Context, messageText string) ([]string, error)
}

// Noop always detects nothing. Used when no classifier is configured.
type Noop struct{}

func (Noop) Classify(context.Context, string) ([]string, error) {
	return nil, nil
}

// FallbackChain tries classifiers in order and returns the first successful
// result. If all fail it degrades to no intents and reports the last error.
type FallbackChain struct {
	classifiers []Classifier
	log         *logger.Logger
}

func NewFallbackChain(log *logger.Logger, classifiers ...Classifier) *FallbackChain {
	return &FallbackChain{classifiers: classifiers, log: log}
}

func (c *FallbackChain) Classify(ctx context.Context, messageText string) ([]string, error) {
	var lastErr error
	for _, cl := range c.classifiers {
		intents, err := cl.Classify(ctx, messageText)
		if err == nil {
			return intents, nil
		}
		lastErr = err
		c.log.Warn("intent classifier failed, trying next", "error", err)
	}
	return nil, lastErr
}

var (
	_ Classifier = Noop{}
	_ Classifier = (*FallbackChain)(nil)
)
