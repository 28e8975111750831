// Package activity adapts the raw motion-activity stream into a
// de-duplicated, confidence-gated sequence of discrete activity
// transitions.
package activity

import (
	"github.com/parkzen/parkzend/pkg"
	"github.com/parkzen/parkzend/pkg/logx"
)

// Sample is one raw classifier reading. Several modes can be flagged
// simultaneously.
type Sample struct {
	Modes      map[pkg.ActivityKind]bool `json:"modes"`
	Confidence pkg.Confidence            `json:"confidence"`
}

// Transition is emitted when the dominant activity changes with
// nonzero confidence
type Transition struct {
	From       pkg.ActivityKind `json:"from"`
	To         pkg.ActivityKind `json:"to"`
	Confidence pkg.Confidence   `json:"confidence"`
}

// dominancePriority is the fixed tie-break order when a sample flags
// several modes at once. Higher-energy modes win so that a sample like
// {driving, walking} always resolves to driving.
var dominancePriority = []pkg.ActivityKind{
	pkg.ActivityDriving,
	pkg.ActivityCycling,
	pkg.ActivityRunning,
	pkg.ActivityWalking,
	pkg.ActivityStationary,
	pkg.ActivityUnknown,
}

// DominantMode resolves a mode set to a single activity kind using the
// fixed priority order
func DominantMode(modes map[pkg.ActivityKind]bool) pkg.ActivityKind {
	for _, kind := range dominancePriority {
		if modes[kind] {
			return kind
		}
	}
	return pkg.ActivityUnknown
}

// Classifier holds the sticky activity belief. It only moves when an
// incoming sample carries nonzero confidence; zero-confidence samples
// are display-only noise.
type Classifier struct {
	current    pkg.ActivityKind
	confidence pkg.Confidence
	logger     *logx.Logger
}

// NewClassifier creates a classifier with an unknown initial state
func NewClassifier(logger *logx.Logger) *Classifier {
	return &Classifier{
		current: pkg.ActivityUnknown,
		logger:  logger,
	}
}

// Current returns the sticky activity state
func (c *Classifier) Current() (pkg.ActivityKind, pkg.Confidence) {
	return c.current, c.confidence
}

// OnSample processes one raw sample and returns a transition when the
// dominant mode changed with nonzero confidence, nil otherwise.
func (c *Classifier) OnSample(sample Sample) *Transition {
	if sample.Confidence == pkg.ConfidenceLow {
		return nil
	}

	dominant := DominantMode(sample.Modes)
	if dominant == c.current {
		c.confidence = sample.Confidence
		return nil
	}

	t := &Transition{
		From:       c.current,
		To:         dominant,
		Confidence: sample.Confidence,
	}

	c.logger.LogStateChange("activity", string(c.current), string(dominant),
		"activity_transition", "confidence", int(sample.Confidence))

	c.current = dominant
	c.confidence = sample.Confidence
	return t
}

// Reset returns the classifier to its initial unknown state
func (c *Classifier) Reset() {
	c.current = pkg.ActivityUnknown
	c.confidence = pkg.ConfidenceLow
}
