// Package detect turns the raw output of an object detector into typed
// Face and Mask detections.
package detect

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/andresmejia3/maskwatch/internal/types"
)

// DefaultThreshold is the minimum confidence a region needs to be reported.
const DefaultThreshold = 0.6

// ErrModelUnavailable is returned when the detection model cannot be loaded.
var ErrModelUnavailable = errors.New("detection model unavailable")

// Detector is the capability a detection backend exposes.
// Backends may use threshold as a hint; the Classifier filters again regardless.
type Detector interface {
	Detect(ctx context.Context, img image.Image, threshold float64) ([]types.RawDetection, error)
}

// Classifier applies the confidence threshold and class mapping on top of a Detector.
type Classifier struct {
	detector  Detector
	threshold float64
}

// New wraps a detector. A nil detector means the model never loaded.
func New(d Detector, threshold float64) (*Classifier, error) {
	if d == nil {
		return nil, ErrModelUnavailable
	}
	if threshold <= 0 || threshold > 1.0 {
		return nil, fmt.Errorf("detection threshold must be in (0, 1], got %f", threshold)
	}
	return &Classifier{detector: d, threshold: threshold}, nil
}

// Threshold returns the configured confidence threshold.
func (c *Classifier) Threshold() float64 {
	return c.threshold
}

// Detect runs the backend on frame and returns the Face and Mask regions at or above the threshold.
func (c *Classifier) Detect(ctx context.Context, frame image.Image) ([]types.Detection, error) {
	raw, err := c.detector.Detect(ctx, frame, c.threshold)
	if err != nil {
		return nil, fmt.Errorf("detector failed: %w", err)
	}

	out := make([]types.Detection, 0, len(raw))
	for _, r := range raw {
		if r.Confidence < c.threshold {
			continue
		}
		var class types.ClassLabel
		switch r.ClassIndex {
		case int(types.Face):
			class = types.Face
		case int(types.Mask):
			class = types.Mask
		default:
			continue
		}
		out = append(out, types.Detection{
			Box:        toRect(r.Box),
			Confidence: r.Confidence,
			Class:      class,
		})
	}
	return out, nil
}

// toRect truncates a float box to pixel ints, clamping negatives to 0.
func toRect(b [4]float64) image.Rectangle {
	clamp := func(v float64) int {
		if v < 0 || math.IsNaN(v) {
			return 0
		}
		return int(v)
	}
	return image.Rect(clamp(b[0]), clamp(b[1]), clamp(b[2]), clamp(b[3]))
}
