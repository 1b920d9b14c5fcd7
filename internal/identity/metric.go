package identity

import (
	"fmt"
	"math"
)

// Metric measures how far apart two encodings are. Lower is closer.
type Metric interface {
	Name() string
	Distance(a, b []float64) float64
}

// Euclidean is the L2 distance used by dlib-style 128-d encodings.
type Euclidean struct{}

func (Euclidean) Name() string { return "euclidean" }

// Distance returns +Inf for vectors of different length.
func (Euclidean) Distance(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Cosine is 1 - cosine similarity, in [0, 2].
type Cosine struct{}

func (Cosine) Name() string { return "cosine" }

func (Cosine) Distance(a, b []float64) float64 {
	if len(a) != len(b) {
		return 2.0
	}
	var dot, sumA, sumB float64
	for i := range a {
		dot += a[i] * b[i]
		sumA += a[i] * a[i]
		sumB += b[i] * b[i]
	}
	// Return 1.0 (max distance) if a vector is zero to avoid division by zero
	if sumA == 0 || sumB == 0 {
		return 1.0
	}
	return 1.0 - (dot / (math.Sqrt(sumA) * math.Sqrt(sumB)))
}

// ParseMetric maps a flag value to a Metric.
func ParseMetric(name string) (Metric, error) {
	switch name {
	case "", "euclidean":
		return Euclidean{}, nil
	case "cosine":
		return Cosine{}, nil
	}
	return nil, fmt.Errorf("unknown metric '%s'. Must be 'euclidean' or 'cosine'", name)
}
