package identity

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"

	"github.com/andresmejia3/maskwatch/internal/logging"
)

// Outcome explains a comparison result. Only Match counts as a match.
type Outcome int

const (
	NoMatch Outcome = iota
	Match
	TooSmall
	NoFace
	EncodeFailed
)

func (o Outcome) String() string {
	switch o {
	case Match:
		return "match"
	case NoMatch:
		return "no-match"
	case TooSmall:
		return "too-small"
	case NoFace:
		return "no-face"
	case EncodeFailed:
		return "encode-failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result is the decision for one cropped face region.
type Result struct {
	Outcome  Outcome
	Distance float64 // +Inf unless an encoding was compared
}

// Matched reports whether the region belongs to the reference identity.
func (r Result) Matched() bool {
	return r.Outcome == Match
}

// Matcher compares face crops against a Reference.
// It is safe for concurrent use if its Encoder is.
type Matcher struct {
	enc       Encoder
	ref       Reference
	tolerance float64
	metric    Metric
	minSide   int
	logger    *slog.Logger
}

// Option configures a Matcher.
type Option func(*Matcher)

func WithTolerance(t float64) Option { return func(m *Matcher) { m.tolerance = t } }

func WithMetric(metric Metric) Option { return func(m *Matcher) { m.metric = metric } }

func WithMinCropSide(px int) Option { return func(m *Matcher) { m.minSide = px } }

func WithLogger(l *slog.Logger) Option { return func(m *Matcher) { m.logger = l } }

// NewMatcher builds a Matcher for ref. Defaults: tolerance 0.6, Euclidean, 20px minimum side.
func NewMatcher(enc Encoder, ref Reference, opts ...Option) (*Matcher, error) {
	m := &Matcher{
		enc:       enc,
		ref:       ref,
		tolerance: DefaultTolerance,
		metric:    Euclidean{},
		minSide:   MinCropSide,
		logger:    logging.Discard(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if enc == nil {
		return nil, fmt.Errorf("identity matcher requires an encoder")
	}
	if len(ref.encoding) == 0 {
		return nil, fmt.Errorf("identity matcher requires a loaded reference")
	}
	if m.tolerance <= 0 {
		return nil, fmt.Errorf("match tolerance must be positive, got %f", m.tolerance)
	}
	return m, nil
}

// Tolerance returns the configured maximum distance.
func (m *Matcher) Tolerance() float64 {
	return m.tolerance
}

// Compare decides whether crop shows the reference identity.
// Encoder failures are logged and reported as EncodeFailed, never returned.
func (m *Matcher) Compare(ctx context.Context, crop image.Image) Result {
	noDist := math.Inf(1)

	b := crop.Bounds()
	if b.Dx() < m.minSide || b.Dy() < m.minSide {
		return Result{Outcome: TooSmall, Distance: noDist}
	}

	faces, err := m.enc.Encode(ctx, crop)
	if err != nil {
		m.logger.Warn("face encoding failed, treating as non-match", "err", err, "crop", b.String())
		return Result{Outcome: EncodeFailed, Distance: noDist}
	}
	if len(faces) == 0 {
		return Result{Outcome: NoFace, Distance: noDist}
	}

	face := pickLeftmost(faces)
	dist := m.metric.Distance(m.ref.encoding, face.Encoding)
	if dist <= m.tolerance {
		return Result{Outcome: Match, Distance: dist}
	}
	return Result{Outcome: NoMatch, Distance: dist}
}
