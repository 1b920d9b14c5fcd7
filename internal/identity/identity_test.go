package identity

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/maskwatch/internal/types"
)

// spyEncoder records every call and returns canned faces.
type spyEncoder struct {
	faces []types.FaceEncoding
	err   error
	calls int
}

func (s *spyEncoder) Encode(_ context.Context, _ image.Image) ([]types.FaceEncoding, error) {
	s.calls++
	return s.faces, s.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func writePNG(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	path := filepath.Join(t.TempDir(), "reference.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
	return path
}

func face(x, y int, vec ...float64) types.FaceEncoding {
	return types.FaceEncoding{Box: image.Rect(x, y, x+30, y+30), Encoding: vec}
}

func TestLoadReference(t *testing.T) {
	ctx := context.Background()
	path := writePNG(t, 64, 64)

	t.Run("missing path", func(t *testing.T) {
		enc := &spyEncoder{}
		_, err := LoadReference(ctx, enc, filepath.Join(t.TempDir(), "nope.jpg"), quietLogger())
		assert.ErrorIs(t, err, ErrReferenceNotFound)
		assert.Zero(t, enc.calls)
	})

	t.Run("not an image", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.jpg")
		require.NoError(t, os.WriteFile(bad, []byte("definitely not a jpeg"), 0644))
		_, err := LoadReference(ctx, &spyEncoder{}, bad, quietLogger())
		assert.ErrorIs(t, err, ErrReferenceUnreadable)
	})

	t.Run("no face", func(t *testing.T) {
		_, err := LoadReference(ctx, &spyEncoder{}, path, quietLogger())
		assert.ErrorIs(t, err, ErrNoFaceInReference)
	})

	t.Run("encoder error", func(t *testing.T) {
		boom := errors.New("worker died")
		_, err := LoadReference(ctx, &spyEncoder{err: boom}, path, quietLogger())
		assert.ErrorIs(t, err, boom)
	})

	t.Run("leftmost face wins", func(t *testing.T) {
		enc := &spyEncoder{faces: []types.FaceEncoding{
			face(40, 0, 3, 3),
			face(5, 20, 2, 2),
			face(5, 10, 1, 1),
		}}
		ref, err := LoadReference(ctx, enc, path, quietLogger())
		require.NoError(t, err)
		assert.Equal(t, []float64{1, 1}, ref.Encoding())
		assert.Equal(t, image.Rect(5, 10, 35, 40), ref.Box)
	})

	t.Run("reference is immutable", func(t *testing.T) {
		vec := []float64{0.5, 0.5}
		enc := &spyEncoder{faces: []types.FaceEncoding{face(0, 0, vec...)}}
		ref, err := LoadReference(ctx, enc, path, quietLogger())
		require.NoError(t, err)
		enc.faces[0].Encoding[0] = 9
		got := ref.Encoding()
		got[1] = 9
		assert.Equal(t, []float64{0.5, 0.5}, ref.Encoding())
	})
}

func newTestMatcher(t *testing.T, enc *spyEncoder, opts ...Option) *Matcher {
	t.Helper()
	ref := Reference{encoding: []float64{0, 0, 0}}
	m, err := NewMatcher(enc, ref, append([]Option{WithLogger(quietLogger())}, opts...)...)
	require.NoError(t, err)
	return m
}

func TestCompareSkipsSmallCrops(t *testing.T) {
	tests := []struct {
		name string
		w, h int
	}{
		{"narrow", 19, 100},
		{"short", 100, 19},
		{"tiny", 1, 1},
		{"empty", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := &spyEncoder{faces: []types.FaceEncoding{face(0, 0, 0, 0, 0)}}
			m := newTestMatcher(t, enc)

			res := m.Compare(context.Background(), image.NewRGBA(image.Rect(0, 0, tt.w, tt.h)))
			assert.Equal(t, TooSmall, res.Outcome)
			assert.False(t, res.Matched())
			assert.Zero(t, enc.calls, "encoder must not run for crops under the minimum side")
		})
	}
}

func TestCompareOutcomes(t *testing.T) {
	crop := image.NewRGBA(image.Rect(0, 0, 20, 20))

	tests := []struct {
		name    string
		enc     *spyEncoder
		want    Outcome
		matched bool
	}{
		{"match within tolerance", &spyEncoder{faces: []types.FaceEncoding{face(0, 0, 0.3, 0.4, 0)}}, Match, true},
		{"beyond tolerance", &spyEncoder{faces: []types.FaceEncoding{face(0, 0, 0.6, 0.1, 0)}}, NoMatch, false},
		{"no face in crop", &spyEncoder{}, NoFace, false},
		{"encoder failure is swallowed", &spyEncoder{err: errors.New("dlib exploded")}, EncodeFailed, false},
		{"dimension mismatch", &spyEncoder{faces: []types.FaceEncoding{face(0, 0, 0, 0)}}, NoMatch, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMatcher(t, tt.enc)
			res := m.Compare(context.Background(), crop)
			assert.Equal(t, tt.want, res.Outcome)
			assert.Equal(t, tt.matched, res.Matched())
			assert.Equal(t, 1, tt.enc.calls)
		})
	}
}

func TestCompareUsesLeftmostEncoding(t *testing.T) {
	enc := &spyEncoder{faces: []types.FaceEncoding{
		face(10, 0, 5, 5, 5),
		face(0, 0, 0.1, 0, 0),
	}}
	m := newTestMatcher(t, enc)
	res := m.Compare(context.Background(), image.NewRGBA(image.Rect(0, 0, 40, 40)))
	assert.Equal(t, Match, res.Outcome)
	assert.InDelta(t, 0.1, res.Distance, 1e-9)
}

func TestCompareMatchesAtTolerance(t *testing.T) {
	enc := &spyEncoder{faces: []types.FaceEncoding{face(0, 0, 0.5, 0, 0)}}
	m := newTestMatcher(t, enc, WithTolerance(0.5))
	res := m.Compare(context.Background(), image.NewRGBA(image.Rect(0, 0, 20, 20)))
	assert.Equal(t, Match, res.Outcome)
	assert.Equal(t, 0.5, res.Distance)
}

func TestCompareStricterTolerance(t *testing.T) {
	enc := &spyEncoder{faces: []types.FaceEncoding{face(0, 0, 0.3, 0.4, 0)}} // distance 0.5
	m := newTestMatcher(t, enc, WithTolerance(0.4))
	assert.Equal(t, NoMatch, m.Compare(context.Background(), image.NewRGBA(image.Rect(0, 0, 32, 32))).Outcome)
}

func TestNewMatcherValidation(t *testing.T) {
	ref := Reference{encoding: []float64{1}}
	_, err := NewMatcher(nil, ref)
	assert.Error(t, err)
	_, err = NewMatcher(&spyEncoder{}, Reference{})
	assert.Error(t, err)
	_, err = NewMatcher(&spyEncoder{}, ref, WithTolerance(0))
	assert.Error(t, err)

	m, err := NewMatcher(&spyEncoder{}, ref)
	require.NoError(t, err)
	assert.Equal(t, DefaultTolerance, m.Tolerance())
}

func TestMetrics(t *testing.T) {
	tests := []struct {
		name   string
		metric Metric
		a, b   []float64
		want   float64
	}{
		{"euclidean identical", Euclidean{}, []float64{1, 2}, []float64{1, 2}, 0},
		{"euclidean 3-4-5", Euclidean{}, []float64{0, 0}, []float64{3, 4}, 5},
		{"euclidean mismatch", Euclidean{}, []float64{0}, []float64{0, 1}, math.Inf(1)},
		{"cosine identical", Cosine{}, []float64{1, 0}, []float64{1, 0}, 0},
		{"cosine orthogonal", Cosine{}, []float64{1, 0}, []float64{0, 1}, 1},
		{"cosine opposite", Cosine{}, []float64{1, 0}, []float64{-1, 0}, 2},
		{"cosine scaled", Cosine{}, []float64{1, 0}, []float64{5, 0}, 0},
		{"cosine empty", Cosine{}, []float64{}, []float64{}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.metric.Distance(tt.a, tt.b)
			if math.IsInf(tt.want, 1) {
				assert.True(t, math.IsInf(got, 1))
				return
			}
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestParseMetric(t *testing.T) {
	m, err := ParseMetric("")
	require.NoError(t, err)
	assert.Equal(t, "euclidean", m.Name())

	m, err = ParseMetric("cosine")
	require.NoError(t, err)
	assert.Equal(t, "cosine", m.Name())

	_, err = ParseMetric("manhattan")
	assert.Error(t, err)
}
