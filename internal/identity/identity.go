// Package identity decides whether a cropped face region belongs to the
// single reference identity loaded at startup.
package identity

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"sort"

	"github.com/disintegration/imaging"

	"github.com/andresmejia3/maskwatch/internal/types"
)

const (
	// DefaultTolerance is the maximum encoding distance still considered the same person.
	DefaultTolerance = 0.6
	// MinCropSide is the smallest crop width/height worth encoding.
	MinCropSide = 20
)

var (
	ErrReferenceNotFound   = errors.New("reference image not found")
	ErrReferenceUnreadable = errors.New("reference image unreadable")
	ErrNoFaceInReference   = errors.New("no face found in reference image")
)

// Encoder produces biometric encodings for every face it finds in img.
type Encoder interface {
	Encode(ctx context.Context, img image.Image) ([]types.FaceEncoding, error)
}

// Reference is the immutable encoding every face is compared against.
type Reference struct {
	Path     string
	Box      image.Rectangle
	encoding []float64
}

// Encoding returns a copy of the reference vector.
func (r Reference) Encoding() []float64 {
	out := make([]float64, len(r.encoding))
	copy(out, r.encoding)
	return out
}

// LoadReference decodes the image at path and encodes its face.
// When several faces are present the leftmost one wins (ties go to the topmost).
func LoadReference(ctx context.Context, enc Encoder, path string, logger *slog.Logger) (Reference, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Reference{}, fmt.Errorf("%w: %s", ErrReferenceNotFound, path)
		}
		return Reference{}, fmt.Errorf("%w: %s: %v", ErrReferenceUnreadable, path, err)
	}
	if info.IsDir() {
		return Reference{}, fmt.Errorf("%w: %s is a directory", ErrReferenceNotFound, path)
	}

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return Reference{}, fmt.Errorf("%w: %s: %v", ErrReferenceUnreadable, path, err)
	}

	faces, err := enc.Encode(ctx, img)
	if err != nil {
		return Reference{}, fmt.Errorf("encoding reference %s: %w", path, err)
	}
	if len(faces) == 0 {
		return Reference{}, fmt.Errorf("%w: %s", ErrNoFaceInReference, path)
	}
	if len(faces) > 1 {
		logger.Warn("multiple faces in reference image, using the leftmost", "path", path, "faces", len(faces))
	}

	face := pickLeftmost(faces)
	ref := Reference{Path: path, Box: face.Box, encoding: make([]float64, len(face.Encoding))}
	copy(ref.encoding, face.Encoding)

	logger.Info("reference face loaded", "path", path, "box", face.Box.String(), "dim", len(ref.encoding))
	return ref, nil
}

// pickLeftmost orders faces by left edge, then top edge, keeping encoder order for exact ties.
func pickLeftmost(faces []types.FaceEncoding) types.FaceEncoding {
	sorted := make([]types.FaceEncoding, len(faces))
	copy(sorted, faces)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].Box.Min, sorted[j].Box.Min
		if a.X != b.X {
			return a.X < b.X
		}
		return a.Y < b.Y
	})
	return sorted[0]
}
