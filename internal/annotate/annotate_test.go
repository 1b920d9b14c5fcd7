package annotate

import (
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/andresmejia3/maskwatch/internal/types"
)

func newFrame(w, h int) *image.RGBA {
	return image.NewRGBA(image.Rect(0, 0, w, h))
}

func countColor(img *image.RGBA, col color.RGBA) int {
	n := 0
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if img.RGBAAt(x, y) == col {
				n++
			}
		}
	}
	return n
}

func TestAnnotateColors(t *testing.T) {
	tests := []struct {
		name  string
		class types.ClassLabel
		ann   Annotation
		want  color.RGBA
	}{
		{"matched face", types.Face, Annotation{Matched: true, Elapsed: 3 * time.Second}, MatchColor},
		{"unmatched face", types.Face, Annotation{}, FaceColor},
		{"mask", types.Mask, Annotation{}, MaskColor},
		{"mask ignores match flag", types.Mask, Annotation{Matched: true}, MaskColor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := newFrame(200, 200)
			d := types.Detection{Box: image.Rect(50, 60, 120, 140), Confidence: 0.9, Class: tt.class}

			Annotator{}.Annotate(img, d, tt.ann)

			// Corners and edges of the box carry the outcome colour
			for _, p := range []image.Point{{50, 60}, {119, 139}, {51, 100}, {118, 100}, {85, 61}} {
				if got := img.RGBAAt(p.X, p.Y); got != tt.want {
					t.Errorf("pixel %v = %v, want %v", p, got, tt.want)
				}
			}
			// Interior is untouched
			if got := img.RGBAAt(85, 100); got != (color.RGBA{}) {
				t.Errorf("interior pixel painted: %v", got)
			}
			// Label text lands above the box
			labelPixels := 0
			for y := 40; y < 60; y++ {
				for x := 50; x < 200; x++ {
					if img.RGBAAt(x, y) == tt.want {
						labelPixels++
					}
				}
			}
			if labelPixels == 0 {
				t.Error("expected label pixels above the box")
			}
			if d.Box != image.Rect(50, 60, 120, 140) {
				t.Errorf("detection mutated: %v", d.Box)
			}
		})
	}
}

func TestAnnotateOutOfBounds(t *testing.T) {
	boxes := []image.Rectangle{
		image.Rect(-50, -50, 500, 500),
		image.Rect(90, 90, 400, 400),
		image.Rect(1000, 1000, 1100, 1100),
		image.Rect(0, 0, 0, 0),
		image.Rect(10, 5, 30, 25), // label above the top edge
	}
	for _, b := range boxes {
		img := newFrame(100, 100)
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("Annotate panicked for box %v: %v", b, r)
				}
			}()
			Annotator{}.Annotate(img, types.Detection{Box: b, Class: types.Face}, Annotation{Matched: true})
		}()
	}
}

func TestAnnotateClipsPartialBox(t *testing.T) {
	img := newFrame(100, 100)
	Annotator{}.Annotate(img, types.Detection{Box: image.Rect(80, 80, 150, 150), Class: types.Mask}, Annotation{})

	if img.RGBAAt(80, 90) != MaskColor || img.RGBAAt(90, 80) != MaskColor {
		t.Error("visible part of the box should be drawn")
	}
	if countColor(img, MaskColor) == 0 {
		t.Error("expected some mask pixels")
	}
}
