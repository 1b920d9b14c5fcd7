// Package annotate draws detection outcomes onto frames.
package annotate

import (
	"image"
	"image/color"
	"image/draw"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/andresmejia3/maskwatch/internal/timeline"
	"github.com/andresmejia3/maskwatch/internal/types"
)

var (
	MatchColor = color.RGBA{0, 255, 0, 255}
	FaceColor  = color.RGBA{0, 0, 255, 255}
	MaskColor  = color.RGBA{255, 0, 0, 255}
)

const (
	thickness   = 2
	labelOffset = 10
)

// Annotation is the per-detection outcome the annotator needs besides the box.
type Annotation struct {
	Matched bool
	Elapsed time.Duration
}

// Annotator draws boxes and labels. The zero value is ready to use.
type Annotator struct {
	Face font.Face
}

// Annotate draws d onto img in place. Drawing is clipped to the frame.
func (a Annotator) Annotate(img *image.RGBA, d types.Detection, ann Annotation) {
	var (
		col   color.RGBA
		label string
	)
	switch {
	case d.Class == types.Mask:
		col, label = MaskColor, "Mask"
	case ann.Matched:
		col, label = MatchColor, "Match at "+timeline.FormatClock(ann.Elapsed)
	default:
		col, label = FaceColor, "Face"
	}

	drawRect(img, d.Box, col, thickness)
	a.drawLabel(img, label, d.Box.Min.X, d.Box.Min.Y-labelOffset, col)
}

// drawRect strokes the outline of r with the given thickness, growing inward.
func drawRect(img *image.RGBA, r image.Rectangle, col color.RGBA, t int) {
	r = r.Canon()
	if r.Empty() {
		return
	}
	src := image.NewUniform(col)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t), // top
		image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y), // bottom
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y), // left
		image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y), // right
	}
	for _, e := range edges {
		// Clip to image bounds to prevent out-of-range writes
		e = e.Intersect(r).Intersect(img.Bounds())
		if e.Empty() {
			continue
		}
		draw.Draw(img, e, src, image.Point{}, draw.Src)
	}
}

func (a Annotator) drawLabel(img *image.RGBA, label string, x, y int, col color.RGBA) {
	face := a.Face
	if face == nil {
		face = basicfont.Face7x13
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(col),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	// font.Drawer clips glyph masks against Dst bounds, so labels may run off-frame safely.
	d.DrawString(label)
}
