package detect

import (
	"context"
	_ "embed"
	"fmt"
	"image"
	"os"

	pigo "github.com/esimov/pigo/core"

	"github.com/andresmejia3/maskwatch/internal/types"
)

//go:embed data/facefinder
var cascadeFile []byte

// PigoConfig tunes the cascade scan.
type PigoConfig struct {
	MinSize     int
	ShiftFactor float64
	ScaleFactor float64
	IoU         float64 // cluster overlap threshold
	// ScoreCeiling maps the raw cascade score onto [0, 1]; scores at or above it count as 1.0.
	ScoreCeiling float64
}

// DefaultPigoConfig mirrors the parameters used for face-aware seam carving.
func DefaultPigoConfig() PigoConfig {
	return PigoConfig{
		MinSize:      20,
		ShiftFactor:  0.1,
		ScaleFactor:  1.1,
		IoU:          0.2,
		ScoreCeiling: 10.0,
	}
}

// PigoDetector is a pure-Go face-only backend. It never reports masks.
type PigoDetector struct {
	classifier *pigo.Pigo
	cfg        PigoConfig
}

// NewPigoDetector unpacks the cascade file at cascadePath, or the built-in
// facefinder cascade when cascadePath is empty.
func NewPigoDetector(cascadePath string, cfg PigoConfig) (*PigoDetector, error) {
	data := cascadeFile
	if cascadePath != "" {
		var err error
		data, err = os.ReadFile(cascadePath)
		if err != nil {
			return nil, fmt.Errorf("%w: reading cascade %s: %v", ErrModelUnavailable, cascadePath, err)
		}
	} else {
		cascadePath = "facefinder (built-in)"
	}
	p, err := unpackCascade(data)
	if err != nil {
		return nil, fmt.Errorf("%w: unpacking cascade %s: %v", ErrModelUnavailable, cascadePath, err)
	}
	if cfg.ScoreCeiling <= 0 {
		cfg.ScoreCeiling = DefaultPigoConfig().ScoreCeiling
	}
	return &PigoDetector{classifier: p, cfg: cfg}, nil
}

// unpackCascade decodes the binary cascade. pigo indexes the packet without
// bounds checks, so a truncated file surfaces as a panic we turn into an error.
func unpackCascade(data []byte) (p *pigo.Pigo, err error) {
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, fmt.Errorf("corrupt cascade: %v", r)
		}
	}()
	return pigo.NewPigo().Unpack(data)
}

// Detect implements Detector.
func (p *PigoDetector) Detect(ctx context.Context, img image.Image, threshold float64) ([]types.RawDetection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := img.Bounds()
	cols, rows := b.Dx(), b.Dy()
	maxSize := cols
	if rows > maxSize {
		maxSize = rows
	}

	params := pigo.CascadeParams{
		MinSize:     p.cfg.MinSize,
		MaxSize:     maxSize,
		ShiftFactor: p.cfg.ShiftFactor,
		ScaleFactor: p.cfg.ScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: pigo.RgbToGrayscale(img),
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
	}

	dets := p.classifier.RunCascade(params, 0.0)
	dets = p.classifier.ClusterDetections(dets, p.cfg.IoU)
	return toRawDetections(dets, b.Min, threshold, p.cfg.ScoreCeiling), nil
}

// toRawDetections turns cascade hits (centre and side length) into face boxes
// offset by origin, scoring each as Q/ceiling capped at 1.
func toRawDetections(dets []pigo.Detection, origin image.Point, threshold, ceiling float64) []types.RawDetection {
	out := make([]types.RawDetection, 0, len(dets))
	for _, d := range dets {
		conf := float64(d.Q) / ceiling
		if conf > 1 {
			conf = 1
		}
		if conf < threshold {
			continue
		}
		half := float64(d.Scale) / 2
		out = append(out, types.RawDetection{
			Box: [4]float64{
				float64(d.Col) - half + float64(origin.X),
				float64(d.Row) - half + float64(origin.Y),
				float64(d.Col) + half + float64(origin.X),
				float64(d.Row) + half + float64(origin.Y),
			},
			Confidence: conf,
			ClassIndex: int(types.Face),
		})
	}
	return out
}
