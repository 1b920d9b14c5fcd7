package types

import (
	"fmt"
	"image"
	"time"
)

// ClassLabel is the detector class of a region. Only Face and Mask are ever reported.
type ClassLabel int

const (
	Face ClassLabel = 0
	Mask ClassLabel = 1
)

func (c ClassLabel) String() string {
	switch c {
	case Face:
		return "face"
	case Mask:
		return "mask"
	}
	return "unknown"
}

// RawDetection is what a detector backend returns before thresholding and class mapping.
type RawDetection struct {
	Box        [4]float64 // [x1, y1, x2, y2] in frame pixels
	Confidence float64
	ClassIndex int
}

// Detection is one classified region in a single frame.
type Detection struct {
	Box        image.Rectangle
	Confidence float64
	Class      ClassLabel
}

// EventKind is the kind of a timeline event.
type EventKind int

const (
	FaceMatch EventKind = iota
	MaskSeen
)

// String returns the token used in the event log.
func (k EventKind) String() string {
	if k == MaskSeen {
		return "mask"
	}
	return "face"
}

// TimelineEvent is a time-stamped classification outcome.
type TimelineEvent struct {
	Frame   int
	Elapsed time.Duration
	Kind    EventKind
}

// Frame is the raster buffer for a single iteration.
type Frame struct {
	Index   int
	Elapsed time.Duration
	Image   *image.RGBA
}

// FaceEncoding is a face found by an encoder together with its biometric vector.
type FaceEncoding struct {
	Box      image.Rectangle
	Encoding []float64
}

// ElapsedAt converts a frame index to the time since video start.
// fps is assumed constant for the whole video.
func ElapsedAt(index int, fps float64) time.Duration {
	if fps <= 0 {
		return 0
	}
	return time.Duration(float64(index) / fps * float64(time.Second))
}

// ParseEventKind is the inverse of EventKind.String.
func ParseEventKind(s string) (EventKind, error) {
	switch s {
	case "face":
		return FaceMatch, nil
	case "mask":
		return MaskSeen, nil
	}
	return 0, fmt.Errorf("unknown event kind %q", s)
}
