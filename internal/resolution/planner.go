package resolution

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	// Step is the granularity every planned side is floored to.
	Step = 64
	// MaxArea caps the pixel budget of a single image.
	MaxArea = 1024 * 1024
)

var (
	ErrInvalidAspect   = errors.New("resolution: invalid aspect ratio")
	ErrInvalidBaseSize = errors.New("resolution: base size must be positive")
)

// Size is a planned output resolution in pixels.
type Size struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Area returns Width*Height.
func (s Size) Area() int {
	return s.Width * s.Height
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Aspect is a parsed "A:B" ratio. Fractional sides such as "1.5:1" are
// accepted.
type Aspect struct {
	A float64
	B float64
}

// ParseAspect parses strings of the form "16:9". Both sides must be
// finite positive numbers.
func ParseAspect(raw string) (Aspect, error) {
	left, right, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return Aspect{}, fmt.Errorf("%w: %q", ErrInvalidAspect, raw)
	}
	a, okA := parseSide(left)
	b, okB := parseSide(right)
	if !okA || !okB {
		return Aspect{}, fmt.Errorf("%w: %q", ErrInvalidAspect, raw)
	}
	return Aspect{A: a, B: b}, nil
}

func parseSide(raw string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, false
	}
	return v, true
}

func (a Aspect) String() string {
	return strconv.FormatFloat(a.A, 'f', -1, 64) + ":" + strconv.FormatFloat(a.B, 'f', -1, 64)
}

// Plan converts an aspect ratio and a base size into a concrete resolution.
// The longer side is scaled by max(A,B)/min(A,B), both sides are floored to
// Step, and the result is rescaled once when it exceeds MaxArea.
func Plan(aspect string, base int) (Size, error) {
	parsed, err := ParseAspect(aspect)
	if err != nil {
		return Size{}, err
	}
	return PlanAspect(parsed, base)
}

// PlanAspect is Plan for an already parsed ratio.
func PlanAspect(aspect Aspect, base int) (Size, error) {
	if aspect.A <= 0 || aspect.B <= 0 {
		return Size{}, fmt.Errorf("%w: %s", ErrInvalidAspect, aspect)
	}
	if base <= 0 {
		return Size{}, ErrInvalidBaseSize
	}

	a, b := aspect.A, aspect.B
	m := math.Max(a, b) / math.Min(a, b)
	fb := float64(base)

	var w, h int
	if a > b {
		w = floorStep(fb * m)
		h = floorStep(fb / a * b * m)
	} else {
		h = floorStep(fb * m)
		w = floorStep(fb / b * a * m)
	}

	if area := float64(w) * float64(h); area > MaxArea {
		ratio := math.Sqrt(area / MaxArea)
		w = floorStep(float64(w) / ratio)
		h = floorStep(float64(h) / ratio)
	}

	size := Size{Width: atLeastStep(w), Height: atLeastStep(h)}
	// only reachable when atLeastStep raised a zero side; the rescaled plan
	// itself never exceeds MaxArea
	if size.Area() > MaxArea {
		if size.Width > size.Height {
			size.Width = floorStep(float64(MaxArea) / float64(size.Height))
		} else {
			size.Height = floorStep(float64(MaxArea) / float64(size.Width))
		}
	}
	return size, nil
}

func floorStep(v float64) int {
	return int(math.Floor(v/Step)) * Step
}

// extreme ratios can floor a side to zero after the area rescale
func atLeastStep(v int) int {
	if v < Step {
		return Step
	}
	return v
}
