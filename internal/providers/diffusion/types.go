package diffusion

import (
	"context"
	"image"

	"dreambot/internal/domain"
)

// Request is one text-to-image (or image-to-image when Init is set) call.
type Request struct {
	JobID   string
	Payload domain.Payload
	Init    image.Image
}

// Output is the rendered image plus the engine's human-readable statistics.
type Output struct {
	Image image.Image
	Seed  int64
	Stats string
}

// Generator runs inference. Implementations may block for minutes and are
// not expected to honour cancellation mid-render.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Output, error)
	Model() string
}
