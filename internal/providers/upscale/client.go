package upscale

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"dreambot/internal/domain"
	"dreambot/internal/infra"
)

// Scale is the factor applied to every upscaled image.
const Scale = 2

// Upscaler enlarges a finished artifact with the named model.
type Upscaler interface {
	Upscale(ctx context.Context, img image.Image, model string) (image.Image, error)
}

// Options configures the upscale client.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// Client calls the inference server's single-image extras endpoint, or
// performs a nearest-neighbour enlargement locally when BaseURL is empty.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
}

// NewClient builds an upscale client.
func NewClient(opts Options) *Client {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	logger := opts.Logger
	if logger == nil {
		discard := infra.Logger(zerolog.New(io.Discard))
		logger = &discard
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: client,
		logger:     logger,
	}
}

// Upscale returns img enlarged by Scale.
func (c *Client) Upscale(ctx context.Context, img image.Image, model string) (image.Image, error) {
	if img == nil {
		return nil, fmt.Errorf("upscale: image is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.baseURL == "" {
		return nearest(img, Scale), nil
	}
	out, err := c.remote(ctx, img, model)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrProviderFailure, err)
	}
	c.logger.Debug().Str("model", model).Msg("upscale: image upscaled")
	return out, nil
}

type extrasRequest struct {
	Image           string  `json:"image"`
	Upscaler1       string  `json:"upscaler_1"`
	UpscalingResize float64 `json:"upscaling_resize"`
}

type extrasResponse struct {
	Image string `json:"image"`
}

func (c *Client) remote(ctx context.Context, img image.Image, model string) (image.Image, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode source: %w", err)
	}
	body, err := json.Marshal(extrasRequest{
		Image:           base64.StdEncoding.EncodeToString(buf.Bytes()),
		Upscaler1:       domain.UpscalerName(model),
		UpscalingResize: Scale,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sdapi/v1/extra-single-image", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoke upscaler: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(resp.Body)
		var apiErr struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Detail != "" {
			return nil, fmt.Errorf("upscaler status %d: %s", resp.StatusCode, apiErr.Detail)
		}
		return nil, fmt.Errorf("upscaler status %d", resp.StatusCode)
	}

	var decoded extrasResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode upscaler response: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(decoded.Image)
	if err != nil {
		return nil, fmt.Errorf("decode image data: %w", err)
	}
	out, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return out, nil
}

func nearest(src image.Image, factor int) image.Image {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx()*factor, b.Dy()*factor))
	for y := 0; y < dst.Bounds().Dy(); y++ {
		for x := 0; x < dst.Bounds().Dx(); x++ {
			dst.Set(x, y, src.At(b.Min.X+x/factor, b.Min.Y+y/factor))
		}
	}
	return dst
}
