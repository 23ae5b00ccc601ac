package diffusion

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

// Options controls how the inference client is configured.
type Options struct {
	BaseURL    string
	Model      string
	Checkpoint string
	HTTPClient *http.Client
	Logger     *infra.Logger
	Now        func() time.Time
}

// Client talks to a Stable Diffusion web API (the /sdapi/v1 surface). With
// no BaseURL it renders deterministic synthetic images from the seed so the
// pipeline runs without a GPU.
type Client struct {
	baseURL    string
	model      string
	checkpoint string
	httpClient *http.Client
	logger     *infra.Logger
	now        func() time.Time
}

// NewClient constructs an inference client. A nil HTTP client is replaced by
// one with a generous timeout.
func NewClient(opts Options) (*Client, error) {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}

	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "sd1.5"
	}

	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		model:      model,
		checkpoint: strings.TrimSpace(opts.Checkpoint),
		httpClient: client,
		logger:     logger,
		now:        now,
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// Synthetic reports whether the client renders locally.
func (c *Client) Synthetic() bool {
	return c.baseURL == ""
}

// Generate renders one image for req.
func (c *Client) Generate(ctx context.Context, req Request) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	started := c.now()
	var (
		out *Output
		err error
	)
	if c.Synthetic() {
		out = c.synthetic(req)
	} else {
		out, err = c.remote(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrProviderFailure, err)
		}
	}
	elapsed := c.now().Sub(started).Seconds()
	out.Stats = strings.TrimSpace(fmt.Sprintf("Took %.2fs total (%.2fs per image)\n%s", elapsed, elapsed, out.Stats))

	c.logger.Debug().
		Str("job_id", req.JobID).
		Str("model", c.model).
		Int64("seed", out.Seed).
		Bool("synthetic", c.Synthetic()).
		Msg("diffusion: image generated")
	return out, nil
}

func (c *Client) synthetic(req Request) *Output {
	p := req.Payload
	seed := deterministicSeed(p.Seed, p.Prompt, p.Steps, p.Sampler, p.CFGScale, c.model)
	width, height := p.Width, p.Height
	if p.Has(domain.ToggleUpscale) {
		width, height = width*2, height*2
	}
	return &Output{
		Image: renderSyntheticImage(width, height, seed),
		Seed:  p.Seed,
		Stats: "Synthetic render",
	}
}

type sdRequest struct {
	Prompt            string         `json:"prompt"`
	Steps             int            `json:"steps"`
	SamplerName       string         `json:"sampler_name"`
	CFGScale          float64        `json:"cfg_scale"`
	Seed              int64          `json:"seed"`
	Width             int            `json:"width"`
	Height            int            `json:"height"`
	BatchSize         int            `json:"batch_size"`
	NIter             int            `json:"n_iter"`
	Eta               float64        `json:"eta"`
	RestoreFaces      bool           `json:"restore_faces"`
	EnableHR          bool           `json:"enable_hr,omitempty"`
	HRUpscaler        string         `json:"hr_upscaler,omitempty"`
	HRScale           float64        `json:"hr_scale,omitempty"`
	InitImages        []string       `json:"init_images,omitempty"`
	DenoisingStrength float64        `json:"denoising_strength,omitempty"`
	OverrideSettings  map[string]any `json:"override_settings,omitempty"`
}

type sdResponse struct {
	Images []string `json:"images"`
	Info   string   `json:"info"`
}

type sdInfo struct {
	Seed int64 `json:"seed"`
}

type sdErrorResponse struct {
	Detail string `json:"detail"`
	Error  string `json:"error"`
}

// sampler names as the web API spells them
var samplerNames = map[string]string{
	"k_lms":     "LMS",
	"k_euler":   "Euler",
	"k_euler_a": "Euler a",
	"k_heun":    "Heun",
	"k_dpm_2":   "DPM2",
	"k_dpm_2_a": "DPM2 a",
	"ddim":      "DDIM",
	"plms":      "PLMS",
}

func (c *Client) remote(ctx context.Context, req Request) (*Output, error) {
	p := req.Payload
	sampler, ok := samplerNames[p.Sampler]
	if !ok {
		sampler = p.Sampler
	}
	payload := sdRequest{
		Prompt:       p.Prompt,
		Steps:        p.Steps,
		SamplerName:  sampler,
		CFGScale:     p.CFGScale,
		Seed:         p.Seed,
		Width:        p.Width,
		Height:       p.Height,
		BatchSize:    max(p.BatchSize, 1),
		NIter:        max(p.NIter, 1),
		Eta:          p.DDIMEta,
		RestoreFaces: p.Has(domain.ToggleFaceFix),
	}
	if p.Has(domain.ToggleUpscale) {
		payload.EnableHR = true
		payload.HRUpscaler = domain.UpscalerName(p.UpscaleModel)
		payload.HRScale = 2
	}
	if c.checkpoint != "" {
		payload.OverrideSettings = map[string]any{"sd_model_checkpoint": c.checkpoint}
	}
	path := "/sdapi/v1/txt2img"
	if req.Init != nil {
		encoded, err := encodePNGBase64(req.Init)
		if err != nil {
			return nil, err
		}
		payload.InitImages = []string{encoded}
		payload.DenoisingStrength = 0.75
		path = "/sdapi/v1/img2img"
	}

	var resp sdResponse
	if err := c.invoke(ctx, path, payload, &resp); err != nil {
		return nil, err
	}
	if len(resp.Images) == 0 {
		return nil, fmt.Errorf("inference returned no images")
	}
	img, err := decodeBase64Image(resp.Images[0])
	if err != nil {
		return nil, err
	}

	seed := p.Seed
	var info sdInfo
	if resp.Info != "" && json.Unmarshal([]byte(resp.Info), &info) == nil && info.Seed != 0 {
		seed = info.Seed
	}
	return &Output{Image: img, Seed: seed}, nil
}

func (c *Client) invoke(ctx context.Context, path string, payload any, out any) error {
	return invokeJSON(ctx, c.httpClient, c.baseURL+path, payload, out)
}

// invokeJSON posts payload as JSON and decodes a JSON answer into out.
func invokeJSON(ctx context.Context, client *http.Client, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("invoke inference: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(resp.Body)
		var apiErr sdErrorResponse
		if json.Unmarshal(data, &apiErr) == nil {
			if msg := firstNonEmpty(apiErr.Detail, apiErr.Error); msg != "" {
				return fmt.Errorf("inference status %d: %s", resp.StatusCode, msg)
			}
		}
		if len(data) > 0 {
			return fmt.Errorf("inference status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		}
		return fmt.Errorf("inference status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode inference response: %w", err)
	}
	return nil
}

func encodePNGBase64(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode init image: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func decodeBase64Image(data string) (image.Image, error) {
	// some servers prefix a data URL header
	if _, rest, ok := strings.Cut(data, ","); ok && strings.HasPrefix(data, "data:") {
		data = rest
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode image data: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
