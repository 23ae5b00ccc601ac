package domain

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const (
	DefaultIterations  = 1
	DefaultAspectRatio = "1:1"
	DefaultBaseSize    = 512
	DefaultSteps       = 25
	DefaultCFGScale    = 7.5
	DefaultSampler     = "k_lms"

	MaxIterations = 16
	MaxSteps      = 250
	MaxCFGScale   = 30
	MinBaseSize   = 64
	MaxBaseSize   = 2048
)

// Samplers lists the sampler names accepted by the inference engine.
var Samplers = []string{"k_lms", "k_euler", "k_euler_a", "k_heun", "k_dpm_2", "k_dpm_2_a", "ddim", "plms"}

// DreamParams mirrors the dream command surface.
type DreamParams struct {
	Prompt           string  `json:"prompt"`
	Seed             *int64  `json:"seed,omitempty"`
	Iterations       int     `json:"iterations"`
	AspectRatio      string  `json:"aspect_ratio"`
	BaseSize         int     `json:"base_size"`
	Steps            int     `json:"steps"`
	CFGScale         float64 `json:"cfg_scale"`
	Sampler          string  `json:"sampler"`
	PromptMatrix     bool    `json:"prompt_matrix"`
	NormalizeWeights bool    `json:"normalize_weights"`
	FaceFix          bool    `json:"face_fix"`
	Upscale          bool    `json:"upscale"`
	UpscaleAnime     bool    `json:"upscale_anime"`
	ReferenceImage   string  `json:"reference_image,omitempty"`
}

// DefaultDreamParams returns the command defaults. Decoding a request on top
// of this value keeps the defaults for omitted fields.
func DefaultDreamParams() DreamParams {
	return DreamParams{
		Iterations:       DefaultIterations,
		AspectRatio:      DefaultAspectRatio,
		BaseSize:         DefaultBaseSize,
		Steps:            DefaultSteps,
		CFGScale:         DefaultCFGScale,
		Sampler:          DefaultSampler,
		NormalizeWeights: true,
		FaceFix:          true,
	}
}

// Normalize canonicalizes free text and fills zero-valued numeric fields with
// their defaults.
func (p *DreamParams) Normalize() {
	p.Prompt = norm.NFKC.String(strings.TrimSpace(p.Prompt))
	p.AspectRatio = strings.ReplaceAll(strings.TrimSpace(p.AspectRatio), " ", "")
	p.Sampler = strings.ToLower(strings.TrimSpace(p.Sampler))
	p.ReferenceImage = strings.TrimSpace(p.ReferenceImage)
	if p.Iterations == 0 {
		p.Iterations = DefaultIterations
	}
	if p.AspectRatio == "" {
		p.AspectRatio = DefaultAspectRatio
	}
	if p.BaseSize == 0 {
		p.BaseSize = DefaultBaseSize
	}
	if p.Steps == 0 {
		p.Steps = DefaultSteps
	}
	if p.CFGScale == 0 {
		p.CFGScale = DefaultCFGScale
	}
	if p.Sampler == "" {
		p.Sampler = DefaultSampler
	}
}

// Validate returns a *ValidationError for the first rejected field.
func (p DreamParams) Validate() error {
	switch {
	case p.Prompt == "":
		return &ValidationError{Field: "prompt", Message: "must not be empty"}
	case p.Iterations < 1 || p.Iterations > MaxIterations:
		return &ValidationError{Field: "iterations", Message: fmt.Sprintf("must be between 1 and %d", MaxIterations)}
	case p.Steps < 1 || p.Steps > MaxSteps:
		return &ValidationError{Field: "steps", Message: fmt.Sprintf("must be between 1 and %d", MaxSteps)}
	case p.CFGScale <= 0 || p.CFGScale > MaxCFGScale:
		return &ValidationError{Field: "cfg_scale", Message: fmt.Sprintf("must be in (0, %d]", MaxCFGScale)}
	case !knownSampler(p.Sampler):
		return &ValidationError{Field: "sampler", Message: fmt.Sprintf("unknown sampler %q", p.Sampler)}
	case p.BaseSize < MinBaseSize || p.BaseSize > MaxBaseSize:
		return &ValidationError{Field: "base_size", Message: fmt.Sprintf("must be between %d and %d", MinBaseSize, MaxBaseSize)}
	case p.Seed != nil && (*p.Seed < 0 || *p.Seed > MaxSeed):
		return &ValidationError{Field: "seed", Message: fmt.Sprintf("must be between 0 and %d", MaxSeed)}
	}
	return nil
}

// MaxSeed is the upper bound of the random seed draw, inclusive.
const MaxSeed int64 = 9999999999

func knownSampler(name string) bool {
	for _, s := range Samplers {
		if s == name {
			return true
		}
	}
	return false
}

// EffectiveSteps is the step count sent to the engine. Prompt matrix runs
// use two thirds of the requested steps.
func (p DreamParams) EffectiveSteps() int {
	if p.PromptMatrix {
		return int(float64(p.Steps) / 3 * 2)
	}
	return p.Steps
}

// Toggles builds the ordered flag set for the engine.
func (p DreamParams) Toggles() []Toggle {
	toggles := make([]Toggle, 0, 4)
	if p.PromptMatrix {
		toggles = append(toggles, TogglePromptMatrix)
	}
	if p.NormalizeWeights {
		toggles = append(toggles, ToggleNormalizeWeights)
	}
	if p.FaceFix {
		toggles = append(toggles, ToggleFaceFix)
	}
	if p.Upscale {
		toggles = append(toggles, ToggleUpscale)
	}
	return toggles
}

// AcknowledgmentText echoes the prompt and every effective parameter back to
// the requester.
func AcknowledgmentText(p DreamParams, who RequesterInfo) string {
	var b strings.Builder
	b.WriteString(p.Prompt)
	b.WriteString("\n")
	fmt.Fprintf(&b, "itr:%d ar:%s basesize:%d", p.Iterations, p.AspectRatio, p.BaseSize)
	if p.Seed != nil {
		b.WriteString(" seed:" + strconv.FormatInt(*p.Seed, 10))
	}
	fmt.Fprintf(&b, "\nddim_steps:%d cfg_scale:%s sampler_name:%s", p.EffectiveSteps(), strconv.FormatFloat(p.CFGScale, 'f', -1, 64), p.Sampler)
	fmt.Fprintf(&b, "\nmatrix:%t normalize:%t gfpgan:%t realesrgan:%t realesrgan_anime:%t",
		p.PromptMatrix, p.NormalizeWeights, p.FaceFix, p.Upscale, p.UpscaleAnime)
	fmt.Fprintf(&b, "\nuser: %s (%s)", who.UserName, who.UserID)
	if who.Country != "" {
		b.WriteString(" [" + who.Country + "]")
	}
	return b.String()
}
