package domain

import "slices"

// Toggle is a numeric post-processing flag understood by the inference
// engine.
type Toggle int

const (
	TogglePromptMatrix     Toggle = 0
	ToggleNormalizeWeights Toggle = 1
	ToggleFaceFix          Toggle = 7
	ToggleUpscale          Toggle = 8
)

const (
	UpscaleModelGeneral = "RealESRGAN_x4plus"
	UpscaleModelAnime   = "RealESRGAN_x4plus_anime_6B"
)

// UpscalerName maps an upscale model to the label used by the inference
// server's upscaler list.
func UpscalerName(model string) string {
	switch model {
	case UpscaleModelAnime:
		return "R-ESRGAN 4x+ Anime6B"
	case UpscaleModelGeneral, "":
		return "R-ESRGAN 4x+"
	default:
		return model
	}
}

// Fixed sampler settings carried on every payload.
const (
	DefaultDDIMEta   = 0.0
	DefaultNIter     = 1
	DefaultBatchSize = 1
)

// UpscaleModelFor selects the post-process variant.
func UpscaleModelFor(anime bool) string {
	if anime {
		return UpscaleModelAnime
	}
	return UpscaleModelGeneral
}

// Payload is the immutable generation request handed to a worker.
type Payload struct {
	Prompt         string   `msgpack:"prompt" yaml:"prompt"`
	Steps          int      `msgpack:"steps" yaml:"ddim_steps"`
	Sampler        string   `msgpack:"sampler" yaml:"sampler_name"`
	Toggles        []Toggle `msgpack:"toggles" yaml:"toggles,flow"`
	UpscaleModel   string   `msgpack:"upscale_model" yaml:"realesrgan_model_name"`
	DDIMEta        float64  `msgpack:"ddim_eta" yaml:"ddim_eta"`
	NIter          int      `msgpack:"n_iter" yaml:"n_iter"`
	BatchSize      int      `msgpack:"batch_size" yaml:"batch_size"`
	CFGScale       float64  `msgpack:"cfg_scale" yaml:"cfg_scale"`
	Seed           int64    `msgpack:"seed" yaml:"seed"`
	Height         int      `msgpack:"height" yaml:"height"`
	Width          int      `msgpack:"width" yaml:"width"`
	ReferenceImage string   `msgpack:"reference_image,omitempty" yaml:"reference_image,omitempty"`
}

// Has reports whether the toggle is set.
func (p Payload) Has(t Toggle) bool {
	return slices.Contains(p.Toggles, t)
}
