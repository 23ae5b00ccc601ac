package domain

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestDreamParamsNormalizeFillsDefaults(t *testing.T) {
	p := DreamParams{Prompt: "  a cat  ", Sampler: " K_EULER "}
	p.Normalize()

	if p.Prompt != "a cat" {
		t.Fatalf("Prompt = %q, want %q", p.Prompt, "a cat")
	}
	if p.Sampler != "k_euler" {
		t.Fatalf("Sampler = %q, want %q", p.Sampler, "k_euler")
	}
	if p.Iterations != DefaultIterations || p.Steps != DefaultSteps || p.BaseSize != DefaultBaseSize {
		t.Fatalf("numeric defaults not applied: %+v", p)
	}
	if p.AspectRatio != DefaultAspectRatio {
		t.Fatalf("AspectRatio = %q, want %q", p.AspectRatio, DefaultAspectRatio)
	}
	if p.CFGScale != DefaultCFGScale {
		t.Fatalf("CFGScale = %v, want %v", p.CFGScale, DefaultCFGScale)
	}
}

func TestDreamParamsNormalizeCompatibilityForms(t *testing.T) {
	p := DefaultDreamParams()
	p.Prompt = "ｈｅｌｌｏ"
	p.Normalize()
	if p.Prompt != "hello" {
		t.Fatalf("Prompt = %q, want NFKC folded %q", p.Prompt, "hello")
	}
}

func TestDreamParamsValidate(t *testing.T) {
	seed := int64(-1)
	tests := []struct {
		name  string
		edit  func(p *DreamParams)
		field string
	}{
		{name: "empty prompt", edit: func(p *DreamParams) { p.Prompt = "" }, field: "prompt"},
		{name: "too many iterations", edit: func(p *DreamParams) { p.Iterations = MaxIterations + 1 }, field: "iterations"},
		{name: "negative iterations", edit: func(p *DreamParams) { p.Iterations = -1 }, field: "iterations"},
		{name: "too many steps", edit: func(p *DreamParams) { p.Steps = MaxSteps + 1 }, field: "steps"},
		{name: "cfg out of range", edit: func(p *DreamParams) { p.CFGScale = 31 }, field: "cfg_scale"},
		{name: "unknown sampler", edit: func(p *DreamParams) { p.Sampler = "euler_xyz" }, field: "sampler"},
		{name: "base size too small", edit: func(p *DreamParams) { p.BaseSize = 32 }, field: "base_size"},
		{name: "negative seed", edit: func(p *DreamParams) { p.Seed = &seed }, field: "seed"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := DefaultDreamParams()
			p.Prompt = "a cat"
			tc.edit(&p)
			err := p.Validate()
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() error = %v, want *ValidationError", err)
			}
			if verr.Field != tc.field {
				t.Fatalf("Field = %q, want %q", verr.Field, tc.field)
			}
			if !errors.Is(err, ErrInvalidParams) {
				t.Fatalf("Validate() error does not wrap ErrInvalidParams")
			}
		})
	}

	p := DefaultDreamParams()
	p.Prompt = "a cat"
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate() on defaults error = %v", err)
	}
}

func TestDreamParamsTogglesAndSteps(t *testing.T) {
	p := DefaultDreamParams()
	p.PromptMatrix = true
	p.Upscale = true

	if got, want := p.Toggles(), []Toggle{TogglePromptMatrix, ToggleNormalizeWeights, ToggleFaceFix, ToggleUpscale}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Toggles() = %v, want %v", got, want)
	}
	if got := p.EffectiveSteps(); got != 16 {
		t.Fatalf("EffectiveSteps() = %d, want 16", got)
	}

	p.PromptMatrix = false
	if got := p.EffectiveSteps(); got != DefaultSteps {
		t.Fatalf("EffectiveSteps() = %d, want %d", got, DefaultSteps)
	}
}

func TestAcknowledgmentText(t *testing.T) {
	p := DefaultDreamParams()
	p.Prompt = "a lighthouse"
	p.Iterations = 2
	text := AcknowledgmentText(p, RequesterInfo{UserID: "42", UserName: "alice", Country: "JP"})

	for _, want := range []string{
		"a lighthouse\n",
		"itr:2 ar:1:1 basesize:512",
		"ddim_steps:25 cfg_scale:7.5 sampler_name:k_lms",
		"matrix:false normalize:true gfpgan:true realesrgan:false realesrgan_anime:false",
		"user: alice (42) [JP]",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("AcknowledgmentText() = %q, missing %q", text, want)
		}
	}
}

func TestUpscaleModelFor(t *testing.T) {
	if got := UpscaleModelFor(false); got != UpscaleModelGeneral {
		t.Fatalf("UpscaleModelFor(false) = %q", got)
	}
	if got := UpscaleModelFor(true); got != UpscaleModelAnime {
		t.Fatalf("UpscaleModelFor(true) = %q", got)
	}
}
