package resolution

import (
	"errors"
	"fmt"
	"testing"
)

func TestPlan(t *testing.T) {
	tests := []struct {
		aspect string
		base   int
		want   Size
	}{
		{aspect: "1:1", base: 512, want: Size{Width: 512, Height: 512}},
		{aspect: "1:1", base: 100, want: Size{Width: 64, Height: 64}},
		{aspect: "1:1", base: 1000, want: Size{Width: 960, Height: 960}},
		{aspect: "2:1", base: 512, want: Size{Width: 1024, Height: 512}},
		{aspect: "1:2", base: 512, want: Size{Width: 512, Height: 1024}},
		{aspect: "4:1", base: 256, want: Size{Width: 1024, Height: 256}},
		{aspect: "1:1", base: 2048, want: Size{Width: 1024, Height: 1024}},
		{aspect: "2:1", base: 1024, want: Size{Width: 1408, Height: 704}},
		{aspect: " 2 : 1 ", base: 512, want: Size{Width: 1024, Height: 512}},
		{aspect: "2.0:1", base: 512, want: Size{Width: 1024, Height: 512}},
		{aspect: "7:5", base: 64, want: Size{Width: 64, Height: 64}},
	}

	for _, tc := range tests {
		t.Run(fmt.Sprintf("%s@%d", tc.aspect, tc.base), func(t *testing.T) {
			got, err := Plan(tc.aspect, tc.base)
			if err != nil {
				t.Fatalf("Plan() error = %v", err)
			}
			if got != tc.want {
				t.Fatalf("Plan() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestPlanInvariants(t *testing.T) {
	aspects := []string{"1:1", "16:9", "9:16", "4:3", "3:4", "21:9", "3:2", "2:3", "5:4", "1:7", "1.5:1", "1:1000", "1000:1"}
	for _, aspect := range aspects {
		for base := 64; base <= 2048; base += 37 {
			size, err := Plan(aspect, base)
			if err != nil {
				t.Fatalf("Plan(%q, %d) error = %v", aspect, base, err)
			}
			if size.Width <= 0 || size.Height <= 0 {
				t.Fatalf("Plan(%q, %d) = %s, want positive sides", aspect, base, size)
			}
			if size.Width%Step != 0 || size.Height%Step != 0 {
				t.Fatalf("Plan(%q, %d) = %s, want multiples of %d", aspect, base, size, Step)
			}
			if size.Area() > MaxArea {
				t.Fatalf("Plan(%q, %d) = %s, area %d exceeds %d", aspect, base, size, size.Area(), MaxArea)
			}
		}
	}
}

func TestPlanOrientation(t *testing.T) {
	landscape, err := Plan("16:9", 768)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if landscape.Width <= landscape.Height {
		t.Fatalf("landscape = %s, want width > height", landscape)
	}
	portrait, err := Plan("9:16", 768)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if portrait.Height <= portrait.Width {
		t.Fatalf("portrait = %s, want height > width", portrait)
	}
}

func TestPlanRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		aspect string
		base   int
		want   error
	}{
		{aspect: "16x9", base: 512, want: ErrInvalidAspect},
		{aspect: "0:1", base: 512, want: ErrInvalidAspect},
		{aspect: "a:b", base: 512, want: ErrInvalidAspect},
		{aspect: "-1:2", base: 512, want: ErrInvalidAspect},
		{aspect: "NaN:1", base: 512, want: ErrInvalidAspect},
		{aspect: "1:1", base: 0, want: ErrInvalidBaseSize},
	}
	for _, tc := range tests {
		if _, err := Plan(tc.aspect, tc.base); !errors.Is(err, tc.want) {
			t.Fatalf("Plan(%q, %d) error = %v, want %v", tc.aspect, tc.base, err, tc.want)
		}
	}
}
