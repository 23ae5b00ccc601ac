package storage

import (
	"context"
	"image"
	"image/color"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	return s
}

func noiseImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	r := rand.New(rand.NewPCG(1, 2))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(r.IntN(256)), uint8(r.IntN(256)), uint8(r.IntN(256)), 255})
		}
	}
	return img
}

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		key     string
		want    string
		wantErr bool
	}{
		{key: "a.png", want: "a.png"},
		{key: "/nested/./b.png", want: "nested/b.png"},
		{key: "..\\escape.png", wantErr: true},
		{key: "../escape.png", wantErr: true},
		{key: "..", wantErr: true},
		{key: "  ", wantErr: true},
	}
	for _, tc := range tests {
		got, err := sanitizeKey(tc.key)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("sanitizeKey(%q) = %q, want error", tc.key, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("sanitizeKey(%q) = %q, %v, want %q", tc.key, got, err, tc.want)
		}
	}
}

func TestSaveImageKeepsSmallPNG(t *testing.T) {
	s := newStore(t)
	name, err := s.SaveImage(context.Background(), "1700000000_job", image.NewRGBA(image.Rect(0, 0, 64, 64)))
	if err != nil {
		t.Fatalf("SaveImage() error = %v", err)
	}
	if name != "1700000000_job.png" {
		t.Fatalf("SaveImage() = %q, want png", name)
	}
	if !s.Exists(name) {
		t.Fatalf("Exists(%q) = false", name)
	}
	img, err := s.LoadImage(context.Background(), name)
	if err != nil {
		t.Fatalf("LoadImage() error = %v", err)
	}
	if img.Bounds().Dx() != 64 {
		t.Fatalf("width = %d, want 64", img.Bounds().Dx())
	}
}

func TestSaveImageSwitchesToJPEGAtThreshold(t *testing.T) {
	s := newStore(t)
	s.SetJPEGThreshold(1024)
	name, err := s.SaveImage(context.Background(), "big", noiseImage(128, 128))
	if err != nil {
		t.Fatalf("SaveImage() error = %v", err)
	}
	if name != "big.jpg" {
		t.Fatalf("SaveImage() = %q, want big.jpg", name)
	}
	data, err := os.ReadFile(filepath.Join(s.BasePath(), name))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
		t.Fatalf("stored file is not a JPEG")
	}
}

func TestWriteSidecar(t *testing.T) {
	s := newStore(t)
	doc := map[string]any{"prompt": "a cat", "seed": 42}
	key, err := s.WriteSidecar(context.Background(), "1700000000_job.png", doc)
	if err != nil {
		t.Fatalf("WriteSidecar() error = %v", err)
	}
	if key != "1700000000_job.yaml" {
		t.Fatalf("WriteSidecar() = %q", key)
	}
	data, err := s.Read(context.Background(), key)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !strings.Contains(string(data), "prompt: a cat") || !strings.Contains(string(data), "seed: 42") {
		t.Fatalf("sidecar = %q", data)
	}
}

func TestReadMissing(t *testing.T) {
	s := newStore(t)
	if _, err := s.Read(context.Background(), "missing.png"); err == nil {
		t.Fatalf("Read() error = nil, want error")
	}
	if s.Exists("missing.png") {
		t.Fatalf("Exists() = true for missing key")
	}
}
