package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultJPEGThreshold is the encoded PNG size at which artifacts are stored
// as JPEG instead.
const DefaultJPEGThreshold = 6000000

// FileStore persists generated artifacts under one output directory shared
// by workers, the upscaler and the front-end.
type FileStore struct {
	basePath      string
	jpegThreshold int64
	jpegQuality   int
}

// NewFileStore initializes a FileStore rooted at basePath.
func NewFileStore(basePath string) (*FileStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("storage: base path is required")
	}
	if abs, err := filepath.Abs(basePath); err == nil {
		basePath = abs
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure base path: %w", err)
	}
	return &FileStore{basePath: basePath, jpegThreshold: DefaultJPEGThreshold, jpegQuality: 95}, nil
}

// SetJPEGThreshold overrides the PNG size limit. Values <= 0 keep the
// default.
func (s *FileStore) SetJPEGThreshold(n int64) {
	if n > 0 {
		s.jpegThreshold = n
	}
}

// BasePath returns the configured root directory.
func (s *FileStore) BasePath() string {
	if s == nil {
		return ""
	}
	return s.basePath
}

// Write persists the provided bytes at the given relative key and returns the
// canonicalized storage key. Keys are cleaned to prevent directory traversal.
func (s *FileStore) Write(ctx context.Context, key string, data []byte) (string, error) {
	if s == nil {
		return "", errors.New("storage: no store configured")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(cleanKey))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("storage: ensure directory: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return "", fmt.Errorf("storage: write file: %w", err)
	}
	return cleanKey, nil
}

// Read returns the bytes stored under key.
func (s *FileStore) Read(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := s.Path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("storage: %q: %w", key, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("storage: read file: %w", err)
	}
	return data, nil
}

// Path resolves key to an absolute path inside the store.
func (s *FileStore) Path(key string) (string, error) {
	if s == nil {
		return "", errors.New("storage: no store configured")
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, filepath.FromSlash(cleanKey)), nil
}

// Exists reports whether key names a regular file in the store.
func (s *FileStore) Exists(key string) bool {
	full, err := s.Path(key)
	if err != nil {
		return false
	}
	info, err := os.Stat(full)
	return err == nil && info.Mode().IsRegular()
}

// SaveImage encodes img as PNG and stores it as stem+".png". When the PNG
// reaches the JPEG threshold the image is stored as stem+".jpg" instead.
// The returned key is the stored file name.
func (s *FileStore) SaveImage(ctx context.Context, stem string, img image.Image) (string, error) {
	if img == nil {
		return "", errors.New("storage: image is required")
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("storage: encode png: %w", err)
	}
	if int64(buf.Len()) < s.jpegThreshold {
		return s.Write(ctx, stem+".png", buf.Bytes())
	}
	buf.Reset()
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.jpegQuality}); err != nil {
		return "", fmt.Errorf("storage: encode jpeg: %w", err)
	}
	return s.Write(ctx, stem+".jpg", buf.Bytes())
}

// LoadImage decodes the PNG or JPEG stored under key.
func (s *FileStore) LoadImage(ctx context.Context, key string) (image.Image, error) {
	data, err := s.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("storage: decode %q: %w", key, err)
	}
	return img, nil
}

// WriteSidecar stores doc as YAML next to the artifact, replacing its
// extension with ".yaml".
func (s *FileStore) WriteSidecar(ctx context.Context, artifactKey string, doc any) (string, error) {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("storage: encode sidecar: %w", err)
	}
	key := strings.TrimSuffix(artifactKey, filepath.Ext(artifactKey)) + ".yaml"
	return s.Write(ctx, key, data)
}

// sanitizeKey normalizes a key and prevents escaping the storage root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("storage: key is required")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.Clean(key)
	cleaned = strings.ReplaceAll(cleaned, "\\", "/")
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("storage: invalid key")
	}
	return cleaned, nil
}
