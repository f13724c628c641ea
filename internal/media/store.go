package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// FileStore is a content-addressed ContentStore on the local filesystem.
// Files land at <root>/<direction>/<hash[:2]>/<hash><ext>.
type FileStore struct {
	root string
}

// NewFileStore creates a store rooted at root.
func NewFileStore(root string) (*FileStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve media root: %w", err)
	}
	return &FileStore{root: abs}, nil
}

// Root returns the absolute store root.
func (s *FileStore) Root() string {
	return s.root
}

// SaveBuffer implements ContentStore. The write goes to a temp file that is
// renamed into place, so readers never see partial content.
func (s *FileStore) SaveBuffer(_ context.Context, data []byte, contentType string, direction Direction, maxBytes int64) (Saved, error) {
	if len(data) == 0 {
		return Saved{}, fmt.Errorf("asset payload is empty")
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return Saved{}, fmt.Errorf("%w: max %d bytes", ErrAssetTooLarge, maxBytes)
	}
	if direction == "" {
		direction = DirectionInbound
	}
	contentType = DetectContentType(data, contentType)
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	key := filepath.Join(string(direction), hash[:2], hash+extensionFor(contentType))

	dest, err := s.hostPath(key)
	if err != nil {
		return Saved{}, err
	}
	saved := Saved{Path: dest, ContentType: contentType, Size: int64(len(data)), Hash: hash}
	if info, err := os.Stat(dest); err == nil && info.Size() == int64(len(data)) {
		return saved, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Saved{}, fmt.Errorf("create parent dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return Saved{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return Saved{}, fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Saved{}, fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return Saved{}, fmt.Errorf("rename file: %w", err)
	}
	return saved, nil
}

// Open reads a previously saved file by its absolute path.
func (s *FileStore) Open(path string) (*os.File, error) {
	clean := filepath.Clean(path)
	if !strings.HasPrefix(clean, s.root+string(filepath.Separator)) {
		return nil, ErrPathTraversal
	}
	f, err := os.Open(clean)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrAssetNotFound
		}
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

// hostPath converts a relative storage key into a path under root.
func (s *FileStore) hostPath(key string) (string, error) {
	clean := filepath.Clean(key)
	if filepath.IsAbs(clean) {
		return "", fmt.Errorf("absolute key is forbidden: %s", key)
	}
	if strings.HasPrefix(clean, ".."+string(filepath.Separator)) || clean == ".." {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, key)
	}
	joined := filepath.Join(s.root, clean)
	if !strings.HasPrefix(joined, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes media root: %s", key)
	}
	return joined, nil
}

// DetectContentType returns declared unless it is empty or generic, in which
// case the type is sniffed from data.
func DetectContentType(data []byte, declared string) string {
	declared = strings.TrimSpace(declared)
	if base, _, ok := strings.Cut(declared, ";"); ok {
		declared = strings.TrimSpace(base)
	}
	if declared != "" && !isGenericMime(declared) {
		return strings.ToLower(declared)
	}
	if len(data) == 0 {
		if declared != "" {
			return strings.ToLower(declared)
		}
		return "application/octet-stream"
	}
	detected := mimetype.Detect(data).String()
	if base, _, ok := strings.Cut(detected, ";"); ok {
		detected = base
	}
	return detected
}

func isGenericMime(mime string) bool {
	switch strings.ToLower(mime) {
	case "application/octet-stream", "binary/octet-stream", "application/unknown":
		return true
	default:
		return false
	}
}

func extensionFor(contentType string) string {
	if m := mimetype.Lookup(contentType); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	return ".bin"
}
