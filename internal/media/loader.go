package media

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/memohai/chatgate/internal/channel"
)

// Loader fetches outbound media by URL or local path. It implements
// channel.MediaLoader.
type Loader struct {
	client    *http.Client
	localRoot string
}

// NewLoader creates a loader. Local paths are only served from under
// localRoot; an empty localRoot disables local files.
func NewLoader(client *http.Client, localRoot string) *Loader {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if localRoot != "" {
		if abs, err := filepath.Abs(localRoot); err == nil {
			localRoot = abs
		}
	}
	return &Loader{client: client, localRoot: localRoot}
}

// LoadMedia implements channel.MediaLoader.
func (l *Loader) LoadMedia(ctx context.Context, source string, maxBytes int64) (channel.Attachment, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return channel.Attachment{}, fmt.Errorf("media source is empty")
	}
	maxBytes = EffectiveMaxBytes(maxBytes)
	if u, err := url.Parse(source); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return l.loadHTTP(ctx, u, maxBytes)
	}
	return l.loadLocal(strings.TrimPrefix(source, "file://"), maxBytes)
}

func (l *Loader) loadHTTP(ctx context.Context, u *url.URL, maxBytes int64) (channel.Attachment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return channel.Attachment{}, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return channel.Attachment{}, fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return channel.Attachment{}, fmt.Errorf("%w: status %d", ErrDownloadFailed, resp.StatusCode)
	}
	if resp.ContentLength > maxBytes {
		return channel.Attachment{}, fmt.Errorf("%w: content length %d, max %d", ErrAssetTooLarge, resp.ContentLength, maxBytes)
	}
	data, err := ReadAllWithLimit(resp.Body, maxBytes)
	if err != nil {
		return channel.Attachment{}, err
	}
	return buildAttachment(data, resp.Header.Get("Content-Type"), path.Base(u.Path)), nil
}

func (l *Loader) loadLocal(p string, maxBytes int64) (channel.Attachment, error) {
	if l.localRoot == "" {
		return channel.Attachment{}, fmt.Errorf("local media is disabled: %s", p)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return channel.Attachment{}, err
	}
	if !strings.HasPrefix(abs, l.localRoot+string(filepath.Separator)) {
		return channel.Attachment{}, fmt.Errorf("%w: %s", ErrPathTraversal, p)
	}
	f, err := os.Open(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return channel.Attachment{}, ErrAssetNotFound
		}
		return channel.Attachment{}, err
	}
	defer f.Close()
	data, err := ReadAllWithLimit(f, maxBytes)
	if err != nil {
		return channel.Attachment{}, err
	}
	return buildAttachment(data, "", filepath.Base(abs)), nil
}

func buildAttachment(data []byte, declared, name string) channel.Attachment {
	mime := DetectContentType(data, declared)
	if name == "." || name == "/" {
		name = ""
	}
	return channel.Attachment{
		Type: AttachmentTypeFor(mime),
		Name: name,
		Size: int64(len(data)),
		Mime: mime,
		Data: data,
	}
}
