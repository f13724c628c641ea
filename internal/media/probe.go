package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// FFProbe reads media duration with the ffprobe binary when it is installed.
type FFProbe struct {
	Binary  string
	Timeout time.Duration
}

// NewFFProbe returns a prober, or nil when ffprobe is not on PATH.
func NewFFProbe() *FFProbe {
	bin, err := exec.LookPath("ffprobe")
	if err != nil {
		return nil
	}
	return &FFProbe{Binary: bin, Timeout: 10 * time.Second}
}

type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// ProbeDuration implements DurationProber.
func (p *FFProbe) ProbeDuration(ctx context.Context, path string, _ string) (int64, error) {
	if p == nil || p.Binary == "" {
		return 0, fmt.Errorf("ffprobe unavailable")
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	out, err := exec.CommandContext(ctx, p.Binary,
		"-v", "quiet", "-print_format", "json", "-show_format", path,
	).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	return parseFFProbeDuration(out)
}

func parseFFProbeDuration(out []byte) (int64, error) {
	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return 0, fmt.Errorf("decode ffprobe output: %w", err)
	}
	raw := strings.TrimSpace(parsed.Format.Duration)
	if raw == "" {
		return 0, fmt.Errorf("ffprobe reported no duration")
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", raw, err)
	}
	return int64(seconds * 1000), nil
}
