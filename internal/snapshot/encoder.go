package snapshot

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Encoder turns an ordered frame sequence into a single video artifact.
type Encoder interface {
	Encode(ctx context.Context, frames [][]byte) ([]byte, error)
}

// FFmpegEncoder shells out to ffmpeg: frames are written to a scratch
// directory as a numbered PNG sequence and encoded to h264 mp4.
type FFmpegEncoder struct {
	// Path is the ffmpeg binary; default "ffmpeg" from PATH.
	Path string
	// Framerate of the output; the original pipeline used 60.
	Framerate int
}

func (e *FFmpegEncoder) Encode(ctx context.Context, frames [][]byte) ([]byte, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames")
	}
	bin := e.Path
	if strings.TrimSpace(bin) == "" {
		bin = "ffmpeg"
	}
	fps := e.Framerate
	if fps <= 0 {
		fps = 60
	}

	dir, err := os.MkdirTemp("", "timelapse-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	for i, frame := range frames {
		name := filepath.Join(dir, fmt.Sprintf("frame%04d.png", i))
		if err := os.WriteFile(name, frame, 0o644); err != nil {
			return nil, err
		}
	}

	out := filepath.Join(dir, "output.mp4")
	cmd := exec.CommandContext(ctx, bin,
		"-framerate", fmt.Sprintf("%d", fps),
		"-pattern_type", "sequence",
		"-i", filepath.Join(dir, "frame%04d.png"),
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "23",
		"-pix_fmt", "yuv420p",
		out,
	)
	if outb, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w (%s)", err, tail(string(outb), 300))
	}
	return os.ReadFile(out)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
