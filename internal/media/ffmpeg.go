package media

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"driftline/internal/pipeline"
)

// ProbeResult is the subset of ffprobe output the stage needs.
type ProbeResult struct {
	DurationSeconds int
	HasVideo        bool
	HasAudio        bool
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Toolchain wraps the ffmpeg/ffprobe invocations shared by the media and
// enrichment stages.
type Toolchain struct {
	runner  Runner
	ffmpeg  string
	ffprobe string
}

// NewToolchain builds a Toolchain; empty binary names fall back to the tools
// on PATH.
func NewToolchain(runner Runner, ffmpeg, ffprobe string) *Toolchain {
	if runner == nil {
		runner = NewExecRunner()
	}
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	return &Toolchain{runner: runner, ffmpeg: ffmpeg, ffprobe: ffprobe}
}

func (t *Toolchain) Probe(ctx context.Context, path string) (ProbeResult, error) {
	out, err := t.runner.Run(ctx, t.ffprobe,
		"-v", "error",
		"-show_streams",
		"-show_format",
		"-of", "json",
		path)
	if err != nil {
		return ProbeResult{}, pipeline.Wrap(pipeline.KindInvalidData, err)
	}
	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return ProbeResult{}, pipeline.Wrap(pipeline.KindInvalidData, fmt.Errorf("parse ffprobe output: %w", err))
	}
	result := ProbeResult{}
	for _, stream := range parsed.Streams {
		switch stream.CodecType {
		case "video":
			result.HasVideo = true
		case "audio":
			result.HasAudio = true
		}
	}
	if seconds, err := strconv.ParseFloat(parsed.Format.Duration, 64); err == nil {
		result.DurationSeconds = int(math.Round(seconds))
	}
	if !result.HasVideo && !result.HasAudio {
		return ProbeResult{}, pipeline.Errorf(pipeline.KindInvalidData, "no audio or video stream in %s", filepath.Base(path))
	}
	return result, nil
}

// Transcode produces a broadly playable MP4: H.264 baseline video, AAC audio,
// yuv420p, and faststart so clients can begin playback before the full
// download. Audio-only inputs get a still placeholder frame muxed in.
func (t *Toolchain) Transcode(ctx context.Context, input, output string, probe ProbeResult) error {
	args := []string{"-y", "-i", input}
	if !probe.HasVideo {
		args = []string{"-y",
			"-f", "lavfi", "-i", "color=c=black:s=1280x720:r=1",
			"-i", input,
			"-map", "0:v", "-map", "1:a",
			"-shortest",
		}
	}
	args = append(args,
		"-c:v", "libx264",
		"-profile:v", "baseline",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-movflags", "+faststart",
		output)
	if _, err := t.runner.Run(ctx, t.ffmpeg, args...); err != nil {
		return pipeline.Wrap(pipeline.KindInternal, err)
	}
	if _, err := os.Stat(output); err != nil {
		return pipeline.Errorf(pipeline.KindInternal, "transcode produced no output file")
	}
	return nil
}

// Thumbnail grabs one frame two seconds in. Callers treat failure as
// non-fatal.
func (t *Toolchain) Thumbnail(ctx context.Context, input, output string) error {
	_, err := t.runner.Run(ctx, t.ffmpeg,
		"-y",
		"-ss", "2",
		"-i", input,
		"-frames:v", "1",
		"-q:v", "3",
		output)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(output); statErr != nil {
		return fmt.Errorf("thumbnail produced no file")
	}
	return nil
}

// ExtractAudio demuxes the audio track to a standalone file for transcription.
func (t *Toolchain) ExtractAudio(ctx context.Context, input, output string) error {
	if _, err := t.runner.Run(ctx, t.ffmpeg,
		"-y",
		"-i", input,
		"-vn",
		"-c:a", "aac",
		output); err != nil {
		return pipeline.Wrap(pipeline.KindInternal, err)
	}
	return nil
}
