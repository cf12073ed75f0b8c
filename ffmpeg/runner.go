package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"memfetch/config"
	"memfetch/media"
)

// Video merge settings
const (
	DefaultEncoder = "libx264"
	PixelFormat    = "yuv420p"
	FastStartFlag  = "+faststart"
	AudioCodec     = "aac"
	AudioBitrate   = "192k"

	// minOutputSize rejects outputs ffmpeg "succeeded" at without producing video.
	minOutputSize = 1000
)

const overlayFilter = "[0:v]setsar=1[base];" +
	"[1:v]setsar=1[ovr];" +
	"[ovr][base]scale2ref[ovr_s][base_s];" +
	"[base_s][ovr_s]overlay=eof_action=pass:format=auto[outv]"

type Runner struct {
	bin       string
	encoder   string
	timeout   time.Duration
	extraArgs []string
	logger    *slog.Logger
}

// NewRunner checks that the ffmpeg binary is usable. A non-nil error means
// video merging is unavailable for this run.
func NewRunner(cfg *config.Config, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	bin, err := exec.LookPath(cfg.FFBin)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg binary not found or not in PATH: %s", cfg.FFBin)
	}

	var extra []string
	if strings.TrimSpace(cfg.FFExtraArgs) != "" {
		extra, err = SplitCommand(cfg.FFExtraArgs)
		if err != nil {
			return nil, err
		}
		if err := SanitizeArgs(extra); err != nil {
			return nil, err
		}
	}

	encoder := cfg.FFEncoder
	if encoder == "" {
		encoder = DefaultEncoder
	}
	timeout := cfg.FFTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Runner{bin: bin, encoder: encoder, timeout: timeout, extraArgs: extra, logger: logger}, nil
}

// BuildArgs returns the ffmpeg arguments that composite overlayPath on top of mainPath.
func (r *Runner) BuildArgs(mainPath, overlayPath, outPath, encoder string, copyAudio bool) []string {
	args := []string{"-hide_banner", "-nostdin", "-y", "-i", mainPath}
	if media.IsImageExt(overlayPath) {
		args = append(args, "-loop", "1", "-i", overlayPath)
	} else {
		args = append(args, "-i", overlayPath)
	}
	args = append(args,
		"-filter_complex", overlayFilter,
		"-map", "[outv]",
		"-map", "0:a?",
		"-c:v", encoder,
	)
	args = append(args, encoderSettings(encoder)...)
	args = append(args, "-pix_fmt", PixelFormat, "-movflags", FastStartFlag)
	if copyAudio {
		args = append(args, "-c:a", "copy")
	} else {
		args = append(args, "-c:a", AudioCodec, "-b:a", AudioBitrate)
	}
	args = append(args, r.extraArgs...)
	// FFMpeg's last argument is the output file
	return append(args, outPath)
}

func encoderSettings(encoder string) []string {
	switch {
	case strings.Contains(encoder, "nvenc"):
		return []string{"-rc", "vbr", "-cq", "23", "-preset", "p4"}
	case strings.Contains(encoder, "amf"):
		return []string{"-rc", "vbaq", "-quality", "balanced"}
	case strings.Contains(encoder, "qsv"):
		return []string{"-global_quality", "23", "-preset", "balanced"}
	}
	return []string{"-preset", "medium", "-crf", "23"}
}

func (r *Runner) encoders() []string {
	if r.encoder == DefaultEncoder {
		return []string{r.encoder}
	}
	return []string{r.encoder, DefaultEncoder}
}

// MergeVideo composites the overlay onto the main video. It tries the
// configured encoder and then libx264, each with copied audio and then
// re-encoded audio. A failed attempt never leaves a partial output behind.
func (r *Runner) MergeVideo(ctx context.Context, mainPath, overlayPath, outPath string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var lastErr error
	for _, encoder := range r.encoders() {
		for _, copyAudio := range []bool{true, false} {
			args := r.BuildArgs(mainPath, overlayPath, outPath, encoder, copyAudio)
			cmd := exec.CommandContext(ctx, r.bin, args...)
			var outputBuf bytes.Buffer
			cmd.Stdout = &outputBuf
			cmd.Stderr = &outputBuf

			r.logger.Debug("executing ffmpeg", "cmd", r.bin+" "+strings.Join(args, " "))
			err := cmd.Run()
			if err == nil && outputUsable(outPath) {
				return nil
			}
			// If the command failed, clean up the (likely empty or partial) output file.
			os.Remove(outPath)

			if err == nil {
				err = errors.New("output missing or too small")
			}
			lastErr = err
			r.logger.Warn("ffmpeg merge attempt failed",
				"encoder", encoder,
				"copy_audio", copyAudio,
				"error", err,
				"output", SummarizeOutput(outputBuf.String()))

			if ctx.Err() != nil {
				return fmt.Errorf("ffmpeg execution failed: %w", ctx.Err())
			}
		}
	}
	return fmt.Errorf("ffmpeg execution failed: %w", lastErr)
}

// BuildConcatArgs returns the arguments that stream-copy the files listed
// in listPath into outPath.
func (r *Runner) BuildConcatArgs(listPath, outPath string) []string {
	return []string{"-hide_banner", "-nostdin", "-y",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c", "copy",
		outPath,
	}
}

// concatList renders the concat demuxer's input list.
func concatList(inputs []string) (string, error) {
	var b strings.Builder
	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	return b.String(), nil
}

// JoinVideos concatenates inputs, in order, into outPath without
// re-encoding.
func (r *Runner) JoinVideos(ctx context.Context, inputs []string, outPath string) error {
	if len(inputs) < 2 {
		return errors.New("need at least two videos to join")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	list, err := concatList(inputs)
	if err != nil {
		return err
	}
	listFile, err := os.CreateTemp(filepath.Dir(outPath), ".tmp-concat-*.txt")
	if err != nil {
		return err
	}
	defer os.Remove(listFile.Name())
	if _, err := listFile.WriteString(list); err != nil {
		listFile.Close()
		return err
	}
	if err := listFile.Close(); err != nil {
		return err
	}

	args := r.BuildConcatArgs(listFile.Name(), outPath)
	cmd := exec.CommandContext(ctx, r.bin, args...)
	var outputBuf bytes.Buffer
	cmd.Stdout = &outputBuf
	cmd.Stderr = &outputBuf

	r.logger.Debug("executing ffmpeg", "cmd", r.bin+" "+strings.Join(args, " "))
	err = cmd.Run()
	if err == nil && outputUsable(outPath) {
		return nil
	}
	os.Remove(outPath)
	if err == nil {
		err = errors.New("output missing or too small")
	}
	return fmt.Errorf("ffmpeg concat failed: %w: %s", err, SummarizeOutput(outputBuf.String()))
}

func outputUsable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > minOutputSize
}

var outputNeedles = []string{"error", "failed", "invalid", "could not", "unknown", "not found"}

// SummarizeOutput keeps the interesting lines of ffmpeg's log plus its tail.
func SummarizeOutput(output string) string {
	var lines, interesting []string
	for _, ln := range strings.Split(output, "\n") {
		ln = strings.TrimRight(ln, "\r ")
		if strings.TrimSpace(ln) == "" {
			continue
		}
		lines = append(lines, ln)
		lower := strings.ToLower(ln)
		for _, n := range outputNeedles {
			if strings.Contains(lower, n) {
				interesting = append(interesting, ln)
				break
			}
		}
	}
	if len(lines) == 0 {
		return ""
	}
	if len(interesting) > 20 {
		interesting = interesting[len(interesting)-20:]
	}
	tail := lines
	if len(tail) > 20 {
		tail = tail[len(tail)-20:]
	}
	out := strings.Join(append(interesting, tail...), "\n")
	if len(out) > 4000 {
		out = out[len(out)-4000:]
	}
	return out
}
