package frames

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"log"
	"os/exec"
	"strconv"
	"time"
)

// Probe asks ffprobe for a video's duration and dimensions.
func Probe(ctx context.Context, path string) (Meta, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-show_entries", "format=duration",
		"-of", "json",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return Meta{}, fmt.Errorf("ffprobe %s: %v (stderr: %s)",
				path, err, bytes.TrimSpace(ee.Stderr))
		}
		return Meta{}, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	return parseProbe(out)
}

func parseProbe(out []byte) (Meta, error) {
	var probe struct {
		Streams []struct {
			Width  int `json:"width"`
			Height int `json:"height"`
		} `json:"streams"`
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(out, &probe); err != nil {
		return Meta{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if len(probe.Streams) == 0 {
		return Meta{}, fmt.Errorf("ffprobe output: no video stream")
	}

	m := Meta{Width: probe.Streams[0].Width, Height: probe.Streams[0].Height}
	if m.Width <= 0 || m.Height <= 0 {
		return Meta{}, fmt.Errorf("ffprobe output: bad dimensions %dx%d", m.Width, m.Height)
	}

	secs, err := strconv.ParseFloat(probe.Format.Duration, 64)
	if err != nil || secs <= 0 {
		return Meta{}, ErrNoDuration
	}
	m.Duration = time.Duration(secs * float64(time.Second))
	return m, nil
}

// FFmpegSource decodes a video through an ffmpeg child process. Frames
// arrive as raw rgb24 planes on a pipe, sampled one per step, with the
// configured margins cut off both ends. Timestamps are synthesized from
// the skip offset and the step.
type FFmpegSource struct {
	meta Meta
	step time.Duration
	skip time.Duration

	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *bytes.Buffer
	r      *rawReader

	next   int
	closed bool
}

// Open probes path and starts decoding it with the given sampling.
func Open(ctx context.Context, path string, sampling Sampling) (*FFmpegSource, error) {
	meta, err := Probe(ctx, path)
	if err != nil {
		return nil, err
	}

	step := sampling.Step(meta.Duration)
	if step <= 0 {
		step = time.Second
	}
	skip := SkipMargins(meta.Duration)
	span := meta.Duration - 2*skip
	if span <= 0 {
		// The margins swallowed the whole video; sample it in full.
		skip, span = 0, meta.Duration
	}
	log.Printf("[Frames] %s: length %s, step %s, skipping %s at both ends",
		path, meta.Duration.Round(time.Second), step.Round(time.Millisecond),
		skip.Round(time.Second))

	args := []string{"-v", "error"}
	if skip > 0 {
		args = append(args, "-ss", ffmpegSeconds(skip))
	}
	args = append(args,
		"-i", path,
		"-t", ffmpegSeconds(span),
		"-vf", fmt.Sprintf("fps=1/%s", ffmpegSeconds(step)),
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-",
	)

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg %s: pipe: %w", path, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg %s: start: %w", path, err)
	}

	return &FFmpegSource{
		meta:   meta,
		step:   step,
		skip:   skip,
		cmd:    cmd,
		stdout: stdout,
		stderr: &stderr,
		r:      newRawReader(bufio.NewReaderSize(stdout, 1<<20), meta.Width, meta.Height),
	}, nil
}

func ffmpegSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

func (s *FFmpegSource) Length() time.Duration { return s.meta.Duration }

// Next returns the next sampled frame, or io.EOF once ffmpeg finishes.
func (s *FFmpegSource) Next() (Frame, error) {
	img, err := s.r.next()
	if err == io.EOF {
		if werr := s.wait(); werr != nil {
			return Frame{}, werr
		}
		return Frame{}, io.EOF
	}
	if err != nil {
		return Frame{}, err
	}

	f := Frame{
		TS:    s.skip + time.Duration(s.next)*s.step,
		Image: img,
	}
	s.next++
	return f, nil
}

func (s *FFmpegSource) wait() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg: %v (stderr: %s)", err, bytes.TrimSpace(s.stderr.Bytes()))
	}
	return nil
}

func (s *FFmpegSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.stdout.Close()
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.cmd.Wait()
	return nil
}

// rawReader slices a stream of packed rgb24 planes into images.
type rawReader struct {
	r      io.Reader
	width  int
	height int
	buf    []byte
}

func newRawReader(r io.Reader, width, height int) *rawReader {
	return &rawReader{r: r, width: width, height: height, buf: make([]byte, width*height*3)}
}

func (r *rawReader) next() (*image.RGBA, error) {
	if _, err := io.ReadFull(r.r, r.buf); err != nil {
		if err == io.ErrUnexpectedEOF {
			// A torn trailing frame; treat the stream as done.
			return nil, io.EOF
		}
		return nil, err
	}

	img := image.NewRGBA(image.Rect(0, 0, r.width, r.height))
	for i, o := 0, 0; i < len(r.buf); i, o = i+3, o+4 {
		img.Pix[o] = r.buf[i]
		img.Pix[o+1] = r.buf[i+1]
		img.Pix[o+2] = r.buf[i+2]
		img.Pix[o+3] = 0xff
	}
	return img, nil
}
