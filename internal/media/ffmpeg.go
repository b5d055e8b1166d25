package media

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// FFmpeg drives an external ffmpeg binary for muxing and thumbnail
// extraction. Inputs are spooled to temporary files because ffmpeg needs
// seekable inputs for both operations.
type FFmpeg struct {
	// Binary is the ffmpeg executable; "ffmpeg" when empty.
	Binary string
}

func (f *FFmpeg) binary() string {
	if f.Binary == "" {
		return "ffmpeg"
	}
	return f.Binary
}

// Mux remuxes the video and audio inputs into a single container without
// re-encoding.
func (f *FFmpeg) Mux(ctx context.Context, video, audio SizedReaderAt, container Container) (io.ReadCloser, error) {
	videoFile, err := spool(video)
	if err != nil {
		return nil, err
	}
	audioFile, err := spool(audio)
	if err != nil {
		os.Remove(videoFile)
		return nil, err
	}
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-i", videoFile,
		"-i", audioFile,
		"-c", "copy",
	}
	if container == ContainerWebm {
		args = append(args, "-f", "webm")
	} else {
		// Piped mp4 cannot seek back to write the moov atom.
		args = append(args, "-movflags", "frag_keyframe+empty_moov", "-f", "mp4")
	}
	args = append(args, "pipe:1")
	cmd := exec.CommandContext(ctx, f.binary(), args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		os.Remove(videoFile)
		os.Remove(audioFile)
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		os.Remove(videoFile)
		os.Remove(audioFile)
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	return &muxOutput{
		ReadCloser: stdout,
		cmd:        cmd,
		files:      []string{videoFile, audioFile},
	}, nil
}

// Generate extracts the first video frame as a thumbnail image.
func (f *FFmpeg) Generate(ctx context.Context, src SizedReaderAt, opts ThumbnailOptions) ([]byte, error) {
	input, err := spool(src)
	if err != nil {
		return nil, err
	}
	defer os.Remove(input)
	size := opts.Size
	if size <= 0 {
		size = 256
	}
	codec := "png"
	if opts.Codec == CodecJPEG {
		codec = "mjpeg"
	}
	cmd := exec.CommandContext(ctx, f.binary(),
		"-hide_banner", "-loglevel", "error",
		"-i", input,
		"-frames:v", "1",
		"-vf", fmt.Sprintf("scale=%d:-1", size),
		"-c:v", codec,
		"-f", "image2pipe",
		"pipe:1",
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg thumbnail: %w", err)
	}
	return out, nil
}

type muxOutput struct {
	io.ReadCloser
	cmd   *exec.Cmd
	files []string
}

func (m *muxOutput) Close() error {
	err := m.ReadCloser.Close()
	m.cmd.Process.Kill()
	m.cmd.Wait()
	for _, file := range m.files {
		os.Remove(file)
	}
	return err
}

func spool(src SizedReaderAt) (string, error) {
	tmp, err := os.CreateTemp("", "cloudgate-*.media")
	if err != nil {
		return "", err
	}
	reader := io.NewSectionReader(src, 0, src.Size())
	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}
