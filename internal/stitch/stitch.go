// Package stitch concatenates homogeneous WAV parts into one file.
//
// The first part's format is authoritative. Later parts must match it exactly;
// nothing is resampled or converted. Samples are decoded to integers and
// written back at the same bit depth, which leaves the frame data unchanged.
package stitch

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var (
	// ErrEmptyRun is returned when there is nothing to merge.
	ErrEmptyRun = errors.New("no audio parts to merge")
	// ErrFormatMismatch is wrapped by FormatMismatchError.
	ErrFormatMismatch = errors.New("audio format mismatch")
)

// Format is the sample layout of a WAV stream.
type Format struct {
	Channels    int
	BitDepth    int
	SampleRate  int
	AudioFormat int // 1 = PCM, 3 = IEEE float
}

func (f Format) String() string {
	return fmt.Sprintf("%dch/%dbit/%dHz/fmt%d", f.Channels, f.BitDepth, f.SampleRate, f.AudioFormat)
}

// FrameBytes is the size of one frame in bytes.
func (f Format) FrameBytes() int { return f.Channels * f.BitDepth / 8 }

// FormatMismatchError reports a part whose format differs from part 0.
type FormatMismatchError struct {
	Part int
	Want Format
	Got  Format
}

func (e *FormatMismatchError) Error() string {
	return fmt.Sprintf("part %d format %s does not match %s", e.Part, e.Got, e.Want)
}

func (e *FormatMismatchError) Unwrap() error { return ErrFormatMismatch }

// Result describes a merged stream.
type Result struct {
	Format   Format
	Parts    int
	Frames   int
	Duration time.Duration
}

// ReadFormat reads the WAV header of r and rewinds it.
func ReadFormat(r io.ReadSeeker) (Format, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		if err := d.Err(); err != nil {
			return Format{}, fmt.Errorf("invalid wav: %w", err)
		}
		return Format{}, errors.New("invalid wav: missing or malformed header")
	}
	f := Format{
		Channels:    int(d.NumChans),
		BitDepth:    int(d.BitDepth),
		SampleRate:  int(d.SampleRate),
		AudioFormat: int(d.WavAudioFormat),
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return Format{}, fmt.Errorf("rewind: %w", err)
	}
	return f, nil
}

// Merge writes parts, in order, into dst as one WAV stream. All formats are
// checked before anything is written.
func Merge(dst io.WriteSeeker, parts ...io.ReadSeeker) (Result, error) {
	if len(parts) == 0 {
		return Result{}, ErrEmptyRun
	}

	var want Format
	for i, part := range parts {
		got, err := ReadFormat(part)
		if err != nil {
			return Result{}, fmt.Errorf("part %d: %w", i, err)
		}
		if i == 0 {
			want = got
			continue
		}
		if got != want {
			return Result{}, &FormatMismatchError{Part: i, Want: want, Got: got}
		}
	}

	enc := wav.NewEncoder(dst, want.SampleRate, want.BitDepth, want.Channels, want.AudioFormat)
	frames := 0
	for i, part := range parts {
		buf, err := wav.NewDecoder(part).FullPCMBuffer()
		if err != nil {
			return Result{}, fmt.Errorf("decode part %d: %w", i, err)
		}
		if err := enc.Write(buf); err != nil {
			return Result{}, fmt.Errorf("write part %d: %w", i, err)
		}
		frames += buf.NumFrames()
	}
	if err := enc.Close(); err != nil {
		return Result{}, fmt.Errorf("close wav encoder: %w", err)
	}

	return Result{
		Format:   want,
		Parts:    len(parts),
		Frames:   frames,
		Duration: framesDuration(frames, want.SampleRate),
	}, nil
}

// MergeFiles merges the WAV files at paths into dstPath. A partially written
// output is removed on failure.
func MergeFiles(dstPath string, paths []string) (res Result, err error) {
	if len(paths) == 0 {
		return Result{}, ErrEmptyRun
	}
	readers := make([]io.ReadSeeker, 0, len(paths))
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			closeAll(readers)
			return Result{}, fmt.Errorf("open part: %w", err)
		}
		readers = append(readers, f)
	}
	defer closeAll(readers)

	out, err := os.Create(dstPath)
	if err != nil {
		return Result{}, fmt.Errorf("create output: %w", err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && !errors.Is(cerr, os.ErrClosed) && err == nil {
			err = fmt.Errorf("close output: %w", cerr)
		}
		if err != nil {
			_ = os.Remove(dstPath)
		}
	}()

	return Merge(out, readers...)
}

// WriteFile encodes integer samples as a WAV file in format f.
func WriteFile(path string, f Format, samples []int) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()

	enc := wav.NewEncoder(out, f.SampleRate, f.BitDepth, f.Channels, f.AudioFormat)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
		Data:           samples,
		SourceBitDepth: f.BitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// ReadFile decodes the WAV file at path.
func ReadFile(path string) (Format, []int, error) {
	in, err := os.Open(path)
	if err != nil {
		return Format{}, nil, err
	}
	defer in.Close()

	f, err := ReadFormat(in)
	if err != nil {
		return Format{}, nil, err
	}
	buf, err := wav.NewDecoder(in).FullPCMBuffer()
	if err != nil {
		return Format{}, nil, fmt.Errorf("decode wav: %w", err)
	}
	return f, buf.Data, nil
}

func framesDuration(frames, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}

func closeAll(readers []io.ReadSeeker) {
	for _, r := range readers {
		if c, ok := r.(io.Closer); ok {
			_ = c.Close()
		}
	}
}
