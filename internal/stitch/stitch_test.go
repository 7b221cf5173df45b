package stitch

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

var pcm16 = Format{Channels: 1, BitDepth: 16, SampleRate: 8000, AudioFormat: 1}

func writePart(t *testing.T, dir, name string, f Format, samples []int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := WriteFile(path, f, samples); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestMergeFilesConcatenatesFrames(t *testing.T) {
	dir := t.TempDir()
	a := []int{1, -2, 3, -4}
	b := []int{100, 200}
	c := []int{-32768, 32767, 0}
	paths := []string{
		writePart(t, dir, "a.wav", pcm16, a),
		writePart(t, dir, "b.wav", pcm16, b),
		writePart(t, dir, "c.wav", pcm16, c),
	}
	out := filepath.Join(dir, "out.wav")

	res, err := MergeFiles(out, paths)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if res.Frames != len(a)+len(b)+len(c) {
		t.Fatalf("expected %d frames, got %d", len(a)+len(b)+len(c), res.Frames)
	}
	if res.Format != pcm16 || res.Parts != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}

	f, samples, err := ReadFile(out)
	if err != nil {
		t.Fatalf("read merged: %v", err)
	}
	if f != pcm16 {
		t.Fatalf("merged format %s, want %s", f, pcm16)
	}
	want := append(append(append([]int{}, a...), b...), c...)
	if !reflect.DeepEqual(samples, want) {
		t.Fatalf("merged samples %v, want %v", samples, want)
	}
}

func TestMergeStereoDuration(t *testing.T) {
	dir := t.TempDir()
	stereo := Format{Channels: 2, BitDepth: 16, SampleRate: 4, AudioFormat: 1}
	p1 := writePart(t, dir, "1.wav", stereo, []int{1, 1, 2, 2, 3, 3, 4, 4})
	p2 := writePart(t, dir, "2.wav", stereo, []int{5, 5, 6, 6, 7, 7, 8, 8})

	res, err := MergeFiles(filepath.Join(dir, "out.wav"), []string{p1, p2})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if res.Frames != 8 {
		t.Fatalf("expected 8 stereo frames, got %d", res.Frames)
	}
	if res.Duration != 2*time.Second {
		t.Fatalf("expected 2s, got %s", res.Duration)
	}
}

func TestMergeEmpty(t *testing.T) {
	if _, err := MergeFiles(filepath.Join(t.TempDir(), "out.wav"), nil); !errors.Is(err, ErrEmptyRun) {
		t.Fatalf("expected ErrEmptyRun, got %v", err)
	}
	if _, err := Merge(nil, []io.ReadSeeker{}...); !errors.Is(err, ErrEmptyRun) {
		t.Fatalf("expected ErrEmptyRun, got %v", err)
	}
}

func TestMergeFrameRateMismatch(t *testing.T) {
	dir := t.TempDir()
	other := pcm16
	other.SampleRate = 16000
	p1 := writePart(t, dir, "1.wav", pcm16, []int{1, 2})
	p2 := writePart(t, dir, "2.wav", other, []int{3, 4})
	out := filepath.Join(dir, "out.wav")

	_, err := MergeFiles(out, []string{p1, p2})
	if !errors.Is(err, ErrFormatMismatch) {
		t.Fatalf("expected ErrFormatMismatch, got %v", err)
	}
	var mismatch *FormatMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected *FormatMismatchError, got %T", err)
	}
	if mismatch.Part != 1 || mismatch.Got.SampleRate != 16000 || mismatch.Want.SampleRate != 8000 {
		t.Fatalf("unexpected mismatch detail: %+v", mismatch)
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Fatalf("expected partial output removed, stat err=%v", statErr)
	}
}

func TestMergeRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	good := writePart(t, dir, "good.wav", pcm16, []int{1})
	bad := filepath.Join(dir, "bad.wav")
	if err := os.WriteFile(bad, []byte("definitely not audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := MergeFiles(filepath.Join(dir, "out.wav"), []string{good, bad}); err == nil {
		t.Fatal("expected error for invalid part")
	}
}
