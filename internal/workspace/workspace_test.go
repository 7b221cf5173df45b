package workspace

import (
	"os"
	"testing"
)

func TestWritePartAndRelease(t *testing.T) {
	ws, err := New(t.TempDir(), "run-1")
	if err != nil {
		t.Fatalf("new workspace: %v", err)
	}
	path, err := ws.WritePart(3, []byte("RIFF"))
	if err != nil {
		t.Fatalf("write part: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected part on disk: %v", err)
	}
	if err := ws.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(ws.Dir()); !os.IsNotExist(err) {
		t.Fatalf("expected workspace removed, stat err=%v", err)
	}
	if err := ws.Release(); err != nil {
		t.Fatalf("second release should be a no-op: %v", err)
	}
	if _, err := ws.StageFile("late.wav", nil); err == nil {
		t.Fatal("expected staging after release to fail")
	}
}

func TestPathStaysInside(t *testing.T) {
	ws, err := New(t.TempDir(), "run-2")
	if err != nil {
		t.Fatalf("new workspace: %v", err)
	}
	t.Cleanup(func() { _ = ws.Release() })
	if got := ws.Path("../../etc/passwd"); got != ws.Path("passwd") {
		t.Fatalf("path escaped workspace: %s", got)
	}
}
