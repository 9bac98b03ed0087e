package mediasrc_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"go.klb.dev/overthetop/internal/mediasrc"
)

// writeFramed writes frames in the 5-ASCII-digit-length-prefix format
// MjpegSource expects.
func writeFramed(t *testing.T, frames ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stream.Mjpeg")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	for _, frame := range frames {
		fmt.Fprintf(f, "%05d%s", len(frame), frame)
	}
	return path
}

func TestNewSourceUnknownExtension(t *testing.T) {
	if _, err := mediasrc.NewSource("NoSuchCodec", "/dev/null"); err == nil {
		t.Fatalf("expected ErrUnknownExtension")
	}
}

func TestMjpegSourceReadsFramesInOrder(t *testing.T) {
	path := writeFramed(t, "aaa", "bb", "cccc")
	source, err := mediasrc.NewMjpegSourceRate(path, 1_000_000)
	if err != nil {
		t.Fatalf("NewMjpegSourceRate: %v", err)
	}
	defer source.Close()

	want := []string{"aaa", "bb", "cccc"}
	for i, w := range want {
		frameNum, data, err := source.NextChunk()
		if err != nil {
			t.Fatalf("NextChunk %d: %v", i, err)
		}
		if frameNum != i+1 {
			t.Errorf("frame %d: frameNumber = %d, want %d", i, frameNum, i+1)
		}
		if string(data) != w {
			t.Errorf("frame %d: data = %q, want %q", i, data, w)
		}
	}
}

func TestMjpegSourceRewindsAtEOF(t *testing.T) {
	path := writeFramed(t, "only")
	source, err := mediasrc.NewMjpegSourceRate(path, 1_000_000)
	if err != nil {
		t.Fatalf("NewMjpegSourceRate: %v", err)
	}
	defer source.Close()

	frameNum, data, err := source.NextChunk()
	if err != nil {
		t.Fatalf("NextChunk 1: %v", err)
	}
	if frameNum != 1 || string(data) != "only" {
		t.Fatalf("unexpected first frame: %d %q", frameNum, data)
	}

	frameNum, data, err = source.NextChunk()
	if err != nil {
		t.Fatalf("NextChunk after rewind: %v", err)
	}
	if frameNum != 1 || string(data) != "only" {
		t.Fatalf("expected rewind to replay frame 1, got %d %q", frameNum, data)
	}
}

func TestMjpegSourceDefaultFrameRateWhenNonPositive(t *testing.T) {
	path := writeFramed(t, "x")
	source, err := mediasrc.NewMjpegSourceRate(path, 0)
	if err != nil {
		t.Fatalf("NewMjpegSourceRate: %v", err)
	}
	defer source.Close()
	if got := source.(*mediasrc.MjpegSource).FrameRate(); got != mediasrc.DefaultFrameRate {
		t.Errorf("FrameRate() = %v, want %v", got, mediasrc.DefaultFrameRate)
	}
}
