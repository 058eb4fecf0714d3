package cdn

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
)

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode fixture jpeg: %v", err)
	}
	return buf.Bytes()
}

func TestPublishWritesFileAndReturnsURL(t *testing.T) {
	root := t.TempDir()
	p := New(root, "https://cdn.example.com")

	url, err := p.Publish(jpegBytes(t), "abc123.jpg", "social_media")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	want := "https://cdn.example.com/social_media/abc123.jpg"
	if url != want {
		t.Fatalf("got %q want %q", url, want)
	}

	if _, err := os.Stat(filepath.Join(root, "social_media", "abc123.jpg")); err != nil {
		t.Fatalf("expected file on disk: %v", err)
	}
}

func TestPublishOverwritesSameName(t *testing.T) {
	root := t.TempDir()
	p := New(root, "https://cdn.example.com")

	if _, err := p.Publish(jpegBytes(t), "same.jpg", ""); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if _, err := p.Publish(jpegBytes(t), "same.jpg", ""); err != nil {
		t.Fatalf("second publish: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(root, defaultSubdir))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one file after overwrite, got %d", len(entries))
	}
}

func TestPublishFailsWithoutBaseURL(t *testing.T) {
	p := New(t.TempDir(), "")
	if _, err := p.Publish(jpegBytes(t), "x.jpg", ""); err == nil {
		t.Fatal("expected CDNUnavailable when base URL unset")
	}
}

func TestPublishRejectsNonImageBytes(t *testing.T) {
	p := New(t.TempDir(), "https://cdn.example.com")
	if _, err := p.Publish([]byte("not an image"), "x.jpg", ""); err == nil {
		t.Fatal("expected rejection of non-image bytes")
	}
}
