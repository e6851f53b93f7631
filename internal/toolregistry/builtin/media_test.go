package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/picobot-run/picobot/internal/models"
)

func TestReadMediaTool_ImageDimensions(t *testing.T) {
	dir := t.TempDir()

	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode fixture png: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "pixel.png"), buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	tool := NewReadMediaTool()
	input, _ := json.Marshal(map[string]string{"path": "pixel.png"})
	res, err := tool.Execute(context.Background(), models.ToolContext{WorkingDir: dir}, input)
	if err != nil || res.IsError {
		t.Fatalf("read_media failed: err=%v res=%+v", err, res)
	}

	var out map[string]any
	if err := json.Unmarshal(res.Content, &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if out["kind"] != "image" {
		t.Fatalf("expected kind=image, got %v", out["kind"])
	}
	if out["width"] != float64(4) || out["height"] != float64(3) {
		t.Fatalf("expected 4x3, got width=%v height=%v", out["width"], out["height"])
	}
}

func TestReadMediaTool_RejectsOversizedFile(t *testing.T) {
	dir := t.TempDir()
	big := make([]byte, 7*1024*1024) // over MaxImageBytes
	if err := os.WriteFile(filepath.Join(dir, "huge.png"), big, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	tool := NewReadMediaTool()
	input, _ := json.Marshal(map[string]string{"path": "huge.png"})
	res, err := tool.Execute(context.Background(), models.ToolContext{WorkingDir: dir}, input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected oversized-file rejection")
	}
}

func TestReadMediaTool_RejectsEscape(t *testing.T) {
	dir := t.TempDir()
	tool := NewReadMediaTool()
	input, _ := json.Marshal(map[string]string{"path": "../../etc/passwd"})
	res, err := tool.Execute(context.Background(), models.ToolContext{WorkingDir: dir}, input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected path-escape error")
	}
}
