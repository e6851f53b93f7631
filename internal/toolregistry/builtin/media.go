package builtin

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/picobot-run/picobot/internal/media"
	"github.com/picobot-run/picobot/internal/models"
	"github.com/picobot-run/picobot/internal/permission"
	"github.com/picobot-run/picobot/internal/toolregistry"
)

type readMediaInput struct {
	Path string `json:"path"`
}

type readMediaTool struct {
	toolregistry.NoPolicyHook
	transcriber media.Transcriber
}

// NewReadMediaTool returns the "read_media" built-in tool: it classifies a
// file's kind/MIME type via internal/media and, for images, decodes its
// dimensions, returning a base64 payload capped at the kind's size limit
// rather than letting an oversized attachment blow the agent loop's token
// budget. Grounded on internal/media/media.go's Kind/MIME classification
// and SPEC_FULL.md's DOMAIN STACK commitment of golang.org/x/image (the
// formats the standard library's image package doesn't register decoders
// for on its own: BMP, TIFF, WebP).
func NewReadMediaTool() toolregistry.Tool { return readMediaTool{} }

// NewReadMediaToolWithTranscriber returns the "read_media" tool wired to a
// transcribe.Transcriber, so audio files are transcribed to text inline
// rather than only handed back as an opaque base64 blob.
func NewReadMediaToolWithTranscriber(t media.Transcriber) toolregistry.Tool {
	return readMediaTool{transcriber: t}
}

func (readMediaTool) Spec() models.ToolSpec {
	return models.ToolSpec{
		Name:        "read_media",
		Description: "Read an image, audio, video, or document file and report its kind, MIME type, size, and (for images) pixel dimensions.",
		Schema: jsonSchema(`{
			"type": "object",
			"properties": {"path": {"type": "string"}},
			"required": ["path"]
		}`),
	}
}

func (readMediaTool) RequiredPermissions(ctx context.Context, tc models.ToolContext, input json.RawMessage) ([]permission.Permission, error) {
	var in readMediaInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	return []permission.Permission{permission.FileRead{Path: in.Path}}, nil
}

func (t readMediaTool) Execute(ctx context.Context, tc models.ToolContext, input json.RawMessage) (models.ToolResult, error) {
	var in readMediaInput
	if err := json.Unmarshal(input, &in); err != nil {
		return errorResult(err.Error()), nil
	}
	root := tc.WorkingDir
	if tc.JailRoot != nil {
		root = *tc.JailRoot
	}
	abs, err := resolvePath(root, in.Path)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	info, err := os.Stat(abs)
	if err != nil {
		return errorResult(fmt.Sprintf("stat %s: %v", in.Path, err)), nil
	}

	ext := media.GetExtension(abs)
	mimeType := media.MIMEFromExtension(ext)
	kind := media.KindFromMIME(mimeType)
	if !media.ValidateSize(info.Size(), mimeType) {
		return errorResult(fmt.Sprintf("%s exceeds the size limit for %s files", in.Path, kind)), nil
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return errorResult(fmt.Sprintf("read %s: %v", in.Path, err)), nil
	}
	mimeType = media.DetectMIME(data, abs, mimeType)

	result := map[string]any{
		"kind":        string(kind),
		"mime_type":   mimeType,
		"size_bytes":  info.Size(),
		"data_base64": base64.StdEncoding.EncodeToString(data),
	}
	if kind == media.KindImage {
		if cfg, format, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			result["width"] = cfg.Width
			result["height"] = cfg.Height
			result["image_format"] = format
		}
	}
	if kind == media.KindAudio && t.transcriber != nil {
		if text, err := t.transcriber.Transcribe(bytes.NewReader(data), mimeType, ""); err == nil {
			result["transcript"] = text
		} else {
			result["transcript_error"] = err.Error()
		}
	}

	content, err := json.Marshal(result)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return models.ToolResult{Content: content}, nil
}
