package processor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"renderfarm/internal/models"
	"renderfarm/internal/ports"
)

type InputHandler struct {
	sp ports.StorageProvider
}

func NewInputHandler(sp ports.StorageProvider) *InputHandler {
	return &InputHandler{sp: sp}
}

// Prepare creates the task's output and input directories and downloads
// the background asset, if any. It returns the local background path.
func (ih *InputHandler) Prepare(ctx context.Context, task models.Task, outputDir, inputsDir string) (string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	key := strings.TrimSpace(task.Params.BackgroundAsset)
	if key == "" {
		return "", nil
	}
	if err := os.MkdirAll(inputsDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create inputs directory: %w", err)
	}
	return ih.materialize(ctx, inputsDir, key)
}

func (ih *InputHandler) materialize(ctx context.Context, baseDir, objectKey string) (string, error) {
	rc, contentType, _, err := ih.sp.GetObject(ctx, objectKey)
	if err != nil {
		return "", fmt.Errorf("download background failed key=%s: %w", objectKey, err)
	}
	defer rc.Close()

	name := SanitizeFilename(path.Base(objectKey))
	if filepath.Ext(name) == "" {
		name += ExtFromMime(contentType)
	}
	localPath := filepath.Join(baseDir, name)

	f, err := os.Create(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(f, &ctxReader{ctx: ctx, r: rc}); err != nil {
		return "", fmt.Errorf("failed to save background locally key=%s: %w", objectKey, err)
	}
	return localPath, nil
}

// ctxReader stops a copy once ctx ends.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
