package localfs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"renderfarm/internal/ports"
)

func TestRoundTrip(t *testing.T) {
	root := t.TempDir()
	fs := New(root)
	ctx := context.Background()

	out, err := fs.PutObject(ctx, ports.PutObjectInput{
		ObjectKey: "job_1/task_1/frame_0001.png",
		Reader:    strings.NewReader("pixels"),
	})
	if err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if out.Size != 6 || out.ObjectKey != "job_1/task_1/frame_0001.png" {
		t.Errorf("unexpected output %+v", out)
	}

	rc, ct, size, err := fs.GetObject(ctx, out.ObjectKey)
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	body, _ := io.ReadAll(rc)
	rc.Close()
	if string(body) != "pixels" || size != 6 || ct != "image/png" {
		t.Errorf("got %q size=%d type=%q", body, size, ct)
	}

	if err := fs.DeleteObject(ctx, out.ObjectKey); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	if err := fs.DeleteObject(ctx, out.ObjectKey); err != nil {
		t.Errorf("deleting a missing object should succeed, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "job_1/task_1/frame_0001.png")); !os.IsNotExist(err) {
		t.Error("expected file to be gone")
	}
}

func TestRejectsEscapingKeys(t *testing.T) {
	fs := New(t.TempDir())
	ctx := context.Background()

	for _, key := range []string{"", "../outside", "a/../../outside"} {
		if _, err := fs.PutObject(ctx, ports.PutObjectInput{ObjectKey: key, Reader: strings.NewReader("x")}); err == nil {
			t.Errorf("PutObject(%q) should fail", key)
		}
	}
}
