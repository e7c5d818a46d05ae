package processor

import (
	"context"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"renderfarm/internal/metrics"
	"renderfarm/internal/models"
	"renderfarm/internal/pkg/errors"
	"renderfarm/internal/pkg/logger"
	"renderfarm/internal/ports"
)

type OutputHandler struct {
	sp  ports.StorageProvider
	log *logger.Logger
}

func NewOutputHandler(sp ports.StorageProvider, log *logger.Logger) *OutputHandler {
	return &OutputHandler{sp: sp, log: log}
}

// Uploaded is one artifact written to the store.
type Uploaded struct {
	LocalPath string
	ObjectKey string
	Size      int64
}

// Upload sends every file under outputDir to the artifact store, removing
// each local file once stored. A render that produced no files fails.
func (oh *OutputHandler) Upload(ctx context.Context, task models.Task, outputDir string) ([]Uploaded, error) {
	files, err := listFiles(outputDir)
	if err != nil {
		return nil, errors.RenderFailure("processor.outputs", err)
	}
	if len(files) == 0 {
		return nil, errors.RenderFailure("processor.outputs", fmt.Errorf("render produced no output in %s", outputDir))
	}

	prefix := OutputPrefix(task)
	uploaded := make([]Uploaded, 0, len(files))
	var total int64
	for _, rel := range files {
		u, err := oh.uploadFile(ctx, outputDir, rel, prefix)
		if err != nil {
			return uploaded, errors.Wrap(err, "processor.upload", "failed to upload output")
		}
		uploaded = append(uploaded, u)
		total += u.Size
	}

	metrics.UploadedBytesTotal.Add(float64(total))
	oh.log.WithTaskID(task.ID).Info("outputs uploaded",
		"files", len(uploaded),
		"size", humanize.Bytes(uint64(total)),
		"provider", oh.sp.Provider(),
		"prefix", prefix,
	)
	return uploaded, nil
}

func (oh *OutputHandler) uploadFile(ctx context.Context, dir, rel, prefix string) (Uploaded, error) {
	localPath := filepath.Join(dir, rel)
	st, err := os.Stat(localPath)
	if err != nil {
		return Uploaded{}, fmt.Errorf("output file not found: %w", err)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return Uploaded{}, fmt.Errorf("failed to open output: %w", err)
	}
	defer f.Close()

	res, err := oh.sp.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   path.Join(prefix, filepath.ToSlash(rel)),
		ContentType: mime.TypeByExtension(filepath.Ext(rel)),
		Reader:      f,
		Size:        st.Size(),
	})
	if err != nil {
		return Uploaded{}, err
	}

	_ = os.Remove(localPath)
	return Uploaded{LocalPath: localPath, ObjectKey: res.ObjectKey, Size: res.Size}, nil
}

// OutputPrefix is the store prefix for a task's artifacts:
// <output_dir>/<combination index>/<task id>.
func OutputPrefix(task models.Task) string {
	base := strings.Trim(filepath.ToSlash(task.Params.OutputDir), "/")
	return path.Join(base, fmt.Sprintf("%04d", task.Params.CombinationIndex), task.ID)
}

func listFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(dir, p)
			if err != nil {
				return err
			}
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
