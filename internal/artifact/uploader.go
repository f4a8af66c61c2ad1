package artifact

import (
	"context"
	"fmt"
	"io/fs"
	"mime"
	"path"
	"path/filepath"
	"sort"
	"sync"
)

// DefaultBatchSize bounds concurrent transfers to the object store.
const DefaultBatchSize = 5

// KeyPrefix is the fixed root of every artifact key. Published-URL
// construction downstream depends on this exact shape.
const KeyPrefix = "__outputs"

const fallbackContentType = "application/octet-stream"

// FileResult is the per-file outcome of one upload pass.
type FileResult struct {
	Path string
	Key  string
	Err  error
}

// Result aggregates one upload pass.
type Result struct {
	Total    int
	Uploaded int
	Failures []FileResult
}

// AllSucceeded reports whether every file made it to the store.
func (r Result) AllSucceeded() bool {
	return len(r.Failures) == 0
}

// ProgressFunc receives human-readable progress and failure messages as log
// events with a severity level.
type ProgressFunc func(level, message string)

// Uploader walks a directory tree and uploads every regular file in
// fixed-size concurrent batches. Batches run sequentially; failures never
// abort sibling uploads.
type Uploader struct {
	store     ObjectStore
	batchSize int
	progress  ProgressFunc
}

// NewUploader constructs an uploader. A non-positive batch size falls back to
// the default.
func NewUploader(store ObjectStore, batchSize int, progress ProgressFunc) *Uploader {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Uploader{store: store, batchSize: batchSize, progress: progress}
}

// Key composes the storage key for a file relative to the output directory.
func Key(deploymentID, relPath string) string {
	return path.Join(KeyPrefix, deploymentID, filepath.ToSlash(relPath))
}

// Upload pushes every regular file under dir to the store, keyed under the
// deployment's prefix. Every file is attempted exactly once; per-file
// failures are collected and reported after all batches complete.
func (u *Uploader) Upload(ctx context.Context, dir, deploymentID string) (Result, error) {
	files, err := listRegularFiles(dir)
	if err != nil {
		return Result{}, fmt.Errorf("enumerate artifacts: %w", err)
	}

	result := Result{Total: len(files)}
	for start := 0; start < len(files); start += u.batchSize {
		end := start + u.batchSize
		if end > len(files) {
			end = len(files)
		}
		batch := files[start:end]
		outcomes := make([]FileResult, len(batch))

		var wg sync.WaitGroup
		for idx, rel := range batch {
			wg.Add(1)
			go func(idx int, rel string) {
				defer wg.Done()
				key := Key(deploymentID, rel)
				err := u.store.Put(ctx, key, filepath.Join(dir, rel), contentTypeFor(rel))
				outcomes[idx] = FileResult{Path: rel, Key: key, Err: err}
			}(idx, rel)
		}
		wg.Wait()

		for _, outcome := range outcomes {
			if outcome.Err != nil {
				result.Failures = append(result.Failures, outcome)
			} else {
				result.Uploaded++
			}
		}
		u.report("INFO", fmt.Sprintf("Uploaded %d/%d files", result.Uploaded, result.Total))
	}

	for _, failure := range result.Failures {
		u.report("ERROR", fmt.Sprintf("Upload failed for %s: %v", failure.Path, failure.Err))
	}
	return result, nil
}

func (u *Uploader) report(level, message string) {
	if u.progress != nil {
		u.progress(level, message)
	}
}

// listRegularFiles returns paths relative to root in deterministic order.
// Directories and symbolic links are not uploaded as objects.
func listRegularFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func contentTypeFor(p string) string {
	if ct := mime.TypeByExtension(filepath.Ext(p)); ct != "" {
		return ct
	}
	return fallbackContentType
}
