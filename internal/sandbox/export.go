package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/exascience/pargo/parallel"

	"github.com/strandbio/strand/internal/ctxlog"
)

// Export copies the given files into the results root under the given
// namespace, typically the task's correlation key (with the stage name
// appended when several stages export), so concurrent exports never collide.
// Files are always copied, not linked, so results outlive reclaimed working
// directories.
func Export(ctx context.Context, resultsRoot, namespace string, files []string) error {
	dir := resultsRoot
	if namespace != "" {
		dir = filepath.Join(resultsRoot, namespace)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating results directory %s: %w", dir, err)
	}

	errs := make([]error, len(files))
	thunks := make([]func(), len(files))
	for i, file := range files {
		i, file := i, file
		thunks[i] = func() {
			dst := filepath.Join(dir, filepath.Base(file))
			if err := copyFile(file, dst); err != nil {
				errs[i] = fmt.Errorf("exporting %s: %w", file, err)
			}
		}
	}
	switch len(thunks) {
	case 0:
	case 1:
		thunks[0]()
	default:
		parallel.Do(thunks...)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	ctxlog.FromContext(ctx).Debug("Results exported.", "dir", dir, "files", len(files))
	return nil
}
