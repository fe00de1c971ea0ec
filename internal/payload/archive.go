package payload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/zip"

	"inference/internal/apperrors"
)

// errUnsafeEntry marks archive entries that would land outside the target.
var errUnsafeEntry = errors.New("unsafe path in archive")

// extractZip unpacks the archive at src into destDir.
func extractZip(ctx context.Context, src, destDir string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return apperrors.Validation("file", "upload is not a valid zip archive")
	}
	defer r.Close()

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := extractEntry(f, destDir); err != nil {
			if errors.Is(err, errUnsafeEntry) || errors.Is(err, zip.ErrFormat) || errors.Is(err, zip.ErrChecksum) || errors.Is(err, zip.ErrAlgorithm) {
				return apperrors.Validation("file", err.Error())
			}
			return err
		}
	}

	slog.Debug("Extracted archive", "src", src, "dest", destDir, "entries", len(r.File))
	return nil
}

func extractEntry(f *zip.File, destDir string) error {
	name := strings.ReplaceAll(f.Name, `\`, "/")
	clean := path.Clean(name)
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%w: %s", errUnsafeEntry, f.Name)
	}
	if clean == "." {
		return nil
	}

	// SecureJoin also keeps symlinks already under destDir from redirecting writes.
	target, err := securejoin.SecureJoin(destDir, clean)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", f.Name, err)
	}

	mode := f.Mode()
	switch {
	case mode.IsDir() || strings.HasSuffix(name, "/"):
		return mkdirShared(target)
	case mode&fs.ModeSymlink != 0:
		slog.Debug("Skipping archive entry", "name", f.Name, "type", "symlink")
		return nil
	case !mode.IsRegular():
		slog.Debug("Skipping archive entry", "name", f.Name, "mode", mode.String())
		return nil
	}

	if err := mkdirShared(filepath.Dir(target)); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o666)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("failed to extract %s: %w", f.Name, err)
	}
	return out.Close()
}

// writeZip archives srcDir into dst. Entry names start with prefix.
func writeZip(ctx context.Context, srcDir, prefix, dst string) (err error) {
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	zw := zip.NewWriter(out)
	defer func() {
		if cerr := zw.Close(); err == nil {
			err = cerr
		}
	}()

	return filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		name := prefix
		if rel != "." {
			name = path.Join(prefix, filepath.ToSlash(rel))
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		if d.IsDir() {
			header, err := zip.FileInfoHeader(info)
			if err != nil {
				return fmt.Errorf("failed to create zip header: %w", err)
			}
			header.Name = name + "/"
			_, err = zw.CreateHeader(header)
			return err
		}
		if !info.Mode().IsRegular() {
			slog.Debug("Skipping non-regular file", "path", p)
			return nil
		}
		return addFile(zw, p, name, info)
	})
}

func addFile(zw *zip.Writer, p, name string, info fs.FileInfo) error {
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("failed to create zip header: %w", err)
	}
	header.Name = name
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("failed to write zip header: %w", err)
	}

	file, err := os.Open(p)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(w, file); err != nil {
		return fmt.Errorf("failed to write file to zip: %w", err)
	}
	return nil
}

// mkdirShared creates dir writable by any user. The workload container
// does not run as the service's user.
func mkdirShared(dir string) error {
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return os.Chmod(dir, 0o777)
}
