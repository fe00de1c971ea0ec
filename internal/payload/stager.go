// Package payload moves request payloads in and out of the shared staging volume.
package payload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"inference/internal/apperrors"
	"inference/internal/workload"
)

// OutputArchiveName is the name of the packaged result inside the output directory.
const OutputArchiveName = "output.zip"

// Stager owns the host staging directory backing the workload volume.
// It is not safe for concurrent use; callers serialize requests.
type Stager struct {
	root      string
	inputDir  string
	outputDir string
	logger    *slog.Logger
}

// NewStager prepares hostPath for a fresh service: anything left behind by a
// previous process is removed and empty input and output directories are created.
func NewStager(hostPath, inputPath, outputPath string) (*Stager, error) {
	if !filepath.IsAbs(hostPath) {
		return nil, apperrors.Configuration("PAYLOAD_HOST_PATH", "must be absolute")
	}
	s := &Stager{
		root:      filepath.Clean(hostPath),
		inputDir:  filepath.Join(hostPath, filepath.FromSlash(workload.SubPath(inputPath))),
		outputDir: filepath.Join(hostPath, filepath.FromSlash(workload.SubPath(outputPath))),
		logger:    slog.With("component", "payload"),
	}

	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging root: %w", err)
	}
	if err := clearDir(s.root); err != nil {
		return nil, fmt.Errorf("failed to clear staging root: %w", err)
	}
	for _, dir := range []string{s.inputDir, s.outputDir} {
		if err := mkdirShared(dir); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// InputDir returns the host directory mounted as the workload input.
func (s *Stager) InputDir() string { return s.inputDir }

// OutputDir returns the host directory mounted as the workload output.
func (s *Stager) OutputDir() string { return s.outputDir }

// StageInput empties the input and output directories and extracts the zip
// archive read from r into the input directory. A malformed archive is an
// apperrors.ErrValidation error.
func (s *Stager) StageInput(ctx context.Context, r io.Reader) error {
	for _, dir := range []string{s.inputDir, s.outputDir} {
		if err := mkdirShared(dir); err != nil {
			return apperrors.Internal("payload.stage", err)
		}
		if err := clearDir(dir); err != nil {
			return apperrors.Internal("payload.stage", err)
		}
	}

	// The archive format needs random access, so the upload is spooled first.
	spool, err := os.CreateTemp(s.inputDir, ".upload-*.zip")
	if err != nil {
		return apperrors.Internal("payload.stage", err)
	}
	defer os.Remove(spool.Name())

	upload := &uploadReader{ctx: ctx, r: r}
	n, err := io.Copy(spool, upload)
	if cerr := spool.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case upload.err != nil:
			return apperrors.Validation("file", fmt.Sprintf("failed to read upload: %v", upload.err))
		default:
			return apperrors.Internal("payload.spool", err)
		}
	}

	if err := extractZip(ctx, spool.Name(), s.inputDir); err != nil {
		return err
	}
	s.logger.Info("Input staged", "bytes", n, "dir", s.inputDir)
	return nil
}

// PackageOutput zips the output directory and places the archive inside it.
// The archive is built next to the output directory so it never contains itself.
func (s *Stager) PackageOutput(ctx context.Context) (string, error) {
	tmp := filepath.Join(s.root, ".output.zip")
	if err := writeZip(ctx, s.outputDir, filepath.Base(s.outputDir), tmp); err != nil {
		os.Remove(tmp)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", apperrors.Internal("payload.package", err)
	}

	dst := filepath.Join(s.outputDir, OutputArchiveName)
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return "", apperrors.Internal("payload.package", err)
	}
	s.logger.Info("Output packaged", "path", dst)
	return dst, nil
}

// Check verifies the staging directories still exist.
func (s *Stager) Check(context.Context) error {
	for _, dir := range []string{s.inputDir, s.outputDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", dir)
		}
	}
	return nil
}

// clearDir removes everything inside dir, keeping dir itself.
func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// uploadReader stops a copy once ctx is done and records failures of the
// underlying reader.
type uploadReader struct {
	ctx context.Context
	r   io.Reader
	err error
}

func (u *uploadReader) Read(p []byte) (int, error) {
	if err := u.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := u.r.Read(p)
	if err != nil && err != io.EOF {
		u.err = err
	}
	return n, err
}
