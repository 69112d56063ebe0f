// Package rundocuments writes finished runs to disk as markdown transcripts.
package rundocuments

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
)

// DefaultDir is the directory, relative to the base directory, that holds
// run transcripts.
const DefaultDir = ".deepthink/runs"

// Writer renders transcripts and writes them under a base directory.
type Writer struct {
	baseDir     string
	transformer *Transformer
	logger      *slog.Logger

	documentsWritten atomic.Int64
	writeErrors      atomic.Int64
}

// Option configures a Writer.
type Option func(*Writer)

// WithLogger sets the logger for the writer.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) {
		w.logger = logger
	}
}

// NewWriter creates a writer rooted at baseDir. An empty baseDir means the
// current working directory.
func NewWriter(baseDir string, opts ...Option) (*Writer, error) {
	if baseDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("get working directory: %w", err)
		}
		baseDir = wd
	}

	w := &Writer{
		baseDir:     baseDir,
		transformer: NewTransformer(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Dir returns the directory transcripts are written to.
func (w *Writer) Dir() string {
	return filepath.Join(w.baseDir, filepath.FromSlash(DefaultDir))
}

// Write renders tr and writes it to <dir>/<run_id>.md, returning the path.
func (w *Writer) Write(ctx context.Context, tr Transcript) (string, error) {
	path, err := w.write(ctx, tr)
	if err != nil {
		w.writeErrors.Add(1)
		w.logger.Error("Failed to write run document",
			"run_id", tr.State.RunID,
			"error", err)
		return "", err
	}

	w.documentsWritten.Add(1)
	w.logger.Info("Wrote run document",
		"run_id", tr.State.RunID,
		"path", path)
	return path, nil
}

func (w *Writer) write(ctx context.Context, tr Transcript) (string, error) {
	if err := validRunID(tr.State.RunID); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dir := w.Dir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create runs directory: %w", err)
	}

	markdown := w.transformer.Transform(tr)

	if err := ctx.Err(); err != nil {
		return "", err
	}

	path := filepath.Join(dir, tr.State.RunID+".md")
	if err := os.WriteFile(path, []byte(markdown), 0644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// Stats returns the number of documents written and failed writes.
func (w *Writer) Stats() (written, failed int64) {
	return w.documentsWritten.Load(), w.writeErrors.Load()
}

// validRunID rejects IDs that could escape the runs directory.
func validRunID(id string) error {
	if id == "" {
		return fmt.Errorf("run id is required")
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid run id %q", id)
	}
	return nil
}
