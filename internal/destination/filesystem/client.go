// Package filesystem is a destination that writes export files under a local
// directory. Each committed batch is kept as a block file next to the output
// file and the output file is rebuilt from its blocks on every commit.
package filesystem

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/NHSDigital/azure-fhir-server/internal/destination"
	"github.com/NHSDigital/azure-fhir-server/internal/domain"
)

const blockDirSuffix = ".blocks"

// Client writes export files to <root>/<jobID>/
type Client struct {
	logger  *slog.Logger
	dir     string
	open    map[string]string // file URI -> path
	pending *destination.PendingBlocks
}

// NewClient creates an unconnected client
func NewClient(logger *slog.Logger) destination.Client {
	return &Client{
		logger:  logger,
		open:    make(map[string]string),
		pending: destination.NewPendingBlocks(),
	}
}

// Connect uses connectionString as the root directory
func (c *Client) Connect(ctx context.Context, connectionString, jobID string) error {
	if connectionString == "" {
		return fmt.Errorf("filesystem destination requires a root directory")
	}
	if jobID == "" || strings.ContainsAny(jobID, `/\`) {
		return fmt.Errorf("invalid job id for filesystem destination: %q", jobID)
	}

	root, err := filepath.Abs(connectionString)
	if err != nil {
		return fmt.Errorf("failed to resolve destination root: %w", err)
	}

	dir := filepath.Join(root, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create job directory: %w", err)
	}

	c.dir = dir
	c.logger.Info("Connected to filesystem destination", slog.String("dir", dir))
	return nil
}

// CreateFile creates an empty output file unless one already exists
func (c *Client) CreateFile(ctx context.Context, name string) (string, error) {
	if c.dir == "" {
		return "", fmt.Errorf("filesystem destination is not connected")
	}
	if name == "" || filepath.Base(name) != name {
		return "", fmt.Errorf("invalid file name: %q", name)
	}

	path := filepath.Join(c.dir, name)
	if err := os.MkdirAll(path+blockDirSuffix, 0o755); err != nil {
		return "", fmt.Errorf("failed to create block directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}

	uri := FileURI(path)
	c.open[uri] = path
	return uri, nil
}

// OpenFile reopens a file created by an earlier run
func (c *Client) OpenFile(ctx context.Context, fileURI string) error {
	path, err := PathFromURI(fileURI)
	if err != nil {
		return err
	}

	if _, err := os.Stat(path + blockDirSuffix); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", domain.ErrFileNotFound, fileURI)
		}
		return fmt.Errorf("failed to stat file: %w", err)
	}

	c.open[fileURI] = path
	return nil
}

// WriteFilePart stages data for fileURI under batchID
func (c *Client) WriteFilePart(ctx context.Context, fileURI string, batchID int64, data []byte) error {
	if _, ok := c.open[fileURI]; !ok {
		return fmt.Errorf("file is not open: %s", fileURI)
	}
	c.pending.Append(fileURI, batchID, data)
	return nil
}

// Commit writes staged blocks and rebuilds every touched output file
func (c *Client) Commit(ctx context.Context) error {
	blocks := c.pending.Blocks()
	if len(blocks) == 0 {
		return nil
	}

	touched := make(map[string]map[string]bool) // path -> block names written now
	for _, b := range blocks {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := c.open[b.FileURI]
		name := blockName(b.BatchID)
		if err := writeAtomic(filepath.Join(path+blockDirSuffix, name), b.Data); err != nil {
			return fmt.Errorf("failed to write block %d of %s: %w", b.BatchID, b.FileURI, err)
		}
		if touched[path] == nil {
			touched[path] = make(map[string]bool)
		}
		touched[path][name] = true
	}

	for path, written := range touched {
		if err := assemble(path, written); err != nil {
			return err
		}
	}

	c.logger.Debug("Filesystem destination committed",
		slog.Int("blocks", len(blocks)),
		slog.Int("bytes", c.pending.Size()),
	)
	c.pending.Reset()
	return nil
}

// Close drops uncommitted data
func (c *Client) Close() error {
	c.pending.Reset()
	c.open = make(map[string]string)
	return nil
}

// FileURI returns the file:// URI of path
func FileURI(path string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}

// PathFromURI returns the local path of a file:// URI
func PathFromURI(fileURI string) (string, error) {
	u, err := url.Parse(fileURI)
	if err != nil || u.Scheme != "file" || u.Path == "" {
		return "", fmt.Errorf("invalid file uri: %q", fileURI)
	}
	return filepath.FromSlash(u.Path), nil
}

func blockName(batchID int64) string {
	return fmt.Sprintf("%020d.block", batchID)
}

// assemble brings path up to date with its committed blocks. When the blocks
// written by this commit all sort after the others and the file holds exactly
// the others, they are appended; anything else (a replayed batch, a torn
// append) rebuilds the file. Blocks are streamed, never loaded whole.
func assemble(path string, written map[string]bool) error {
	dir := path + blockDirSuffix
	entries, err := os.ReadDir(dir) // sorted by name, i.e. by batch id
	if err != nil {
		return fmt.Errorf("failed to list blocks: %w", err)
	}

	var names, fresh []string
	var assembled int64
	appendOnly := true
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".block") {
			continue
		}
		names = append(names, e.Name())
		if written[e.Name()] {
			fresh = append(fresh, e.Name())
			continue
		}
		if len(fresh) > 0 {
			appendOnly = false
		}
		info, err := e.Info()
		if err != nil {
			return fmt.Errorf("failed to stat block: %w", err)
		}
		assembled += info.Size()
	}

	if appendOnly {
		if info, err := os.Stat(path); err == nil && info.Size() == assembled {
			if err := appendBlocks(path, dir, fresh); err != nil {
				return fmt.Errorf("failed to append to %s: %w", path, err)
			}
			return nil
		}
	}

	if err := rebuild(path, dir, names); err != nil {
		return fmt.Errorf("failed to assemble %s: %w", path, err)
	}
	return nil
}

func appendBlocks(path, dir string, names []string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	if err := copyBlocks(f, dir, names); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func rebuild(path, dir string, names []string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := copyBlocks(tmp, dir, names); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func copyBlocks(w io.Writer, dir string, names []string) error {
	for _, name := range names {
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("failed to open block: %w", err)
		}
		_, err = io.Copy(w, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("failed to copy block %s: %w", name, err)
		}
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
