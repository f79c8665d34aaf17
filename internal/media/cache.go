// Package media keeps local working copies of attachments. A file id is only
// usable by the bot that received it, so media crossing between the client and
// admin bots is downloaded here first and re-uploaded from disk.
package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	kit "relaybot/internal/transport"
	"relaybot/pkg/logx"
)

// Downloader is the part of a transport adapter the cache needs.
type Downloader interface {
	Download(ctx context.Context, fileID string, dst string) error
}

type Cache struct {
	dir string
	log logx.Logger
	now func() time.Time
}

func New(dir string, log logx.Logger) (*Cache, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("media: empty dir")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("media: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("media: %w", err)
	}
	return &Cache{dir: abs, log: log, now: time.Now}, nil
}

func (c *Cache) Dir() string { return c.dir }

// Fetch downloads att through dl into a fresh file and returns its path. On
// error no file is left behind.
func (c *Cache) Fetch(ctx context.Context, dl Downloader, att kit.Attachment) (string, error) {
	if att.FileID == "" {
		return "", errors.New("media: attachment has no file id")
	}
	ext := filepath.Ext(att.FileName)
	if ext == "" {
		ext = att.Kind.Ext()
	}
	dst := filepath.Join(c.dir, uuid.NewString()+ext)
	if err := dl.Download(ctx, att.FileID, dst); err != nil {
		_ = os.Remove(dst)
		return "", fmt.Errorf("media: fetch %s: %w", att.Kind, err)
	}
	c.log.Debug("media cached", logx.String("kind", string(att.Kind)), logx.String("path", dst))
	return dst, nil
}

func (c *Cache) owns(path string) bool {
	rel, err := filepath.Rel(c.dir, path)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}

// Remove deletes a working copy. Empty paths and already removed files are not
// errors; paths outside the cache dir are refused.
func (c *Cache) Remove(path string) error {
	if path == "" {
		return nil
	}
	path = filepath.Clean(path)
	if !c.owns(path) {
		return fmt.Errorf("media: refusing to remove %q outside %q", path, c.dir)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.log.Warn("media remove failed", logx.String("path", path), logx.Err(err))
		return fmt.Errorf("media: remove: %w", err)
	}
	return nil
}

// Files lists the working copies currently on disk.
func (c *Cache) Files() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("media: %w", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			out = append(out, filepath.Join(c.dir, e.Name()))
		}
	}
	return out, nil
}

// Sweep removes working copies older than maxAge that are not listed in keep.
// It returns how many files were removed.
func (c *Cache) Sweep(maxAge time.Duration, keep []string) (int, error) {
	files, err := c.Files()
	if err != nil {
		return 0, err
	}
	live := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		live[filepath.Clean(k)] = struct{}{}
	}
	cutoff := c.now().Add(-maxAge)
	removed := 0
	for _, f := range files {
		if _, ok := live[f]; ok {
			continue
		}
		info, err := os.Stat(f)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := c.Remove(f); err == nil {
			removed++
		}
	}
	if removed > 0 {
		c.log.Info("media sweep", logx.Int("removed", removed), logx.Int("kept", len(files)-removed))
	}
	return removed, nil
}
