package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

const copyChunkSize = 256 * 1024 // 256KB per chunk

const tmpSuffix = ".move-tmp"

// maxNameLen is the common filename limit (ext4, APFS, NTFS).
const maxNameLen = 255

// ErrSourceModified is returned when SafeCopy detects that the source file
// changed while it was being copied.
var ErrSourceModified = errors.New("source modified during copy")

// ErrUnsupportedEntry is returned by CopyTree for entries it cannot recreate
// at the destination.
var ErrUnsupportedEntry = errors.New("unsupported directory entry")

// safeTmpPath returns the temporary sibling used while copying to dst. Long
// names are shortened with a hash so the tmp name stays within maxNameLen.
func safeTmpPath(dst string) string {
	base := filepath.Base(dst)
	if len(base)+len(tmpSuffix) <= maxNameLen {
		return dst + tmpSuffix
	}
	sum := sha256.Sum256([]byte(base))
	short := hex.EncodeToString(sum[:8])
	keep := maxNameLen - len(tmpSuffix) - 1 - len(short)
	return filepath.Join(filepath.Dir(dst), base[:keep]+tmpSuffix+"-"+short)
}

// SafeCopy copies src to dst on fsys without exposing a partial dst:
//  1. record src mtime
//  2. copy into a tmp sibling in chunks, checking ctx between chunks
//  3. verify src mtime unchanged
//  4. carry the mtime over and rename tmp onto dst (overwriting it)
//
// It returns the number of bytes copied.
func SafeCopy(ctx context.Context, fsys afero.Fs, src, dst string) (int64, error) {
	srcInfo, err := fsys.Stat(src)
	if err != nil {
		return 0, fmt.Errorf("stat src: %w", err)
	}
	mtime1 := srcInfo.ModTime()

	if err := fsys.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, fmt.Errorf("mkdir dst parent: %w", err)
	}

	srcFile, err := fsys.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open src: %w", err)
	}
	defer srcFile.Close()

	tmpPath := safeTmpPath(dst)
	tmpFile, err := fsys.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, srcInfo.Mode().Perm())
	if err != nil {
		return 0, fmt.Errorf("create tmp: %w", err)
	}

	written, copyErr := copyChunks(ctx, tmpFile, srcFile)
	if closeErr := tmpFile.Close(); copyErr == nil && closeErr != nil {
		copyErr = fmt.Errorf("close tmp: %w", closeErr)
	}
	if copyErr != nil {
		fsys.Remove(tmpPath) //nolint:errcheck
		return written, copyErr
	}

	srcInfo2, err := fsys.Stat(src)
	if err != nil {
		fsys.Remove(tmpPath) //nolint:errcheck
		return written, fmt.Errorf("re-stat src: %w", err)
	}
	if !srcInfo2.ModTime().Equal(mtime1) {
		fsys.Remove(tmpPath) //nolint:errcheck
		return written, ErrSourceModified
	}

	if err := fsys.Chtimes(tmpPath, time.Now(), mtime1); err != nil {
		fsys.Remove(tmpPath) //nolint:errcheck
		return written, fmt.Errorf("chtimes tmp: %w", err)
	}

	if err := fsys.Rename(tmpPath, dst); err != nil {
		fsys.Remove(tmpPath) //nolint:errcheck
		return written, fmt.Errorf("rename tmp to dst: %w", err)
	}

	return written, nil
}

func copyChunks(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, copyChunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			w, writeErr := dst.Write(buf[:n])
			written += int64(w)
			if writeErr != nil {
				return written, fmt.Errorf("write tmp: %w", writeErr)
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, fmt.Errorf("read src: %w", readErr)
		}
	}
}

// TreeStat summarises a directory tree.
type TreeStat struct {
	Files int
	Dirs  int
	Bytes int64
}

// TreeSize walks root and totals regular file sizes. A missing root is an
// empty tree.
func TreeSize(fsys afero.Fs, root string) (TreeStat, error) {
	l := sub("scanner")
	var st TreeStat
	if !exists(fsys, root) {
		l.Debug("tree size: root missing", "root", root)
		return st, nil
	}
	err := afero.Walk(fsys, root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			l.Warn("tree walk error", "path", path, "err", err)
			return err
		}
		if path == root {
			return nil
		}
		switch {
		case info.IsDir():
			st.Dirs++
		case info.Mode().IsRegular():
			st.Files++
			st.Bytes += info.Size()
		}
		return nil
	})
	l.Debug("tree size", "root", root, "files", st.Files, "dirs", st.Dirs, "bytes", st.Bytes)
	return st, err
}

// CopyError reports the path at which CopyTree stopped.
type CopyError struct {
	Path string
	Err  error
}

func (e *CopyError) Error() string { return fmt.Sprintf("copy %s: %v", e.Path, e.Err) }
func (e *CopyError) Unwrap() error { return e.Err }

// CopyTree copies every directory and regular file below src into dst,
// keeping relative structure and overwriting files of the same name. A
// missing src copies nothing. Symlinks are recreated with the same link
// text when fsys supports them; any other entry type, or a symlink on a
// filesystem without link support, fails the copy with ErrUnsupportedEntry.
// onFile, if set, is called after each regular file.
func CopyTree(ctx context.Context, fsys afero.Fs, src, dst string, onFile func(rel string, n int64)) (int64, error) {
	l := sub("fileops")
	if !exists(fsys, src) {
		l.Info("copy tree: source missing, nothing to copy", "src", src)
		return 0, nil
	}
	if err := fsys.MkdirAll(dst, 0755); err != nil {
		return 0, &CopyError{Path: dst, Err: err}
	}

	var total int64
	err := afero.Walk(fsys, src, func(path string, info fs.FileInfo, walkErr error) error {
		if walkErr != nil {
			return &CopyError{Path: path, Err: walkErr}
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return &CopyError{Path: path, Err: err}
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			if err := fsys.MkdirAll(target, info.Mode().Perm()|0700); err != nil {
				return &CopyError{Path: target, Err: err}
			}
		case info.Mode().IsRegular():
			n, err := SafeCopy(ctx, fsys, path, target)
			total += n
			if err != nil {
				return &CopyError{Path: path, Err: err}
			}
			if logEnabled(slog.LevelDebug) {
				l.Debug("copied", "rel", rel, "bytes", n)
			}
			if onFile != nil {
				onFile(rel, n)
			}
		case info.Mode()&fs.ModeSymlink != 0:
			if err := copySymlink(fsys, path, target); err != nil {
				return &CopyError{Path: path, Err: err}
			}
			l.Debug("symlink recreated", "rel", rel)
		default:
			return &CopyError{Path: path, Err: fmt.Errorf("%w: %s", ErrUnsupportedEntry, info.Mode().Type())}
		}
		return nil
	})
	return total, err
}

func copySymlink(fsys afero.Fs, src, dst string) error {
	reader, ok := fsys.(afero.LinkReader)
	if !ok {
		return fmt.Errorf("%w: symlink", ErrUnsupportedEntry)
	}
	linker, ok := fsys.(afero.Linker)
	if !ok {
		return fmt.Errorf("%w: symlink", ErrUnsupportedEntry)
	}
	link, err := reader.ReadlinkIfPossible(src)
	if err != nil {
		return err
	}
	if err := fsys.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return linker.SymlinkIfPossible(link, dst)
}

// ClearTree removes everything inside root but keeps root itself. It keeps
// going after a failure and returns every error it met.
func ClearTree(fsys afero.Fs, root string) error {
	l := sub("fileops")
	if !exists(fsys, root) {
		return nil
	}
	entries, err := afero.ReadDir(fsys, root)
	if err != nil {
		return fmt.Errorf("read %s: %w", root, err)
	}
	var errs []error
	for _, e := range entries {
		p := filepath.Join(root, e.Name())
		if err := fsys.RemoveAll(p); err != nil {
			l.Warn("clear tree: remove failed", "path", p, "err", err)
			errs = append(errs, fmt.Errorf("remove %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}
