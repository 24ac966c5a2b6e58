// Package store owns the two directories the sync engine writes to: a
// cache for partially-processed downloads and the user's maildir. It
// guarantees that no partially-written blob is ever visible under its
// canonical name and that promotion from cache to maildir is an atomic
// rename (spec.md §4.2).
//
// Grounded on the teacher's internal/notmuch package: the directory
// handling and atomic-rename idiom are carried over from
// notmuch.Service.Insert/makePath, generalized from its fixed two-level
// hash farm to the flat cache/maildir pair spec.md's filename format calls
// for (see DESIGN.md).
package store

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"mujmap/internal/message"
)

const (
	dirFileMode     = 0700
	messageFileMode = 0600
	partSuffix      = ".part"
)

// ErrCrossDevice is returned when promoting a cached blob into the maildir
// would require copying across filesystems. spec.md requires the cache and
// maildir to share one filesystem; this is a fatal, non-retryable error.
var ErrCrossDevice = errors.New("store: cache and maildir are on different filesystems")

// Store owns a cache directory and a maildir directory.
type Store struct {
	cacheDir   string
	maildirDir string
}

// Open creates (if needed) the cache and maildir directories and removes
// any leftover ".part" files from a prior interrupted run (spec.md §5's
// cancellation semantics). A run that is killed leaves its ".part" files
// behind until this cleanup at the next Open.
func Open(cacheDir, maildirDir string) (*Store, error) {
	if err := os.MkdirAll(cacheDir, dirFileMode); err != nil {
		return nil, errors.Wrapf(err, "creating cache directory %q", cacheDir)
	}
	if err := os.MkdirAll(maildirDir, dirFileMode); err != nil {
		return nil, errors.Wrapf(err, "creating maildir %q", maildirDir)
	}
	s := &Store{cacheDir: cacheDir, maildirDir: maildirDir}
	if err := s.cleanPartials(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) cleanPartials() error {
	entries, err := os.ReadDir(s.cacheDir)
	if err != nil {
		return errors.Wrap(err, "listing cache directory")
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), partSuffix) {
			if err := os.Remove(filepath.Join(s.cacheDir, e.Name())); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "removing stale partial file %q", e.Name())
			}
		}
	}
	return nil
}

func (s *Store) partPath(id message.ID, blob message.BlobID) string {
	return filepath.Join(s.cacheDir, message.CacheName(id, blob)+partSuffix)
}

func (s *Store) cachePath(id message.ID, blob message.BlobID) string {
	return filepath.Join(s.cacheDir, message.CacheName(id, blob))
}

// WriteBlob copies r into the cache under a temporary ".part" name, then
// renames it to its final cache name once fully written. A failure partway
// through leaves only the ".part" file, which is never visible under the
// canonical cache name.
func (s *Store) WriteBlob(ctx context.Context, id message.ID, blob message.BlobID, r io.Reader) error {
	part := s.partPath(id, blob)
	f, err := os.OpenFile(part, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, messageFileMode)
	if err != nil {
		return errors.Wrapf(err, "creating partial cache file %q", part)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(part)
		return errors.Wrapf(err, "downloading blob %s/%s", id, blob)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(part)
		return errors.Wrapf(err, "syncing partial cache file %q", part)
	}
	if err := f.Close(); err != nil {
		os.Remove(part)
		return errors.Wrapf(err, "closing partial cache file %q", part)
	}
	final := s.cachePath(id, blob)
	if err := os.Rename(part, final); err != nil {
		os.Remove(part)
		return errors.Wrapf(err, "renaming %q to %q", part, final)
	}
	return nil
}

// Promote atomically moves a cached blob into the maildir under its final
// maildir filename (the cache name plus the ":2,{flags}" suffix), per
// spec.md §3's filename format. It must run strictly after the server-side
// push for the message has succeeded (spec.md §4.4.2).
func (s *Store) Promote(id message.ID, blob message.BlobID, flags string) (string, error) {
	src := s.cachePath(id, blob)
	name := message.Filename(id, blob, flags)
	dst := filepath.Join(s.maildirDir, name)
	if err := os.Rename(src, dst); err != nil {
		if isCrossDevice(err) {
			return "", errors.Wrapf(ErrCrossDevice, "promoting %q to %q", src, dst)
		}
		return "", errors.Wrapf(err, "promoting %q to %q", src, dst)
	}
	return name, nil
}

func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}

// RemoveMaildirFile deletes a message's file from the maildir by name.
func (s *Store) RemoveMaildirFile(name string) error {
	err := os.Remove(filepath.Join(s.maildirDir, name))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing maildir file %q", name)
	}
	return nil
}

// DiscardCacheFile removes a blob from the cache. Called at sync end for
// any cached blob that was downloaded but never promoted (the message it
// belonged to failed PUSH and was excluded from APPLY).
func (s *Store) DiscardCacheFile(id message.ID, blob message.BlobID) error {
	err := os.Remove(s.cachePath(id, blob))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "discarding cache file for %s/%s", id, blob)
	}
	return nil
}

// Located describes where a (MessageID, BlobID) pair's bytes currently
// live, per the maildir-then-cache lookup order spec.md §4.2 specifies.
type Located struct {
	Path       string
	InMaildir  bool
	MaildirName string
}

// Lookup checks the maildir first, then the cache, for a blob matching
// (id, blob). The maildir check tolerates an unknown flag suffix by
// scanning for a name with the matching "{id}.{blob}:2," prefix.
func (s *Store) Lookup(id message.ID, blob message.BlobID) (Located, bool, error) {
	prefix := message.CacheName(id, blob) + ":2,"
	entries, err := os.ReadDir(s.maildirDir)
	if err != nil {
		return Located{}, false, errors.Wrap(err, "listing maildir")
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			return Located{
				Path:        filepath.Join(s.maildirDir, e.Name()),
				InMaildir:   true,
				MaildirName: e.Name(),
			}, true, nil
		}
	}
	cachePath := s.cachePath(id, blob)
	if _, err := os.Stat(cachePath); err == nil {
		return Located{Path: cachePath, InMaildir: false}, true, nil
	} else if !os.IsNotExist(err) {
		return Located{}, false, errors.Wrapf(err, "statting cache file %q", cachePath)
	}
	return Located{}, false, nil
}

// MaildirFile is one parsed entry discovered by ListMaildir.
type MaildirFile struct {
	Name   string
	ID     message.ID
	BlobID message.BlobID
	Flags  string
}

// ListMaildir enumerates every filename in the maildir that parses to a
// mujmap-managed (MessageID, BlobID) pair. Names that don't parse are
// unmanaged and silently skipped, per spec.md §6.
func (s *Store) ListMaildir() ([]MaildirFile, error) {
	entries, err := os.ReadDir(s.maildirDir)
	if err != nil {
		return nil, errors.Wrap(err, "listing maildir")
	}
	var files []MaildirFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, blob, flags, ok := message.ParseFilename(e.Name())
		if !ok {
			continue
		}
		files = append(files, MaildirFile{Name: e.Name(), ID: id, BlobID: blob, Flags: flags})
	}
	return files, nil
}

// RenameFlags renames a maildir file to carry a new flag suffix, leaving
// the MessageID/BlobID portion untouched (a maildir file's name is
// otherwise immutable; spec.md §3's Lifecycles).
func (s *Store) RenameFlags(id message.ID, blob message.BlobID, oldName, newFlags string) (string, error) {
	newName := message.Filename(id, blob, newFlags)
	if newName == oldName {
		return oldName, nil
	}
	err := os.Rename(filepath.Join(s.maildirDir, oldName), filepath.Join(s.maildirDir, newName))
	if err != nil {
		return "", errors.Wrapf(err, "renaming %q to %q", oldName, newName)
	}
	return newName, nil
}

// MaildirDir returns the maildir path, needed by the local index adapter
// to resolve filenames to absolute paths.
func (s *Store) MaildirDir() string {
	return s.maildirDir
}
