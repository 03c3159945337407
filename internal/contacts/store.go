package contacts

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	apperrors "github.com/acme/campaign-dispatcher/pkg/errors"
)

const listExtension = ".csv"

// ListInfo describes a stored contact list.
type ListInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// ListStore keeps uploaded contact lists as files in one directory so
// campaigns can be created from them later.
type ListStore struct {
	dir  string
	opts []Option
}

// NewListStore returns a store rooted at dir. opts are applied when a list is
// checked on upload.
func NewListStore(dir string, opts ...Option) *ListStore {
	if dir == "" {
		dir = "."
	}
	return &ListStore{dir: dir, opts: opts}
}

// ValidListName accepts plain .csv file names with no directory part.
func ValidListName(name string) error {
	if name == "" || name != filepath.Base(name) || !filepath.IsLocal(name) || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: list name must be a plain file name", apperrors.ErrValidation)
	}
	if !strings.EqualFold(filepath.Ext(name), listExtension) {
		return fmt.Errorf("%w: list name must end in %s", apperrors.ErrValidation, listExtension)
	}
	return nil
}

// Save parses r and stores it under name, replacing an older list of the same
// name. A list that cannot be parsed is not stored.
func (s *ListStore) Save(name string, r io.Reader) (*Result, error) {
	if err := ValidListName(name); err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	res, err := Load(bytes.NewReader(raw), s.opts...)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("list store: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("list store: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("list store: write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("list store: write %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("list store: save %s: %w", name, err)
	}
	return res, nil
}

// List returns the stored lists sorted by name. A missing directory holds no
// lists.
func (s *ListStore) List() ([]ListInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list store: read dir: %w", err)
	}

	out := make([]ListInfo, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || ValidListName(e.Name()) != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, ListInfo{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime().UTC()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Path returns the file of a stored list.
func (s *ListStore) Path(name string) (string, error) {
	if err := ValidListName(name); err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, name)
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.Mode().IsRegular()) {
		return "", fmt.Errorf("%w: contact list %s", apperrors.ErrNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("list store: stat %s: %w", name, err)
	}
	return path, nil
}

// Delete removes a stored list.
func (s *ListStore) Delete(name string) error {
	path, err := s.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("list store: delete %s: %w", name, err)
	}
	return nil
}
