// Package knowledge serves raw files and directory listings from the
// markdown knowledge base root.
package knowledge

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/takutakahashi/kbterm/pkg/utils"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrExists        = errors.New("already exists")
	ErrNotAFile      = errors.New("not a file")
	ErrNotADirectory = errors.New("not a directory")
	ErrOutsideRoot   = errors.New("path is outside the knowledge base")
	ErrInvalidPath   = errors.New("invalid path")
)

const (
	EntryTypeFile      = "file"
	EntryTypeDirectory = "directory"
)

// File is the raw content of one knowledge base file.
type File struct {
	Path     string    `json:"path"`
	Content  string    `json:"content"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// Entry is one item of a directory listing.
type Entry struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Type       string    `json:"type"`
	IsMarkdown bool      `json:"isMarkdown"`
	Size       int64     `json:"size"`
	Modified   time.Time `json:"modified"`
}

// Listing is the visible content of a directory.
type Listing struct {
	Path     string  `json:"path"`
	Contents []Entry `json:"contents"`
}

// Store reads and writes files below root.
type Store struct {
	root         string
	resolvedRoot string
}

// NewStore creates a Store rooted at root.
func NewStore(root string) (*Store, error) {
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve knowledge base root %s: %w", root, err)
	}
	resolved := abs
	if r, err := filepath.EvalSymlinks(abs); err == nil {
		resolved = r
	}
	return &Store{root: abs, resolvedRoot: resolved}, nil
}

// Root returns the absolute root directory.
func (s *Store) Root() string {
	return s.root
}

// Accessible reports whether the root exists and can be listed.
func (s *Store) Accessible() bool {
	info, err := os.Stat(s.root)
	if err != nil || !info.IsDir() {
		return false
	}
	_, err = os.ReadDir(s.root)
	return err == nil
}

// Read returns the raw content of the file at rel.
func (s *Store) Read(rel string) (File, error) {
	full, err := s.resolve(rel)
	if err != nil {
		return File{}, err
	}
	info, err := s.statFile(full, rel)
	if err != nil {
		return File{}, err
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return File{}, fmt.Errorf("failed to read %s: %w", rel, err)
	}
	return File{
		Path:     cleanRel(rel),
		Content:  string(data),
		Size:     info.Size(),
		Modified: info.ModTime().UTC(),
	}, nil
}

// Update overwrites an existing file.
func (s *Store) Update(rel, content string) (File, error) {
	full, err := s.resolve(rel)
	if err != nil {
		return File{}, err
	}
	info, err := s.statFile(full, rel)
	if err != nil {
		return File{}, err
	}

	if err := utils.AtomicWriteFile(full, []byte(content), info.Mode().Perm()); err != nil {
		return File{}, fmt.Errorf("failed to write %s: %w", rel, err)
	}
	return s.Read(rel)
}

// Create writes a new file, creating parent directories as needed.
func (s *Store) Create(rel, content string) (File, error) {
	if cleanRel(rel) == "" {
		return File{}, fmt.Errorf("%w: empty file path", ErrInvalidPath)
	}
	full, err := s.resolve(rel)
	if err != nil {
		return File{}, err
	}

	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return File{}, fmt.Errorf("failed to create directory for %s: %w", rel, err)
	}
	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return File{}, fmt.Errorf("%w: %s", ErrExists, cleanRel(rel))
		}
		return File{}, fmt.Errorf("failed to create %s: %w", rel, err)
	}
	_, writeErr := f.WriteString(content)
	closeErr := f.Close()
	if writeErr != nil {
		return File{}, fmt.Errorf("failed to write %s: %w", rel, writeErr)
	}
	if closeErr != nil {
		return File{}, fmt.Errorf("failed to close %s: %w", rel, closeErr)
	}
	return s.Read(rel)
}

// List returns the non-hidden entries of the directory at rel, directories
// first, then by name.
func (s *Store) List(rel string) (Listing, error) {
	full, err := s.resolve(rel)
	if err != nil {
		return Listing{}, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Listing{}, fmt.Errorf("%w: %s", ErrNotFound, cleanRel(rel))
		}
		return Listing{}, fmt.Errorf("failed to stat %s: %w", rel, err)
	}
	if !info.IsDir() {
		return Listing{}, fmt.Errorf("%w: %s", ErrNotADirectory, cleanRel(rel))
	}

	dirEntries, err := os.ReadDir(full)
	if err != nil {
		return Listing{}, fmt.Errorf("failed to read directory %s: %w", rel, err)
	}

	base := cleanRel(rel)
	contents := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		entryInfo, err := os.Stat(filepath.Join(full, name))
		if err != nil {
			// Dangling symlink or entry removed while listing.
			continue
		}
		entryType := EntryTypeFile
		if entryInfo.IsDir() {
			entryType = EntryTypeDirectory
		}
		contents = append(contents, Entry{
			Name:       name,
			Path:       joinRel(base, name),
			Type:       entryType,
			IsMarkdown: strings.HasSuffix(name, ".md"),
			Size:       entryInfo.Size(),
			Modified:   entryInfo.ModTime().UTC(),
		})
	}

	sort.Slice(contents, func(i, j int) bool {
		if contents[i].Type != contents[j].Type {
			return contents[i].Type == EntryTypeDirectory
		}
		return contents[i].Name < contents[j].Name
	})

	return Listing{Path: base, Contents: contents}, nil
}

func (s *Store) statFile(full, rel string) (os.FileInfo, error) {
	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, cleanRel(rel))
		}
		return nil, fmt.Errorf("failed to stat %s: %w", rel, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrNotAFile, cleanRel(rel))
	}
	return info, nil
}

// resolve maps rel onto the filesystem and rejects anything that leaves the
// root, lexically or through a symlink.
func (s *Store) resolve(rel string) (string, error) {
	if strings.ContainsRune(rel, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	full := filepath.Join(s.root, cleanRel(rel))
	if !isWithinDir(full, s.root) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}

	// Resolve the deepest existing ancestor; the rest does not exist yet.
	existing := full
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		existing = parent
	}
	if resolved, err := filepath.EvalSymlinks(existing); err == nil {
		if !isWithinDir(resolved, s.resolvedRoot) {
			return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
		}
	}
	return full, nil
}

// cleanRel normalizes a client path to a relative slash-separated form.
// ".." segments are kept so resolve can reject them.
func cleanRel(rel string) string {
	rel = strings.TrimLeft(filepath.ToSlash(rel), "/")
	if rel == "" {
		return ""
	}
	cleaned := filepath.ToSlash(filepath.Clean(rel))
	if cleaned == "." {
		return ""
	}
	return cleaned
}

func joinRel(base, name string) string {
	if base == "" {
		return name
	}
	return base + "/" + name
}

// isWithinDir checks if filePath is within or equal to dirPath.
func isWithinDir(filePath, dirPath string) bool {
	dirWithSep := dirPath
	if !strings.HasSuffix(dirWithSep, string(filepath.Separator)) {
		dirWithSep += string(filepath.Separator)
	}
	return strings.HasPrefix(filePath, dirWithSep) || filePath == dirPath
}
