// Package repo manages numbered output directories: the review area for
// suspected duplicates and the graveyard for rejected frames. A repo is a
// flat directory of zero-padded entry dirs (0000, 0001, ...) and every
// file inside an entry carries its own zero-padded prefix, so listing an
// entry reads in creation order.
package repo

import (
	"bufio"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const entryPadding = 4

// Repo is one numbered output directory.
type Repo struct {
	path string
	next int
}

// Open creates the directory if needed and resumes numbering after the
// highest existing entry.
func Open(path string) (*Repo, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	next, err := nextNumber(path)
	if err != nil {
		return nil, fmt.Errorf("scan repo dir %s: %w", path, err)
	}
	return &Repo{path: path, next: next}, nil
}

// Path returns the repo's root directory.
func (r *Repo) Path() string { return r.path }

// NewEntry allocates the next numbered entry directory.
func (r *Repo) NewEntry() (*Entry, error) {
	dir := filepath.Join(r.path, fmt.Sprintf("%0*d", entryPadding, r.next))
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create entry dir: %w", err)
	}
	r.next++
	return &Entry{path: dir}, nil
}

// Entries opens every existing entry in numeric order.
func (r *Repo) Entries() ([]*Entry, error) {
	var entries []*Entry
	for num := 0; num < r.next; num++ {
		dir := filepath.Join(r.path, fmt.Sprintf("%0*d", entryPadding, num))
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		e, err := OpenEntry(dir)
		if err != nil {
			return nil, fmt.Errorf("open entry %s: %w", dir, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Entry is one numbered directory inside a repo. Files created through it
// get an increasing zero-padded prefix.
type Entry struct {
	path string
	next int
}

// OpenEntry resumes an existing entry directory, numbering after the
// highest prefixed file in it.
func OpenEntry(dir string) (*Entry, error) {
	next, err := nextNumber(dir)
	if err != nil {
		return nil, err
	}
	return &Entry{path: dir, next: next}, nil
}

// Path returns the entry's directory.
func (e *Entry) Path() string { return e.path }

func (e *Entry) nextPath(name string) (string, error) {
	if name == "" || strings.ContainsRune(name, filepath.Separator) {
		return "", fmt.Errorf("file name %q is not a basename", name)
	}
	p := filepath.Join(e.path, fmt.Sprintf("%0*d_%s", entryPadding, e.next, name))
	e.next++
	return p, nil
}

// CreateFile creates the next numbered file and hands its writer to fn.
func (e *Entry) CreateFile(name string, fn func(w io.Writer) error) error {
	path, err := e.nextPath(name)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	bw := bufio.NewWriter(f)
	if err := fn(bw); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush %s: %w", path, err)
	}
	return f.Close()
}

// CreateText writes contents into a numbered .txt file.
func (e *Entry) CreateText(name, contents string) error {
	return e.CreateFile(name+".txt", func(w io.Writer) error {
		_, err := io.WriteString(w, contents)
		return err
	})
}

// CreatePNG encodes img into a numbered .png file.
func (e *Entry) CreatePNG(name string, img image.Image) error {
	return e.CreateFile(name+".png", func(w io.Writer) error {
		return png.Encode(w, img)
	})
}

// CreateLink creates a numbered symlink pointing at target. A relative
// target is resolved against the current working directory so the link
// stays valid from anywhere.
func (e *Entry) CreateLink(name, target string) error {
	if !filepath.IsAbs(target) {
		abs, err := filepath.Abs(target)
		if err != nil {
			return fmt.Errorf("resolve link target %s: %w", target, err)
		}
		target = abs
	}
	path, err := e.nextPath(name)
	if err != nil {
		return err
	}
	if err := os.Symlink(target, path); err != nil {
		return fmt.Errorf("link %s -> %s: %w", path, target, err)
	}
	return nil
}

// MoveInto renames src into the entry as a numbered file, keeping its
// basename. The caller loses src; this is how a duplicate video is pulled
// out of the library.
func (e *Entry) MoveInto(src string) (string, error) {
	path, err := e.nextPath(filepath.Base(src))
	if err != nil {
		return "", err
	}
	if err := os.Rename(src, path); err != nil {
		return "", fmt.Errorf("move %s into entry: %w", src, err)
	}
	return path, nil
}

// Files lists the entry's numbered files sorted by prefix.
func (e *Entry) Files() ([]string, error) {
	dirents, err := os.ReadDir(e.path)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, d := range dirents {
		if _, ok := parsePrefix(d.Name()); ok {
			names = append(names, d.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// nextNumber returns one past the highest numeric prefix among the names
// in dir. Names without a valid prefix fail the scan; the directory is
// assumed to be repo-managed.
func nextNumber(dir string) (int, error) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	next := 0
	for _, d := range dirents {
		num, ok := parsePrefix(d.Name())
		if !ok {
			return 0, fmt.Errorf("unexpected file %q in repo dir", d.Name())
		}
		if num+1 > next {
			next = num + 1
		}
	}
	return next, nil
}

// parsePrefix extracts the number from "0017" or "0017_report.txt".
func parsePrefix(name string) (int, bool) {
	digits := name
	if i := strings.IndexByte(name, '_'); i >= 0 {
		digits = name[:i]
	}
	if len(digits) != entryPadding {
		return 0, false
	}
	num, err := strconv.Atoi(digits)
	if err != nil || num < 0 {
		return 0, false
	}
	return num, true
}
