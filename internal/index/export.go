package index

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"videodup/internal/hash"
)

// ErrBadFormat is returned when an import line cannot be parsed. The
// import fails as a whole; nothing is inserted from a malformed file.
var ErrBadFormat = errors.New("index: malformed export line")

// Export line format, one entry per line, tab separated:
//
//	<hash base64>\t<video>\t<offset ms>\t<N|M>
//
// The field order and encodings are stable; List sorts lines bytewise so
// that export/import/list round-trips are byte-identical.
const exportFields = 4

func formatLine(h hash.Hash, e Entry) string {
	orient := "N"
	if e.Mirrored {
		orient = "M"
	}
	return fmt.Sprintf("%s\t%s\t%d\t%s", h, e.Video, e.Offset.Milliseconds(), orient)
}

func parseLine(line string) (hash.Hash, Entry, error) {
	parts := strings.Split(line, "\t")
	if len(parts) != exportFields {
		return 0, Entry{}, fmt.Errorf("%w: want %d fields, got %d",
			ErrBadFormat, exportFields, len(parts))
	}

	h, err := hash.Parse(parts[0])
	if err != nil {
		return 0, Entry{}, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	if parts[1] == "" {
		return 0, Entry{}, fmt.Errorf("%w: empty video field", ErrBadFormat)
	}
	offsetMs, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || offsetMs < 0 {
		return 0, Entry{}, fmt.Errorf("%w: bad offset %q", ErrBadFormat, parts[2])
	}

	e := Entry{Video: parts[1], Offset: time.Duration(offsetMs) * time.Millisecond}
	switch parts[3] {
	case "N":
	case "M":
		e.Mirrored = true
	default:
		return 0, Entry{}, fmt.Errorf("%w: bad orientation %q", ErrBadFormat, parts[3])
	}
	return h, e, nil
}

// List returns every entry as a sorted export line.
func (t *Tree) List() ([]string, error) {
	var lines []string
	err := t.ForEach(func(h hash.Hash, e Entry) error {
		if strings.ContainsAny(e.Video, "\t\n") {
			return fmt.Errorf("index: video path %q contains separator characters", e.Video)
		}
		lines = append(lines, formatLine(h, e))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(lines)
	return lines, nil
}

// Export writes the sorted export lines to w.
func (t *Tree) Export(w io.Writer) error {
	lines, err := t.List()
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	for _, line := range lines {
		if _, err := fmt.Fprintln(bw, line); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Import reads export lines from r and inserts them into the tree. A
// malformed line fails the whole import with ErrBadFormat and the line
// number in the message; callers should import into a fresh store so a
// failed import leaves nothing behind.
func Import(r io.Reader, t *Tree) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	n := 0
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}
		h, e, err := parseLine(line)
		if err != nil {
			return n, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if err := t.Insert(h, e); err != nil {
			return n, fmt.Errorf("line %d: insert: %w", lineNo, err)
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("read import stream: %w", err)
	}
	return n, nil
}
