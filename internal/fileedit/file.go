// Package fileedit applies line-level edits to text configuration files and
// writes them back only when the content actually changed.
package fileedit

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"grimm.is/vrouter/internal/errors"
	"grimm.is/vrouter/internal/logging"
)

// CompareMode selects how Commit decides whether content changed.
type CompareMode int

const (
	// Ordered treats any reordering of lines as a change.
	Ordered CompareMode = iota
	// Multiset ignores line order. Only for files where order carries no meaning.
	Multiset
)

// File is an in-memory copy of a text file plus the edits made to it.
type File struct {
	Path string
	Mode CompareMode
	Perm os.FileMode

	orig   []string
	lines  []string
	logger *logging.Logger
}

// Option configures a File.
type Option func(*File)

// WithMode sets the change detection mode.
func WithMode(m CompareMode) Option {
	return func(f *File) { f.Mode = m }
}

// WithPerm sets the mode bits used when the file is created.
func WithPerm(p os.FileMode) Option {
	return func(f *File) { f.Perm = p }
}

// WithLogger sets the logger used for diff output.
func WithLogger(l *logging.Logger) Option {
	return func(f *File) { f.logger = l }
}

// Load reads path. A missing file loads as empty.
func Load(path string, opts ...Option) (*File, error) {
	f := &File{Path: path, Perm: 0o644}
	for _, o := range opts {
		o(f)
	}
	if f.logger == nil {
		f.logger = logging.WithComponent("fileedit")
	}

	fh, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, errors.Wrapf(err, errors.KindInternal, "open %s", path)
	}
	defer fh.Close()

	sc := bufio.NewScanner(fh)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		f.orig = append(f.orig, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, errors.KindInternal, "read %s", path)
	}
	f.lines = slices.Clone(f.orig)
	return f, nil
}

// Lines returns the current content.
func (f *File) Lines() []string {
	return slices.Clone(f.lines)
}

// Empty reports whether the file currently has no lines.
func (f *File) Empty() bool {
	return len(f.lines) == 0
}

// Reset replaces the whole content.
func (f *File) Reset(lines []string) {
	f.lines = slices.Clone(lines)
}

// Append adds a line at the end.
func (f *File) Append(line string) {
	f.lines = append(f.lines, line)
}

// AppendUnique adds a line unless an identical line exists. It reports whether
// the line was added.
func (f *File) AppendUnique(line string) bool {
	if slices.Contains(f.lines, line) {
		return false
	}
	f.lines = append(f.lines, line)
	return true
}

// Contains reports whether any line contains substr.
func (f *File) Contains(substr string) bool {
	for _, l := range f.lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

// SearchReplace replaces every line matching pattern with line. If nothing
// matches, line is appended. It reports whether a match was found.
func (f *File) SearchReplace(pattern, line string) (bool, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, errors.Wrapf(err, errors.KindValidation, "bad pattern %q", pattern)
	}
	found := false
	for i, l := range f.lines {
		if re.MatchString(l) {
			f.lines[i] = line
			found = true
		}
	}
	if !found {
		f.lines = append(f.lines, line)
	}
	return found, nil
}

// Greplace substitutes every occurrence of old with new on every line.
func (f *File) Greplace(old, new string) {
	for i, l := range f.lines {
		f.lines[i] = strings.ReplaceAll(l, old, new)
	}
}

// DeleteContaining removes every line containing substr and returns how many
// lines were removed.
func (f *File) DeleteContaining(substr string) int {
	before := len(f.lines)
	f.lines = slices.DeleteFunc(f.lines, func(l string) bool {
		return strings.Contains(l, substr)
	})
	return before - len(f.lines)
}

// ReplaceSection rewrites the body of the first block whose opening line
// contains header (for example "virtual_ipaddress {"). Nested braces are
// tracked so the matching closing brace ends the block. Body lines are
// indented one level deeper than the header. It reports whether the block
// was found.
func (f *File) ReplaceSection(header string, body []string) bool {
	start := -1
	for i, l := range f.lines {
		if strings.Contains(l, header) {
			start = i
			break
		}
	}
	if start < 0 {
		return false
	}

	depth := strings.Count(f.lines[start], "{") - strings.Count(f.lines[start], "}")
	end := -1
	for i := start + 1; i < len(f.lines); i++ {
		depth += strings.Count(f.lines[i], "{") - strings.Count(f.lines[i], "}")
		if depth <= 0 {
			end = i
			break
		}
	}
	if end < 0 {
		return false
	}

	indent := leadingSpace(f.lines[start])
	inner := indent + "\t"
	if end > start+1 {
		inner = leadingSpace(f.lines[start+1])
	}

	repl := make([]string, 0, len(body))
	for _, b := range body {
		repl = append(repl, inner+strings.TrimSpace(b))
	}
	f.lines = slices.Concat(f.lines[:start+1], repl, f.lines[end:])
	return true
}

func leadingSpace(s string) string {
	return s[:len(s)-len(strings.TrimLeft(s, " \t"))]
}

// Changed reports whether the content differs from what was loaded.
func (f *File) Changed() bool {
	if f.Mode == Multiset {
		a, b := slices.Clone(f.orig), slices.Clone(f.lines)
		slices.Sort(a)
		slices.Sort(b)
		return !slices.Equal(a, b)
	}
	return !slices.Equal(f.orig, f.lines)
}

// Diff returns a unified diff between the loaded and current content.
func (f *File) Diff() string {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(joinLines(f.orig)),
		B:        difflib.SplitLines(joinLines(f.lines)),
		FromFile: f.Path,
		ToFile:   f.Path + " (new)",
		Context:  2,
	}
	text, _ := difflib.GetUnifiedDiffString(diff)
	return text
}

// Commit writes the file if it changed and reports whether it did. The write
// goes through a temporary file in the same directory and a rename.
func (f *File) Commit() (bool, error) {
	if !f.Changed() {
		return false, nil
	}

	if dir := filepath.Dir(f.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, errors.Wrapf(err, errors.KindInternal, "create %s", dir)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.Path), "."+filepath.Base(f.Path)+".*")
	if err != nil {
		return false, errors.Wrapf(err, errors.KindInternal, "create temp for %s", f.Path)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(joinLines(f.lines)); err != nil {
		tmp.Close()
		return false, errors.Wrapf(err, errors.KindInternal, "write %s", f.Path)
	}
	if err := tmp.Chmod(f.Perm); err != nil {
		tmp.Close()
		return false, errors.Wrapf(err, errors.KindInternal, "chmod %s", f.Path)
	}
	if err := tmp.Close(); err != nil {
		return false, errors.Wrapf(err, errors.KindInternal, "close %s", f.Path)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return false, errors.Wrapf(err, errors.KindInternal, "rename %s", f.Path)
	}

	f.logger.Debug("file updated", "path", f.Path, "diff", f.Diff())
	f.orig = slices.Clone(f.lines)
	return true, nil
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return fmt.Sprintf("%s\n", strings.Join(lines, "\n"))
}
