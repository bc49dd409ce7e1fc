package act

import (
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/mend-engine/mend/internal/catalog"
)

// applyPatch applies a unified-diff step to the staged content.
func (st *staging) applyPatch(step catalog.Step) error {
	fileDiffs, err := diff.ParseMultiFileDiff([]byte(step.Diff))
	if err != nil {
		return fmt.Errorf("parse diff: %w", err)
	}
	if len(fileDiffs) == 0 {
		return fmt.Errorf("diff contains no files")
	}

	for _, fd := range fileDiffs {
		path := diffPath(fd)
		if path == "" {
			return fmt.Errorf("diff entry has no usable path (%q -> %q)", fd.OrigName, fd.NewName)
		}
		if fd.NewName == "/dev/null" {
			return fmt.Errorf("%s: file deletion via patch is not supported", path)
		}

		if fd.OrigName == "/dev/null" {
			// File creation: the hunks are all additions.
			content, err := hunksToNewContent(fd.Hunks)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			if err := st.write(path, content); err != nil {
				return err
			}
			continue
		}

		orig, err := st.read(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		updated, err := applyHunks(orig, fd.Hunks)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := st.write(path, updated); err != nil {
			return err
		}
	}
	return nil
}

// diffPath picks the workspace-relative path from a file diff, stripping
// the conventional a/ and b/ prefixes.
func diffPath(fd *diff.FileDiff) string {
	name := fd.NewName
	if name == "" || name == "/dev/null" {
		name = fd.OrigName
	}
	if name == "" || name == "/dev/null" {
		return ""
	}
	name = strings.TrimPrefix(name, "a/")
	name = strings.TrimPrefix(name, "b/")
	return name
}

// applyHunks rebuilds file content with each hunk applied at its stated
// position. Context and deletion lines must match the current content
// exactly; a mismatch means the recipe does not fit this workspace.
func applyHunks(orig []byte, hunks []*diff.Hunk) ([]byte, error) {
	lines := strings.Split(string(orig), "\n")
	var out []string
	cursor := 0 // index into lines, 0-based

	for _, h := range hunks {
		start := int(h.OrigStartLine) - 1
		if start < 0 {
			start = 0
		}
		if start < cursor {
			return nil, fmt.Errorf("hunks overlap at line %d", h.OrigStartLine)
		}
		if start > len(lines) {
			return nil, fmt.Errorf("hunk start %d beyond end of file", h.OrigStartLine)
		}
		out = append(out, lines[cursor:start]...)
		cursor = start

		for _, bl := range strings.Split(strings.TrimSuffix(string(h.Body), "\n"), "\n") {
			if bl == "" {
				continue
			}
			op, text := bl[0], bl[1:]
			switch op {
			case ' ':
				if cursor >= len(lines) || lines[cursor] != text {
					return nil, contextMismatch(cursor, lines, text)
				}
				out = append(out, text)
				cursor++
			case '-':
				if cursor >= len(lines) || lines[cursor] != text {
					return nil, contextMismatch(cursor, lines, text)
				}
				cursor++
			case '+':
				out = append(out, text)
			case '\\':
				// "\ No newline at end of file" markers carry no content.
			default:
				return nil, fmt.Errorf("unexpected diff line %q", bl)
			}
		}
	}

	out = append(out, lines[cursor:]...)
	return []byte(strings.Join(out, "\n")), nil
}

func hunksToNewContent(hunks []*diff.Hunk) ([]byte, error) {
	var out []string
	for _, h := range hunks {
		for _, bl := range strings.Split(strings.TrimSuffix(string(h.Body), "\n"), "\n") {
			if bl == "" {
				continue
			}
			switch bl[0] {
			case '+':
				out = append(out, bl[1:])
			case '\\':
			default:
				return nil, fmt.Errorf("creation diff has non-addition line %q", bl)
			}
		}
	}
	return []byte(strings.Join(out, "\n") + "\n"), nil
}

func contextMismatch(cursor int, lines []string, want string) error {
	got := "<end of file>"
	if cursor < len(lines) {
		got = lines[cursor]
	}
	return fmt.Errorf("patch does not apply at line %d: have %q, diff expects %q", cursor+1, got, want)
}
