package patch

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

const noNewlineMarker = `\ No newline at end of file`

// parseHunks accepts either a full single-file diff with ---/+++ headers or
// bare @@ hunks.
func parseHunks(text []byte) ([]*diff.Hunk, error) {
	if bytes.HasPrefix(text, []byte("--- ")) || bytes.Contains(text, []byte("\n--- ")) || bytes.HasPrefix(text, []byte("diff ")) {
		fds, err := diff.NewMultiFileDiffReader(bytes.NewReader(text)).ReadAllFiles()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPatchRejected, err)
		}
		if len(fds) != 1 {
			return nil, fmt.Errorf("%w: expected one file in diff, found %d", ErrPatchRejected, len(fds))
		}
		return fds[0].Hunks, nil
	}
	hunks, err := diff.ParseHunks(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPatchRejected, err)
	}
	return hunks, nil
}

// applyUnified applies diffText to original. Context and removed lines must
// match exactly; there is no fuzz.
func applyUnified(original, diffText []byte) ([]byte, error) {
	hunks, err := parseHunks(diffText)
	if err != nil {
		return nil, err
	}
	if len(hunks) == 0 {
		return nil, fmt.Errorf("%w: no hunks", ErrPatchRejected)
	}

	text := string(original)
	trailingNL := text == "" || strings.HasSuffix(text, "\n")
	var orig []string
	if text != "" {
		orig = strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	}

	out := make([]string, 0, len(orig))
	idx := 0
	for n, h := range hunks {
		start := int(h.OrigStartLine) - 1
		if h.OrigLines == 0 {
			start = int(h.OrigStartLine)
		}
		if start < idx || start > len(orig) {
			return nil, fmt.Errorf("%w: hunk %d starts at line %d", ErrPatchRejected, n+1, h.OrigStartLine)
		}
		out = append(out, orig[idx:start]...)
		idx = start

		var last byte
		for _, line := range splitBody(h.Body) {
			if line == noNewlineMarker {
				switch last {
				case '+', ' ':
					trailingNL = false
				case '-':
					trailingNL = true
				}
				continue
			}

			op, content := byte(' '), ""
			if line != "" {
				op, content = line[0], line[1:]
			}
			switch op {
			case ' ', '-':
				if idx >= len(orig) || orig[idx] != content {
					return nil, fmt.Errorf("%w: hunk %d does not match at line %d", ErrPatchRejected, n+1, idx+1)
				}
				if op == ' ' {
					out = append(out, content)
				}
				idx++
			case '+':
				out = append(out, content)
			default:
				return nil, fmt.Errorf("%w: hunk %d has malformed line %q", ErrPatchRejected, n+1, line)
			}
			last = op
		}

		// The parser folds the no-newline marker into the body: a missing
		// final newline on the new side, or an offset for the old side.
		if len(h.Body) > 0 && h.Body[len(h.Body)-1] != '\n' {
			trailingNL = false
		} else if h.OrigNoNewlineAt > 0 {
			trailingNL = true
		}
	}
	out = append(out, orig[idx:]...)

	if len(out) == 0 {
		return []byte{}, nil
	}
	result := strings.Join(out, "\n")
	if trailingNL {
		result += "\n"
	}
	return []byte(result), nil
}

func splitBody(body []byte) []string {
	s := strings.TrimSuffix(string(body), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
