package lumos

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/pmezard/go-difflib/difflib"
)

var (
	diffHeaderColor = color.New(color.Bold)
	diffHunkColor   = color.New(color.FgCyan)
	diffAddColor    = color.New(color.FgGreen)
	diffRemoveColor = color.New(color.FgRed)
)

// UnifiedDiff returns a unified diff of the rewritten source against the original, or an empty string if they
// are equal.
func UnifiedDiff(path string, original, rewritten []byte) (string, error) {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(original)),
		B:        difflib.SplitLines(string(rewritten)),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  2,
	}
	return difflib.GetUnifiedDiffString(diff)
}

// colorizeDiff highlights the lines of a unified diff. Coloring is a no-op when color.NoColor is set, which
// fatih/color does for non terminal output.
func colorizeDiff(text string) string {
	lines := strings.SplitAfter(text, "\n")
	var sb strings.Builder
	sb.Grow(len(text))
	for _, line := range lines {
		switch {
		case line == "":
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			sb.WriteString(diffHeaderColor.Sprint(line))
		case strings.HasPrefix(line, "@@"):
			sb.WriteString(diffHunkColor.Sprint(line))
		case strings.HasPrefix(line, "+"):
			sb.WriteString(diffAddColor.Sprint(line))
		case strings.HasPrefix(line, "-"):
			sb.WriteString(diffRemoveColor.Sprint(line))
		default:
			sb.WriteString(line)
		}
	}
	return sb.String()
}

// WriteDiffs writes a unified diff for every changed unit. Paths are shown relative to the project dir.
func WriteDiffs(w io.Writer, projectDir string, units []*UnitResult) error {
	for _, u := range units {
		if !u.Changed() {
			continue
		}
		rewritten, err := u.Format()
		if err != nil {
			return err
		}
		text, err := UnifiedDiff(relativePath(projectDir, u.Path), u.Src, rewritten)
		if err != nil {
			return fmt.Errorf("diff failure %s: %w", u.Path, err)
		} else if text == "" {
			continue
		}
		if _, err := io.WriteString(w, colorizeDiff(text)); err != nil {
			return err
		}
	}
	return nil
}

// changedLineCount returns the number of lines of the rewritten source which differ from the original.
func changedLineCount(original, rewritten []byte) int {
	oldLines := strings.Split(string(original), "\n")
	newLines := strings.Split(string(rewritten), "\n")

	var count int
	for _, code := range difflib.NewMatcher(oldLines, newLines).GetOpCodes() {
		if code.Tag != 'e' && code.Tag != 'd' {
			count += code.J2 - code.J1
		}
	}
	return count
}
