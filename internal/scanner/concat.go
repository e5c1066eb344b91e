package scanner

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Concat joins the contents of paths into one context string of
// "=== File: name ===" blocks. Files are ordered special-first then ascending
// size; a file that would push the total past maxTotalBytes is skipped and
// reported in a trailing summary line.
func (s *Scanner) Concat(paths []string, maxTotalBytes int) string {
	type candidate struct {
		path    string
		size    int64
		special bool
	}

	seen := make(map[string]bool, len(paths))
	candidates := make([]candidate, 0, len(paths))
	for _, p := range paths {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		c := candidate{path: p}
		if fi, err := os.Stat(p); err == nil {
			c.size = fi.Size()
		}
		c.special = specialFiles[strings.ToLower(filepath.Base(p))]
		candidates = append(candidates, c)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].special != candidates[j].special {
			return candidates[i].special
		}
		return candidates[i].size < candidates[j].size
	})

	var b strings.Builder
	var skipped []string
	for _, c := range candidates {
		content := s.Read(c.path)
		block := fmt.Sprintf("\n\n=== File: %s ===\n%s", filepath.Base(c.path), content)
		if maxTotalBytes > 0 && b.Len()+len(block) > maxTotalBytes {
			skipped = append(skipped, filepath.Base(c.path))
			continue
		}
		b.WriteString(block)
	}

	if len(skipped) > 0 {
		fmt.Fprintf(&b, "\n\n[%d file(s) omitted to stay within the context budget: %s]",
			len(skipped), strings.Join(skipped, ", "))
	}
	return b.String()
}
