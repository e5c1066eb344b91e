package scanner

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Well-known filenames included regardless of extension (build manifests etc).
var specialFiles = map[string]bool{
	"makefile":         true,
	"dockerfile":       true,
	"docker-compose.yml": true,
	"go.mod":           true,
	"go.sum":           true,
	"package.json":     true,
	"requirements.txt": true,
	"pyproject.toml":   true,
	"cargo.toml":       true,
	"pom.xml":          true,
	"build.gradle":     true,
	".env.example":     true,
}

// FileInfo describes one scannable file under a workspace root.
type FileInfo struct {
	AbsolutePath string    `json:"absolute_path"`
	RelativePath string    `json:"relative_path"`
	Size         int64     `json:"size"`
	ModTime      time.Time `json:"mtime"`
	Extension    string    `json:"extension"`
	IsSpecial    bool      `json:"is_special"`
}

// Scanner walks workspace directories and serves cached file content.
type Scanner struct {
	ignoreDirs map[string]bool
	extensions map[string]bool
	cache      *contentCache

	dirMu    sync.Mutex
	dirCache map[string]dirEntry
	dirTTL   time.Duration
}

type dirEntry struct {
	files   []FileInfo
	scanned time.Time
}

// New creates a scanner with the given ignore set, supported extensions,
// content cache capacity, and per-file cache byte cap.
func New(ignoreDirs, extensions []string, cacheSize, cacheFileCap int) *Scanner {
	s := &Scanner{
		ignoreDirs: make(map[string]bool, len(ignoreDirs)),
		extensions: make(map[string]bool, len(extensions)),
		cache:      newContentCache(cacheSize, cacheFileCap),
		dirCache:   make(map[string]dirEntry),
		dirTTL:     5 * time.Minute,
	}
	for _, d := range ignoreDirs {
		s.ignoreDirs[strings.ToLower(d)] = true
	}
	for _, e := range extensions {
		s.extensions[strings.ToLower(e)] = true
	}
	return s
}

// Scan walks root and returns the supported files beneath it. Results are
// cached per root for a fixed TTL; an expired entry triggers a re-walk.
func (s *Scanner) Scan(root string) ([]FileInfo, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve scan root: %w", err)
	}

	s.dirMu.Lock()
	if e, ok := s.dirCache[abs]; ok && time.Since(e.scanned) < s.dirTTL {
		files := make([]FileInfo, len(e.files))
		copy(files, e.files)
		s.dirMu.Unlock()
		return files, nil
	}
	s.dirMu.Unlock()

	files, err := s.walk(abs)
	if err != nil {
		return nil, err
	}

	s.dirMu.Lock()
	s.dirCache[abs] = dirEntry{files: files, scanned: time.Now()}
	s.dirMu.Unlock()

	out := make([]FileInfo, len(files))
	copy(out, files)
	return out, nil
}

func (s *Scanner) walk(root string) ([]FileInfo, error) {
	if fi, err := os.Stat(root); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("scan root not a directory: %s", root)
	}

	gitignore := loadGitignoreDirs(root)

	var files []FileInfo
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			slog.Debug("scan skipping entry", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path == root {
				return nil
			}
			name := strings.ToLower(d.Name())
			if s.ignoreDirs[name] || matchesGitignore(gitignore, d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}

		name := strings.ToLower(d.Name())
		ext := strings.ToLower(filepath.Ext(name))
		special := specialFiles[name]
		if !special && !s.extensions[ext] {
			return nil
		}

		info, err := d.Info()
		if err != nil || info.Size() == 0 {
			return nil
		}

		rel, _ := filepath.Rel(root, path)
		files = append(files, FileInfo{
			AbsolutePath: path,
			RelativePath: rel,
			Size:         info.Size(),
			ModTime:      info.ModTime(),
			Extension:    ext,
			IsSpecial:    special,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}

	// Special files first, then ascending size. Stable enough for Concat ordering.
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].IsSpecial != files[j].IsSpecial {
			return files[i].IsSpecial
		}
		return files[i].Size < files[j].Size
	})
	return files, nil
}

// InvalidateDir drops the cached listing for root, forcing the next Scan to
// re-walk the disk.
func (s *Scanner) InvalidateDir(root string) {
	if abs, err := filepath.Abs(root); err == nil {
		s.dirMu.Lock()
		delete(s.dirCache, abs)
		s.dirMu.Unlock()
	}
}

// Read returns file content through the LRU cache. Unreadable files yield a
// placeholder instead of an error so one bad file cannot poison a context.
func (s *Scanner) Read(path string) string {
	content, err := s.cache.get(path)
	if err != nil {
		return fmt.Sprintf("Error reading file %s: %v", filepath.Base(path), err)
	}
	return content
}

// loadGitignoreDirs parses directory patterns (entries ending in "/" or bare
// names without a slash) from the .gitignore at root. File-level patterns are
// left to the extension filter.
func loadGitignoreDirs(root string) []string {
	f, err := os.Open(filepath.Join(root, ".gitignore"))
	if err != nil {
		return nil
	}
	defer f.Close()

	var patterns []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		line = strings.TrimSuffix(line, "/")
		line = strings.TrimPrefix(line, "/")
		if line == "" || strings.Contains(line, "/") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns
}

func matchesGitignore(patterns []string, dirName string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, dirName); err == nil && ok {
			return true
		}
	}
	return false
}
