package scanner

import (
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type cachedFile struct {
	content  string
	cachedAt time.Time
}

// contentCache is an LRU of file contents. Entries are validated against the
// source mtime on every hit; files larger than fileCap bypass the cache.
type contentCache struct {
	lru     *lru.Cache[string, cachedFile]
	fileCap int64
}

func newContentCache(size, fileCap int) *contentCache {
	if size <= 0 {
		size = 128
	}
	c, _ := lru.New[string, cachedFile](size)
	return &contentCache{lru: c, fileCap: int64(fileCap)}
}

func (c *contentCache) get(path string) (string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", err
	}

	if entry, ok := c.lru.Get(path); ok {
		if !fi.ModTime().After(entry.cachedAt) {
			return entry.content, nil
		}
		c.lru.Remove(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	content := string(data)

	if c.fileCap <= 0 || fi.Size() <= c.fileCap {
		c.lru.Add(path, cachedFile{content: content, cachedAt: time.Now()})
	}
	return content, nil
}

func (c *contentCache) len() int { return c.lru.Len() }
