package fcache

import (
	"container/list"
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/keel-web/keel/http"
	"github.com/keel-web/keel/http/mime"
)

const httpTimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// Cache is a per-worker LRU of file metadata, negative results included.
// Cached descriptors are closed on eviction. It is confined to its owning
// worker and therefore unlocked.
type Cache struct {
	entries    map[string]*list.Element
	lru        *list.List
	maxEntries int
	ttl        time.Duration
}

type entry struct {
	path string
	info *http.FileInfo
	at   time.Time
}

func New(maxEntries int) *Cache {
	return &Cache{
		entries:    make(map[string]*list.Element, maxEntries),
		lru:        list.New(),
		maxEntries: maxEntries,
		ttl:        time.Second,
	}
}

// Lookup resolves metadata for path, serving from cache while fresh.
func (c *Cache) Lookup(path string) *http.FileInfo {
	if el, found := c.entries[path]; found {
		ent := el.Value.(*entry)
		if time.Since(ent.at) < c.ttl {
			c.lru.MoveToFront(el)
			return ent.info
		}

		c.remove(el)
	}

	info := stat(path)

	el := c.lru.PushFront(&entry{path: path, info: info, at: time.Now()})
	c.entries[path] = el

	if c.lru.Len() > c.maxEntries {
		if oldest := c.lru.Back(); oldest != nil {
			c.remove(oldest)
		}
	}

	return info
}

func (c *Cache) remove(el *list.Element) {
	ent := el.Value.(*entry)
	ent.info.Close()
	delete(c.entries, ent.path)
	c.lru.Remove(el)
}

// Clear drops every entry, closing cached descriptors.
func (c *Cache) Clear() {
	for el := c.lru.Front(); el != nil; el = el.Next() {
		el.Value.(*entry).info.Close()
	}

	c.entries = make(map[string]*list.Element, c.maxEntries)
	c.lru.Init()
}

func stat(path string) *http.FileInfo {
	info := http.NewFileInfo(path)

	st, err := os.Stat(path)
	if err != nil {
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			info.Err = pathErr.Err
		} else {
			info.Err = err
		}

		return info
	}

	info.Exists = true
	info.IsDir = st.IsDir()
	info.Size = st.Size()
	info.MTime = st.ModTime()
	info.LastModified = st.ModTime().UTC().Format(httpTimeFormat)
	info.ETag = etag(st)
	info.Mimetype = mime.ByPath(path)

	return info
}

func etag(st os.FileInfo) string {
	return `"` + strconv.FormatInt(st.Size(), 10) + "-" +
		strconv.FormatInt(st.ModTime().Unix(), 10) + `"`
}
