package capture

import (
	"net/url"
	"path/filepath"
	"strings"
)

// FileURL returns the runtime URL of a host file name: the file:// URL of its
// absolute path. Names that already carry a scheme are returned unchanged.
func FileURL(file string) string {
	if strings.Contains(file, "://") {
		return file
	}
	abs, err := filepath.Abs(file)
	if err != nil {
		abs = file
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	return u.String()
}

// FileFromURL maps a runtime URL back to a host file name, relative to dir when
// the file lies beneath it. Non-file URLs are returned unchanged.
func FileFromURL(raw, dir string) string {
	if !strings.HasPrefix(raw, "file://") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return strings.TrimPrefix(raw, "file://")
	}
	path := filepath.FromSlash(u.Path)

	if dir != "" {
		if rel, err := filepath.Rel(dir, path); err == nil && !strings.HasPrefix(rel, "..") {
			return rel
		}
	}
	return path
}
