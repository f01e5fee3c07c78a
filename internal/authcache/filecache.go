package authcache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/drover-project/drover/internal/types"
)

// FileCache stores the credential as a single JSON object on disk, readable
// and writable by the owner only (default path is ~/.drovercache).
type FileCache struct {
	path string
}

// NewFileCache creates a file-backed cache at the given path
func NewFileCache(path string) (*FileCache, error) {
	if path == "" {
		return nil, fmt.Errorf("cache file path must not be empty")
	}
	return &FileCache{path: path}, nil
}

// Path returns the cache file location
func (c *FileCache) Path() string {
	return c.path
}

// Get reads the stored credential. A missing file means no credential; a
// file that cannot be read or parsed is a CACHE_CORRUPT error, which callers
// must not silently treat as "never logged in".
func (c *FileCache) Get() (*Credential, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, types.WrapError(types.ErrCacheCorrupt, err, "cannot read credential cache %s", c.path)
	}

	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, types.WrapError(types.ErrCacheCorrupt, err, "malformed credential cache %s", c.path)
	}

	if !cred.Usable(time.Now()) {
		return nil, nil
	}
	return &cred, nil
}

// Set writes the credential with owner-only permissions, replacing the old
// content atomically via a temp file in the same directory. Set(nil) removes
// the cache file.
func (c *FileCache) Set(cred *Credential) error {
	if cred == nil {
		if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to clear credential cache: %w", err)
		}
		return nil
	}

	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}

	// 先写临时文件再改名，权限 0600 在写入任何数据前就已生效
	tempPath := c.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write credential cache: %w", err)
	}

	if err := os.Rename(tempPath, c.path); err != nil {
		os.Remove(tempPath) // Clean up temp file
		return fmt.Errorf("failed to replace credential cache: %w", err)
	}

	return nil
}

// DefaultCachePath returns the per-user default cache location, honoring the
// DROVERCACHE environment variable.
func DefaultCachePath() string {
	if p := os.Getenv("DROVERCACHE"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".drovercache"
	}
	return filepath.Join(home, ".drovercache")
}
