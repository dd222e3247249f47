// Package filestore is a sharded content-addressed blob store.
//
// Layout on disk, rooted at the configured directory:
//
//	<root>/content/<shard>/<id>.txt   raw UTF-8 content
//	<root>/metadata/<id>.json         {id, size, checksum, storedAt}
//
// The shard is the first two characters of the id, bounding per-directory
// file counts. The checksum is SHA-256 over the content bytes and is
// verified on every read that finds a metadata sidecar; records without a
// sidecar are read as-is so stores written before metadata existed keep
// working.
package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tallisward/hooksd/core"
)

// DefaultMaxSize bounds stored content when no limit is configured
const DefaultMaxSize = 10 * 1024 * 1024

const shardWidth = 2

// Metadata is the sidecar record for one blob
type Metadata struct {
	ID       string    `json:"id"`
	Size     int       `json:"size"`
	Checksum string    `json:"checksum"`
	StoredAt time.Time `json:"storedAt"`
}

// Stats summarizes the store's contents
type Stats struct {
	Count     int   `json:"count"`
	TotalSize int64 `json:"totalSize"`
}

// Config configures the store
type Config struct {
	// Root is the store's directory; created on first use
	Root string

	// MaxSize bounds a single blob in bytes; defaults to 10 MiB
	MaxSize int64

	// Logger for store events
	Logger core.Logger
}

// Store is a sharded content-addressed file store
type Store struct {
	root    string
	maxSize int64
	logger  core.Logger
}

// New creates a file store rooted at config.Root
func New(config Config) (*Store, error) {
	if config.Root == "" {
		return nil, fmt.Errorf("%w: file store root is required", core.ErrMissingConfiguration)
	}

	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("hooksd/filestore")
	}

	maxSize := config.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	return &Store{
		root:    config.Root,
		maxSize: maxSize,
		logger:  logger,
	}, nil
}

// NewFromConfig creates a store from the supervisor configuration,
// parsing the human-readable size limit.
func NewFromConfig(cfg core.FileStoreConfig, logger core.Logger) (*Store, error) {
	maxSize := int64(0)
	if cfg.MaxSize != "" {
		parsed, err := ParseSize(cfg.MaxSize)
		if err != nil {
			return nil, err
		}
		maxSize = parsed
	}
	return New(Config{Root: cfg.Root, MaxSize: maxSize, Logger: logger})
}

func (s *Store) contentPath(id string) string {
	return filepath.Join(s.root, "content", id[:shardWidth], id+".txt")
}

func (s *Store) metadataPath(id string) string {
	return filepath.Join(s.root, "metadata", id+".json")
}

// validateID defends the on-disk layout: ids name files directly, so they
// must be long enough to shard and free of path separators.
func validateID(id string) error {
	if len(id) < shardWidth {
		return fmt.Errorf("%w: id %q is shorter than the shard width", core.ErrInvalidConfiguration, id)
	}
	if strings.ContainsAny(id, "/\\") || id != filepath.Base(id) {
		return fmt.Errorf("%w: id %q contains path separators", core.ErrInvalidConfiguration, id)
	}
	return nil
}

// StoreContent writes content and its metadata sidecar, returning the SHA-256
// checksum. Content is written before metadata so a partial failure
// leaves an orphan blob rather than a dangling metadata pointer.
func (s *Store) StoreContent(id, content string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}
	if int64(len(content)) > s.maxSize {
		return "", fmt.Errorf("content for %q is %d bytes, limit %d: %w", id, len(content), s.maxSize, core.ErrContentTooLarge)
	}

	sum := sha256.Sum256([]byte(content))
	checksum := hex.EncodeToString(sum[:])

	contentPath := s.contentPath(id)
	if err := os.MkdirAll(filepath.Dir(contentPath), 0o755); err != nil {
		return "", fmt.Errorf("filestore.Store [%s]: %w", id, err)
	}
	if err := os.WriteFile(contentPath, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("filestore.Store [%s]: %w", id, err)
	}

	meta := Metadata{
		ID:       id,
		Size:     len(content),
		Checksum: checksum,
		StoredAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("filestore.Store [%s]: %w", id, err)
	}
	metadataPath := s.metadataPath(id)
	if err := os.MkdirAll(filepath.Dir(metadataPath), 0o755); err != nil {
		return "", fmt.Errorf("filestore.Store [%s]: %w", id, err)
	}
	if err := os.WriteFile(metadataPath, data, 0o644); err != nil {
		return "", fmt.Errorf("filestore.Store [%s]: %w", id, err)
	}

	s.logger.Debug("Content stored", map[string]interface{}{
		"operation": "filestore_store",
		"id":        id,
		"size":      len(content),
		"checksum":  checksum,
	})

	if registry := core.GetGlobalMetricsRegistry(); registry != nil {
		registry.Counter("filestore.operations", "operation", "store")
		registry.Histogram("filestore.blob_bytes", float64(len(content)))
	}

	return checksum, nil
}

// Retrieve reads content by id. The second return is false when no blob
// exists. When a metadata sidecar is present the checksum is verified; a
// mismatch surfaces as an integrity failure. Missing sidecars are
// tolerated for records written before metadata existed.
func (s *Store) Retrieve(id string) (string, bool, error) {
	if err := validateID(id); err != nil {
		return "", false, err
	}

	data, err := os.ReadFile(s.contentPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("filestore.Retrieve [%s]: %w", id, err)
	}

	metaRaw, err := os.ReadFile(s.metadataPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return string(data), true, nil
		}
		return "", false, fmt.Errorf("filestore.Retrieve [%s]: %w", id, err)
	}

	var meta Metadata
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return "", false, fmt.Errorf("filestore.Retrieve [%s]: corrupt metadata: %w", id, err)
	}

	sum := sha256.Sum256(data)
	if checksum := hex.EncodeToString(sum[:]); checksum != meta.Checksum {
		s.logger.Error("Content integrity check failed", map[string]interface{}{
			"operation": "filestore_retrieve",
			"id":        id,
			"expected":  meta.Checksum,
			"actual":    checksum,
		})
		return "", false, fmt.Errorf("content for %q: %w", id, core.ErrIntegrityFailure)
	}

	return string(data), true, nil
}

// Delete removes a blob and its sidecar. Returns true iff the content
// file existed. Missing files are not an error.
func (s *Store) Delete(id string) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}

	existed := true
	if err := os.Remove(s.contentPath(id)); err != nil {
		if !os.IsNotExist(err) {
			return false, fmt.Errorf("filestore.Delete [%s]: %w", id, err)
		}
		existed = false
	}
	if err := os.Remove(s.metadataPath(id)); err != nil && !os.IsNotExist(err) {
		return existed, fmt.Errorf("filestore.Delete [%s]: %w", id, err)
	}

	if existed {
		s.logger.Debug("Content deleted", map[string]interface{}{
			"operation": "filestore_delete",
			"id":        id,
		})
	}
	return existed, nil
}

// Exists checks for the content file only
func (s *Store) Exists(id string) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}
	if _, err := os.Stat(s.contentPath(id)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("filestore.Exists [%s]: %w", id, err)
	}
	return true, nil
}

// GetStats walks the content tree and sums blob sizes
func (s *Store) GetStats() (Stats, error) {
	var stats Stats

	shards, err := os.ReadDir(filepath.Join(s.root, "content"))
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return stats, fmt.Errorf("filestore.GetStats: %w", err)
	}

	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.root, "content", shard.Name()))
		if err != nil {
			return stats, fmt.Errorf("filestore.GetStats: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".txt") {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				return stats, fmt.Errorf("filestore.GetStats: %w", err)
			}
			stats.Count++
			stats.TotalSize += info.Size()
		}
	}

	return stats, nil
}

var sizePattern = regexp.MustCompile(`(?i)^(\d+)([KMG]B)?$`)

// ParseSize converts a human-readable size ("512", "10KB", "1gb") into
// bytes. A bare number means bytes.
func ParseSize(s string) (int64, error) {
	m := sizePattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("%w: invalid size %q", core.ErrInvalidConfiguration, s)
	}

	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid size %q: %v", core.ErrInvalidConfiguration, s, err)
	}

	switch strings.ToUpper(m[2]) {
	case "KB":
		n *= 1024
	case "MB":
		n *= 1024 * 1024
	case "GB":
		n *= 1024 * 1024 * 1024
	}
	return n, nil
}
