// Package collector gathers source files from disk for analysis. It
// resolves include/exclude glob patterns, filters out binary and
// oversized content, and can watch the tree for changes.
package collector

import (
	"bytes"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/qaforge/qaforge/analysis"
)

// defaultMaxFileSize skips files unlikely to be hand-written source.
const defaultMaxFileSize = 1 * 1024 * 1024 // 1MB

// binaryProbeSize is how many leading bytes to inspect for NUL.
const binaryProbeSize = 8000

// Config controls file collection.
type Config struct {
	// Include lists glob patterns relative to the root, with **
	// support. Empty means everything.
	Include []string `json:"include" yaml:"include"`

	// Exclude lists glob patterns removed after inclusion.
	Exclude []string `json:"exclude" yaml:"exclude"`

	// ExcludeDirs lists directory names skipped entirely.
	ExcludeDirs []string `json:"exclude_dirs" yaml:"exclude_dirs"`

	// MaxFileSize skips files larger than this many bytes. 0 uses the
	// default.
	MaxFileSize int `json:"max_file_size" yaml:"max_file_size"`
}

// DefaultConfig returns collection defaults suitable for a code repo.
func DefaultConfig() Config {
	return Config{
		Exclude:     []string{"**/*_test.go", "**/testdata/**"},
		ExcludeDirs: []string{".git", "node_modules", "vendor", "dist", "target"},
		MaxFileSize: defaultMaxFileSize,
	}
}

// Collector reads source files under one root directory.
type Collector struct {
	root     string
	config   Config
	logger   *slog.Logger
	excludes map[string]bool
}

// New creates a collector rooted at root. Patterns are validated up
// front so a typo fails fast instead of silently matching nothing.
func New(root string, config Config, logger *slog.Logger) (*Collector, error) {
	if logger == nil {
		logger = slog.Default()
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("collector root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("collector root is not a directory: %s", root)
	}

	for _, pattern := range append(append([]string{}, config.Include...), config.Exclude...) {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid glob pattern: %q", pattern)
		}
	}

	if config.MaxFileSize <= 0 {
		config.MaxFileSize = defaultMaxFileSize
	}

	excludes := make(map[string]bool, len(config.ExcludeDirs))
	for _, dir := range config.ExcludeDirs {
		excludes[dir] = true
	}

	return &Collector{
		root:     root,
		config:   config,
		logger:   logger,
		excludes: excludes,
	}, nil
}

// Collect walks the root and returns the matching files in path order.
// Paths in the result are slash-separated and relative to the root, so
// the same tree collects identically on every platform.
func (c *Collector) Collect() ([]analysis.SourceFile, error) {
	var files []analysis.SourceFile

	err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		base := filepath.Base(path)
		if d.IsDir() {
			if path != c.root && (c.excludes[base] || strings.HasPrefix(base, ".")) {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(c.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if !c.matches(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > int64(c.config.MaxFileSize) {
			c.logger.Debug("Skipping oversized file", "path", rel, "size", info.Size())
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", rel, err)
		}
		if isBinary(content) {
			c.logger.Debug("Skipping binary file", "path", rel)
			return nil
		}

		files = append(files, analysis.SourceFile{Path: rel, Content: string(content)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect files: %w", err)
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Path < files[j].Path
	})

	c.logger.Info("Collected source files",
		"root", c.root,
		"count", len(files))

	return files, nil
}

// matches applies include then exclude patterns to a slash-relative path.
func (c *Collector) matches(rel string) bool {
	if len(c.config.Include) > 0 {
		included := false
		for _, pattern := range c.config.Include {
			if ok, _ := doublestar.Match(pattern, rel); ok {
				included = true
				break
			}
		}
		if !included {
			return false
		}
	}

	for _, pattern := range c.config.Exclude {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return false
		}
	}

	return true
}

// isBinary reports whether content looks like binary data. A NUL byte
// in the leading probe window is the signal git itself uses.
func isBinary(content []byte) bool {
	probe := content
	if len(probe) > binaryProbeSize {
		probe = probe[:binaryProbeSize]
	}
	return bytes.IndexByte(probe, 0) >= 0
}
