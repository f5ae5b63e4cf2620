package ingestion

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"

	"github.com/Benny93/cdrgraph/internal/config"
)

// IgnoreFile holds gitignore-style patterns for files an inbox must skip.
const IgnoreFile = ".cdrignore"

// FileEntry represents a record file found in an inbox.
type FileEntry struct {
	// Path is the absolute file path.
	Path string

	// RelPath is the path relative to the inbox root.
	RelPath string

	// SHA256 is the hash of the file content.
	SHA256 string

	Size int64
}

// Supported record file extensions.
var supportedExtensions = map[string]bool{
	".csv": true,
	".tsv": true,
	".txt": true,
	".cdr": true,
}

// Default patterns to ignore (in addition to .cdrignore).
var defaultIgnorePatterns = []string{
	".git/",
	config.DataDir + "/",
	"*.tmp",
	"*.part",
	"~*",
	".~lock.*",
	".DS_Store",
	"Thumbs.db",
}

// WalkInbox returns every supported record file under dir, sorted by
// relative path.
func WalkInbox(dir string, patterns []gitignore.Pattern) ([]FileEntry, error) {
	matcher := newMatcher(patterns)

	var entries []FileEntry
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if path != dir && shouldSkipDir(path, dir, matcher) {
				return filepath.SkipDir
			}
			return nil
		}

		if !shouldIngestFile(path, dir, matcher) {
			return nil
		}

		entry, err := newFileEntry(path, dir)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", dir, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].RelPath < entries[j].RelPath })
	return entries, nil
}

func newFileEntry(path, root string) (FileEntry, error) {
	relPath, err := filepath.Rel(root, path)
	if err != nil {
		return FileEntry{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return FileEntry{}, err
	}
	digest, err := FileDigest(path)
	if err != nil {
		return FileEntry{}, err
	}
	return FileEntry{
		Path:    path,
		RelPath: relPath,
		SHA256:  digest,
		Size:    info.Size(),
	}, nil
}

// FileDigest returns the hex SHA-256 of the file at path.
func FileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// loadIgnore loads .cdrignore patterns from the inbox root.
func loadIgnore(dir string) ([]gitignore.Pattern, error) {
	content, err := os.ReadFile(filepath.Join(dir, IgnoreFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var patterns []gitignore.Pattern
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, gitignore.ParsePattern(line, nil))
	}
	return patterns, nil
}

// newMatcher combines the default patterns with loaded ones.
func newMatcher(patterns []gitignore.Pattern) gitignore.Matcher {
	all := make([]gitignore.Pattern, 0, len(defaultIgnorePatterns)+len(patterns))
	for _, p := range defaultIgnorePatterns {
		all = append(all, gitignore.ParsePattern(p, nil))
	}
	all = append(all, patterns...)
	return gitignore.NewMatcher(all)
}

// isSupportedFile checks if a file has a supported extension.
func isSupportedFile(filename string) bool {
	return supportedExtensions[strings.ToLower(filepath.Ext(filename))]
}

// shouldIngestFile checks extension and ignore patterns for a file.
func shouldIngestFile(path, root string, matcher gitignore.Matcher) bool {
	if !isSupportedFile(path) {
		return false
	}
	relPath, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(relPath, "..") {
		return false
	}
	return !matcher.Match(splitPath(relPath), false)
}

// shouldSkipDir checks if a directory should be skipped.
func shouldSkipDir(path, root string, matcher gitignore.Matcher) bool {
	relPath, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return matcher.Match(splitPath(relPath), true)
}

// splitPath splits a path into its components.
func splitPath(path string) []string {
	return strings.Split(path, string(filepath.Separator))
}
