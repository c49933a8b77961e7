package cache

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/zeebo/blake3"
)

// Key derives the cache key for one operating system from the dependency
// lock descriptions. It is a pure function of its declared inputs: the
// same OS and the same lock-file bytes always produce the same key.
// Architecture and feature flags deliberately do not participate; compiled
// output is arch/feature-specific and is never cached, only dependencies.
func Key(osName string, lockFiles []string) (string, error) {
	if osName == "" {
		return "", fmt.Errorf("os name is empty")
	}
	if len(lockFiles) == 0 {
		return "", fmt.Errorf("no lock files declared")
	}

	h := blake3.New()
	for _, path := range lockFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read lock file %q: %w", path, err)
		}
		// Path and content are both keyed, NUL-separated, so renaming a
		// lock file changes the key even with identical bytes.
		h.Write([]byte(path))
		h.Write([]byte{0})
		h.Write(data)
		h.Write([]byte{0})
	}

	sum := h.Sum(nil)
	return osName + "-" + hex.EncodeToString(sum[:16]), nil
}
