package loader

import (
	"path/filepath"
	"strings"
)

// isYAML reports whether path has a YAML extension. Flow files share a
// single document schema, so the serialization format is the only thing
// left to auto-detect.
func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
