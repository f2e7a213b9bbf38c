// Package sysconf writes key=value settings files of the kind consumed by
// board firmware on first boot (for example sysconf.txt on a freshly written
// SD card). It backs the caller-supplied post-write patch step.
package sysconf

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Save writes the provided key/value pairs to a file, one KEY=value line per
// entry.
//
//   - path - absolute or relative file path to create/overwrite.
//   - vars - map of settings (keys MUST be non-empty).
//
// Variable names are sorted alphabetically so the output is deterministic
// and diffable. Values containing whitespace or `#` characters are quoted to
// preserve their contents; internal quotes and backslashes are escaped.
func Save(path string, vars map[string]string) error {
	if len(vars) == 0 {
		return nil // Nothing to write, no-op.
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create settings file %s: %w", path, err)
	}
	defer f.Close()

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := vars[k]
		if strings.ContainsAny(v, " \t\n\r#") {
			v = strings.ReplaceAll(v, `\`, `\\`)
			v = strings.ReplaceAll(v, `"`, `\"`)
			v = "\"" + v + "\""
		}
		if _, err := fmt.Fprintf(f, "%s=%s\n", k, v); err != nil {
			return fmt.Errorf("failed to write setting %s: %w", k, err)
		}
	}

	return nil
}
