package provision

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
)

// UpsertEnv sets key=value in the existing dotenv file at path. Other lines
// are kept byte-for-byte. An existing definition is replaced in place, a new
// key is appended. A missing file is ErrMissingEnv. It reports whether the
// file changed.
func UpsertEnv(path, key, value string) (bool, error) {
	if !envKeyRe.MatchString(key) {
		return false, fmt.Errorf("invalid env key %q", key)
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("%w at %s", ErrMissingEnv, path)
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}

	current, err := godotenv.Parse(bytes.NewReader(data))
	if err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if v, ok := current[key]; ok && v == value {
		return false, nil
	}

	line := key + "=" + quoteEnv(value)
	def := regexp.MustCompile(`^\s*(export\s+)?` + regexp.QuoteMeta(key) + `\s*=`)

	lines := strings.SplitAfter(string(data), "\n")
	var out strings.Builder
	replaced := false
	for _, l := range lines {
		if l == "" {
			continue
		}
		if def.MatchString(l) {
			if !replaced {
				out.WriteString(line + "\n")
				replaced = true
			}
			continue
		}
		out.WriteString(l)
	}
	if !replaced {
		if out.Len() > 0 && !strings.HasSuffix(out.String(), "\n") {
			out.WriteString("\n")
		}
		out.WriteString(line + "\n")
	}

	fi, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if err := writeAtomic(path, []byte(out.String()), fi.Mode().Perm()); err != nil {
		return false, err
	}
	return true, nil
}

var envKeyRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// quoteEnv double-quotes values godotenv would otherwise split or strip.
func quoteEnv(v string) string {
	if v != "" && !strings.ContainsAny(v, " \t\"'#\\\n$") {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, `$`, `\$`)
	return `"` + r.Replace(v) + `"`
}

// EnsureFile writes content to path unless the file already holds exactly
// that content. It reports whether the file changed.
func EnsureFile(path, content string, perm os.FileMode) (bool, error) {
	existing, err := os.ReadFile(path)
	if err == nil && string(existing) == content {
		return false, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	if err := writeAtomic(path, []byte(content), perm); err != nil {
		return false, err
	}
	return true, nil
}

// writeAtomic writes to a temp file in the same directory and renames it.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
