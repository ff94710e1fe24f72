// Package yaml provides atomic YAML file I/O with backup recovery.
package yaml

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

// ErrRestoredFromBackup is returned alongside valid data when the primary
// file was unreadable and its .bak copy was used instead.
var ErrRestoredFromBackup = errors.New("restored from backup")

func AtomicWrite(path string, data any) error {
	content, err := yamlv3.Marshal(data)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return AtomicWriteRaw(path, content)
}

func AtomicWriteRaw(path string, content []byte) error {
	// Step 1: Create temp file and write content
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".aispire-tmp-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	// Step 2: Validate written content by re-reading temp file
	written, err := os.ReadFile(tmpName)
	if err != nil {
		return fmt.Errorf("read temp file for validation: %w", err)
	}
	if err := validateYAML(written); err != nil {
		return fmt.Errorf("yaml validation failed: %w", err)
	}

	// Step 3: Create .bak if original exists
	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+".bak"); err != nil {
			return fmt.Errorf("create backup: %w", err)
		}
	}

	// Step 4: Atomic rename
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}

	return nil
}

// Read decodes path into v. When path is corrupt and a valid .bak exists,
// the backup is decoded, written back over path, and ErrRestoredFromBackup is
// returned so the caller can log it.
func Read(path string, v any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	decodeErr := yamlv3.Unmarshal(content, v)
	if decodeErr == nil {
		return nil
	}

	bak, err := os.ReadFile(path + ".bak")
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, decodeErr)
	}
	if err := yamlv3.Unmarshal(bak, v); err != nil {
		return fmt.Errorf("decode %s (backup also corrupt): %w", path, decodeErr)
	}
	if err := os.WriteFile(path, bak, 0644); err != nil {
		return fmt.Errorf("restore %s from backup: %w", path, err)
	}
	return ErrRestoredFromBackup
}

func validateYAML(content []byte) error {
	var v any
	return yamlv3.Unmarshal(content, &v)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
