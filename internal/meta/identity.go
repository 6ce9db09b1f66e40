package meta

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// nameFile is the identity file under the meta directory.
const nameFile = "name"

// LoadOrCreateName returns the peer's stable UUID, creating and persisting
// a fresh one on first start.
//
// A readable file with a valid UUID is used as-is (canonicalized). A
// missing, empty, or corrupt file is replaced by a newly generated name;
// the write goes through a ".new" temp file and rename so a crash never
// leaves a partial identity behind.
func LoadOrCreateName(dir string) (string, error) {
	path := filepath.Join(dir, nameFile)

	if raw, err := os.ReadFile(path); err == nil {
		if u, err := uuid.Parse(strings.TrimSpace(string(raw))); err == nil {
			return u.String(), nil
		}
		// Corrupt name file: fall through and mint a new identity.
	}

	name := uuid.NewString()
	if err := writeName(path, name); err != nil {
		return "", fmt.Errorf("storing peer name: %w", err)
	}
	return name, nil
}

func writeName(path, name string) error {
	tmp := path + ".new"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(f, name); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}
