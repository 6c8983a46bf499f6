package main

import (
	"os"
	"path/filepath"
)

// defaultUndoDir matches e2fsprogs' compiled-in default for E2FSPROGS_UNDO_DIR.
const defaultUndoDir = "/var/lib/e2fsprogs"

// resolveUndoPath implements spec.md §6's undo-file setup: if explicitPath
// is given (via -z), it wins outright. Otherwise E2FSPROGS_UNDO_DIR selects
// the directory an undo file would be written to; the literal value "none",
// or a directory that doesn't exist or isn't writable, disables the undo
// file entirely (an empty return value with no error).
func resolveUndoPath(explicitPath string) (string, error) {
	if explicitPath != "" {
		return explicitPath, nil
	}

	dir, ok := os.LookupEnv("E2FSPROGS_UNDO_DIR")
	if !ok {
		dir = defaultUndoDir
	}
	if dir == "none" {
		return "", nil
	}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", nil
	}
	if !dirIsWritable(dir) {
		return "", nil
	}

	return filepath.Join(dir, "ipgresize-undo.e2undo"), nil
}

func dirIsWritable(dir string) bool {
	probe := filepath.Join(dir, ".ipgresize-write-probe")
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(probe)
	return true
}
