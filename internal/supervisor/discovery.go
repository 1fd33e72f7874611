package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// HandshakeTimeout bounds a --metadata invocation (spec.md §4.4, §5).
const HandshakeTimeout = 2 * time.Second

// candidate is one discovered filesystem entry that looks like a plugin
// binary, before its handshake has been attempted.
type candidate struct {
	ID         string
	BinaryPath string
}

// discoverCandidates enumerates pluginsDir for platform-executable files or
// directories containing one at a conventional path (spec.md §4.4 step 2).
// The plugins directory is created if missing.
func discoverCandidates(pluginsDir string) ([]candidate, error) {
	if err := os.MkdirAll(pluginsDir, 0o755); err != nil {
		return nil, fmt.Errorf("supervisor: create plugins dir: %w", err)
	}

	entries, err := os.ReadDir(pluginsDir)
	if err != nil {
		return nil, fmt.Errorf("supervisor: read plugins dir: %w", err)
	}

	var out []candidate
	for _, entry := range entries {
		if entry.IsDir() {
			id := entry.Name()
			bin := filepath.Join(pluginsDir, id, id)
			if info, err := os.Stat(bin); err == nil && isExecutable(info) {
				out = append(out, candidate{ID: id, BinaryPath: bin})
			}
			continue
		}

		info, err := entry.Info()
		if err != nil || !isExecutable(info) {
			continue
		}
		id := entry.Name()
		if ext := filepath.Ext(id); ext != "" {
			id = id[:len(id)-len(ext)]
		}
		out = append(out, candidate{ID: id, BinaryPath: filepath.Join(pluginsDir, entry.Name())})
	}
	return out, nil
}

func isExecutable(info os.FileInfo) bool {
	return !info.IsDir() && info.Mode()&0o111 != 0
}

// handshake runs binaryPath --metadata with HandshakeTimeout, parses its
// stdout as Metadata, and validates the required fields (spec.md §4.4
// step 3, §6). Any failure is reported as ErrHandshakeFailed.
func handshake(ctx context.Context, binaryPath string) (*Metadata, error) {
	ctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, binaryPath, "--metadata")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrHandshakeFailed, binaryPath, err)
	}

	var meta Metadata
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &meta); err != nil {
		return nil, fmt.Errorf("%w: %s: malformed metadata json: %v", ErrHandshakeFailed, binaryPath, err)
	}
	if meta.ID == "" || meta.Route == "" {
		return nil, fmt.Errorf("%w: %s: missing required field", ErrHandshakeFailed, binaryPath)
	}
	return &meta, nil
}
