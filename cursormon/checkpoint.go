package cursormon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type (
	// checkpoint tracks per-workspace progress so restarts never re-emit
	// elements already forwarded to the events stream.
	checkpoint struct {
		Workspaces map[string]workspaceMark `json:"workspaces"`
	}

	workspaceMark struct {
		// LastGenerationMS is the newest generation timestamp forwarded.
		LastGenerationMS int64 `json:"last_generation_ms"`
		// GenerationCount is how many generation-list entries have been
		// examined; malformed entries below it are not dead-lettered again.
		GenerationCount int `json:"generation_count"`
		// PromptCount is how many prompt-list entries have been forwarded.
		PromptCount int `json:"prompt_count"`
	}
)

func loadCheckpoint(path string) (*checkpoint, error) {
	cp := &checkpoint{Workspaces: make(map[string]workspaceMark)}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cp, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	if err := json.Unmarshal(raw, cp); err != nil {
		// A corrupt checkpoint means re-emitting at most one window of
		// elements; downstream dedup on event_id absorbs that.
		return &checkpoint{Workspaces: make(map[string]workspaceMark)}, nil
	}
	if cp.Workspaces == nil {
		cp.Workspaces = make(map[string]workspaceMark)
	}
	return cp, nil
}

// save writes the checkpoint atomically (temp file + rename).
func (cp *checkpoint) save(path string) error {
	raw, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}
