package local

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/DataBiosphere/dsub-sub000/pkg/types"
)

// Workspace file names. data/ is bind-mounted into the container as the
// data root; meta.yaml is the task record external readers consume.
const (
	dataDirName   = "data"
	metaFileName  = "meta.yaml"
	logFileName   = "log.txt"
	stdoutName    = "stdout.txt"
	stderrName    = "stderr.txt"
	runnerLogName = "runner-log.txt"
)

// Meta is the on-disk record of one task: every attempt in order, the
// last entry being current. Writes are atomic so status and cancel
// operations from another process always see a consistent view.
type Meta struct {
	Attempts []types.Attempt `yaml:"attempts"`
}

// Current returns the latest attempt, or nil for an empty record.
func (m *Meta) Current() *types.Attempt {
	if len(m.Attempts) == 0 {
		return nil
	}
	return &m.Attempts[len(m.Attempts)-1]
}

// taskDirName is the workspace subdirectory for a task: the task id, or
// "task" for the implicit single task of a scalar submission.
func taskDirName(taskID string) string {
	if taskID == "" {
		return "task"
	}
	return taskID
}

func metaPath(taskDir string) string {
	return filepath.Join(taskDir, metaFileName)
}

// readMeta loads a task record.
func readMeta(taskDir string) (*Meta, error) {
	data, err := os.ReadFile(metaPath(taskDir))
	if err != nil {
		return nil, fmt.Errorf("failed to read task record: %w", err)
	}
	var m Meta
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", metaPath(taskDir), err)
	}
	return &m, nil
}

// writeMeta atomically replaces a task record.
func writeMeta(taskDir string, m *Meta) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode task record: %w", err)
	}
	tmp := metaPath(taskDir) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write task record: %w", err)
	}
	if err := os.Rename(tmp, metaPath(taskDir)); err != nil {
		return fmt.Errorf("failed to replace task record: %w", err)
	}
	return nil
}

// updateMeta applies fn to the current attempt and persists the record.
func updateMeta(taskDir string, fn func(a *types.Attempt)) error {
	m, err := readMeta(taskDir)
	if err != nil {
		return err
	}
	cur := m.Current()
	if cur == nil {
		return fmt.Errorf("task record %s has no attempts", taskDir)
	}
	fn(cur)
	return writeMeta(taskDir, m)
}
