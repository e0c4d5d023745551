package builder

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"kiln/api/model"
)

type recordingLog struct {
	mu      sync.Mutex
	entries []model.LogEntry
}

func (l *recordingLog) Log(typ model.LogType, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msg := strings.TrimSpace(fmt.Sprintf(format, args...))
	l.entries = append(l.entries, model.LogEntry{Type: typ, Message: msg})
}

func (l *recordingLog) messages(typ model.LogType) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.entries {
		if e.Type == typ {
			out = append(out, e.Message)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func buildContext(t *testing.T) (*Context, *recordingLog) {
	t.Helper()
	root := t.TempDir()
	log := &recordingLog{}
	bc := &Context{
		RepositoryPath:       filepath.Join(root, "repo"),
		SourcePath:           filepath.Join(root, "repo"),
		OutputPath:           filepath.Join(root, "out"),
		TempPath:             filepath.Join(root, "tmp"),
		PreviousManifestPath: filepath.Join(root, "prev"),
		NextManifestPath:     filepath.Join(root, "next"),
		CommitID:             "abc123",
		Logger:               log,
		Env:                  []string{"PATH=" + os.Getenv("PATH")},
	}
	os.MkdirAll(bc.RepositoryPath, 0o755)
	os.MkdirAll(bc.TempPath, 0o755)
	return bc, log
}
