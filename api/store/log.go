package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"kiln/api/model"
)

// DeploymentLog appends entries to deployments/<id>/log.jsonl. It is safe
// for concurrent use, so stdout and stderr of a build can share one.
type DeploymentLog struct {
	path   string
	id     string
	now    func() time.Time
	logger *slog.Logger

	mu sync.Mutex
}

func newDeploymentLog(path, id string, now func() time.Time, logger *slog.Logger) *DeploymentLog {
	return &DeploymentLog{path: path, id: id, now: now, logger: logger.With("deployment", id)}
}

func (l *DeploymentLog) Log(typ model.LogType, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	entry := model.LogEntry{ID: uuid.NewString(), Time: l.now().UTC(), Type: typ, Message: msg}

	switch typ {
	case model.LogError:
		l.logger.Error(msg)
	case model.LogWarning:
		l.logger.Warn(msg)
	default:
		l.logger.Debug(msg)
	}

	if err := l.append(entry); err != nil {
		l.logger.Error("write deployment log", "error", err)
	}
}

func (l *DeploymentLog) append(entry model.LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Entries reads the log back. Lines that cannot be parsed are skipped.
func (l *DeploymentLog) Entries() ([]model.LogEntry, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []model.LogEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	entries := []model.LogEntry{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e model.LogEntry
		if json.Unmarshal(sc.Bytes(), &e) == nil {
			entries = append(entries, e)
		}
	}
	return entries, sc.Err()
}
