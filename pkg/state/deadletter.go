package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pulsehub/pkg/logger"
	"pulsehub/pkg/models"
	"pulsehub/pkg/timeutil"
)

// DroppedSMS is one dead-letter line.
type DroppedSMS struct {
	Timestamp time.Time          `json:"timestamp"`
	Entry     models.OutboxEntry `json:"entry"`
	Error     string             `json:"error"`
}

// DeadLetterWriter appends dropped SMS to daily jsonl files.
type DeadLetterWriter struct {
	mu          sync.Mutex
	basePath    string
	clock       timeutil.Clock
	current     *os.File
	currentDate string
}

func NewDeadLetterWriter(basePath string, clock timeutil.Clock) *DeadLetterWriter {
	if clock == nil {
		clock = timeutil.Real()
	}
	return &DeadLetterWriter{basePath: basePath, clock: clock}
}

func (w *DeadLetterWriter) Write(e models.OutboxEntry, cause error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now().UTC()
	date := now.Format("2006-01-02")
	if w.currentDate != date || w.current == nil {
		if w.current != nil {
			w.current.Close()
		}
		if err := os.MkdirAll(w.basePath, 0o700); err != nil {
			return fmt.Errorf("create dead letter dir: %w", err)
		}
		name := filepath.Join(w.basePath, fmt.Sprintf("dropped_sms_%s.jsonl", date))
		f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open dead letter file: %w", err)
		}
		w.current = f
		w.currentDate = date
	}

	line := DroppedSMS{Timestamp: now, Entry: e}
	if cause != nil {
		line.Error = cause.Error()
	}
	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if _, err := w.current.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write dead letter: %w", err)
	}
	logger.Warn("sms_dead_lettered", "id", e.ID, "recipient", e.Recipient, "attempts", e.Attempts)
	return nil
}

func (w *DeadLetterWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return nil
	}
	err := w.current.Close()
	w.current = nil
	return err
}
