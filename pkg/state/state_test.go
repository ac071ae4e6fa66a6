package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsehub/pkg/models"
	"pulsehub/pkg/timeutil"
)

func TestEnsureStateDirs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, EnsureStateDirs(root))

	p := PathsFor(root)
	for _, dir := range []string{p.Store, p.Outbox, p.DeadLetter} {
		fi, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, fi.IsDir())
	}
}

func TestEnsureStateDirs_RejectsSymlink(t *testing.T) {
	root := t.TempDir()
	target := t.TempDir()
	require.NoError(t, os.Symlink(target, filepath.Join(root, "store")))
	assert.Error(t, EnsureStateDirs(root))
}

func readLines(t *testing.T, path string) []DroppedSMS {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var out []DroppedSMS
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var d DroppedSMS
		require.NoError(t, json.Unmarshal(sc.Bytes(), &d))
		out = append(out, d)
	}
	return out
}

func TestDeadLetterWriter_RotatesDaily(t *testing.T) {
	dir := t.TempDir()
	clock := timeutil.NewFake(time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC))
	w := NewDeadLetterWriter(dir, clock)
	t.Cleanup(func() { _ = w.Close() })

	require.NoError(t, w.Write(models.OutboxEntry{ID: "a", Recipient: "bob", Attempts: 5}, errors.New("provider down")))
	clock.Advance(2 * time.Hour)
	require.NoError(t, w.Write(models.OutboxEntry{ID: "b", Recipient: "bob"}, nil))

	first := readLines(t, filepath.Join(dir, "dropped_sms_2026-03-01.jsonl"))
	require.Len(t, first, 1)
	assert.Equal(t, "a", first[0].Entry.ID)
	assert.Equal(t, "provider down", first[0].Error)

	second := readLines(t, filepath.Join(dir, "dropped_sms_2026-03-02.jsonl"))
	require.Len(t, second, 1)
	assert.Equal(t, "b", second[0].Entry.ID)
}
