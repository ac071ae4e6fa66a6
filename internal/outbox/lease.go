package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pulsehub/pkg/logger"
	"pulsehub/pkg/timeutil"
)

// ErrNotOwner is returned when renewing or releasing a lease held by someone else.
var ErrNotOwner = errors.New("lease: not owner")

// FileLease is a cross-process lock file guarding outbox drains. Two
// processes sharing a db path never drain the same entries concurrently.
type FileLease struct {
	path  string
	clock timeutil.Clock
}

type leaseFile struct {
	Owner   string `json:"owner"`
	Expires string `json:"expires"`
}

func NewFileLease(dir string, clock timeutil.Clock) *FileLease {
	if clock == nil {
		clock = timeutil.Real()
	}
	return &FileLease{path: filepath.Join(dir, "drain.lock"), clock: clock}
}

func (l *FileLease) Path() string { return l.path }

// Acquire takes the lease for owner unless another owner holds an unexpired one.
func (l *FileLease) Acquire(owner string, ttl time.Duration) (bool, error) {
	now := l.clock.Now()
	tmp := l.path + "." + owner + ".tmp"
	if err := l.writeTo(tmp, leaseFile{Owner: owner, Expires: now.Add(ttl).Format(time.RFC3339Nano)}); err != nil {
		logger.Error("lease_tmp_write_failed", "path", tmp, "error", err)
		return false, err
	}
	// link fails if the lock already exists
	if err := os.Link(tmp, l.path); err == nil {
		os.Remove(tmp)
		logger.Debug("lease_acquired", "path", l.path, "owner", owner)
		return true, nil
	}
	existing, err := l.read()
	if err != nil {
		os.Remove(tmp)
		return false, err
	}
	expT, perr := time.Parse(time.RFC3339Nano, existing.Expires)
	if perr == nil && !expT.Before(now) && existing.Owner != owner {
		os.Remove(tmp)
		logger.Debug("lease_currently_held", "path", l.path, "owner", existing.Owner)
		return false, nil
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		logger.Error("lease_replace_failed", "path", l.path, "error", err)
		return false, err
	}
	logger.Info("lease_acquired_replaced", "path", l.path, "owner", owner, "previous", existing.Owner)
	return true, nil
}

// Renew extends a lease owned by owner.
func (l *FileLease) Renew(owner string, ttl time.Duration) error {
	existing, err := l.read()
	if err != nil {
		return err
	}
	if existing.Owner != owner {
		return ErrNotOwner
	}
	existing.Expires = l.clock.Now().Add(ttl).Format(time.RFC3339Nano)
	tmp := l.path + "." + owner + ".tmp"
	if err := l.writeTo(tmp, existing); err != nil {
		logger.Error("lease_renew_tmp_write_failed", "error", err)
		return err
	}
	if err := os.Rename(tmp, l.path); err != nil {
		logger.Error("lease_renew_rename_failed", "error", err)
		return err
	}
	return nil
}

// Release removes the lock file if owner holds it.
func (l *FileLease) Release(owner string) error {
	existing, err := l.read()
	if err != nil {
		return err
	}
	if existing.Owner != owner {
		logger.Error("lease_release_not_owner", "owner", owner, "holder", existing.Owner)
		return ErrNotOwner
	}
	if err := os.Remove(l.path); err != nil {
		logger.Error("lease_release_remove_failed", "error", err)
		return err
	}
	logger.Debug("lease_released", "path", l.path, "owner", owner)
	return nil
}

func (l *FileLease) read() (leaseFile, error) {
	var lf leaseFile
	data, err := os.ReadFile(l.path)
	if err != nil {
		return lf, err
	}
	if err := json.Unmarshal(data, &lf); err != nil {
		return lf, fmt.Errorf("decode lease %s: %w", l.path, err)
	}
	return lf, nil
}

func (l *FileLease) writeTo(path string, lf leaseFile) error {
	b, err := json.Marshal(lf)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
