package shutdown

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"pulsehub/pkg/logger"
	"pulsehub/pkg/state"
)

// exit is swapped in tests.
var exit = os.Exit

// Abort logs a fatal startup error, writes a crash dump under the state dir
// of dbPath and exits with status 2.
func Abort(contextMsg string, err error, dbPath string) {
	logger.Error("startup_fatal", "msg", contextMsg, "error", err)
	if dumpPath, derr := WriteCrashDump(dbPath, contextMsg, err); derr != nil {
		fmt.Fprintf(os.Stderr, "FAILED TO WRITE CRASH DUMP: %v\n", derr)
	} else {
		fmt.Fprintf(os.Stderr, "CRASH DUMP WRITTEN: %s\n", dumpPath)
	}
	fmt.Fprintf(os.Stderr, "%s: %v\n", contextMsg, err)
	logger.Sync()
	exit(2)
}

// WriteCrashDump writes the reason and every goroutine stack to a new file
// in the crash directory and returns its path.
func WriteCrashDump(dbPath, reason string, cause error) (string, error) {
	dir := "./crash"
	if dbPath != "" {
		dir = filepath.Join(state.PathsFor(dbPath).State, "crash")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create crash dir: %w", err)
	}

	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)

	now := time.Now().UTC()
	path := filepath.Join(dir, fmt.Sprintf("crash-%d.log", now.UnixNano()))
	body := fmt.Sprintf("time: %s\nreason: %s\nerror: %v\npid: %d\n\n%s",
		now.Format(time.RFC3339Nano), reason, cause, os.Getpid(), buf[:n])
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		return "", fmt.Errorf("write crash dump: %w", err)
	}
	return path, nil
}
