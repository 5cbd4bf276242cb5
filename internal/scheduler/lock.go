package scheduler

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"donna/internal/taskerr"
)

// acquireLock takes the single-daemon lock: create the file
// exclusively and write our PID. When the file already exists, the
// recorded PID is probed; a dead or unreadable owner is swept aside
// and the lock retried once, a live one refuses the start. The
// returned release removes the file.
func acquireLock(path string) (release func(), err error) {
	for attempt := 0; ; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			if _, werr := fmt.Fprintf(f, "%d\n", os.Getpid()); werr != nil {
				f.Close()
				os.Remove(path)
				return nil, fmt.Errorf("write lock %s: %w", path, werr)
			}
			if cerr := f.Close(); cerr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("write lock %s: %w", path, cerr)
			}
			return func() { os.Remove(path) }, nil
		}
		if !os.IsExist(err) || attempt > 0 {
			return nil, fmt.Errorf("acquire lock %s: %w", path, err)
		}
		pid, ok := lockOwner(path)
		if ok && pidAlive(pid) {
			return nil, taskerr.Configf("another scheduler daemon (pid %d) holds %s", pid, path)
		}
		// Stale: the owner is gone or the file is garbage.
		if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
			return nil, fmt.Errorf("remove stale lock %s: %w", path, rerr)
		}
	}
}

func lockOwner(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// pidAlive probes a process with signal 0. EPERM still means alive,
// just not ours.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
