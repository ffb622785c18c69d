package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/daedalus/daedalus_client/internal/i18n"
	"github.com/daedalus/daedalus_client/internal/util"
)

const (
	dirName  = ".daedalus_client"
	fileName = "daedalus_client.pid"
)

var ErrAlreadyRunning = errors.New("another instance is running")

func DefaultPidPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", util.NewError(util.ErrTypeConfig, i18n.T("home_dir_error", nil), err)
	}
	return filepath.Join(home, dirName, fileName), nil
}

// WritePidFile records the current pid at path, or at DefaultPidPath when
// path is empty, and returns the path used. A pid file held by a live
// process is left alone.
func WritePidFile(path string) (string, error) {
	if path == "" {
		var err error
		if path, err = DefaultPidPath(); err != nil {
			return "", err
		}
	}

	if pid, err := ReadPidFile(path); err == nil && pid != os.Getpid() && processAlive(pid) {
		return path, util.NewError(util.ErrTypeConfig,
			i18n.T("pid_file_in_use", map[string]any{"Path": path, "PID": pid}), ErrAlreadyRunning)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return path, util.NewError(util.ErrTypeConfig, i18n.T("pid_dir_create_error", nil), err)
	}

	pid := os.Getpid()
	if err := os.WriteFile(path, fmt.Appendf(nil, "%d", pid), 0644); err != nil {
		return path, util.NewError(util.ErrTypeConfig, i18n.T("pid_file_write_error", nil), err)
	}

	util.Info(i18n.T("pid_file_written", map[string]any{
		"Path": path,
		"PID":  pid,
	}), nil)

	return path, nil
}

func ReadPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// RemovePidFile deletes path if it still names this process.
func RemovePidFile(path string) error {
	pid, err := ReadPidFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if pid != os.Getpid() {
		return nil
	}
	return os.Remove(path)
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
