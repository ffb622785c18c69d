package app

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/daedalus/daedalus_client/internal/i18n"
	"github.com/daedalus/daedalus_client/internal/util"
)

// BackstopDelay is how long past the grace period a stuck shutdown may run
// before the process is killed.
const BackstopDelay = 5 * time.Second

// NotifyTermination delivers SIGINT and SIGTERM on the returned channel until
// stop is called.
func NotifyTermination() (<-chan os.Signal, func()) {
	termCh := make(chan os.Signal, 2)
	signal.Notify(termCh, syscall.SIGINT, syscall.SIGTERM)
	return termCh, func() { signal.Stop(termCh) }
}

// startBackstop calls exit with the forced shutdown code if shutdown is still
// running after grace plus BackstopDelay. The returned func disarms it.
func startBackstop(grace time.Duration, exit func(int)) func() {
	timer := time.AfterFunc(grace+BackstopDelay, func() {
		util.Error(i18n.T("app_shutdown_hung", map[string]any{"Timeout": grace + BackstopDelay}), nil)
		exit(ExitForced)
	})
	return func() { timer.Stop() }
}
