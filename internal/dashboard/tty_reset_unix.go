//go:build !windows

package dashboard

import (
	"os"
	"os/exec"
)

func bestEffortResetTTY() {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return
	}
	if (fi.Mode() & os.ModeCharDevice) == 0 {
		return
	}

	_ = exec.Command("sh", "-lc", "stty sane < /dev/tty >/dev/null 2>&1 || true").Run()
}
