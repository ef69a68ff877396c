package browser

import (
	"fmt"
	"os/exec"
	"time"
)

// Headful stealth needs a real X display even on a server. Xvfb provides
// one without a desktop; the manager owns its lifecycle alongside the
// browser process.

func (m *Manager) startXvfb() error {
	if m.xvfb != nil {
		return nil
	}

	display := m.cfg.XvfbDisplay
	cmd := exec.Command("Xvfb", display, "-screen", "0", "1920x1080x24", "-ac")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("browser: start Xvfb on %s: %w", display, err)
	}
	m.xvfb = cmd

	// Xvfb signals nothing on readiness; let it settle before the
	// browser launcher points DISPLAY at it.
	time.Sleep(500 * time.Millisecond)

	m.cfg.Logger.Info("browser: xvfb up", "display", display, "pid", cmd.Process.Pid)
	return nil
}

func (m *Manager) stopXvfb() {
	if m.xvfb == nil {
		return
	}
	if m.xvfb.Process != nil {
		m.xvfb.Process.Kill()
		m.xvfb.Wait()
	}
	m.xvfb = nil
	m.cfg.Logger.Info("browser: xvfb stopped")
}
