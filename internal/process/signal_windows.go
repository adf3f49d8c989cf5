//go:build windows

package process

import (
	"errors"
	"os"
	"os/exec"
)

// ConfigureGroup is a no-op on Windows.
func ConfigureGroup(_ *exec.Cmd) {}

func signalTerm(p *os.Process) error {
	return signalKill(p)
}

func signalKill(p *os.Process) error {
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
