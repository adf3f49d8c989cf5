package process

import (
	"os"
	"time"
)

// Terminate sends SIGTERM to proc's group, waits up to grace for exited to
// close, then sends SIGKILL and waits for the exit.
func Terminate(proc *os.Process, exited <-chan struct{}, grace time.Duration) error {
	if proc == nil {
		return nil
	}
	select {
	case <-exited:
		return nil
	default:
	}
	if grace <= 0 {
		grace = DefaultKillGrace
	}

	if err := signalTerm(proc); err != nil {
		return err
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-exited:
		return nil
	case <-timer.C:
	}

	if err := signalKill(proc); err != nil {
		return err
	}
	<-exited
	return nil
}
