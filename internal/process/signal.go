package process

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// HandleSignals installs SIGINT/SIGTERM handling: on receipt, every tracked
// live process is terminated, the previous signal disposition is restored,
// and the signal is re-delivered to this process so default OS shutdown
// semantics still apply. The returned stop function uninstalls the handler.
func (s *Supervisor) HandleSignals() (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig, ok := <-ch
		if !ok {
			return
		}
		s.logger.Warn("termination signal received, sweeping live processes",
			slog.String("signal", sig.String()),
		)
		for _, m := range s.snapshot() {
			if !m.Running() {
				continue
			}
			if err := m.signalGroup(syscall.SIGTERM); err != nil {
				s.logger.Warn("terminating process on signal",
					slog.Int("pid", m.PID()),
					slog.String("error", err.Error()),
				)
			}
		}

		// Restore the default disposition and re-raise.
		signal.Stop(ch)
		signal.Reset(sig)
		if p, err := os.FindProcess(os.Getpid()); err == nil {
			_ = p.Signal(sig)
		}
	}()

	return func() {
		signal.Stop(ch)
		close(ch)
	}
}
