// Package activation picks up sockets passed in by systemd socket activation
// so the webhook server can run as a socket-activated user service.
package activation

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
)

// firstFD is the first descriptor systemd passes (after stdin, stdout and
// stderr).
const firstFD = 3

// environment abstracts the process environment for tests.
type environment struct {
	getenv   func(string) string
	unsetenv func(string) error
	pid      int
	file     func(fd uintptr, name string) *os.File
}

func processEnvironment() environment {
	return environment{
		getenv:   os.Getenv,
		unsetenv: os.Unsetenv,
		pid:      os.Getpid(),
		file:     os.NewFile,
	}
}

// Listeners returns the listeners systemd passed to this process, or nil
// when the process was not socket activated. The activation variables are
// removed from the environment so child processes (git) do not inherit them.
func Listeners() ([]net.Listener, error) {
	return listeners(processEnvironment())
}

// Listen returns the first socket-activated listener, or a TCP listener on
// addr when the process was not socket activated.
func Listen(addr string, logger *slog.Logger) (net.Listener, error) {
	return listen(processEnvironment(), addr, logger)
}

func listen(env environment, addr string, logger *slog.Logger) (net.Listener, error) {
	lns, err := listeners(env)
	if err != nil {
		return nil, err
	}
	if len(lns) > 0 {
		for _, extra := range lns[1:] {
			logger.Warn("ignoring additional activated socket", "addr", extra.Addr().String())
			_ = extra.Close()
		}
		logger.Info("using socket-activated listener", "addr", lns[0].Addr().String())
		return lns[0], nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, nil
}

func listeners(env environment) ([]net.Listener, error) {
	pidStr := env.getenv("LISTEN_PID")
	if pidStr == "" {
		return nil, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != env.pid {
		return nil, nil
	}

	fdsStr := env.getenv("LISTEN_FDS")
	if fdsStr == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if n < 1 {
		return nil, nil
	}

	out := make([]net.Listener, 0, n)
	for i := 0; i < n; i++ {
		fd := firstFD + i
		f := env.file(uintptr(fd), fmt.Sprintf("activated-socket-%d", i))
		if f == nil {
			closeAll(out)
			return nil, fmt.Errorf("failed to open fd %d", fd)
		}
		ln, err := net.FileListener(f)
		// FileListener dups the descriptor.
		_ = f.Close()
		if err != nil {
			closeAll(out)
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}
		out = append(out, ln)
	}

	for _, name := range []string{"LISTEN_PID", "LISTEN_FDS", "LISTEN_FDNAMES"} {
		_ = env.unsetenv(name)
	}
	return out, nil
}

func closeAll(lns []net.Listener) {
	for _, ln := range lns {
		_ = ln.Close()
	}
}
