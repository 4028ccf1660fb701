// Forkit supervision: spawns and relaunches the forkit helper process
// that itself forks worker processes, and exposes the write-pipe
// protocol described in §6 "Worker control pipe". Grounded on
// hexinfra-gorox's leader/worker process-manager idiom
// (hemi/procman/leader.go) for the supervise-and-relaunch shape; no
// dependency is taken from gorox since it ships none.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package childpool

import (
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/loolwsd/wsd/internal/logging"
)

// Forkit supervises the forkit child process and its write pipe,
// relaunching it if it exits, and draining the owning Pool's idle list
// and outstanding-fork count each time it does. Draining does not wake
// Acquire callers that are already waiting.
type Forkit struct {
	mu      sync.Mutex
	path    string
	args    []string
	cmd     *exec.Cmd
	writer  *os.File
	pool    *Pool
	log     *logging.Logger
	stopped bool
}

// NewForkit launches path once and wires the pool that must be
// drained on forkit death.
func NewForkit(path string, args []string, pool *Pool) (*Forkit, error) {
	f := &Forkit{path: path, args: args, pool: pool, log: logging.New("forkit")}
	if err := f.launch(); err != nil {
		return nil, err
	}
	go f.supervise()
	return f, nil
}

func (f *Forkit) launch() error {
	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("forkit: create pipe: %w", err)
	}
	cmd := exec.Command(f.path, f.args...)
	cmd.ExtraFiles = []*os.File{r}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return fmt.Errorf("forkit: start: %w", err)
	}
	r.Close()

	f.mu.Lock()
	f.cmd = cmd
	f.writer = w
	f.mu.Unlock()
	return nil
}

// RequestSpawn writes "spawn N\n" to the forkit pipe.
func (f *Forkit) RequestSpawn(n int) error {
	f.mu.Lock()
	w := f.writer
	f.mu.Unlock()
	if w == nil {
		return fmt.Errorf("forkit: pipe not open")
	}
	_, err := fmt.Fprintf(w, "spawn %d\n", n)
	return err
}

// supervise waits (non-blocking-equivalent: a dedicated goroutine
// performing the blocking Wait so the reactor threads never do) for
// forkit's exit and relaunches it, per §4.F "Reaping": closes the old
// write pipe and drains the pool so outstanding forks are cleared.
func (f *Forkit) supervise() {
	for {
		f.mu.Lock()
		cmd := f.cmd
		stopped := f.stopped
		f.mu.Unlock()
		if stopped {
			return
		}

		err := cmd.Wait()
		f.log.Warnf("forkit exited: %v", err)

		f.mu.Lock()
		if f.writer != nil {
			f.writer.Close()
			f.writer = nil
		}
		f.mu.Unlock()

		f.pool.Drain()

		f.mu.Lock()
		stopped = f.stopped
		f.mu.Unlock()
		if stopped {
			return
		}

		if err := f.launch(); err != nil {
			f.log.Errorf("forkit relaunch failed: %v", err)
			return
		}
	}
}

// Stop terminates supervision; does not kill a still-running forkit.
func (f *Forkit) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}
