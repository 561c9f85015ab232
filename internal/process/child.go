package process

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loykin/tailvisor/internal/privilege"
)

// Child is a spawned OS process with separately readable stdout and stderr.
type Child struct {
	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File
	stdin  io.WriteCloser
	done   chan struct{}
	code   int
	once   sync.Once
}

// Spawn starts spec as id. The returned child's output must be drained with
// Read and its resources released with Close.
func Spawn(spec Spec, opts Options, id privilege.Identity) (*Child, error) {
	cmd := BuildCommand(spec, opts)
	configureSysProcAttr(cmd, id)

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, err
	}
	closeAll := func() {
		for _, f := range []*os.File{outR, outW, errR, errW} {
			_ = f.Close()
		}
	}
	// keep stdin open for the child's lifetime; script(1) exits on EOF
	stdin, err := cmd.StdinPipe()
	if err != nil {
		closeAll()
		return nil, err
	}
	cmd.Stdout = outW
	cmd.Stderr = errW
	if err := cmd.Start(); err != nil {
		closeAll()
		_ = stdin.Close()
		return nil, err
	}
	_ = outW.Close()
	_ = errW.Close()

	c := &Child{cmd: cmd, stdout: outR, stderr: errR, stdin: stdin, done: make(chan struct{})}
	go c.wait()
	return c, nil
}

func (c *Child) wait() {
	_ = c.cmd.Wait()
	c.code = -1
	if ps := c.cmd.ProcessState; ps != nil {
		c.code = ps.ExitCode()
	}
	close(c.done)
}

// Pid returns the OS process id.
func (c *Child) Pid() int { return c.cmd.Process.Pid }

// Stdout and Stderr identify the stream passed to Read.
const (
	Stdout = iota
	Stderr
)

// Read reads available bytes from stream, waiting at most timeout. A timeout
// is reported as (0, nil); io.EOF means the stream was closed by the child.
func (c *Child) Read(stream int, buf []byte, timeout time.Duration) (int, error) {
	f := c.stdout
	if stream == Stderr {
		f = c.stderr
	}
	if err := f.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	n, err := f.Read(buf)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	return n, err
}

// Poll reports whether the child has terminated without blocking. The exit
// code is -1 when the child was killed by a signal.
func (c *Child) Poll() (code int, exited bool) {
	select {
	case <-c.done:
		return c.code, true
	default:
		return 0, false
	}
}

// Done is closed once the child has been reaped.
func (c *Child) Done() <-chan struct{} { return c.done }

// Close releases the pipes. It does not signal the child.
func (c *Child) Close() {
	c.once.Do(func() {
		_ = c.stdin.Close()
		_ = c.stdout.Close()
		_ = c.stderr.Close()
	})
}
