package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bryanwahyu/scanops/internal/application"
	"github.com/bryanwahyu/scanops/internal/domain/scanerr"
	domain "github.com/bryanwahyu/scanops/internal/domain/scans"
)

const scanLabel = "scanops.scan-id"

// containerOps is the slice of the docker CLI the reconciler needs,
// split out so the orphan sweep can be exercised without a daemon.
type containerOps interface {
	listLabeled(ctx context.Context) ([]string, error)
	forceRemove(ctx context.Context, name string) error
}

type cliOps struct{}

func (cliOps) listLabeled(ctx context.Context) ([]string, error) {
	out, err := exec.CommandContext(ctx, "docker", "ps", "-a",
		"--filter", "label="+scanLabel,
		"--format", "{{.Names}}").Output()
	if err != nil {
		return nil, err
	}
	return strings.Fields(string(out)), nil
}

func (cliOps) forceRemove(ctx context.Context, name string) error {
	return exec.CommandContext(ctx, "docker", "rm", "-f", name).Run()
}

// Config bounds every sandbox this runner launches.
type Config struct {
	// MaxConcurrent is the global host-protection ceiling, distinct from
	// per-user quotas.
	MaxConcurrent int
	// OutputCapBytes caps captured output; overflow sets Truncated.
	OutputCapBytes int64
	// MaxTimeout clamps per-tool timeouts.
	MaxTimeout time.Duration
	// ReconcileInterval drives the orphan sweep.
	ReconcileInterval time.Duration
	Limits            domain.ResourceLimits
}

func (c *Config) defaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if c.OutputCapBytes <= 0 {
		c.OutputCapBytes = 2 << 20 // 2 MiB
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 30 * time.Minute
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = time.Minute
	}
}

// Runner launches each scan in its own docker container, streams the
// interleaved output, and tears the container down on every exit path.
type Runner struct {
	cfg   Config
	clock application.Clock
	sem   chan struct{}
	ops   containerOps

	mu     sync.Mutex
	active map[domain.ScanID]*execution
}

func NewRunner(cfg Config, clock application.Clock) *Runner {
	cfg.defaults()
	return &Runner{
		cfg:    cfg,
		clock:  clock,
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		ops:    cliOps{},
		active: make(map[domain.ScanID]*execution),
	}
}

// Health implements the pre-flight contract: runtime reachable, image
// present, live container count. With an empty image only the runtime is
// probed.
func (r *Runner) Health(ctx context.Context, image string) (domain.Health, error) {
	h := domain.Health{ActiveContainers: r.activeCount()}

	probe := exec.CommandContext(ctx, "docker", "version", "--format", "{{.Server.Version}}")
	if err := probe.Run(); err != nil {
		return h, fmt.Errorf("%w: docker runtime not reachable: %v", scanerr.ErrEnvironment, err)
	}
	h.DockerAvailable = true

	if image == "" {
		h.ImageAvailable = true
		return h, nil
	}
	inspect := exec.CommandContext(ctx, "docker", "image", "inspect", image)
	if err := inspect.Run(); err != nil {
		// Image not cached locally; try to pull before giving up.
		pull := exec.CommandContext(ctx, "docker", "pull", "-q", image)
		if perr := pull.Run(); perr != nil {
			return h, fmt.Errorf("%w: image %s not available: %v", scanerr.ErrEnvironment, image, perr)
		}
	}
	h.ImageAvailable = true
	return h, nil
}

// Launch starts one sandbox for the scan. At most one active sandbox may
// exist per scan ID; the global semaphore holds the scan queued until a
// slot frees up or ctx ends.
func (r *Runner) Launch(ctx context.Context, id domain.ScanID, spec domain.ExecSpec) (domain.Execution, error) {
	// Check and reserve in one critical section: a nil entry marks the
	// slot pending, so a concurrent Launch for the same scan cannot pass
	// the guard while this one waits on the semaphore.
	r.mu.Lock()
	if _, busy := r.active[id]; busy {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: scan %s already has an active sandbox", scanerr.ErrExecution, id)
	}
	r.active[id] = nil
	r.mu.Unlock()

	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		r.unreserve(id)
		return nil, fmt.Errorf("%w: %v", scanerr.ErrExecution, ctx.Err())
	}

	timeout := spec.Timeout
	if timeout <= 0 || timeout > r.cfg.MaxTimeout {
		timeout = r.cfg.MaxTimeout
	}

	name := containerName(id)
	args := r.buildRunArgs(name, id, spec)
	cmd := exec.Command("docker", args...)
	// Own process group, so the timeout kill reaches docker run and any
	// children, not just the parent.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.release(id)
		return nil, fmt.Errorf("%w: %v", scanerr.ErrExecution, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		r.release(id)
		return nil, fmt.Errorf("%w: %v", scanerr.ErrExecution, err)
	}
	if err := cmd.Start(); err != nil {
		r.release(id)
		return nil, fmt.Errorf("%w: starting sandbox: %v", scanerr.ErrExecution, err)
	}

	e := &execution{
		runner:  r,
		id:      id,
		name:    name,
		cmd:     cmd,
		timeout: timeout,
		started: r.clock.Now(),
		limits:  r.cfg.Limits,
		chunks:  make(chan domain.OutputChunk, 256),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
		capbuf:  newCapBuffer(r.cfg.OutputCapBytes),
	}

	r.mu.Lock()
	r.active[id] = e
	r.mu.Unlock()

	var readers sync.WaitGroup
	readers.Add(2)
	go e.pump("stdout", stdout, &readers)
	go e.pump("stderr", stderr, &readers)
	go e.supervise(&readers)

	return e, nil
}

// Reconcile removes containers tagged with the scan label whose scan is
// no longer active. Covers sandboxes orphaned by an executor crash.
func (r *Runner) Reconcile(ctx context.Context) {
	names, err := r.ops.listLabeled(ctx)
	if err != nil {
		return
	}
	for _, name := range names {
		id, ok := scanIDFromName(name)
		if !ok {
			continue
		}
		r.mu.Lock()
		_, live := r.active[id]
		r.mu.Unlock()
		if !live {
			_ = r.ops.forceRemove(ctx, name)
		}
	}
}

// RunReconciler sweeps on an interval until ctx ends.
func (r *Runner) RunReconciler(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reconcile(ctx)
		}
	}
}

func (r *Runner) activeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// unreserve drops a pending reservation made before the semaphore was
// acquired.
func (r *Runner) unreserve(id domain.ScanID) {
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
}

func (r *Runner) release(id domain.ScanID) {
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
	<-r.sem
}

func (r *Runner) buildRunArgs(name string, id domain.ScanID, spec domain.ExecSpec) []string {
	args := []string{"run", "--name", name,
		"--label", fmt.Sprintf("%s=%s", scanLabel, id),
		"--network", "bridge",
	}
	if r.cfg.Limits.CPUs != "" {
		args = append(args, "--cpus", r.cfg.Limits.CPUs)
	}
	if r.cfg.Limits.MemoryMB > 0 {
		args = append(args, "--memory", strconv.Itoa(r.cfg.Limits.MemoryMB)+"m")
	}
	if r.cfg.Limits.Pids > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(r.cfg.Limits.Pids))
	}
	args = append(args, spec.Image)
	args = append(args, spec.Argv...)
	return args
}

func containerName(id domain.ScanID) string {
	return "scanops-" + string(id)
}

func scanIDFromName(name string) (domain.ScanID, bool) {
	const prefix = "scanops-"
	if !strings.HasPrefix(name, prefix) {
		return "", false
	}
	return domain.ScanID(strings.TrimPrefix(name, prefix)), true
}

// execution is one live sandbox.
type execution struct {
	runner  *Runner
	id      domain.ScanID
	name    string
	cmd     *exec.Cmd
	timeout time.Duration
	started time.Time
	limits  domain.ResourceLimits

	chunks chan domain.OutputChunk
	capbuf *capBuffer

	mu       sync.Mutex
	timedOut bool
	killed   bool

	// stop closes on Kill, releasing pumps that no longer have a reader.
	stop   chan struct{}
	done   chan struct{}
	result domain.ExecResult
	err    error
}

func (e *execution) Output() <-chan domain.OutputChunk { return e.chunks }

func (e *execution) Container() domain.ContainerHandle {
	return domain.ContainerHandle{
		ScanID:         e.id,
		ContainerID:    e.name,
		StartedAt:      e.started,
		ResourceLimits: e.limits,
	}
}

// Wait blocks until the sandbox exited and the teardown ran.
func (e *execution) Wait(ctx context.Context) (domain.ExecResult, error) {
	select {
	case <-e.done:
		return e.result, e.err
	case <-ctx.Done():
		e.Kill()
		<-e.done
		return e.result, e.err
	}
}

// Kill terminates the process group; teardown still runs in supervise.
func (e *execution) Kill() {
	e.mu.Lock()
	already := e.killed
	e.killed = true
	e.mu.Unlock()
	if already {
		return
	}
	close(e.stop)
	e.killGroup()
}

func (e *execution) killGroup() {
	if e.cmd.Process != nil {
		// Negative pid targets the whole group.
		_ = syscall.Kill(-e.cmd.Process.Pid, syscall.SIGKILL)
	}
}

// pump reads one stream into timestamped chunks, feeding the capped
// capture buffer as it goes. Sends block so the durable log consumer
// sees every chunk; a kill releases the pump if the reader is gone.
func (e *execution) pump(stream string, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			e.capbuf.write(data)
			chunk := domain.OutputChunk{Time: e.runner.clock.Now(), Stream: stream, Data: data}
			select {
			case e.chunks <- chunk:
			case <-e.stop:
				// Killed; the capture buffer already has the bytes.
			}
		}
		if err != nil {
			return
		}
	}
}

// supervise waits for exit, enforces the wall-clock timeout, and always
// tears the container down.
func (e *execution) supervise(readers *sync.WaitGroup) {
	timer := time.AfterFunc(e.timeout, func() {
		e.mu.Lock()
		e.timedOut = true
		e.mu.Unlock()
		e.killGroup()
	})

	readers.Wait()
	waitErr := e.cmd.Wait()
	timer.Stop()
	duration := e.runner.clock.Now().Sub(e.started)

	// Teardown on every exit path. A fresh context: the run context may
	// already be gone.
	rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	_ = e.runner.ops.forceRemove(rmCtx, e.name)
	cancel()

	output, truncated := e.capbuf.bytes()
	exitCode := 0
	if waitErr != nil {
		if ee, ok := waitErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			exitCode = -1
		}
	}

	e.mu.Lock()
	timedOut := e.timedOut
	killed := e.killed
	e.mu.Unlock()

	e.result = domain.ExecResult{
		ExitCode:   exitCode,
		DurationMS: duration.Milliseconds(),
		Truncated:  truncated,
		Output:     output,
	}
	switch {
	case timedOut:
		e.err = &scanerr.TimeoutError{Limit: e.timeout}
	case killed:
		// Cooperative cancellation is not an executor failure.
	case waitErr != nil && exitCode == -1:
		e.err = fmt.Errorf("%w: sandbox wait: %v", scanerr.ErrExecution, waitErr)
	}

	close(e.chunks)
	close(e.done)
	e.runner.release(e.id)
}

// capBuffer keeps at most capBytes of output and flags truncation.
type capBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	capBytes  int64
	truncated bool
}

func newCapBuffer(capBytes int64) *capBuffer {
	return &capBuffer{capBytes: capBytes}
}

func (c *capBuffer) write(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	room := c.capBytes - int64(c.buf.Len())
	if room <= 0 {
		c.truncated = true
		return
	}
	if int64(len(p)) > room {
		p = p[:room]
		c.truncated = true
	}
	c.buf.Write(p)
}

func (c *capBuffer) bytes() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Bytes(), c.truncated
}
