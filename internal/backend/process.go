package backend

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// drainTimeout bounds how long exit reporting waits for output still in the
// pipes, since a grandchild may keep them open.
const drainTimeout = 500 * time.Millisecond

// EventKind tags a process event
type EventKind int

const (
	EventStdout EventKind = iota
	EventStderr
	EventExited
)

func (k EventKind) String() string {
	switch k {
	case EventStdout:
		return "stdout"
	case EventStderr:
		return "stderr"
	case EventExited:
		return "exit"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Event is one item of a process's event stream. Exited is always the last
// event before the stream closes.
type Event struct {
	Kind   EventKind
	Text   string // Stdout and Stderr
	Code   int    // Exited; -1 when killed by a signal
	Signal string // Exited; empty unless killed by a signal
}

// Stdout builds a stdout line event
func Stdout(text string) Event { return Event{Kind: EventStdout, Text: text} }

// Stderr builds a stderr line event
func Stderr(text string) Event { return Event{Kind: EventStderr, Text: text} }

// Exited builds the exit event
func Exited(code int, signal string) Event {
	return Event{Kind: EventExited, Code: code, Signal: signal}
}

// process is one spawned backend with its event stream
type process struct {
	cmd     *exec.Cmd
	pid     int
	started time.Time
	events  chan Event
}

// spawnProcess starts spec with stdin closed and stdout/stderr captured
// line by line into the event stream.
func spawnProcess(spec LaunchSpec) (*process, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	setProcAttr(cmd)

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{outR, outW, errR, errW} {
			f.Close()
		}
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}

	// The child holds its own copies of the write ends
	outW.Close()
	errW.Close()

	p := &process{
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		started: time.Now(),
		events:  make(chan Event, 64),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go p.readLines(outR, Stdout, &readers)
	go p.readLines(errR, Stderr, &readers)
	go p.wait(&readers, outR, errR)

	return p, nil
}

func (p *process) readLines(r io.ReadCloser, wrap func(string) Event, wg *sync.WaitGroup) {
	defer wg.Done()
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.events <- wrap(scanner.Text())
	}
}

func (p *process) wait(readers *sync.WaitGroup, pipes ...io.Closer) {
	_ = p.cmd.Wait()

	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(drainTimeout):
		for _, c := range pipes {
			c.Close()
		}
		<-drained
	}

	code, signal := -1, ""
	if state := p.cmd.ProcessState; state != nil {
		code = state.ExitCode()
		signal = exitSignal(state)
	}

	p.events <- Exited(code, signal)
	close(p.events)
}
