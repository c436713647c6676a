// Package executortest provides an in-memory executor.Executor for tests.
package executortest

import (
	"context"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"github.com/bigbes/awg-xui-reconciler/internal/executor"
)

// Fake keeps files in memory and records commands. Command output is
// looked up by longest matching prefix in Outputs; a matching prefix in
// Failures makes the command fail with *executor.ExecError.
type Fake struct {
	mu       sync.Mutex
	files    map[string][]byte
	commands []string
	writes   []string

	// failWrites counts the upcoming writes of a path that fail.
	failWrites map[string]int

	Outputs  map[string]string
	Failures map[string]string
}

var _ executor.Executor = (*Fake)(nil)

// New creates an empty Fake.
func New() *Fake {
	return &Fake{
		files:      map[string][]byte{},
		failWrites: map[string]int{},
		Outputs:    map[string]string{},
		Failures:   map[string]string{},
	}
}

// SetFile stores content without recording a write.
func (f *Fake) SetFile(path string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = append([]byte(nil), data...)
}

// FailWrites makes the next n writes of path fail and leave it unchanged.
func (f *Fake) FailWrites(path string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrites[path] = n
}

// File returns the current content of path.
func (f *Fake) File(path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	return append([]byte(nil), data...), ok
}

// Commands returns the commands run so far.
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// Writes returns the paths written so far, one entry per write.
func (f *Fake) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

// ResetLog forgets recorded commands and writes.
func (f *Fake) ResetLog() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = nil
	f.writes = nil
}

func (f *Fake) Run(_ context.Context, cmd string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	if stderr, ok := longestPrefix(f.Failures, cmd); ok {
		return "", &executor.ExecError{Cmd: cmd, ExitCode: 1, Stderr: stderr, Err: fmt.Errorf("exit status 1")}
	}
	out, _ := longestPrefix(f.Outputs, cmd)
	return strings.TrimSpace(out), nil
}

func (f *Fake) ReadFile(_ context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrNotExist}
	}
	return append([]byte(nil), data...), nil
}

func (f *Fake) WriteFile(_ context.Context, path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites[path] > 0 {
		f.failWrites[path]--
		return &fs.PathError{Op: "write", Path: path, Err: fs.ErrPermission}
	}
	f.files[path] = append([]byte(nil), data...)
	f.writes = append(f.writes, path)
	return nil
}

func longestPrefix(m map[string]string, cmd string) (string, bool) {
	best, found := "", false
	bestLen := -1
	for prefix, v := range m {
		if strings.HasPrefix(cmd, prefix) && len(prefix) > bestLen {
			best, bestLen, found = v, len(prefix), true
		}
	}
	return best, found
}
