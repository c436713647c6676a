package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/natefinch/atomic"
)

// Local runs commands with bash on the current host.
type Local struct {
	run Runner
}

// NewLocal returns a Local executor. A nil runner selects ExecRunner.
func NewLocal(run Runner) *Local {
	if run == nil {
		run = ExecRunner
	}
	return &Local{run: run}
}

func (l *Local) Run(ctx context.Context, cmd string) (string, error) {
	stdout, stderr, err := l.run(ctx, "bash", "-c", cmd)
	if err != nil {
		return "", newExecError(cmd, stderr, err)
	}
	return strings.TrimSpace(string(stdout)), nil
}

func (l *Local) ReadFile(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("executor: read %s: %w", path, err)
	}
	return data, nil
}

func (l *Local) WriteFile(_ context.Context, path string, data []byte) error {
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("executor: write %s: %w", path, err)
	}
	return nil
}
