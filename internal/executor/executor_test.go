package executor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type call struct {
	name string
	args []string
}

type fakeRunner struct {
	calls   []call
	respond func(name string, args []string) ([]byte, []byte, error)
}

func (f *fakeRunner) run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.calls = append(f.calls, call{name: name, args: args})
	if f.respond == nil {
		return nil, nil, nil
	}
	return f.respond(name, args)
}

func TestContainerRunTrimsAndCachesID(t *testing.T) {
	f := &fakeRunner{respond: func(name string, args []string) ([]byte, []byte, error) {
		if args[0] == "ps" {
			return []byte("abc123\ndef456\n"), nil, nil
		}
		return []byte("  hello\n"), nil, nil
	}}
	c := NewContainer("amnezia-awg", f.run)

	for i := 0; i < 2; i++ {
		out, err := c.Run(context.Background(), "wg show wg0 transfer")
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if out != "hello" {
			t.Fatalf("got %q, want %q", out, "hello")
		}
	}

	want := []call{
		{name: "docker", args: []string{"ps", "-qf", "name=amnezia-awg"}},
		{name: "docker", args: []string{"exec", "abc123", "bash", "-c", "wg show wg0 transfer"}},
		{name: "docker", args: []string{"exec", "abc123", "bash", "-c", "wg show wg0 transfer"}},
	}
	if diff := cmp.Diff(want, f.calls, cmp.AllowUnexported(call{})); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestContainerNotFound(t *testing.T) {
	f := &fakeRunner{}
	c := NewContainer("amnezia-awg", f.run)
	_, err := c.Run(context.Background(), "true")
	if !errors.Is(err, ErrContainerNotFound) {
		t.Fatalf("got %v, want ErrContainerNotFound", err)
	}
}

func TestContainerResetOnMissingContainer(t *testing.T) {
	gone := true
	f := &fakeRunner{respond: func(name string, args []string) ([]byte, []byte, error) {
		if args[0] == "ps" {
			return []byte("abc123"), nil, nil
		}
		if gone {
			return nil, []byte("Error: No such container: abc123"), errors.New("exit status 1")
		}
		return []byte("ok"), nil, nil
	}}
	c := NewContainer("amnezia-awg", f.run)

	_, err := c.Run(context.Background(), "true")
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("got %v, want *ExecError", err)
	}
	if !strings.Contains(execErr.Error(), "No such container") {
		t.Fatalf("stderr not carried: %v", execErr)
	}

	gone = false
	if _, err := c.Run(context.Background(), "true"); err != nil {
		t.Fatalf("Run after reset: %v", err)
	}
	ps := 0
	for _, cl := range f.calls {
		if cl.args[0] == "ps" {
			ps++
		}
	}
	if ps != 2 {
		t.Fatalf("container id resolved %d times, want 2", ps)
	}
}

func TestContainerWriteFile(t *testing.T) {
	var staged string
	f := &fakeRunner{respond: func(name string, args []string) ([]byte, []byte, error) {
		switch args[0] {
		case "ps":
			return []byte("abc123"), nil, nil
		case "cp":
			data, err := os.ReadFile(args[1])
			if err != nil {
				t.Fatalf("staged file unreadable: %v", err)
			}
			staged = string(data)
		}
		return nil, nil, nil
	}}
	c := NewContainer("amnezia-awg", f.run)

	if err := c.WriteFile(context.Background(), "/opt/amnezia/awg/wg0.conf", []byte("[Interface]\n")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if staged != "[Interface]\n" {
		t.Fatalf("staged content %q", staged)
	}
	last := f.calls[len(f.calls)-1]
	want := []string{"exec", "abc123", "bash", "-c", "mv -f /opt/amnezia/awg/wg0.conf.tmp /opt/amnezia/awg/wg0.conf"}
	if diff := cmp.Diff(want, last.args); diff != "" {
		t.Fatalf("rename command mismatch (-want +got):\n%s", diff)
	}
	cp := f.calls[len(f.calls)-2]
	if cp.args[2] != "abc123:/opt/amnezia/awg/wg0.conf.tmp" {
		t.Fatalf("docker cp target = %q", cp.args[2])
	}
}

func TestLocalRun(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	l := NewLocal(nil)

	out, err := l.Run(context.Background(), "printf '  hi  \\n'")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "hi" {
		t.Fatalf("got %q, want %q", out, "hi")
	}

	_, err = l.Run(context.Background(), "echo boom >&2; exit 3")
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("got %v, want *ExecError", err)
	}
	if execErr.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", execErr.ExitCode)
	}
	if strings.TrimSpace(execErr.Stderr) != "boom" {
		t.Fatalf("stderr = %q", execErr.Stderr)
	}
}

func TestLocalFiles(t *testing.T) {
	l := NewLocal(nil)
	path := filepath.Join(t.TempDir(), "clientsTable")

	if err := l.WriteFile(context.Background(), path, []byte("[]\n")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	data, err := l.ReadFile(context.Background(), path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "[]\n" {
		t.Fatalf("got %q", data)
	}
}
