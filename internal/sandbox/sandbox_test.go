package sandbox

import (
	"bytes"
	"strings"
	"testing"
)

func TestMountFlag(t *testing.T) {
	tests := []struct {
		name  string
		mount Mount
		want  string
	}{
		{"read-write", Mount{HostPath: "/ws/testbed", ContainerPath: "/testbed"}, "/ws/testbed:/testbed"},
		{"read-only", Mount{HostPath: "/data", ContainerPath: "/data", ReadOnly: true}, "/data:/data:ro"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.mount.Flag(); got != tc.want {
				t.Errorf("Flag() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestResolveMountsWorkspaceWins(t *testing.T) {
	workspace := []Mount{
		{HostPath: "/ws/testbed", ContainerPath: "/testbed"},
		{HostPath: "/ws/outputs", ContainerPath: "/outputs"},
	}
	extra := []Mount{
		{HostPath: "/elsewhere", ContainerPath: "/testbed"}, // conflicts, must lose
		{HostPath: "/shadow", ContainerPath: "/outputs"},    // conflicts, must lose
		{HostPath: "/cache", ContainerPath: "/cache"},
	}

	resolved := ResolveMounts(workspace, extra)

	if len(resolved) != 3 {
		t.Fatalf("got %d mounts, want 3: %v", len(resolved), resolved)
	}
	if resolved[0].HostPath != "/ws/testbed" || resolved[0].ContainerPath != "/testbed" {
		t.Errorf("workspace testbed mount did not win: %v", resolved[0])
	}
	if resolved[1].HostPath != "/ws/outputs" || resolved[1].ContainerPath != "/outputs" {
		t.Errorf("workspace outputs mount did not win: %v", resolved[1])
	}
	if resolved[2].HostPath != "/cache" {
		t.Errorf("non-conflicting extra mount dropped: %v", resolved)
	}
}

func TestResolveMountsDeterministicOrder(t *testing.T) {
	workspace := []Mount{{HostPath: "/a", ContainerPath: "/a"}}
	extra := []Mount{
		{HostPath: "/b", ContainerPath: "/b"},
		{HostPath: "/c", ContainerPath: "/c"},
	}

	first := ResolveMounts(workspace, extra)
	second := ResolveMounts(workspace, extra)

	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("ordering not deterministic: %v vs %v", first, second)
		}
	}
}

func TestLimitedWriterCapsAndFlags(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, remaining: 10}

	n, err := lw.Write([]byte("0123456789abcdef"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	// Reports full consumption so the producing process never sees an error.
	if n != 16 {
		t.Errorf("n = %d, want 16", n)
	}
	if buf.String() != "0123456789" {
		t.Errorf("captured %q, want first 10 bytes", buf.String())
	}
	if !lw.truncated {
		t.Error("truncated flag not set")
	}

	// Further writes are discarded entirely.
	if _, err := lw.Write([]byte("more")); err != nil {
		t.Fatalf("Write after cap: %v", err)
	}
	if buf.Len() != 10 {
		t.Errorf("writer accepted data past the cap: %d bytes", buf.Len())
	}
}

func TestLimitedWriterUnderCap(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, remaining: 100}

	if _, err := lw.Write([]byte("short")); err != nil {
		t.Fatal(err)
	}
	if lw.truncated {
		t.Error("truncated flag set without hitting the cap")
	}
}

func TestBuildExecArgs(t *testing.T) {
	r := NewApptainerRuntime(ApptainerConfig{}, discardLogger())

	req := ExecutionRequest{
		ImagePath:  "/images/instance.sif",
		Command:    "python -m pytest",
		WorkingDir: "/testbed",
		Mounts: []Mount{
			{HostPath: "/ws/testbed", ContainerPath: "/testbed"},
			{HostPath: "/ws/outputs", ContainerPath: "/outputs"},
		},
	}

	args := r.buildExecArgs(req)
	joined := strings.Join(args, " ")

	if args[0] != "exec" {
		t.Errorf("args[0] = %q, want exec", args[0])
	}
	// Mount order preserved.
	testbedIdx := strings.Index(joined, "/ws/testbed:/testbed")
	outputsIdx := strings.Index(joined, "/ws/outputs:/outputs")
	if testbedIdx == -1 || outputsIdx == -1 || testbedIdx > outputsIdx {
		t.Errorf("bind mounts missing or reordered: %q", joined)
	}
	if !strings.Contains(joined, "--pwd /testbed") {
		t.Errorf("working directory not pinned: %q", joined)
	}
	// Login shell wrap, command last.
	if args[len(args)-3] != "/bin/bash" || args[len(args)-2] != "-lc" || args[len(args)-1] != "python -m pytest" {
		t.Errorf("command not wrapped in login shell: %v", args[len(args)-3:])
	}
	// Image before the shell.
	if args[len(args)-4] != "/images/instance.sif" {
		t.Errorf("image not placed before command: %v", args)
	}
}
