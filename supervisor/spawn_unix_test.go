//go:build unix

package supervisor_test

import (
	"os/exec"
	"testing"
	"time"

	"github.com/ggoodman/mcp-sse-bridge/supervisor"
	"github.com/stretchr/testify/require"
)

func TestExecSpawner_ChildIgnoringSIGTERMIsKilled(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	s, stop := startSupervisor(t, supervisor.Config{
		Spawner:   supervisor.ExecSpawner{Command: "sh", Args: []string{"-c", `trap "" TERM; sleep 20`}},
		KillGrace: 100 * time.Millisecond,
	})

	require.Eventually(t, s.Running, 2*time.Second, 5*time.Millisecond)
	// Let sh install the trap before it is signalled.
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	stop()
	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, supervisor.StateStopped, s.State())
}
