package supervisor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type exitCode int

func (e exitCode) Error() string { return "exit" }
func (e exitCode) ExitCode() int { return int(e) }

func TestNewExitError(t *testing.T) {
	require.Equal(t, 0, newExitError(nil).Code)

	exit := newExitError(exitCode(3))
	require.Equal(t, 3, exit.Code)
	require.ErrorIs(t, exit, exitCode(3))
	require.EqualError(t, exit, "mcp process exited with code 3")

	require.Equal(t, -1, newExitError(errors.New("boom")).Code)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "crashed", StateCrashed.String())
	require.Equal(t, "unknown", State(42).String())
}
