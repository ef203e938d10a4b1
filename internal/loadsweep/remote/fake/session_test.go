package fake

import (
	"bytes"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/loadsweep/internal/loadsweep/remote"
)

func exitStatus(t *testing.T, p remote.Process) int {
	t.Helper()
	err := p.Wait()
	if err == nil {
		return 0
	}
	var exitErr *remote.ExitError
	require.True(t, errors.As(err, &exitErr), "unexpected error %v", err)
	return exitErr.Status
}

func TestSession_KillallReleasesNamedPrograms(t *testing.T) {
	s := NewSession("server")
	s.OnCommand("iokerneld ias", Reply{UntilKilled: true})
	s.OnCommand("swaptionsGC.config -ns", Reply{UntilKilled: true})

	iok, err := s.Start("cd ~/a/caladan && sudo ./iokerneld ias 0,1 2>&1 | ts %s > iokernel.node-0.log", nil, nil)
	require.NoError(t, err)
	swaptions, err := s.Start("cd ~/a && export SHMKEY=102 && bin/swaptions swaptionsGC.config -ns 5 > swaptionsGC.out", nil, nil)
	require.NoError(t, err)
	assert.Len(t, s.Running(), 2)

	pidof, err := s.Start("pidof iokerneld", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, exitStatus(t, pidof))

	kill, err := s.Start("sudo killall -9 iokerneld", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, exitStatus(t, kill))
	assert.Equal(t, KilledStatus, exitStatus(t, iok))
	assert.Len(t, s.Running(), 1)

	again, err := s.Start("sudo killall -9 iokerneld", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, exitStatus(t, again))

	require.NoError(t, swaptions.Signal("KILL"))
	assert.Equal(t, KilledStatus, exitStatus(t, swaptions))
	assert.Empty(t, s.Running())
}

func TestSession_Files(t *testing.T) {
	s := NewSession("client")
	up, err := s.Start("mkdir -p artifact && cat > artifact/client.config", strings.NewReader("host_addr 1.2.3.4\n"), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, exitStatus(t, up))

	var out bytes.Buffer
	down, err := s.Start("cat artifact/client.config", nil, &out)
	require.NoError(t, err)
	assert.Equal(t, 0, exitStatus(t, down))
	assert.Equal(t, "host_addr 1.2.3.4\n", out.String())

	rm, err := s.Start("rm -f artifact/client.config artifact/other", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, exitStatus(t, rm))
	_, ok := s.File("artifact/client.config")
	assert.False(t, ok)

	missing, err := s.Start("cat artifact/client.config", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, exitStatus(t, missing))
}

func TestSession_RulesAndClose(t *testing.T) {
	s := NewSession("client")
	s.OnCommand("make", Reply{Status: 2, Stderr: "boom"})
	s.OnCommand("make -C bindings/cc", Reply{Status: 0})

	p, err := s.Start("make -C bindings/cc", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, exitStatus(t, p))

	p, err = s.Start("make clean", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, exitStatus(t, p))

	require.NoError(t, s.Close())
	assert.True(t, s.Closed())
	_, err = s.Start("true", nil, nil)
	assert.Error(t, err)
	assert.Equal(t, []string{"make -C bindings/cc", "make clean"}, s.Commands())
}
