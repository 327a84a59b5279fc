package cli

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/linechat/internal/server"
	"github.com/Tyrowin/linechat/internal/testhelpers"
)

// syncBuffer lets the relay log from its goroutines while the test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// executeCLI runs the root command without picking up a .env file from the
// working directory.
func executeCLI(ctx context.Context, t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	var stdout, stderr syncBuffer
	cmd := newCommand(append(args, "--"+flagEnvFile, ""))
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)

	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestMissingPortPrintsUsage(t *testing.T) {
	_, stderr, err := executeCLI(context.Background(), t)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing port")
	assert.Contains(t, err.Error(), "Usage: linechat <port>")
	assert.Contains(t, stderr, "Usage: linechat <port>")
}

func TestTooManyArguments(t *testing.T) {
	_, _, err := executeCLI(context.Background(), t, "5000", "6000")

	assert.ErrorContains(t, err, "too many arguments")
}

func TestInvalidPort(t *testing.T) {
	_, stderr, err := executeCLI(context.Background(), t, "not-a-port")

	require.Error(t, err)
	assert.Equal(t, `invalid port number "not-a-port"`, err.Error())
	assert.Contains(t, stderr, "invalid port number")
}

func TestPortInUseFailsWithBindError(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()
	port := strconv.Itoa(occupied.Addr().(*net.TCPAddr).Port)

	_, stderr, err := executeCLI(context.Background(), t, port, "--host", "127.0.0.1")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "bind 127.0.0.1:"+port)
	assert.Contains(t, stderr, "unable to bind")
}

func TestNegativePortFailsToBind(t *testing.T) {
	_, stderr, err := executeCLI(context.Background(), t, "-1", "--host", "127.0.0.1")

	var bindErr *server.BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Equal(t, "127.0.0.1:-1", bindErr.Addr)
	assert.NotContains(t, err.Error(), "shorthand")
	assert.Contains(t, stderr, "unable to bind")
}

func TestPositionalNegatives(t *testing.T) {
	flags := newRootCmd().Flags()

	tests := []struct {
		name string
		args []string
		want []string
	}{
		{"negative port", []string{"-1"}, []string{"--", "-1"}},
		{"after bool flag", []string{"--debug", "-5"}, []string{"--debug", "--", "-5"}},
		{"flag value", []string{"5000", "--max-clients", "-1"}, []string{"5000", "--max-clients", "-1"}},
		{"inline flag value", []string{"--max-clients=-1", "5000"}, []string{"--max-clients=-1", "5000"}},
		{"existing terminator", []string{"-1", "--", "x"}, []string{"--", "-1", "x"}},
		{"nothing to move", []string{"5000"}, []string{"5000"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, positionalNegatives(flags, tt.args))
		})
	}
}

func TestUnknownNamingPolicy(t *testing.T) {
	_, _, err := executeCLI(context.Background(), t, "0", "--naming", "random")

	assert.ErrorContains(t, err, "unknown naming policy")
}

func TestVersionCommand(t *testing.T) {
	var stdout bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs([]string{"version"})
	cmd.SetOut(&stdout)

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "linechat "+Version+"\n", stdout.String())
}

// TestRelayRunsUntilCancelled starts the relay through the command line,
// exchanges a line over TCP, and stops it by cancelling the context.
func TestRelayRunsUntilCancelled(t *testing.T) {
	port := freePort(t)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	var stderr string
	go func() {
		var err error
		_, stderr, err = executeCLI(ctx, t, strconv.Itoa(port), "--host", "127.0.0.1", "--naming", "sequence")
		done <- err
	}()

	var client *testhelpers.LineClient
	require.Eventually(t, func() bool {
		c, err := testhelpers.Dial(addr)
		if err != nil {
			return false
		}
		client = c
		return true
	}, testhelpers.ReadTimeout, 10*time.Millisecond)
	defer client.Close()

	client.Send(t, "hello relay")
	assert.Equal(t, "User 1 : hello relay", client.ReadLine(t))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop after cancellation")
	}
	assert.Contains(t, stderr, "server started")
	assert.Contains(t, stderr, "shutdown complete")
}

func TestConfigFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "linechat.toml")
	require.NoError(t, os.WriteFile(configPath, []byte("naming = \"bogus\"\n"), 0o600))

	_, _, err := executeCLI(context.Background(), t, "0", "--config", configPath)
	assert.ErrorContains(t, err, "unknown naming policy", "config file values are applied")

	t.Setenv("LINECHAT_NAMING", "also-bogus")
	_, _, err = executeCLI(context.Background(), t, "0")
	assert.ErrorContains(t, err, `"also-bogus"`, "environment values are applied")
}
