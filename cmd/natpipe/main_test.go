package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opd-ai/natpipe/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestKeygenWritesIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id.key")

	out, err := execute(t, "keygen", "--out", path)
	require.NoError(t, err)

	id, err := crypto.LoadIdentity(path, nil)
	require.NoError(t, err)
	assert.Equal(t, id.PublicKey().String(), strings.TrimSpace(out))

	_, err = execute(t, "keygen", "--out", path)
	assert.Error(t, err, "existing identity must not be replaced silently")
	_, err = execute(t, "keygen", "--out", path, "--force")
	require.NoError(t, err)
	replaced, err := crypto.LoadIdentity(path, nil)
	require.NoError(t, err)
	assert.NotEqual(t, id.PublicKey(), replaced.PublicKey())
}

func TestKeygenSealsWithConfiguredPassphrase(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "natpipe.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(
		"identity_file: sealed.key\nidentity_passphrase_env: NATPIPE_CMD_TEST_PASS\n"), 0o600))
	t.Setenv("NATPIPE_CMD_TEST_PASS", "correct horse")

	_, err := execute(t, "--config", cfgPath, "keygen")
	require.NoError(t, err)

	keyPath := filepath.Join(dir, "sealed.key")
	_, err = crypto.LoadIdentity(keyPath, nil)
	assert.Error(t, err)
	_, err = crypto.LoadIdentity(keyPath, []byte("correct horse"))
	assert.NoError(t, err)
}

func TestRootRejectsBadLogLevel(t *testing.T) {
	_, err := execute(t, "--log-level", "chatty", "discover")
	assert.Error(t, err)
}

func TestConnectNeedsRelayAndToken(t *testing.T) {
	_, err := execute(t, "connect")
	assert.Error(t, err)

	_, err = execute(t, "connect", "--token", "room")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no relay address")

	_, err = execute(t, "connect", "--token", "room", "--relay", "127.0.0.1:1", "--peer-key", "zz")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--peer-key")
}

func TestBridgeCopiesBothWays(t *testing.T) {
	local, remote := net.Pipe()
	inR, inW := io.Pipe()
	t.Cleanup(func() { inW.Close() })
	var out bytes.Buffer

	done := make(chan error, 1)
	go func() { done <- bridge(context.Background(), local, inR, &out) }()

	go inW.Write([]byte("ping"))
	buf := make([]byte, 4)
	_, err := io.ReadFull(remote, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	_, err = remote.Write([]byte("pong"))
	require.NoError(t, err)
	require.NoError(t, remote.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not finish")
	}
	assert.Equal(t, "pong", out.String())
}

func TestBridgeStopsOnCancel(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	inR, inW := io.Pipe()
	defer inW.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bridge(ctx, local, inR, io.Discard) }()

	cancel()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bridge ignored cancellation")
	}
}
