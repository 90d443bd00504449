package hba

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Execute(t *testing.T) {
	port := NewTestablePort("ok\n\\")
	client := NewClient(NewConn(port), nil)

	err := client.Execute(context.Background(), "hbaset hba_sonar ctrl 1")
	require.NoError(t, err)
	assert.Equal(t, "hbaset hba_sonar ctrl 1\n", port.Written())
}

func TestClient_ExecuteKeepsExistingNewline(t *testing.T) {
	port := NewTestablePort("\\")
	client := NewClient(NewConn(port), nil)

	require.NoError(t, client.Execute(context.Background(), "hbaset hba_basicio leds ff\n"))
	assert.Equal(t, "hbaset hba_basicio leds ff\n", port.Written())
}

func TestClient_Query(t *testing.T) {
	port := NewTestablePort("0c\n\\1f\n\\")
	port.ChunkSize = 1
	client := NewClient(NewConn(port), nil)
	ctx := context.Background()

	got, err := client.Query(ctx, GetCommand("hba_sonar", "sonar0"))
	require.NoError(t, err)
	assert.Equal(t, "0c", got)

	got, err = client.Query(ctx, GetCommand("hba_sonar", "sonar0"))
	require.NoError(t, err)
	assert.Equal(t, "1f", got)

	assert.Equal(t, "hbaget hba_sonar sonar0\nhbaget hba_sonar sonar0\n", port.Written())
}

func TestClient_QueryPeerClosed(t *testing.T) {
	port := NewTestablePort("0c")
	client := NewClient(NewConn(port), nil)

	_, err := client.Query(context.Background(), "hbaget hba_sonar sonar0")
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.Contains(t, err.Error(), "hbaget hba_sonar sonar0")
}

func TestClient_CanceledBeforeSend(t *testing.T) {
	port := NewTestablePort("\\")
	client := NewClient(NewConn(port), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := client.Execute(ctx, "hbaset hba_sonar ctrl 1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, port.Written())
}

func TestClient_CancelUnblocksRead(t *testing.T) {
	port := NewTestablePort("")
	port.BlockReads = true
	client := NewClient(NewConn(port), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := client.Query(ctx, "hbaget hba_sonar sonar0")
		done <- err
	}()

	require.Eventually(t, func() bool { return port.Written() != "" }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.True(t, port.IsClosed(), "cancellation should close the port")
	case <-time.After(2 * time.Second):
		t.Fatal("Query did not return after cancellation")
	}
}

func TestClient_Close(t *testing.T) {
	port := NewTestablePort("")
	client := NewClient(NewConn(port), nil)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	assert.Equal(t, 1, port.CloseCalls)

	err := client.Execute(context.Background(), "hbaset hba_sonar ctrl 0")
	var ioErr *IOError
	require.True(t, errors.As(err, &ioErr))
	assert.ErrorIs(t, err, ErrPortClosed)
}

func TestCommandBuilders(t *testing.T) {
	assert.Equal(t, "hbaset hba_basicio leds 7f", SetCommand("hba_basicio", "leds", "7f"))
	assert.Equal(t, "hbaget hba_sonar sonar0", GetCommand("hba_sonar", "sonar0"))
}
