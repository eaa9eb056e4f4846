package broker

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/enclave/internal/netconn"
	"github.com/GriffinCanCode/enclave/internal/policy"
	"github.com/GriffinCanCode/enclave/internal/shared/types"
)

func startEcho(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return uint16(port)
}

func TestNetworkBrokerRoundTrip(t *testing.T) {
	port := startEcho(t)
	conns := netconn.NewManager(policy.PermissiveNetConfig(), nil)
	b := NewNetworkBroker(conns, nil, nil)

	requests := make(chan types.NetRequest)
	done := make(chan struct{})
	go func() {
		b.Run(context.Background(), requests)
		close(done)
	}()

	connected := make(chan types.HandleReply, 1)
	requests <- types.TCPConnect{Host: "127.0.0.1", Port: port, Reply: connected}
	conn := <-connected
	require.Nil(t, conn.Err)

	written := make(chan types.WriteReply, 1)
	requests <- types.TCPWrite{Handle: conn.Handle, Data: []byte("hello"), Reply: written}
	w := <-written
	require.Nil(t, w.Err)
	assert.Equal(t, 5, w.N)

	read := make(chan types.ReadReply, 1)
	requests <- types.TCPRead{Handle: conn.Handle, Len: 5, Reply: read}
	r := <-read
	require.Nil(t, r.Err)
	assert.Equal(t, "hello", string(r.Data))

	upgrade := make(chan types.HandleReply, 1)
	requests <- types.TLSUpgrade{TCPHandle: 9999, Hostname: "example.com", Reply: upgrade}
	u := <-upgrade
	require.NotNil(t, u.Err)
	assert.Equal(t, types.NetErrInvalidHandle, u.Err.Kind)

	close(requests)
	<-done
	assert.Equal(t, 0, conns.Open(), "connections are closed when the broker exits")
}

func TestNetworkBrokerPolicyError(t *testing.T) {
	conns := netconn.NewManager(policy.DefaultNetConfig(), nil)
	b := NewNetworkBroker(conns, nil, nil)

	requests := make(chan types.NetRequest, 2)
	reply := make(chan types.HandleReply, 1)
	requests <- types.TCPConnect{Host: "localhost", Port: 80, Reply: reply}
	requests <- types.TCPClose{Handle: 77}
	close(requests)

	b.Run(context.Background(), requests)

	got := <-reply
	require.NotNil(t, got.Err)
	assert.Equal(t, types.NetErrNotPermitted, got.Err.Kind)
	assert.Zero(t, got.Handle)
}
