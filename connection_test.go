package qconn

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func dialOpts(addr string) Options {
	host, port := "", 0
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err == nil {
		host = tcpAddr.IP.String()
		port = tcpAddr.Port
	}
	return Options{Host: host, Port: port, Timeout: 2 * time.Second, Metrics: NewMetrics()}
}

func TestConnectPerformsHandshakeAndOpens(t *testing.T) {
	addr, stop := startStubServer(t, func(t *testing.T, conn net.Conn) {
		defer conn.Close()
		require.NoError(t, stubHandshake(conn))
		<-make(chan struct{}) // hold the connection open until the test closes it
	})
	defer stop()

	conn, err := Connect(context.Background(), dialOpts(addr))
	require.NoError(t, err)
	require.True(t, conn.IsOpen())
	require.NoError(t, conn.Close(CloseOpts{NoreplyWait: false}))
	require.False(t, conn.IsOpen())
}

func TestRunAtomQueryRoundTrip(t *testing.T) {
	addr, stop := startStubServer(t, func(t *testing.T, conn net.Conn) {
		defer conn.Close()
		require.NoError(t, stubHandshake(conn))
		token, qt, _, _, err := stubReadRequest(conn)
		require.NoError(t, err)
		require.Equal(t, int(QueryStart), qt)
		require.NoError(t, stubWriteResponse(conn, token, SuccessAtom, []interface{}{float64(42)}, nil))
	})
	defer stop()

	conn, err := Connect(context.Background(), dialOpts(addr))
	require.NoError(t, err)
	defer conn.Close(CloseOpts{NoreplyWait: false})

	result, err := conn.Run(context.Background(), []interface{}{"add", 40, 2}, RunOpts{}, nil)
	require.NoError(t, err)
	require.Nil(t, result.Cursor)
	require.Equal(t, float64(42), result.Value)
}

func TestRunSequenceReturnsCursorThatDrainsThenStops(t *testing.T) {
	addr, stop := startStubServer(t, func(t *testing.T, conn net.Conn) {
		defer conn.Close()
		require.NoError(t, stubHandshake(conn))
		token, _, _, _, err := stubReadRequest(conn)
		require.NoError(t, err)
		require.NoError(t, stubWriteResponse(conn, token, SuccessSequence, []interface{}{float64(1), float64(2), float64(3)}, nil))
	})
	defer stop()

	conn, err := Connect(context.Background(), dialOpts(addr))
	require.NoError(t, err)
	defer conn.Close(CloseOpts{NoreplyWait: false})

	result, err := conn.Run(context.Background(), []interface{}{"table", "people"}, RunOpts{}, nil)
	require.NoError(t, err)
	require.NotNil(t, result.Cursor)

	var got []interface{}
	for {
		v, err := result.Cursor.Next(context.Background(), -1)
		if err != nil {
			require.ErrorIs(t, err, errStopIteration)
			break
		}
		got = append(got, v)
	}
	require.Equal(t, []interface{}{float64(1), float64(2), float64(3)}, got)
}

func TestRunPartialCursorIssuesContinueAutomatically(t *testing.T) {
	addr, stop := startStubServer(t, func(t *testing.T, conn net.Conn) {
		defer conn.Close()
		require.NoError(t, stubHandshake(conn))

		token, qt, _, _, err := stubReadRequest(conn)
		require.NoError(t, err)
		require.Equal(t, int(QueryStart), qt)
		require.NoError(t, stubWriteResponse(conn, token, SuccessPartial, []interface{}{float64(1), float64(2)}, nil))

		token2, qt2, _, _, err := stubReadRequest(conn)
		require.NoError(t, err)
		require.Equal(t, token, token2)
		require.Equal(t, int(QueryContinue), qt2)
		require.NoError(t, stubWriteResponse(conn, token2, SuccessSequence, []interface{}{float64(3)}, nil))
	})
	defer stop()

	conn, err := Connect(context.Background(), dialOpts(addr))
	require.NoError(t, err)
	defer conn.Close(CloseOpts{NoreplyWait: false})

	result, err := conn.Run(context.Background(), []interface{}{"table", "events"}, RunOpts{}, nil)
	require.NoError(t, err)
	require.NotNil(t, result.Cursor)

	var got []interface{}
	for {
		v, err := result.Cursor.Next(context.Background(), -1)
		if err != nil {
			require.ErrorIs(t, err, errStopIteration)
			break
		}
		got = append(got, v)
	}
	require.Equal(t, []interface{}{float64(1), float64(2), float64(3)}, got)
}

func TestRunNoreplyDoesNotWaitForResponse(t *testing.T) {
	received := make(chan struct{})
	addr, stop := startStubServer(t, func(t *testing.T, conn net.Conn) {
		defer conn.Close()
		require.NoError(t, stubHandshake(conn))
		_, qt, _, opts, err := stubReadRequest(conn)
		require.NoError(t, err)
		require.Equal(t, int(QueryStart), qt)
		optsMap, _ := opts.(map[string]interface{})
		require.Equal(t, true, optsMap["noreply"])
		close(received)
		<-make(chan struct{})
	})
	defer stop()

	conn, err := Connect(context.Background(), dialOpts(addr))
	require.NoError(t, err)
	defer conn.Close(CloseOpts{NoreplyWait: false})

	result, err := conn.Run(context.Background(), []interface{}{"insert"}, RunOpts{Noreply: true}, nil)
	require.NoError(t, err)
	require.Nil(t, result.Cursor)
	require.Nil(t, result.Value)

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed the noreply request")
	}
}

func TestCloseWakesBlockingWaiterWithConnectionClosed(t *testing.T) {
	addr, stop := startStubServer(t, func(t *testing.T, conn net.Conn) {
		defer conn.Close()
		require.NoError(t, stubHandshake(conn))
		_, _, _, _, _ = stubReadRequest(conn)
		<-make(chan struct{}) // never respond
	})
	defer stop()

	conn, err := Connect(context.Background(), dialOpts(addr))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Run(context.Background(), []interface{}{"wait-forever"}, RunOpts{}, nil)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, conn.Close(CloseOpts{NoreplyWait: false}))

	select {
	case err := <-errCh:
		require.Error(t, err)
		require.IsType(t, &ConnectionClosed{}, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run never returned after Close")
	}
	stop()
}

func TestReaderFatalDeliversSyntheticClientError(t *testing.T) {
	addr, stop := startStubServer(t, func(t *testing.T, conn net.Conn) {
		require.NoError(t, stubHandshake(conn))
		_, _, _, _, _ = stubReadRequest(conn)
		conn.Close() // abrupt close instead of a response
	})
	defer stop()

	conn, err := Connect(context.Background(), dialOpts(addr))
	require.NoError(t, err)
	defer conn.Close(CloseOpts{NoreplyWait: false})

	_, err = conn.Run(context.Background(), []interface{}{"boom"}, RunOpts{}, nil)
	require.Error(t, err)
	var serr *ServerError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, ClientErrorType, serr.Type)
	require.Contains(t, serr.Message, "Connection closed")
}

func TestReconnectInvalidatesCursorsCreatedBeforeIt(t *testing.T) {
	var connNum int32
	addr, stop := startStubServer(t, func(t *testing.T, conn net.Conn) {
		defer conn.Close()
		if err := stubHandshake(conn); err != nil {
			return
		}
		n := atomic.AddInt32(&connNum, 1)
		if n == 1 {
			token, qt, _, _, err := stubReadRequest(conn)
			if err != nil || qt != int(QueryStart) {
				return
			}
			_ = stubWriteResponse(conn, token, SuccessPartial, []interface{}{"first"}, nil)
			// The auto-prefetch CONTINUE; left unanswered since the test
			// reconnects before it would ever be satisfied.
			_, _, _, _, _ = stubReadRequest(conn)
		}
		// Block until the client tears this connection down: the
		// Reconnect's close for the first connection, the test's final
		// Close for the second.
		var b [1]byte
		_, _ = conn.Read(b[:])
	})
	defer stop()

	conn, err := Connect(context.Background(), dialOpts(addr))
	require.NoError(t, err)
	defer conn.Close(CloseOpts{NoreplyWait: false})

	result, err := conn.Run(context.Background(), []interface{}{"table", "t"}, RunOpts{}, nil)
	require.NoError(t, err)
	require.NotNil(t, result.Cursor)

	v, err := result.Cursor.Next(context.Background(), -1)
	require.NoError(t, err)
	require.Equal(t, "first", v)

	require.NoError(t, conn.Reconnect(context.Background(), CloseOpts{NoreplyWait: false}))

	_, err = result.Cursor.Next(context.Background(), -1)
	require.Error(t, err)
	require.IsType(t, &ConnectionClosed{}, err)
}
