package qconn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCursorEachDrainsAllRowsThenRejectsSecondCall(t *testing.T) {
	addr, stop := startStubServer(t, func(t *testing.T, conn net.Conn) {
		defer conn.Close()
		require.NoError(t, stubHandshake(conn))
		token, _, _, _, err := stubReadRequest(conn)
		require.NoError(t, err)
		require.NoError(t, stubWriteResponse(conn, token, SuccessSequence, []interface{}{"a", "b"}, nil))
	})
	defer stop()

	conn, err := Connect(context.Background(), dialOpts(addr))
	require.NoError(t, err)
	defer conn.Close(CloseOpts{NoreplyWait: false})

	result, err := conn.Run(context.Background(), []interface{}{"table", "t"}, RunOpts{}, nil)
	require.NoError(t, err)

	var got []interface{}
	require.NoError(t, result.Cursor.Each(context.Background(), func(v interface{}) error {
		got = append(got, v)
		return nil
	}))
	require.Equal(t, []interface{}{"a", "b"}, got)

	err = result.Cursor.Each(context.Background(), func(interface{}) error { return nil })
	require.Error(t, err)
	require.IsType(t, &DriverInternalError{}, err)
}

func TestCursorCloseIsNoopWhenSequenceAlreadyComplete(t *testing.T) {
	addr, stop := startStubServer(t, func(t *testing.T, conn net.Conn) {
		defer conn.Close()
		require.NoError(t, stubHandshake(conn))
		token, _, _, _, err := stubReadRequest(conn)
		require.NoError(t, err)
		require.NoError(t, stubWriteResponse(conn, token, SuccessSequence, []interface{}{"only"}, nil))
		// A SUCCESS_SEQUENCE cursor has nothing left to stop, so Close
		// must not dispatch a STOP frame here.
	})
	defer stop()

	conn, err := Connect(context.Background(), dialOpts(addr))
	require.NoError(t, err)
	defer conn.Close(CloseOpts{NoreplyWait: false})

	result, err := conn.Run(context.Background(), []interface{}{"table", "t"}, RunOpts{}, nil)
	require.NoError(t, err)

	first, err := result.Cursor.Close()
	require.NoError(t, err)
	require.False(t, first)

	second, err := result.Cursor.Close()
	require.NoError(t, err)
	require.False(t, second)
}

func TestCursorCloseSendsStopAndReturnsTrueWhenMoreIsOutstanding(t *testing.T) {
	stopReceived := make(chan struct{})
	addr, stop := startStubServer(t, func(t *testing.T, conn net.Conn) {
		defer conn.Close()
		require.NoError(t, stubHandshake(conn))
		token, _, _, _, err := stubReadRequest(conn)
		require.NoError(t, err)
		require.NoError(t, stubWriteResponse(conn, token, SuccessPartial, []interface{}{"only"}, nil))

		// The auto-prefetch CONTINUE; left unanswered, it is still
		// outstanding when Close runs.
		_, qt, _, _, err := stubReadRequest(conn)
		require.NoError(t, err)
		require.Equal(t, int(QueryContinue), qt)

		_, qt, _, _, err = stubReadRequest(conn)
		require.NoError(t, err)
		require.Equal(t, int(QueryStop), qt)
		close(stopReceived)
	})
	defer stop()

	conn, err := Connect(context.Background(), dialOpts(addr))
	require.NoError(t, err)
	defer conn.Close(CloseOpts{NoreplyWait: false})

	result, err := conn.Run(context.Background(), []interface{}{"table", "t"}, RunOpts{}, nil)
	require.NoError(t, err)

	first, err := result.Cursor.Close()
	require.NoError(t, err)
	require.True(t, first)

	select {
	case <-stopReceived:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Close to dispatch a STOP frame")
	}

	second, err := result.Cursor.Close()
	require.NoError(t, err)
	require.False(t, second)
}

func TestCursorNextNoWaitReturnsTimeoutWhenNothingBuffered(t *testing.T) {
	addr, stop := startStubServer(t, func(t *testing.T, conn net.Conn) {
		defer conn.Close()
		require.NoError(t, stubHandshake(conn))
		token, _, _, _, err := stubReadRequest(conn)
		require.NoError(t, err)
		require.NoError(t, stubWriteResponse(conn, token, SuccessPartial, []interface{}{"first"}, nil))
		// Never answer the CONTINUE, so the second batch never arrives.
		_, _, _, _, _ = stubReadRequest(conn)
		<-make(chan struct{})
	})
	defer stop()

	conn, err := Connect(context.Background(), dialOpts(addr))
	require.NoError(t, err)
	defer conn.Close(CloseOpts{NoreplyWait: false})

	result, err := conn.Run(context.Background(), []interface{}{"table", "t"}, RunOpts{}, nil)
	require.NoError(t, err)

	v, err := result.Cursor.Next(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, "first", v)

	_, err = result.Cursor.Next(context.Background(), 0)
	require.Error(t, err)
	require.IsType(t, &TimeoutError{}, err)
}

func TestCursorNextTimedWaitExpires(t *testing.T) {
	addr, stop := startStubServer(t, func(t *testing.T, conn net.Conn) {
		defer conn.Close()
		require.NoError(t, stubHandshake(conn))
		token, _, _, _, err := stubReadRequest(conn)
		require.NoError(t, err)
		require.NoError(t, stubWriteResponse(conn, token, SuccessPartial, nil, nil))
		_, _, _, _, _ = stubReadRequest(conn)
		<-make(chan struct{})
	})
	defer stop()

	conn, err := Connect(context.Background(), dialOpts(addr))
	require.NoError(t, err)
	defer conn.Close(CloseOpts{NoreplyWait: false})

	result, err := conn.Run(context.Background(), []interface{}{"table", "t"}, RunOpts{}, nil)
	require.NoError(t, err)

	_, err = result.Cursor.Next(context.Background(), 100*time.Millisecond)
	require.Error(t, err)
	require.IsType(t, &TimeoutError{}, err)
}
