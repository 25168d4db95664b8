package loop

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evolix/uvrrpd-go/vrrp/vtimer"
)

func pipePair(t *testing.T) (r, w *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { r.Close(); w.Close() })
	return r, w
}

func TestWaitReturnsTimerOnExpiry(t *testing.T) {
	recvR, _ := pipePair(t)
	ctrlR, _ := pipePair(t)

	var tm vtimer.Timer
	tm.Set(10 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	ev, err := Wait(Sources{RecvFd: int(recvR.Fd()), CtrlFd: int(ctrlR.Fd())}, &tm)
	require.NoError(t, err)
	assert.Equal(t, Timer, ev)
}

func TestWaitReturnsPacketReadyWhenRecvFdReadable(t *testing.T) {
	recvR, recvW := pipePair(t)
	ctrlR, _ := pipePair(t)

	var tm vtimer.Timer
	tm.Set(500 * time.Millisecond)
	_, err := recvW.Write([]byte("x"))
	require.NoError(t, err)

	ev, err := Wait(Sources{RecvFd: int(recvR.Fd()), CtrlFd: int(ctrlR.Fd())}, &tm)
	require.NoError(t, err)
	assert.Equal(t, PacketReady, ev)
}

func TestWaitReturnsControlReadyWhenCtrlFdReadable(t *testing.T) {
	recvR, _ := pipePair(t)
	ctrlR, ctrlW := pipePair(t)

	var tm vtimer.Timer
	tm.Set(500 * time.Millisecond)
	_, err := ctrlW.Write([]byte("stop"))
	require.NoError(t, err)

	ev, err := Wait(Sources{RecvFd: int(recvR.Fd()), CtrlFd: int(ctrlR.Fd())}, &tm)
	require.NoError(t, err)
	assert.Equal(t, ControlReady, ev)
}

func TestWaitPrefersRecvFdOnSimultaneousReadiness(t *testing.T) {
	recvR, recvW := pipePair(t)
	ctrlR, ctrlW := pipePair(t)

	var tm vtimer.Timer
	tm.Set(500 * time.Millisecond)
	_, err := recvW.Write([]byte("x"))
	require.NoError(t, err)
	_, err = ctrlW.Write([]byte("stop"))
	require.NoError(t, err)

	ev, err := Wait(Sources{RecvFd: int(recvR.Fd()), CtrlFd: int(ctrlR.Fd())}, &tm)
	require.NoError(t, err)
	assert.Equal(t, PacketReady, ev)
}

func TestWaitRejectsUnarmedTimer(t *testing.T) {
	recvR, _ := pipePair(t)
	ctrlR, _ := pipePair(t)

	var tm vtimer.Timer
	_, err := Wait(Sources{RecvFd: int(recvR.Fd()), CtrlFd: int(ctrlR.Fd())}, &tm)
	assert.Error(t, err)
}
