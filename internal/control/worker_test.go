package control

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/riocm/channelmgr/internal/chanobj"
	"github.com/riocm/channelmgr/internal/peer"
	"github.com/riocm/channelmgr/internal/registry"
	"github.com/riocm/channelmgr/internal/transport"
	"github.com/riocm/channelmgr/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorker(t *testing.T) (*Worker, *registry.Registry, *peer.Directory) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(0, 8)
	dir := peer.New()
	w := New(reg, dir, logger)
	w.Start()
	t.Cleanup(w.Stop)
	return w, reg, dir
}

func TestHandleConnReqPushesToListeningChannel(t *testing.T) {
	w, reg, dir := newTestWorker(t)
	dir.Add("portA", 7, "remote-handle")

	listener, err := reg.Allocate(100)
	require.NoError(t, err)
	fakePort := &stubPort{localDestID: 0x10}
	require.NoError(t, listener.Bind(fakePort, 0x10))
	require.NoError(t, listener.Listen())
	listener.Release()

	w.Submit("portA", wire.Header{SrcDestID: 7, SrcCh: 3, DstCh: 100, Type: wire.Chan, Op: wire.ConnReq})
	w.Flush()

	ch, err := reg.Lookup(100)
	require.NoError(t, err)
	defer ch.Release()
	req, err := ch.PopConnReq(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), req.SrcDestID)
	assert.Equal(t, uint16(3), req.SrcCh)
}

func TestHandleConnReqDropsFromUnknownPeer(t *testing.T) {
	w, reg, _ := newTestWorker(t)
	listener, err := reg.Allocate(100)
	require.NoError(t, err)
	fakePort := &stubPort{localDestID: 0x10}
	require.NoError(t, listener.Bind(fakePort, 0x10))
	require.NoError(t, listener.Listen())
	listener.Release()

	w.Submit("portA", wire.Header{SrcDestID: 99, SrcCh: 3, DstCh: 100, Type: wire.Chan, Op: wire.ConnReq})
	w.Flush()

	ch, err := reg.Lookup(100)
	require.NoError(t, err)
	defer ch.Release()
	_, err = ch.PopConnReq(context.Background(), 0)
	assert.Error(t, err, "a CONN_REQ from an unresolved peer must never reach the accept queue")
}

func TestHandleConnReqDedupsRetries(t *testing.T) {
	w, reg, dir := newTestWorker(t)
	dir.Add("portA", 7, "remote-handle")

	listener, err := reg.Allocate(100)
	require.NoError(t, err)
	fakePort := &stubPort{localDestID: 0x10}
	require.NoError(t, listener.Bind(fakePort, 0x10))
	require.NoError(t, listener.Listen())
	listener.Release()

	h := wire.Header{SrcDestID: 7, SrcCh: 3, DstCh: 100, Type: wire.Chan, Op: wire.ConnReq}
	w.Submit("portA", h)
	w.Submit("portA", h)
	w.Flush()

	ch, err := reg.Lookup(100)
	require.NoError(t, err)
	defer ch.Release()

	_, err = ch.PopConnReq(context.Background(), 0)
	require.NoError(t, err, "the first CONN_REQ must be queued")
	_, err = ch.PopConnReq(context.Background(), 0)
	assert.Error(t, err, "a duplicate CONN_REQ within the dedup window must be dropped")
}

func TestHandleConnCloseIdempotent(t *testing.T) {
	w, reg, _ := newTestWorker(t)
	fakePort := &stubPort{localDestID: 0x10}
	ch, err := reg.Allocate(50)
	require.NoError(t, err)
	ch.InitConnected(fakePort, 0x10, 0x20, 9, "peer")
	ch.Release()

	w.Submit("p", wire.Header{DstCh: 50, Type: wire.Chan, Op: wire.ConnClose})
	w.Flush()

	_, err = reg.Lookup(50)
	assert.Error(t, err, "CONN_CLOSE must remove the channel from the registry")

	// A second CONN_CLOSE for the same (now-absent) channel must be a
	// harmless no-op, not a panic (spec.md §4.2 tie-break rule).
	assert.NotPanics(t, func() {
		w.Submit("p", wire.Header{DstCh: 50, Type: wire.Chan, Op: wire.ConnClose})
		w.Flush()
	})
}

func TestFlushWaitsForQueuedWork(t *testing.T) {
	w, reg, dir := newTestWorker(t)
	dir.Add("portA", 7, "remote-handle")
	listener, err := reg.Allocate(100)
	require.NoError(t, err)
	fakePort := &stubPort{localDestID: 0x10}
	require.NoError(t, listener.Bind(fakePort, 0x10))
	require.NoError(t, listener.Listen())
	listener.Release()

	for i := 0; i < 5; i++ {
		w.Submit("portA", wire.Header{SrcDestID: 7, SrcCh: uint16(i), DstCh: 100, Type: wire.Chan, Op: wire.ConnReq})
	}
	w.Flush()

	ch, err := reg.Lookup(100)
	require.NoError(t, err)
	defer ch.Release()
	for i := 0; i < 5; i++ {
		_, err := ch.PopConnReq(context.Background(), 0)
		require.NoError(t, err, "Flush must guarantee every task enqueued beforehand has been processed")
	}
}

type stubPort struct{ localDestID uint32 }

func (s *stubPort) PostSend(peer transport.DeviceHandle, buf []byte, mayQueue bool) error {
	return nil
}
func (s *stubPort) LocalDestID() uint32 { return s.localDestID }

var _ chanobj.Port = (*stubPort)(nil)
