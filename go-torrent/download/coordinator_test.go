package download

import (
	"context"
	"crypto/sha1"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Charana123/swarm/go-torrent/event"
	"github.com/Charana123/swarm/go-torrent/peer"
	"github.com/Charana123/swarm/go-torrent/storage"
	"github.com/Charana123/swarm/go-torrent/torrent"
	"github.com/Charana123/swarm/go-torrent/tracker"
	"github.com/Charana123/swarm/go-torrent/wire"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	content  = []byte("abcdefghijklmnop")
	remoteID = [20]byte{'-', 'R', 'M'}
)

type mockTracker struct {
	mock.Mock
}

func (m *mockTracker) Announce(ctx context.Context, ev tracker.Event) (*tracker.Response, error) {
	args := m.Called(ctx, ev)
	resp, _ := args.Get(0).(*tracker.Response)
	return resp, args.Error(1)
}

type recordingSink struct {
	sync.Mutex
	events []event.Event
}

func (s *recordingSink) Consume(ev event.Event) {
	s.Lock()
	defer s.Unlock()

	s.events = append(s.events, ev)
}

func (s *recordingSink) snapshot() []event.Event {
	s.Lock()
	defer s.Unlock()

	return append([]event.Event(nil), s.events...)
}

func (s *recordingSink) waitFor(t *testing.T, match func(event.Event) bool) event.Event {
	var found event.Event
	require.Eventually(t, func() bool {
		for _, ev := range s.snapshot() {
			if match(ev) {
				found = ev
				return true
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)
	return found
}

type fakeDeps struct {
	sync.Mutex
	cfg     Config
	layout  torrent.Layout
	files   storage.FileProvider
	tracker *mockTracker
	sink    *recordingSink
	events  chan event.Event
	conns   map[string]net.Conn
	dials   int
}

func (d *fakeDeps) Layout() torrent.Layout { return d.layout }
func (d *fakeDeps) OutputTx() chan<- event.Event { return d.events }
func (d *fakeDeps) Files() storage.FileProvider { return d.files }
func (d *fakeDeps) PeerID() [20]byte { return [20]byte{'-', 'S', 'W'} }
func (d *fakeDeps) Logger() zerolog.Logger { return zerolog.Nop() }
func (d *fakeDeps) TrackerClient() tracker.Client { return d.tracker }
func (d *fakeDeps) DataCollector() Sink { return d.sink }
func (d *fakeDeps) Config() Config { return d.cfg }

func (d *fakeDeps) Dial(ctx context.Context, addr string) (net.Conn, error) {
	d.Lock()
	defer d.Unlock()

	d.dials++
	conn, ok := d.conns[addr]
	if !ok {
		return nil, errors.New("connection refused")
	}
	return conn, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ChokeInterval = time.Hour
	cfg.KeepAliveInterval = time.Hour
	cfg.RateInterval = time.Hour
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.ReadTimeout = 10 * time.Second
	cfg.DrainTimeout = time.Second
	cfg.StopTimeout = time.Second
	return cfg
}

// testLayout splits content into two pieces of two blocks.
func testLayout() torrent.Layout {
	hashes := [][20]byte{sha1.Sum(content[:8]), sha1.Sum(content[8:])}
	layout := torrent.NewLayout([20]byte{0xab}, 8, int64(len(content)), hashes)
	layout.BlockSize = 4
	return layout
}

func newFakeDeps(t *testing.T) *fakeDeps {
	layout := testLayout()
	files, err := storage.NewFileProvider(afero.NewMemMapFs(), "out", []torrent.File{
		{Length: layout.TotalLength, Path: []string{"data"}},
	})
	require.NoError(t, err)
	return &fakeDeps{
		cfg:     testConfig(),
		layout:  layout,
		files:   files,
		tracker: &mockTracker{},
		sink:    &recordingSink{},
		events:  make(chan event.Event, 64),
		conns:   make(map[string]net.Conn),
	}
}

// remotePeer scripts the far end of a pipe.
type remotePeer struct {
	t    *testing.T
	raw  net.Conn
	wire wire.Wire
	msgs chan *wire.Message
}

// addRemote registers a pipe that dialing addr returns.
func addRemote(t *testing.T, deps *fakeDeps, addr string) *remotePeer {
	local, raw := net.Pipe()
	deps.Lock()
	deps.conns[addr] = local
	deps.Unlock()
	t.Cleanup(func() {
		raw.Close()
		local.Close()
	})
	return newRemotePeer(t, raw, deps.layout)
}

func newRemotePeer(t *testing.T, raw net.Conn, layout torrent.Layout) *remotePeer {
	return &remotePeer{
		t:    t,
		raw:  raw,
		wire: wire.NewWire(raw, 10*time.Second, wire.MaxLength(layout.NumPieces)),
		msgs: make(chan *wire.Message, 256),
	}
}

// answerHandshake completes a handshake we were dialed for, then keeps
// reading so the connection never blocks writing to us.
func (r *remotePeer) answerHandshake(infoHash [20]byte) {
	_, err := r.wire.ReadHandshake()
	require.NoError(r.t, err)
	require.NoError(r.t, r.wire.SendHandshake(infoHash, remoteID))
	go r.read()
}

func (r *remotePeer) read() {
	defer close(r.msgs)
	for {
		msg, err := r.wire.ReadMessage()
		if err != nil {
			return
		}
		if msg != nil {
			r.msgs <- msg
		}
	}
}

// waitFor skips messages until one with id arrives.
func (r *remotePeer) waitFor(id uint8) *wire.Message {
	timeout := time.After(3 * time.Second)
	for {
		select {
		case msg, ok := <-r.msgs:
			require.True(r.t, ok, "connection closed waiting for message %d", id)
			if msg.ID == id {
				return msg
			}
		case <-timeout:
			r.t.Fatalf("no message %d", id)
			return nil
		}
	}
}

func (r *remotePeer) waitClosed() {
	timeout := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-r.msgs:
			if !ok {
				return
			}
		case <-timeout:
			r.t.Fatal("connection not closed")
		}
	}
}

func runCoordinator(ctx context.Context, c *Coordinator, events <-chan event.Event) <-chan error {
	errc := make(chan error, 1)
	go func() {
		errc <- c.Run(ctx, events)
	}()
	return errc
}

func waitRun(t *testing.T, errc <-chan error) error {
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator did not return")
		return nil
	}
}

func TestCoordinatorTrackerFailure(t *testing.T) {
	deps := newFakeDeps(t)
	deps.tracker.On("Announce", mock.Anything, tracker.Started).Return(nil, errors.New("timeout"))

	err := NewCoordinator(deps).Run(context.Background(), deps.events)
	assert.ErrorIs(t, err, ErrTrackerCallFailed)
	assert.ErrorContains(t, err, "timeout")
	assert.Equal(t, 0, deps.dials)
	assert.Empty(t, deps.sink.snapshot())
	deps.tracker.AssertNotCalled(t, "Announce", mock.Anything, tracker.Stopped)
}

func TestCoordinatorZeroPeers(t *testing.T) {
	deps := newFakeDeps(t)
	deps.tracker.On("Announce", mock.Anything, tracker.Started).Return(&tracker.Response{}, nil)
	deps.tracker.On("Announce", mock.Anything, tracker.Stopped).Return(&tracker.Response{}, nil)

	c := NewCoordinator(deps)
	errc := runCoordinator(context.Background(), c, deps.events)

	sent := []event.Event{
		event.RateReported{TransferIdx: 4, Download: 10},
		event.PieceFailed{TransferIdx: event.COORDINATOR, Piece: 1},
	}
	for _, ev := range sent {
		deps.events <- ev
	}
	close(deps.events)

	require.NoError(t, waitRun(t, errc))
	assert.Equal(t, sent, deps.sink.snapshot())
	assert.Equal(t, 0, c.registry.Len())
	assert.Equal(t, 0, deps.dials)
	deps.tracker.AssertExpectations(t)
	assert.False(t, c.Incoming(nil))
}

func TestCoordinatorFanOutOrder(t *testing.T) {
	deps := newFakeDeps(t)
	c := NewCoordinator(deps)
	c.chokerEvents = make(chan event.Event)
	c.collectorEvents = make(chan event.Event)

	conns := make(map[int]chan event.Event)
	for _, idx := range []int{2, 0, 1} {
		conns[idx] = make(chan event.Event)
		c.registry.Add(&peer.Handle{Idx: idx, Events: conns[idx], Done: make(chan struct{})})
	}
	terminated := make(chan struct{})
	close(terminated)
	c.registry.Add(&peer.Handle{Idx: 3, Events: make(chan event.Event), Done: terminated})

	type delivery struct {
		target string
		ev     event.Event
	}
	var log []delivery
	stop := make(chan struct{})
	recorded := make(chan struct{})
	// a single receiver sees the blocking sends in the order they are made
	go func() {
		defer close(recorded)
		for {
			select {
			case ev := <-c.chokerEvents:
				log = append(log, delivery{"choker", ev})
			case ev := <-c.collectorEvents:
				log = append(log, delivery{"collector", ev})
			case ev := <-conns[0]:
				log = append(log, delivery{"conn0", ev})
			case ev := <-conns[1]:
				log = append(log, delivery{"conn1", ev})
			case ev := <-conns[2]:
				log = append(log, delivery{"conn2", ev})
			case <-stop:
				return
			}
		}
	}()

	first := event.PeerHave{TransferIdx: 0, Pieces: []int{1}}
	second := event.PeerDisconnected{TransferIdx: 1}
	c.dispatch(context.Background(), first)
	c.dispatch(context.Background(), second)
	close(stop)
	<-recorded

	var want []delivery
	for _, ev := range []event.Event{first, second} {
		for _, target := range []string{"choker", "collector", "conn0", "conn1", "conn2"} {
			want = append(want, delivery{target, ev})
		}
	}
	assert.Equal(t, want, log)

	_, registered := c.registry.Get(1)
	assert.False(t, registered)
	assert.Equal(t, 1, c.swarm.Availability(1))
}

func TestCoordinatorIndexReuse(t *testing.T) {
	c := NewCoordinator(newFakeDeps(t))
	running, finished := make(chan struct{}), make(chan struct{})
	close(finished)

	c.registry.Add(&peer.Handle{Idx: 0})
	c.tasks[0] = running
	c.tasks[1] = running
	c.tasks[2] = finished
	// terminated but its disconnect not yet forwarded
	c.registry.Add(&peer.Handle{Idx: 3})
	c.tasks[3] = finished
	assert.Equal(t, 2, c.freeIndex())

	c.tasks[2] = running
	assert.Equal(t, 4, c.freeIndex())

	c.registry.Remove(3)
	assert.Equal(t, 3, c.freeIndex())
}

func TestCoordinatorVerifiesOrphanedPiece(t *testing.T) {
	tests := []struct {
		name  string
		data  []byte
		owner int
		want  event.Event
	}{
		{"intact", content[:8], 5, event.PieceCompleted{TransferIdx: event.COORDINATOR, Piece: 0}},
		{"corrupt", []byte("abcdXXXX"), 5, event.PieceFailed{TransferIdx: event.COORDINATOR, Piece: 0}},
		{"other owner", content[:8], 6, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := newFakeDeps(t)
			require.NoError(t, deps.files.Write(0, tt.data))
			c := NewCoordinator(deps)
			c.chokerEvents = make(chan event.Event, 16)
			c.collectorEvents = make(chan event.Event, 16)

			c.dispatch(context.Background(), event.BlockReceived{TransferIdx: 6, Piece: 0, Offset: 0, Length: 4})
			c.dispatch(context.Background(), event.BlockReceived{TransferIdx: tt.owner, Piece: 0, Offset: 4, Length: 4})
			c.dispatch(context.Background(), event.PeerDisconnected{TransferIdx: 5})
			close(c.collectorEvents)

			var forwarded []event.Event
			for ev := range c.collectorEvents {
				forwarded = append(forwarded, ev)
			}
			if tt.want == nil {
				assert.Len(t, forwarded, 3)
				assert.Equal(t, tt.owner, c.owners[0])
				return
			}
			require.Len(t, forwarded, 4)
			assert.Equal(t, event.PeerDisconnected{TransferIdx: 5}, forwarded[2])
			assert.Equal(t, tt.want, forwarded[3])
			assert.Empty(t, c.owners)
		})
	}
}

func TestCoordinatorOwnerReportsItself(t *testing.T) {
	deps := newFakeDeps(t)
	c := NewCoordinator(deps)
	c.chokerEvents = make(chan event.Event, 16)
	c.collectorEvents = make(chan event.Event, 16)

	c.dispatch(context.Background(), event.BlockReceived{TransferIdx: 2, Piece: 1, Offset: 0, Length: 4})
	c.dispatch(context.Background(), event.BlockReceived{TransferIdx: 2, Piece: 1, Offset: 4, Length: 4})
	assert.Equal(t, map[int]int{1: 2}, c.owners)
	c.dispatch(context.Background(), event.PieceCompleted{TransferIdx: 2, Piece: 1})
	c.dispatch(context.Background(), event.PeerDisconnected{TransferIdx: 2})

	assert.Empty(t, c.owners)
	assert.Len(t, c.collectorEvents, 4)
	assert.True(t, c.swarm.Local().Has(1))
}

func TestCoordinatorProtocolViolationIsolated(t *testing.T) {
	deps := newFakeDeps(t)
	deps.tracker.On("Announce", mock.Anything, tracker.Started).Return(&tracker.Response{
		Peers: []tracker.Peer{{Addr: "a:6881"}, {Addr: "b:6881"}},
	}, nil)
	deps.tracker.On("Announce", mock.Anything, tracker.Stopped).Return(&tracker.Response{}, nil)
	a := addRemote(t, deps, "a:6881")
	b := addRemote(t, deps, "b:6881")

	c := NewCoordinator(deps)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := runCoordinator(ctx, c, deps.events)

	a.answerHandshake(deps.layout.InfoHash)
	b.answerHandshake(deps.layout.InfoHash)
	deps.sink.waitFor(t, func(ev event.Event) bool {
		return ev == event.PeerConnected{TransferIdx: 1, Addr: "b:6881"}
	})

	// length 1, unknown message id
	_, err := a.raw.Write([]byte{0, 0, 0, 1, 99})
	require.NoError(t, err)

	ev := deps.sink.waitFor(t, func(ev event.Event) bool {
		_, ok := ev.(event.PeerDisconnected)
		return ok
	})
	d := ev.(event.PeerDisconnected)
	assert.Equal(t, 0, d.TransferIdx)
	assert.True(t, peer.IsKind(d.Reason, peer.ProtocolViolation))
	a.waitClosed()
	require.Eventually(t, func() bool {
		_, ok := c.registry.Get(0)
		return !ok
	}, time.Second, 5*time.Millisecond)

	// the other connection carries on
	require.NoError(t, b.wire.SendHave(1))
	deps.sink.waitFor(t, func(ev event.Event) bool {
		have, ok := ev.(event.PeerHave)
		return ok && have.TransferIdx == 1
	})
	_, ok := c.registry.Get(1)
	assert.True(t, ok)
	for _, ev := range deps.sink.snapshot() {
		if d, ok := ev.(event.PeerDisconnected); ok {
			assert.Equal(t, 0, d.TransferIdx)
		}
	}

	cancel()
	require.NoError(t, waitRun(t, errc))
	b.waitClosed()
	assert.Equal(t, 0, c.registry.Len())
	deps.tracker.AssertExpectations(t)
}

func TestCoordinatorEndgameCancelsDuplicate(t *testing.T) {
	deps := newFakeDeps(t)
	deps.tracker.On("Announce", mock.Anything, tracker.Started).Return(&tracker.Response{
		Peers: []tracker.Peer{{Addr: "a:6881"}, {Addr: "b:6881"}},
	}, nil)
	deps.tracker.On("Announce", mock.Anything, tracker.Completed).Return(&tracker.Response{}, nil)
	deps.tracker.On("Announce", mock.Anything, tracker.Stopped).Return(&tracker.Response{}, nil)
	a := addRemote(t, deps, "a:6881")
	b := addRemote(t, deps, "b:6881")

	// everything but the last block is already here
	require.NoError(t, deps.files.Write(0, content[:12]))
	c := NewCoordinator(deps)
	c.swarm.Apply(event.PieceCompleted{TransferIdx: event.COORDINATOR, Piece: 0})
	c.swarm.Apply(event.BlockReceived{TransferIdx: event.COORDINATOR, Piece: 1, Offset: 0, Length: 4})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := runCoordinator(ctx, c, deps.events)

	for _, r := range []*remotePeer{a, b} {
		r.answerHandshake(deps.layout.InfoHash)
		r.waitFor(wire.BITFIELD)
		require.NoError(t, r.wire.SendBitField([]byte{0xc0}))
		require.NoError(t, r.wire.SendUnchoke())
	}
	for _, r := range []*remotePeer{a, b} {
		pieceIndex, begin, length, err := wire.ParseRequest(r.waitFor(wire.REQUEST).Payload)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 4, 4}, []int{pieceIndex, begin, length})
	}

	require.NoError(t, a.wire.SendBlock(1, 4, content[12:]))

	pieceIndex, begin, length, err := wire.ParseRequest(b.waitFor(wire.CANCEL).Payload)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 4}, []int{pieceIndex, begin, length})
	deps.sink.waitFor(t, func(ev event.Event) bool {
		return ev == event.PieceCompleted{TransferIdx: 0, Piece: 1}
	})
	have, err := wire.ParseHave(b.waitFor(wire.HAVE).Payload)
	require.NoError(t, err)
	assert.Equal(t, 1, have)

	cancel()
	require.NoError(t, waitRun(t, errc))
	data, err := deps.files.Read(0, len(content))
	require.NoError(t, err)
	assert.Equal(t, content, data)
	deps.tracker.AssertExpectations(t)
}

func TestCoordinatorIncoming(t *testing.T) {
	deps := newFakeDeps(t)
	deps.tracker.On("Announce", mock.Anything, tracker.Started).Return(&tracker.Response{}, nil)
	deps.tracker.On("Announce", mock.Anything, tracker.Stopped).Return(&tracker.Response{}, nil)

	c := NewCoordinator(deps)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := runCoordinator(ctx, c, deps.events)

	local, raw := net.Pipe()
	defer raw.Close()
	remote := newRemotePeer(t, raw, deps.layout)
	require.True(t, c.Incoming(local))

	require.NoError(t, remote.wire.SendHandshake(deps.layout.InfoHash, remoteID))
	hs, err := remote.wire.ReadHandshake()
	require.NoError(t, err)
	assert.Equal(t, deps.layout.InfoHash, hs.InfoHash)
	go remote.read()

	deps.sink.waitFor(t, func(ev event.Event) bool {
		return ev == event.PeerConnected{TransferIdx: 0, Addr: "pipe"}
	})

	cancel()
	require.NoError(t, waitRun(t, errc))
	remote.waitClosed()
	assert.False(t, c.Incoming(local))
}

func TestCoordinatorEmptyTorrentAnnouncesCompleted(t *testing.T) {
	deps := newFakeDeps(t)
	deps.layout = torrent.NewLayout([20]byte{0xab}, 8, 0, nil)
	deps.tracker.On("Announce", mock.Anything, tracker.Started).Return(&tracker.Response{}, nil)
	deps.tracker.On("Announce", mock.Anything, tracker.Completed).Return(&tracker.Response{}, nil).Once()
	deps.tracker.On("Announce", mock.Anything, tracker.Stopped).Return(&tracker.Response{}, nil)

	c := NewCoordinator(deps)
	errc := runCoordinator(context.Background(), c, deps.events)
	close(deps.events)

	require.NoError(t, waitRun(t, errc))
	deps.tracker.AssertExpectations(t)
}

func TestCoordinatorCancelShutsDownLiveConnections(t *testing.T) {
	deps := newFakeDeps(t)
	deps.tracker.On("Announce", mock.Anything, tracker.Started).Return(&tracker.Response{
		Peers: []tracker.Peer{{Addr: "a:6881"}, {Addr: "b:6881"}},
	}, nil)
	deps.tracker.On("Announce", mock.Anything, tracker.Completed).Return(&tracker.Response{}, nil).Maybe()
	deps.tracker.On("Announce", mock.Anything, tracker.Stopped).Return(&tracker.Response{}, nil)
	a := addRemote(t, deps, "a:6881")
	b := addRemote(t, deps, "b:6881")

	c := NewCoordinator(deps)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := runCoordinator(ctx, c, deps.events)

	a.answerHandshake(deps.layout.InfoHash)
	b.answerHandshake(deps.layout.InfoHash)
	require.NoError(t, a.wire.SendBitField([]byte{0xc0}))
	require.NoError(t, a.wire.SendUnchoke())
	var requested [][]int
	for i := 0; i < 4; i++ {
		pieceIndex, begin, length, err := wire.ParseRequest(a.waitFor(wire.REQUEST).Payload)
		require.NoError(t, err)
		requested = append(requested, []int{pieceIndex, begin, length})
	}

	cancel()
	// b has nothing in flight and goes at once, a drains first
	b.waitClosed()
	select {
	case err := <-errc:
		t.Fatalf("returned with requests in flight: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	require.Eventually(t, func() bool {
		return c.registry.Len() == 1
	}, time.Second, 5*time.Millisecond)

	for _, r := range requested {
		start := r[0]*8 + r[1]
		require.NoError(t, a.wire.SendBlock(r[0], r[1], content[start:start+r[2]]))
	}
	require.NoError(t, waitRun(t, errc))
	a.waitClosed()

	assert.Equal(t, 0, c.registry.Len())
	for idx, done := range c.tasks {
		select {
		case <-done:
		default:
			t.Fatalf("transfer %d still running", idx)
		}
	}
	var shutdown []int
	for _, ev := range deps.sink.snapshot() {
		if d, ok := ev.(event.PeerDisconnected); ok {
			assert.ErrorIs(t, d.Reason, peer.ErrShutdown)
			shutdown = append(shutdown, d.TransferIdx)
		}
	}
	assert.ElementsMatch(t, []int{0, 1}, shutdown)
	data, err := deps.files.Read(0, len(content))
	require.NoError(t, err)
	assert.Equal(t, content, data)
	deps.tracker.AssertExpectations(t)
}
