package download

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/Charana123/swarm/go-torrent/event"
	"github.com/Charana123/swarm/go-torrent/peer"
	"github.com/Charana123/swarm/go-torrent/piece"
	"github.com/Charana123/swarm/go-torrent/tracker"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/time/rate"
)

var ErrTrackerCallFailed = errors.New("tracker call failed")

// Coordinator owns the transfer: it announces, spawns a connection per
// peer and forwards every event to the choker, the data collector and
// each registered connection, in that order.
type Coordinator struct {
	deps     Deps
	cfg      Config
	log      zerolog.Logger
	swarm    *piece.Swarm
	registry *peer.Registry
	limiter  *rate.Limiter

	// done channels by transfer index, kept until the index is reused
	tasks map[int]<-chan struct{}
	// pieces whose final block arrived, by the connection that verifies them
	owners    map[int]int
	completed bool

	incoming chan net.Conn
	stopped  chan struct{}
	stopOnce sync.Once

	chokerEvents    chan event.Event
	collectorEvents chan event.Event
	announcing      sync.WaitGroup
}

func NewCoordinator(deps Deps) *Coordinator {
	cfg := deps.Config()
	return &Coordinator{
		deps:     deps,
		cfg:      cfg,
		log:      deps.Logger().With().Str("component", "coordinator").Logger(),
		swarm:    piece.NewSwarm(deps.Layout()),
		registry: peer.NewRegistry(),
		limiter:  peer.NewUploadLimiter(cfg.UploadRate),

		tasks:  make(map[int]<-chan struct{}),
		owners: make(map[int]int),

		incoming: make(chan net.Conn),
		stopped:  make(chan struct{}),

		chokerEvents:    make(chan event.Event, cfg.ChannelSize),
		collectorEvents: make(chan event.Event, cfg.ChannelSize),
	}
}

func (c *Coordinator) Registry() *peer.Registry {
	return c.registry
}

// Incoming hands an accepted connection to the running transfer. It
// returns false once the coordinator stopped taking peers.
func (c *Coordinator) Incoming(conn net.Conn) bool {
	select {
	case c.incoming <- conn:
		return true
	case <-c.stopped:
		return false
	}
}

func (c *Coordinator) stopTaking() {
	c.stopOnce.Do(func() {
		close(c.stopped)
	})
}

// Run announces, spawns the connections and fans out events until events
// closes or ctx is canceled. On cancel every connection is shut down and
// awaited first.
func (c *Coordinator) Run(ctx context.Context, events <-chan event.Event) error {
	defer c.stopTaking()

	resp, err := c.deps.TrackerClient().Announce(ctx, tracker.Started)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTrackerCallFailed, err)
	}
	c.log.Info().Int("peers", len(resp.Peers)).Dur("interval", resp.Interval).Msg("announced")

	// nothing to fetch for an empty torrent
	c.checkCompleted(ctx)
	c.connect(ctx, resp.Peers)

	choker := peer.NewChoker(c.registry, c.swarm.Local(), c.registry.Len(), c.cfg.ChokerConfig(), c.log)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		choker.Run(c.chokerEvents)
	}()
	go func() {
		defer wg.Done()
		sink := c.deps.DataCollector()
		for ev := range c.collectorEvents {
			if sink != nil {
				sink.Consume(ev)
			}
		}
	}()

	c.fanOut(ctx, events, resp.Interval)

	close(c.chokerEvents)
	close(c.collectorEvents)
	wg.Wait()
	c.announcing.Wait()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.StopTimeout)
	defer cancel()
	if _, err := c.deps.TrackerClient().Announce(stopCtx, tracker.Stopped); err != nil {
		c.log.Warn().Err(err).Msg("stopped announce failed")
	}
	return nil
}

func (c *Coordinator) fanOut(ctx context.Context, events <-chan event.Event, interval time.Duration) {
	if interval <= 0 {
		interval = tracker.DEFAULT_INTERVAL
	}
	reannounce := time.NewTicker(interval)
	defer reannounce.Stop()
	announced := make(chan *tracker.Response, 1)
	reannouncing := false

	done := ctx.Done()
	stopping := false
	for {
		if stopping && c.registry.Len() == 0 {
			for _, taskDone := range c.tasks {
				<-taskDone
			}
			return
		}
		var incoming <-chan net.Conn
		if !stopping {
			incoming = c.incoming
		}

		select {
		case ev, ok := <-events:
			if !ok {
				c.log.Debug().Msg("event stream closed")
				return
			}
			c.dispatch(ctx, ev)
		case conn := <-incoming:
			c.accept(ctx, conn)
		case <-reannounce.C:
			if !stopping && !reannouncing {
				reannouncing = true
				c.announce(ctx, tracker.None, announced)
			}
		case resp := <-announced:
			reannouncing = false
			if resp != nil && !stopping {
				c.connect(ctx, resp.Peers)
			}
		case <-done:
			done = nil
			stopping = true
			c.stopTaking()
			c.log.Info().Int("peers", c.registry.Len()).Msg("shutting down")
			for _, h := range c.registry.Handles() {
				h.Command(peer.Shutdown)
			}
		}
	}
}

// announce runs a best effort announce in the background. The response,
// nil on failure, is delivered to out if given.
func (c *Coordinator) announce(ctx context.Context, ev tracker.Event, out chan<- *tracker.Response) {
	c.announcing.Add(1)
	go func() {
		defer c.announcing.Done()
		resp, err := c.deps.TrackerClient().Announce(ctx, ev)
		if err != nil {
			c.log.Warn().Err(err).Stringer("event", ev).Msg("announce failed")
			resp = nil
		}
		if out != nil {
			out <- resp
		}
	}()
}

func (c *Coordinator) dispatch(ctx context.Context, ev event.Event) {
	pieceIndex, ready := c.swarm.Apply(ev)
	switch e := ev.(type) {
	case event.BlockReceived:
		if ready {
			c.owners[pieceIndex] = e.TransferIdx
		}
	case event.PieceCompleted:
		delete(c.owners, e.Piece)
	case event.PieceFailed:
		delete(c.owners, e.Piece)
	}

	c.chokerEvents <- ev
	c.collectorEvents <- ev
	for _, h := range c.registry.Handles() {
		h.Send(ev)
	}

	switch e := ev.(type) {
	case event.PeerDisconnected:
		c.registry.Remove(e.TransferIdx)
		c.verifyOrphans(ctx, e.TransferIdx)
	case event.PieceCompleted:
		c.checkCompleted(ctx)
	}
}

// checkCompleted tells the tracker once the local bitfield is full.
func (c *Coordinator) checkCompleted(ctx context.Context) {
	if c.completed || !c.swarm.Local().Full() {
		return
	}
	c.completed = true
	c.log.Info().Msg("download complete")
	c.announce(ctx, tracker.Completed, nil)
}

// verifyOrphans checks the pieces a disconnected connection was due to
// verify and broadcasts the result in its place.
func (c *Coordinator) verifyOrphans(ctx context.Context, transferIdx int) {
	orphans := lo.Keys(lo.PickByValues(c.owners, []int{transferIdx}))
	sort.Ints(orphans)
	for _, pieceIndex := range orphans {
		var result event.Event = event.PieceCompleted{TransferIdx: event.COORDINATOR, Piece: pieceIndex}
		ok, err := piece.Verify(c.deps.Files(), c.deps.Layout(), pieceIndex)
		if err != nil || !ok {
			c.log.Warn().Err(err).Int("piece", pieceIndex).Msg("orphaned piece failed verification")
			result = event.PieceFailed{TransferIdx: event.COORDINATOR, Piece: pieceIndex}
		}
		c.dispatch(ctx, result)
	}
}

func (c *Coordinator) connect(ctx context.Context, peers []tracker.Peer) {
	known := lo.Map(c.registry.Handles(), func(h *peer.Handle, _ int) string {
		return h.Addr
	})
	for _, p := range lo.Uniq(lo.Map(peers, func(p tracker.Peer, _ int) string { return p.Addr })) {
		if c.registry.Len() >= c.cfg.MaxPeers {
			return
		}
		if lo.Contains(known, p) {
			continue
		}
		c.spawn(ctx, p, nil)
	}
}

func (c *Coordinator) accept(ctx context.Context, conn net.Conn) {
	if c.registry.Len() >= c.cfg.MaxPeers {
		c.log.Debug().Stringer("addr", conn.RemoteAddr()).Msg("peer limit reached, rejecting")
		conn.Close()
		return
	}
	c.spawn(ctx, conn.RemoteAddr().String(), conn)
}

// freeIndex is the lowest index whose previous connection has terminated
// and been unregistered.
func (c *Coordinator) freeIndex() int {
	for idx := 0; ; idx++ {
		if _, registered := c.registry.Get(idx); registered {
			continue
		}
		done, ok := c.tasks[idx]
		if !ok {
			return idx
		}
		select {
		case <-done:
			return idx
		default:
		}
	}
}

// spawn starts a connection seeded with a clone of the current swarm
// view. conn is nil for outbound peers.
func (c *Coordinator) spawn(ctx context.Context, addr string, conn net.Conn) {
	idx := c.freeIndex()
	pc := peer.NewConn(idx, addr, conn, c.swarm.Clone(), c.limiter, c.deps, c.cfg.PeerConfig())
	c.registry.Add(pc.Handle())
	c.tasks[idx] = pc.Done()
	c.log.Debug().Int("transfer", idx).Str("addr", addr).Bool("inbound", conn != nil).Msg("spawning peer")
	go pc.Run(ctx)
}
