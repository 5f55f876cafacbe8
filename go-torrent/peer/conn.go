package peer

import (
	"context"
	"errors"
	"net"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/Charana123/swarm/go-torrent/bitfield"
	"github.com/Charana123/swarm/go-torrent/event"
	"github.com/Charana123/swarm/go-torrent/piece"
	"github.com/Charana123/swarm/go-torrent/storage"
	"github.com/Charana123/swarm/go-torrent/torrent"
	"github.com/Charana123/swarm/go-torrent/wire"
	"github.com/emirpasic/gods/queues/linkedlistqueue"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var newWire = wire.NewWire

type State int

const (
	Connecting State = iota
	Handshaking
	Established
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Established:
		return "established"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return "unknown"
}

type Config struct {
	MaxOutstanding    int
	ChannelSize       int
	EndgameBlocks     int
	HandshakeTimeout  time.Duration
	ReadTimeout       time.Duration
	RequestTimeout    time.Duration
	DrainTimeout      time.Duration
	KeepAliveInterval time.Duration
	RateInterval      time.Duration
}

// Deps is what a connection needs from the transfer it belongs to.
type Deps interface {
	Layout() torrent.Layout
	OutputTx() chan<- event.Event
	Files() storage.FileProvider
	Dial(ctx context.Context, addr string) (net.Conn, error)
	PeerID() [20]byte
	Logger() zerolog.Logger
}

type handshakeResult struct {
	wire wire.Wire
	err  error
}

// Conn runs one peer connection. All state below is owned by the Run
// goroutine; the reader and uploader talk to it over channels.
type Conn struct {
	idx     int
	addr    string
	deps    Deps
	cfg     Config
	log     zerolog.Logger
	layout  torrent.Layout
	limiter *rate.Limiter

	events     chan event.Event
	cmds       chan Command
	done       chan struct{}
	quit       chan struct{}
	msgs       chan *wire.Message
	errc       chan error
	handshakes chan handshakeResult

	netConn    net.Conn
	wire       wire.Wire
	state      State
	finished   bool
	drain      <-chan time.Time
	stopUpload context.CancelFunc

	swarm      *piece.Swarm
	picker     *piece.Picker
	remote     *bitfield.Bitfield
	gotMessage bool

	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool

	inFlight piece.Set
	sentAt   map[piece.Key]time.Time
	// received and written, waiting for our BlockReceived to come back
	awaiting piece.Set

	outbox  *linkedlistqueue.Queue
	uploads *uploadQueue

	uploaded       atomic.Int64
	downloaded     int64
	lastUploaded   int64
	lastDownloaded int64
	lastReport     time.Time
	downloadRate   int64
	uploadRate     int64
}

// NewConn creates connection idx to addr. conn is the already accepted
// socket of an inbound peer, or nil to dial addr. swarm must be a private
// copy taken in fan-out order.
func NewConn(
	idx int,
	addr string,
	conn net.Conn,
	swarm *piece.Swarm,
	limiter *rate.Limiter,
	deps Deps,
	cfg Config) *Conn {

	c := &Conn{
		idx:     idx,
		addr:    addr,
		deps:    deps,
		cfg:     cfg,
		layout:  deps.Layout(),
		limiter: limiter,
		log: deps.Logger().With().
			Str("component", "peer").
			Int("transfer", idx).
			Str("addr", addr).
			Logger(),

		events:     make(chan event.Event, cfg.ChannelSize),
		cmds:       make(chan Command, cfg.ChannelSize),
		done:       make(chan struct{}),
		quit:       make(chan struct{}),
		msgs:       make(chan *wire.Message, cfg.ChannelSize),
		errc:       make(chan error, 2),
		handshakes: make(chan handshakeResult),

		netConn: conn,
		state:   Connecting,

		swarm:  swarm,
		picker: piece.NewPicker(swarm, idx, cfg.EndgameBlocks),

		amChoking:   true,
		peerChoking: true,

		inFlight: piece.Set{},
		sentAt:   make(map[piece.Key]time.Time),
		awaiting: piece.Set{},

		outbox:  linkedlistqueue.New(),
		uploads: newUploadQueue(),
	}
	if conn != nil {
		c.state = Handshaking
	}
	return c
}

func (c *Conn) Handle() *Handle {
	return &Handle{
		Idx:    c.idx,
		Addr:   c.addr,
		Events: c.events,
		Cmds:   c.cmds,
		Done:   c.done,
	}
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Run drives the connection until it has emitted PeerDisconnected, then
// closes Done. ctx bounds dialing only; stopping a connection is done
// with the Shutdown command.
func (c *Conn) Run(ctx context.Context) {
	go c.handshake(ctx)

	keepAlive := time.NewTicker(c.cfg.KeepAliveInterval)
	defer keepAlive.Stop()
	housekeeping := time.NewTicker(c.cfg.RateInterval)
	defer housekeeping.Stop()

	for {
		if c.finished && c.outbox.Empty() {
			c.state = Closed
			close(c.done)
			return
		}

		var out chan<- event.Event
		var next event.Event
		if head, ok := c.outbox.Peek(); ok {
			out, next = c.deps.OutputTx(), head.(event.Event)
		}
		// stop reading the socket while the coordinator is behind
		var msgs <-chan *wire.Message
		if !c.finished && c.outbox.Size() <= c.cfg.ChannelSize {
			msgs = c.msgs
		}

		select {
		case out <- next:
			c.outbox.Dequeue()
		case ev := <-c.events:
			c.handleEvent(ev)
		case cmd := <-c.cmds:
			c.handleCommand(cmd)
		case res := <-c.handshakes:
			c.established(res)
		case msg := <-msgs:
			c.handleMessage(msg)
		case err := <-c.errc:
			c.finish(err)
		case <-keepAlive.C:
			c.keepAlive()
		case now := <-housekeeping.C:
			c.housekeeping(now)
		case <-c.drain:
			c.finish(ErrShutdown)
		}
	}
}

func (c *Conn) emit(ev event.Event) {
	c.outbox.Enqueue(ev)
}

func (c *Conn) handshake(ctx context.Context) {
	res := handshakeResult{}
	conn := c.netConn
	if conn == nil {
		var err error
		conn, err = c.deps.Dial(ctx, c.addr)
		if err != nil {
			res.err = newError(ConnectionClosed, err, "dial")
		}
	}
	if res.err == nil {
		res.wire = newWire(conn, c.cfg.HandshakeTimeout, wire.MaxLength(c.layout.NumPieces))
		res.err = c.exchangeHandshake(res.wire, c.netConn == nil)
		if res.err != nil {
			res.wire.Close()
			res.wire = nil
		}
	}

	select {
	case c.handshakes <- res:
	case <-c.quit:
		if res.wire != nil {
			res.wire.Close()
		}
	}
}

// exchangeHandshake sends first on connections we initiated and answers
// second on accepted ones.
func (c *Conn) exchangeHandshake(w wire.Wire, initiator bool) error {
	if initiator {
		if err := w.SendHandshake(c.layout.InfoHash, c.deps.PeerID()); err != nil {
			return newError(HandshakeFailed, err, "send")
		}
	}
	h, err := w.ReadHandshake()
	if err != nil {
		return newError(HandshakeFailed, err, "read")
	}
	if h.InfoHash != c.layout.InfoHash {
		return newError(HandshakeFailed, nil, "info hash mismatch")
	}
	if h.PeerID == c.deps.PeerID() {
		return newError(HandshakeFailed, nil, "connected to self")
	}
	if !initiator {
		if err := w.SendHandshake(c.layout.InfoHash, c.deps.PeerID()); err != nil {
			return newError(HandshakeFailed, err, "send")
		}
	}
	return nil
}

func (c *Conn) established(res handshakeResult) {
	if c.finished {
		if res.wire != nil {
			res.wire.Close()
		}
		return
	}
	if res.err != nil {
		c.finish(res.err)
		return
	}

	c.wire = res.wire
	c.wire.SetTimeout(c.cfg.ReadTimeout)
	c.state = Established
	c.lastReport = time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	c.stopUpload = cancel
	go c.readLoop()
	go c.uploadLoop(ctx)

	local := c.swarm.Local()
	if !local.Empty() {
		if !c.sent(c.wire.SendBitField(local.Bytes())) {
			return
		}
	}
	if !c.amChoking {
		if !c.sent(c.wire.SendUnchoke()) {
			return
		}
	}
	c.log.Info().Msg("connected")
	c.emit(event.PeerConnected{TransferIdx: c.idx, Addr: c.addr})
}

// sent closes the connection if a write failed.
func (c *Conn) sent(err error) bool {
	if err != nil {
		c.finish(newError(ConnectionClosed, err, "write"))
		return false
	}
	return true
}

func (c *Conn) finish(reason error) {
	if c.finished {
		return
	}
	c.finished = true
	c.state = Closing
	close(c.quit)
	if c.stopUpload != nil {
		c.stopUpload()
	}
	if c.wire != nil {
		c.wire.Close()
	} else if c.netConn != nil {
		c.netConn.Close()
	}

	var held *bitfield.Bitfield
	if c.remote != nil {
		held = c.remote.Clone()
	}
	if errors.Is(reason, ErrShutdown) {
		c.log.Info().Msg("disconnected")
	} else {
		c.log.Info().Err(reason).Msg("disconnected")
	}
	c.emit(event.PeerDisconnected{TransferIdx: c.idx, Reason: reason, Held: held})
}

func (c *Conn) handleCommand(cmd Command) {
	if c.finished {
		return
	}
	switch cmd {
	case Choke:
		if c.amChoking {
			return
		}
		c.amChoking = true
		c.uploads.Clear()
		if c.wire != nil {
			c.sent(c.wire.SendChoke())
		}
	case Unchoke:
		if !c.amChoking {
			return
		}
		c.amChoking = false
		if c.wire != nil {
			c.sent(c.wire.SendUnchoke())
		}
	case Shutdown:
		c.shutdown()
	}
}

// shutdown stops requesting and closes once nothing is in flight or the
// drain timeout passes.
func (c *Conn) shutdown() {
	if c.state != Established {
		c.finish(ErrShutdown)
		return
	}
	c.state = Closing
	c.uploads.Clear()
	if c.inFlight.Len() == 0 {
		c.finish(ErrShutdown)
		return
	}
	c.drain = time.After(c.cfg.DrainTimeout)
}

func (c *Conn) checkDrained() {
	if c.state == Closing && !c.finished && c.inFlight.Len() == 0 {
		c.finish(ErrShutdown)
	}
}

func (c *Conn) readLoop() {
	for {
		msg, err := c.wire.ReadMessage()
		if err != nil {
			c.report(readError(err))
			return
		}
		select {
		case c.msgs <- msg:
		case <-c.quit:
			return
		}
	}
}

func readError(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, wire.ErrMalformed):
		return newError(ProtocolViolation, err, "")
	case errors.Is(err, os.ErrDeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return newError(Timeout, err, "read")
	default:
		return newError(ConnectionClosed, err, "")
	}
}

// report hands an error from the reader or uploader to the loop.
func (c *Conn) report(err error) {
	select {
	case c.errc <- err:
	case <-c.quit:
	}
}

func (c *Conn) uploadLoop(ctx context.Context) {
	for {
		select {
		case <-c.uploads.signal:
		case <-ctx.Done():
			return
		}
		for {
			req, ok := c.uploads.Pop()
			if !ok {
				break
			}
			if err := c.limiter.WaitN(ctx, req.Length); err != nil {
				return
			}
			data, err := c.deps.Files().Read(c.layout.PieceOffset(req.Piece)+int64(req.Offset), req.Length)
			if err != nil {
				c.report(newError(StorageFailed, err, "serve piece %d", req.Piece))
				return
			}
			if err := c.wire.SendBlock(req.Piece, req.Offset, data); err != nil {
				c.report(newError(ConnectionClosed, err, "write"))
				return
			}
			c.uploaded.Add(int64(len(data)))
		}
	}
}

func (c *Conn) keepAlive() {
	if c.finished || c.wire == nil {
		return
	}
	if time.Since(c.wire.LastMessageSent()) >= c.cfg.KeepAliveInterval {
		c.sent(c.wire.SendKeepAlive())
	}
}

func (c *Conn) housekeeping(now time.Time) {
	if c.finished || c.wire == nil {
		return
	}
	for key, sentAt := range c.sentAt {
		if now.Sub(sentAt) > c.cfg.RequestTimeout {
			c.finish(newError(Timeout, nil, "request for piece %d offset %d unanswered", key.Piece, key.Offset))
			return
		}
	}

	elapsed := now.Sub(c.lastReport).Seconds()
	if elapsed <= 0 {
		return
	}
	uploaded := c.uploaded.Load()
	c.downloadRate = int64(float64(c.downloaded-c.lastDownloaded) / elapsed)
	c.uploadRate = int64(float64(uploaded-c.lastUploaded) / elapsed)
	c.lastDownloaded, c.lastUploaded, c.lastReport = c.downloaded, uploaded, now
	c.reportRate()
}

func (c *Conn) reportRate() {
	c.emit(event.RateReported{
		TransferIdx: c.idx,
		Download:    c.downloadRate,
		Upload:      c.uploadRate,
		Interested:  c.peerInterested,
	})
}

func (c *Conn) handleMessage(msg *wire.Message) {
	if msg == nil {
		// keep-alive
		return
	}
	if err := msg.Validate(); err != nil {
		c.finish(newError(ProtocolViolation, err, ""))
		return
	}
	first := !c.gotMessage
	c.gotMessage = true

	switch msg.ID {
	case wire.CHOKE:
		c.log.Debug().Msg("CHOKE")
		c.onChoke()
	case wire.UNCHOKE:
		c.log.Debug().Msg("UNCHOKE")
		c.peerChoking = false
		c.fillRequests()
	case wire.INTERESTED:
		c.log.Debug().Msg("INTERESTED")
		c.setPeerInterested(true)
	case wire.NOT_INTERESTED:
		c.log.Debug().Msg("NOT_INTERESTED")
		c.setPeerInterested(false)
	case wire.HAVE:
		c.onHave(msg.Payload)
	case wire.BITFIELD:
		c.log.Debug().Msg("BITFIELD")
		if !first {
			c.finish(newError(ProtocolViolation, nil, "bitfield after first message"))
			return
		}
		c.onBitfield(msg.Payload)
	case wire.REQUEST:
		c.onRequest(msg.Payload)
	case wire.BLOCK:
		c.onBlock(msg.Payload)
	case wire.CANCEL:
		c.onCancel(msg.Payload)
	case wire.PORT:
		// no DHT
	}
}

func (c *Conn) onChoke() {
	if c.peerChoking {
		return
	}
	c.peerChoking = true
	for _, key := range sortedKeys(c.inFlight) {
		c.emit(event.RequestCanceled{TransferIdx: c.idx, Piece: key.Piece, Offset: key.Offset})
	}
	c.inFlight = piece.Set{}
	c.sentAt = make(map[piece.Key]time.Time)
	c.checkDrained()
}

func (c *Conn) setPeerInterested(interested bool) {
	if c.peerInterested == interested {
		return
	}
	c.peerInterested = interested
	c.reportRate()
}

func (c *Conn) onHave(payload []byte) {
	pieceIndex, _ := wire.ParseHave(payload)
	if pieceIndex >= c.layout.NumPieces {
		c.finish(newError(ProtocolViolation, nil, "have for piece %d of %d", pieceIndex, c.layout.NumPieces))
		return
	}
	if c.remote == nil {
		c.remote = bitfield.New(c.layout.NumPieces)
	}
	if c.remote.Has(pieceIndex) {
		return
	}
	c.remote.Set(pieceIndex)
	c.emit(event.PeerHave{TransferIdx: c.idx, Pieces: []int{pieceIndex}})
	c.updateInterest()
	c.fillRequests()
}

func (c *Conn) onBitfield(payload []byte) {
	remote, err := bitfield.FromBytes(payload, c.layout.NumPieces)
	if err != nil {
		c.finish(newError(ProtocolViolation, err, ""))
		return
	}
	c.remote = remote
	if !remote.Empty() {
		c.emit(event.PeerHave{TransferIdx: c.idx, Pieces: remote.Indices()})
	}
	c.updateInterest()
	c.fillRequests()
}

func (c *Conn) onRequest(payload []byte) {
	pieceIndex, begin, length, _ := wire.ParseRequest(payload)
	if length > wire.MAX_BLOCK_LENGTH || !c.layout.InRange(pieceIndex, begin, length) {
		c.finish(newError(ProtocolViolation, nil, "request for piece %d offset %d length %d", pieceIndex, begin, length))
		return
	}
	if !c.swarm.Local().Has(pieceIndex) {
		c.finish(newError(ProtocolViolation, nil, "request for piece %d we do not have", pieceIndex))
		return
	}
	if c.amChoking || c.state != Established {
		return
	}
	if !c.uploads.Push(piece.Request{Piece: pieceIndex, Offset: begin, Length: length}) {
		c.log.Debug().Int("piece", pieceIndex).Msg("upload queue full, request dropped")
	}
}

func (c *Conn) onCancel(payload []byte) {
	pieceIndex, begin, length, _ := wire.ParseRequest(payload)
	c.uploads.Remove(piece.Request{Piece: pieceIndex, Offset: begin, Length: length})
}

func (c *Conn) onBlock(payload []byte) {
	pieceIndex, begin, data, _ := wire.ParseBlock(payload)
	key := piece.Key{Piece: pieceIndex, Offset: begin}
	if !c.inFlight.Has(key) {
		c.log.Debug().Int("piece", pieceIndex).Int("offset", begin).Msg("unrequested block")
		return
	}
	if len(data) != c.layout.BlockLength(pieceIndex, begin) {
		c.finish(newError(ProtocolViolation, nil, "block of %d bytes for piece %d offset %d", len(data), pieceIndex, begin))
		return
	}
	c.inFlight.Remove(key)
	delete(c.sentAt, key)
	c.downloaded += int64(len(data))

	if !c.swarm.Received(key) {
		err := c.deps.Files().Write(c.layout.PieceOffset(pieceIndex)+int64(begin), data)
		if err != nil {
			c.finish(newError(StorageFailed, err, "write piece %d", pieceIndex))
			return
		}
		c.awaiting.Add(key)
		c.emit(event.BlockReceived{
			TransferIdx: c.idx,
			Piece:       pieceIndex,
			Offset:      begin,
			Length:      len(data),
		})
	}
	c.checkDrained()
	c.fillRequests()
}

func (c *Conn) handleEvent(ev event.Event) {
	if c.finished {
		return
	}
	pieceIndex, ready := c.swarm.Apply(ev)

	switch e := ev.(type) {
	case event.BlockReceived:
		key := piece.Key{Piece: e.Piece, Offset: e.Offset}
		if e.TransferIdx == c.idx {
			c.awaiting.Remove(key)
			if ready {
				c.verify(pieceIndex)
			}
		} else if c.inFlight.Has(key) {
			// another connection won the endgame race
			c.cancel(key)
		}
	case event.PieceCompleted:
		for _, key := range sortedKeys(c.inFlight) {
			if key.Piece == e.Piece {
				c.cancel(key)
			}
		}
		if c.wire != nil && !c.finished {
			c.sent(c.wire.SendHave(e.Piece))
			c.updateInterest()
		}
	}
	c.fillRequests()
}

func (c *Conn) verify(pieceIndex int) {
	ok, err := piece.Verify(c.deps.Files(), c.layout, pieceIndex)
	if err != nil {
		c.finish(newError(StorageFailed, err, ""))
		return
	}
	if !ok {
		c.log.Warn().Int("piece", pieceIndex).Msg("piece failed hash check")
		c.emit(event.PieceFailed{TransferIdx: c.idx, Piece: pieceIndex})
		return
	}
	c.emit(event.PieceCompleted{TransferIdx: c.idx, Piece: pieceIndex})
}

func (c *Conn) cancel(key piece.Key) {
	if c.finished {
		return
	}
	c.inFlight.Remove(key)
	delete(c.sentAt, key)
	if !c.sent(c.wire.SendCancel(key.Piece, key.Offset, c.layout.BlockLength(key.Piece, key.Offset))) {
		return
	}
	c.checkDrained()
}

func (c *Conn) updateInterest() {
	interested := c.swarm.Local().WantsFrom(c.remote)
	if interested == c.amInterested || c.wire == nil {
		return
	}
	c.amInterested = interested
	if interested {
		c.sent(c.wire.SendInterested())
	} else {
		c.sent(c.wire.SendUnInterested())
	}
}

// fillRequests keeps up to MaxOutstanding requests in flight while the
// remote is serving us.
func (c *Conn) fillRequests() {
	if c.finished || c.state != Established || c.peerChoking || !c.amInterested {
		return
	}
	exclude := c.inFlight.Union(c.awaiting)
	for c.inFlight.Len() < c.cfg.MaxOutstanding {
		req, ok := c.picker.Next(c.swarm.Local(), c.remote, exclude)
		if !ok {
			return
		}
		if !c.sent(c.wire.SendRequest(req.Piece, req.Offset, req.Length)) {
			return
		}
		key := req.Key()
		c.inFlight.Add(key)
		exclude.Add(key)
		c.sentAt[key] = time.Now()
		c.emit(event.BlockRequested{TransferIdx: c.idx, Piece: req.Piece, Offset: req.Offset})
	}
}

func sortedKeys(s piece.Set) []piece.Key {
	keys := make([]piece.Key, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Piece != keys[j].Piece {
			return keys[i].Piece < keys[j].Piece
		}
		return keys[i].Offset < keys[j].Offset
	})
	return keys
}
