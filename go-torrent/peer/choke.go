package peer

import (
	"sort"
	"time"

	"github.com/Charana123/swarm/go-torrent/bitfield"
	"github.com/Charana123/swarm/go-torrent/event"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

var (
	CHOKE_INTERVAL   = 10 * time.Second
	DOWNLOADERS      = 4
	OPTIMISTIC_EVERY = 3
)

type ChokerConfig struct {
	Slots           int
	Interval        time.Duration
	OptimisticEvery int
}

type peerInfo struct {
	idx        int
	download   int64
	upload     int64
	interested bool
	unchoked   bool
}

// Choker decides which established peers we upload to. It trusts the
// rates connections report and never computes its own.
type Choker struct {
	registry   *Registry
	cfg        ChokerConfig
	log        zerolog.Logger
	local      *bitfield.Bitfield
	peers      map[int]*peerInfo
	optimistic int
	cursor     int
	ticks      int
}

// NewChoker seeds the choker with the local bitfield, to know when we
// are seeding, and the number of peers about to connect. peerCount only
// sizes the peer table; peers are ranked once they report PeerConnected,
// however many there turn out to be.
func NewChoker(
	registry *Registry,
	local *bitfield.Bitfield,
	peerCount int,
	cfg ChokerConfig,
	logger zerolog.Logger) *Choker {

	if cfg.Slots <= 0 {
		cfg.Slots = DOWNLOADERS
	}
	if cfg.Interval <= 0 {
		cfg.Interval = CHOKE_INTERVAL
	}
	if cfg.OptimisticEvery <= 0 {
		cfg.OptimisticEvery = OPTIMISTIC_EVERY
	}
	return &Choker{
		registry:   registry,
		cfg:        cfg,
		log:        logger.With().Str("component", "choker").Logger(),
		local:      local.Clone(),
		peers:      make(map[int]*peerInfo, peerCount),
		optimistic: -1,
		cursor:     -1,
	}
}

// Run consumes fanned-out events until the channel closes.
func (c *Choker) Run(events <-chan event.Event) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handle(ev)
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *Choker) handle(ev event.Event) {
	switch e := ev.(type) {
	case event.PeerConnected:
		c.peers[e.TransferIdx] = &peerInfo{idx: e.TransferIdx}
		c.choke(false)
	case event.PeerDisconnected:
		if _, ok := c.peers[e.TransferIdx]; !ok {
			return
		}
		delete(c.peers, e.TransferIdx)
		if c.optimistic == e.TransferIdx {
			c.optimistic = -1
		}
		c.choke(false)
	case event.RateReported:
		if p, ok := c.peers[e.TransferIdx]; ok {
			p.download = e.Download
			p.upload = e.Upload
			p.interested = e.Interested
		}
	case event.PieceCompleted:
		c.local.Set(e.Piece)
	}
}

func (c *Choker) tick() {
	c.ticks++
	c.choke(c.ticks%c.cfg.OptimisticEvery == 0)
}

func (c *Choker) seeding() bool {
	return c.local.Full()
}

func (c *Choker) rate(p *peerInfo) int64 {
	if c.seeding() {
		return p.upload
	}
	return p.download
}

// ranked orders peers interested first, then by rate, then by index.
func (c *Choker) ranked() []*peerInfo {
	peers := lo.Values(c.peers)
	sort.Slice(peers, func(i, j int) bool {
		a, b := peers[i], peers[j]
		if a.interested != b.interested {
			return a.interested
		}
		if ra, rb := c.rate(a), c.rate(b); ra != rb {
			return ra > rb
		}
		return a.idx < b.idx
	})
	return peers
}

// nextOptimistic continues the round robin after the last optimistic
// unchoke.
func (c *Choker) nextOptimistic(candidates []*peerInfo) int {
	if len(candidates) == 0 {
		return -1
	}
	idxs := lo.Map(candidates, func(p *peerInfo, _ int) int {
		return p.idx
	})
	sort.Ints(idxs)
	for _, idx := range idxs {
		if idx > c.cursor {
			return idx
		}
	}
	return idxs[0]
}

func (c *Choker) choke(rotate bool) {
	ranked := c.ranked()
	slots := min(c.cfg.Slots, len(ranked))
	regular, rest := ranked[:slots], ranked[slots:]

	unchoke := make(map[int]bool, slots+1)
	for _, p := range regular {
		unchoke[p.idx] = true
	}
	stillCandidate := lo.ContainsBy(rest, func(p *peerInfo) bool {
		return p.idx == c.optimistic
	})
	if rotate || !stillCandidate {
		c.optimistic = c.nextOptimistic(rest)
		if c.optimistic >= 0 {
			c.cursor = c.optimistic
		}
	}
	if c.optimistic >= 0 {
		unchoke[c.optimistic] = true
	}

	// choke before unchoking so the limit also holds in between
	for _, p := range ranked {
		if p.unchoked && !unchoke[p.idx] {
			c.command(p, Choke)
		}
	}
	for _, p := range ranked {
		if !p.unchoked && unchoke[p.idx] {
			c.command(p, Unchoke)
		}
	}
}

func (c *Choker) command(p *peerInfo, cmd Command) {
	h, ok := c.registry.Get(p.idx)
	if !ok || !h.Command(cmd) {
		return
	}
	p.unchoked = cmd == Unchoke
	c.log.Debug().Int("transfer", p.idx).Stringer("command", cmd).Msg("choke decision")
}

// unchokedPeers returns the indexes currently unchoked, ascending.
func (c *Choker) unchokedPeers() []int {
	idxs := lo.FilterMap(lo.Values(c.peers), func(p *peerInfo, _ int) (int, bool) {
		return p.idx, p.unchoked
	})
	sort.Ints(idxs)
	return idxs
}
