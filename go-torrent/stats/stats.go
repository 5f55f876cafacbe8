package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/Charana123/swarm/go-torrent/event"
	"github.com/Charana123/swarm/go-torrent/torrent"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/schollz/progressbar/v3"
)

const (
	// number of rate reports averaged per peer
	PONDERATION_TIME  = 10
	SUBSCRIBER_BUFFER = 64
)

type PeerStat struct {
	Idx          int    `json:"idx"`
	Addr         string `json:"addr"`
	Downloaded   int64  `json:"downloaded"`
	Uploaded     int64  `json:"uploaded"`
	DownloadRate int64  `json:"download_rate"`
	UploadRate   int64  `json:"upload_rate"`
	Interested   bool   `json:"interested"`
	Pieces       int    `json:"pieces"`

	uploadActivity   [PONDERATION_TIME]int64
	downloadActivity [PONDERATION_TIME]int64
	i                int
	lastReport       time.Time
}

type Snapshot struct {
	NumPieces    int        `json:"num_pieces"`
	Completed    int        `json:"completed"`
	Failed       int        `json:"failed"`
	Downloaded   int64      `json:"downloaded"`
	Uploaded     int64      `json:"uploaded"`
	Left         int64      `json:"left"`
	DownloadRate int64      `json:"download_rate"`
	UploadRate   int64      `json:"upload_rate"`
	Peers        []PeerStat `json:"peers"`
}

// Collector is the statistics sink fed by the coordinator. It never
// feeds anything back into the transfer.
type Collector struct {
	sync.RWMutex
	layout      torrent.Layout
	completed   map[int]bool
	failed      int
	downloaded  int64
	uploaded    int64
	left        int64
	peers       map[int]*PeerStat
	bar         *progressbar.ProgressBar
	subscribers map[chan event.Event]struct{}
	log         zerolog.Logger
	now         func() time.Time
}

// NewCollector starts from the pieces already held. bar may be nil.
func NewCollector(
	layout torrent.Layout,
	held []int,
	bar *progressbar.ProgressBar,
	logger zerolog.Logger) *Collector {

	c := &Collector{
		layout:      layout,
		completed:   make(map[int]bool),
		left:        layout.TotalLength,
		peers:       make(map[int]*PeerStat),
		bar:         bar,
		subscribers: make(map[chan event.Event]struct{}),
		log:         logger.With().Str("component", "stats").Logger(),
		now:         time.Now,
	}
	for _, p := range held {
		c.complete(p)
	}
	return c
}

func (c *Collector) complete(pieceIndex int) {
	if c.completed[pieceIndex] {
		return
	}
	c.completed[pieceIndex] = true
	length := int64(c.layout.PieceLength(pieceIndex))
	c.left -= length
	if c.bar != nil {
		c.bar.Add64(length)
	}
}

func (c *Collector) peer(idx int) *PeerStat {
	p, ok := c.peers[idx]
	if !ok {
		p = &PeerStat{Idx: idx, lastReport: c.now()}
		c.peers[idx] = p
	}
	return p
}

// Consume records one forwarded event.
func (c *Collector) Consume(ev event.Event) {
	c.Lock()
	switch e := ev.(type) {
	case event.PeerConnected:
		c.peer(e.TransferIdx).Addr = e.Addr
	case event.PeerDisconnected:
		delete(c.peers, e.TransferIdx)
	case event.PeerHave:
		c.peer(e.TransferIdx).Pieces += len(e.Pieces)
	case event.BlockReceived:
		c.downloaded += int64(e.Length)
		c.peer(e.TransferIdx).Downloaded += int64(e.Length)
	case event.PieceCompleted:
		c.complete(e.Piece)
		c.log.Debug().Int("piece", e.Piece).Int("completed", len(c.completed)).Msg("piece completed")
	case event.PieceFailed:
		c.failed++
	case event.RateReported:
		c.report(e)
	}
	subscribers := lo.Keys(c.subscribers)
	c.Unlock()

	for _, sub := range subscribers {
		select {
		case sub <- ev:
		default:
			// slow subscriber, drop
		}
	}
}

func (c *Collector) report(e event.RateReported) {
	p := c.peer(e.TransferIdx)
	now := c.now()
	// uploads are only known as rates, so the total is integrated
	uploaded := int64(float64(e.Upload) * now.Sub(p.lastReport).Seconds())
	p.Uploaded += uploaded
	c.uploaded += uploaded
	p.lastReport = now
	p.Interested = e.Interested

	p.uploadActivity[p.i] = e.Upload
	p.downloadActivity[p.i] = e.Download
	p.i = (p.i + 1) % PONDERATION_TIME
	p.UploadRate = lo.Sum(p.uploadActivity[:]) / PONDERATION_TIME
	p.DownloadRate = lo.Sum(p.downloadActivity[:]) / PONDERATION_TIME
}

func (c *Collector) Peers() []PeerStat {
	c.RLock()
	defer c.RUnlock()

	peers := lo.MapToSlice(c.peers, func(_ int, p *PeerStat) PeerStat {
		return *p
	})
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].Idx < peers[j].Idx
	})
	return peers
}

func (c *Collector) Snapshot() Snapshot {
	peers := c.Peers()

	c.RLock()
	defer c.RUnlock()
	return Snapshot{
		NumPieces:  c.layout.NumPieces,
		Completed:  len(c.completed),
		Failed:     c.failed,
		Downloaded: c.downloaded,
		Uploaded:   c.uploaded,
		Left:       c.left,
		DownloadRate: lo.SumBy(peers, func(p PeerStat) int64 {
			return p.DownloadRate
		}),
		UploadRate: lo.SumBy(peers, func(p PeerStat) int64 {
			return p.UploadRate
		}),
		Peers: peers,
	}
}

// TrackerStats returns the totals reported in announces.
func (c *Collector) TrackerStats() (uploaded, downloaded, left int64) {
	c.RLock()
	defer c.RUnlock()

	return c.uploaded, c.downloaded, c.left
}

// Subscribe returns a channel receiving every consumed event. Events are
// dropped when the subscriber falls behind.
func (c *Collector) Subscribe() (<-chan event.Event, func()) {
	sub := make(chan event.Event, SUBSCRIBER_BUFFER)
	c.Lock()
	c.subscribers[sub] = struct{}{}
	c.Unlock()

	return sub, func() {
		c.Lock()
		delete(c.subscribers, sub)
		c.Unlock()
	}
}
