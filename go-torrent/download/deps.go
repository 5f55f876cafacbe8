package download

import (
	"context"
	"net"

	"github.com/Charana123/swarm/go-torrent/event"
	"github.com/Charana123/swarm/go-torrent/peer"
	"github.com/Charana123/swarm/go-torrent/storage"
	"github.com/Charana123/swarm/go-torrent/torrent"
	"github.com/Charana123/swarm/go-torrent/tracker"
	"github.com/rs/zerolog"
)

// Sink receives every event the coordinator forwards. It must not feed
// anything back into the transfer.
type Sink interface {
	Consume(ev event.Event)
}

// Deps is the capability set a transfer runs against.
type Deps interface {
	peer.Deps
	TrackerClient() tracker.Client
	DataCollector() Sink
	Config() Config
}

type deps struct {
	cfg       Config
	layout    torrent.Layout
	files     storage.FileProvider
	tracker   tracker.Client
	collector Sink
	peerID    [20]byte
	events    chan<- event.Event
	dialer    *net.Dialer
	log       zerolog.Logger
}

// NewDeps bundles the production collaborators. events is the channel
// later passed to Coordinator.Run.
func NewDeps(
	cfg Config,
	layout torrent.Layout,
	files storage.FileProvider,
	trackerClient tracker.Client,
	collector Sink,
	peerID [20]byte,
	events chan<- event.Event,
	logger zerolog.Logger) Deps {

	return &deps{
		cfg:       cfg,
		layout:    layout,
		files:     files,
		tracker:   trackerClient,
		collector: collector,
		peerID:    peerID,
		events:    events,
		dialer:    &net.Dialer{Timeout: cfg.HandshakeTimeout},
		log:       logger,
	}
}

func (d *deps) Layout() torrent.Layout { return d.layout }
func (d *deps) OutputTx() chan<- event.Event { return d.events }
func (d *deps) Files() storage.FileProvider { return d.files }
func (d *deps) PeerID() [20]byte { return d.peerID }
func (d *deps) Logger() zerolog.Logger { return d.log }
func (d *deps) TrackerClient() tracker.Client { return d.tracker }
func (d *deps) DataCollector() Sink { return d.collector }
func (d *deps) Config() Config { return d.cfg }

func (d *deps) Dial(ctx context.Context, addr string) (net.Conn, error) {
	return d.dialer.DialContext(ctx, "tcp", addr)
}
