package download

import (
	"time"

	"github.com/Charana123/swarm/go-torrent/peer"
)

type Config struct {
	// choking
	Slots           int
	ChokeInterval   time.Duration
	OptimisticEvery int

	// requests
	EndgameBlocks  int
	MaxOutstanding int
	ChannelSize    int
	MaxPeers       int

	HandshakeTimeout  time.Duration
	ReadTimeout       time.Duration
	RequestTimeout    time.Duration
	DrainTimeout      time.Duration
	KeepAliveInterval time.Duration
	RateInterval      time.Duration
	StopTimeout       time.Duration

	// bytes per second shared by all uploads, 0 for unlimited
	UploadRate int64
	ListenPort int
	APIAddr    string
	OutputDir  string
}

func DefaultConfig() Config {
	return Config{
		Slots:           4,
		ChokeInterval:   10 * time.Second,
		OptimisticEvery: 3,

		EndgameBlocks:  20,
		MaxOutstanding: 5,
		ChannelSize:    64,
		MaxPeers:       50,

		HandshakeTimeout:  10 * time.Second,
		ReadTimeout:       3 * time.Minute,
		RequestTimeout:    time.Minute,
		DrainTimeout:      5 * time.Second,
		KeepAliveInterval: 2 * time.Minute,
		RateInterval:      5 * time.Second,
		StopTimeout:       5 * time.Second,

		ListenPort: 6881,
		OutputDir:  ".",
	}
}

func (cfg Config) PeerConfig() peer.Config {
	return peer.Config{
		MaxOutstanding:    cfg.MaxOutstanding,
		ChannelSize:       cfg.ChannelSize,
		EndgameBlocks:     cfg.EndgameBlocks,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		RequestTimeout:    cfg.RequestTimeout,
		DrainTimeout:      cfg.DrainTimeout,
		KeepAliveInterval: cfg.KeepAliveInterval,
		RateInterval:      cfg.RateInterval,
	}
}

func (cfg Config) ChokerConfig() peer.ChokerConfig {
	return peer.ChokerConfig{
		Slots:           cfg.Slots,
		Interval:        cfg.ChokeInterval,
		OptimisticEvery: cfg.OptimisticEvery,
	}
}
