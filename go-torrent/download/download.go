package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Charana123/swarm/go-torrent/api"
	"github.com/Charana123/swarm/go-torrent/event"
	"github.com/Charana123/swarm/go-torrent/server"
	"github.com/Charana123/swarm/go-torrent/stats"
	"github.com/Charana123/swarm/go-torrent/storage"
	"github.com/Charana123/swarm/go-torrent/torrent"
	"github.com/Charana123/swarm/go-torrent/tracker"
	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/afero"
)

type Download interface {
	Start(path string) error
	Wait() error
	Stop()
	CleanUp() error
}

type download struct {
	cfg    Config
	fs     afero.Fs
	log    zerolog.Logger
	bar    bool
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	files  []string
}

var newServer = server.NewServer

// NewDownload writes under cfg.OutputDir on fs. showProgress renders a
// progress bar on stderr.
func NewDownload(
	cfg Config,
	fs afero.Fs,
	showProgress bool,
	logger zerolog.Logger) Download {

	return &download{
		cfg: cfg,
		fs:  fs,
		log: logger,
		bar: showProgress,
	}
}

// Start begins downloading and seeding the torrent at path.
func (d *download) Start(path string) error {
	if d.done != nil {
		return errors.New("download already started")
	}
	f, err := d.fs.Open(path)
	if err != nil {
		return err
	}
	t, err := torrent.NewTorrent(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	layout := t.Layout()

	dir := filepath.Join(d.cfg.OutputDir, t.Root())
	files, err := storage.NewFileProvider(d.fs, dir, t.Files())
	if err != nil {
		return err
	}
	for _, file := range t.Files() {
		d.files = append(d.files, filepath.Join(append([]string{dir}, file.Path...)...))
	}

	var bar *progressbar.ProgressBar
	if d.bar {
		bar = progressbar.DefaultBytes(layout.TotalLength, t.MetaInfo.Info.Name)
	}
	collector := stats.NewCollector(layout, nil, bar, d.log)

	sv, err := newServer(d.cfg.ListenPort, d.log)
	if err != nil {
		files.Close()
		return err
	}
	peerID := torrent.NewPeerID()
	trackerClient := tracker.New(t.Trackers(), layout.InfoHash, peerID, sv.GetServerPort(), collector)

	events := make(chan event.Event, d.cfg.ChannelSize)
	deps := NewDeps(d.cfg, layout, files, trackerClient, collector, peerID, events, d.log)
	coordinator := NewCoordinator(deps)

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	d.log.Info().
		Str("torrent", t.MetaInfo.Info.Name).
		Hex("info_hash", layout.InfoHash[:]).
		Int("pieces", layout.NumPieces).
		Int64("length", layout.TotalLength).
		Msg("starting download")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sv.Serve(ctx, coordinator); err != nil {
			d.log.Error().Err(err).Msg("peer listener stopped")
		}
	}()
	if d.cfg.APIAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := api.NewServer(d.cfg.APIAddr, collector, d.log).Run(ctx); err != nil {
				d.log.Error().Err(err).Msg("api stopped")
			}
		}()
	}

	go func() {
		defer close(d.done)
		d.err = coordinator.Run(ctx, events)
		cancel()
		wg.Wait()
		if err := files.Close(); err != nil {
			d.log.Warn().Err(err).Msg("closing files")
		}
	}()
	return nil
}

// Wait blocks until the transfer stopped and returns why it did.
func (d *download) Wait() error {
	if d.done == nil {
		return errors.New("download not started")
	}
	<-d.done
	return d.err
}

// Stop shuts every connection down and waits for the transfer to end.
func (d *download) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
}

// CleanUp deletes the (possibly partially) downloaded files.
func (d *download) CleanUp() error {
	var errs []error
	for _, name := range d.files {
		if err := d.fs.Remove(name); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
