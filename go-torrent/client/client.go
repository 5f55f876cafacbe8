package client

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/Charana123/swarm/go-torrent/download"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// Options is what the command line asks for.
type Options struct {
	TorrentPath string
	Verbose     bool
	NoProgress  bool
	Keep        bool
	Config      download.Config
}

var (
	ErrNoTorrent = errors.New("no torrent file given")

	newDownload = download.NewDownload
)

// ParseArgs reads options from args, without the program name.
func ParseArgs(args []string, output io.Writer) (Options, error) {
	opts := Options{Config: download.DefaultConfig()}
	cfg := &opts.Config

	fs := flag.NewFlagSet("swarm", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.TorrentPath, "torrent", "", "path to the .torrent file")
	fs.StringVar(&cfg.OutputDir, "out", cfg.OutputDir, "directory the files are written to")
	fs.IntVar(&cfg.ListenPort, "port", cfg.ListenPort, "port to accept peers on, 0 picks one")
	fs.StringVar(&cfg.APIAddr, "api", "", "address of the status api, empty disables it")
	fs.Int64Var(&cfg.UploadRate, "upload-rate", 0, "upload limit in bytes per second, 0 is unlimited")
	fs.IntVar(&cfg.Slots, "slots", cfg.Slots, "regular unchoke slots")
	fs.IntVar(&cfg.MaxPeers, "max-peers", cfg.MaxPeers, "connection limit")
	fs.BoolVar(&opts.Verbose, "v", false, "debug logging")
	fs.BoolVar(&opts.NoProgress, "no-progress", false, "hide the progress bar")
	fs.BoolVar(&opts.Keep, "keep", true, "keep partial data when the transfer fails")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.TorrentPath == "" && fs.NArg() == 1 {
		opts.TorrentPath = fs.Arg(0)
	}
	if opts.TorrentPath == "" {
		fs.Usage()
		return opts, ErrNoTorrent
	}
	if cfg.Slots < 1 {
		return opts, fmt.Errorf("slots must be positive, got %d", cfg.Slots)
	}
	if cfg.UploadRate < 0 {
		return opts, fmt.Errorf("upload rate must not be negative, got %d", cfg.UploadRate)
	}
	return opts, nil
}

// Run transfers the torrent until it stops on its own or ctx is canceled.
func Run(
	ctx context.Context,
	opts Options,
	fs afero.Fs,
	logger zerolog.Logger) error {

	d := newDownload(opts.Config, fs, !opts.NoProgress, logger)
	if err := d.Start(opts.TorrentPath); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- d.Wait()
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		logger.Info().Msg("stopping")
		d.Stop()
		err = <-done
	}
	if err != nil && !opts.Keep {
		if cleanErr := d.CleanUp(); cleanErr != nil {
			logger.Warn().Err(cleanErr).Msg("removing partial data")
		}
	}
	return err
}
