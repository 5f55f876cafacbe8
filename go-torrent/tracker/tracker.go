package tracker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Event is the announce event; the values are the ones used on the UDP
// wire.
type Event int32

const (
	None Event = iota
	Completed
	Started
	Stopped
)

var (
	DEFAULT_INTERVAL = 30 * time.Minute
	NUMWANT          = int32(50)
	HTTP_TIMEOUT     = 15 * time.Second
)

var (
	ErrNoTrackers        = errors.New("no trackers")
	ErrUnsupportedScheme = errors.New("unsupported tracker scheme")
)

func (e Event) String() string {
	switch e {
	case Completed:
		return "completed"
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	default:
		return ""
	}
}

// Peer is an announced peer. ID is nil when the tracker sent a compact
// list.
type Peer struct {
	Addr string
	ID   []byte
}

type Response struct {
	Peers    []Peer
	Interval time.Duration
	Leechers int
	Seeders  int
}

// Stats provides the totals sent with each announce.
type Stats interface {
	TrackerStats() (uploaded, downloaded, left int64)
}

type Client interface {
	Announce(ctx context.Context, event Event) (*Response, error)
}

type announceFunc func(ctx context.Context, trackerURL *url.URL, event Event) (*Response, error)

type tracker struct {
	sync.Mutex
	tiers      [][]string
	infoHash   [20]byte
	peerID     [20]byte
	port       uint16
	key        int32
	numwant    int32
	stats      Stats
	httpClient *http.Client
}

// New builds a Client over the announce tiers. Trackers within a tier are
// shuffled once and a tracker that answers is moved to the front of its
// tier.
func New(
	announceList [][]string,
	infoHash [20]byte,
	peerID [20]byte,
	port int,
	stats Stats) Client {

	tiers := make([][]string, 0, len(announceList))
	for _, tier := range announceList {
		if len(tier) == 0 {
			continue
		}
		shuffled := append([]string(nil), tier...)
		rand.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		tiers = append(tiers, shuffled)
	}
	return &tracker{
		tiers:      tiers,
		infoHash:   infoHash,
		peerID:     peerID,
		port:       uint16(port),
		key:        rand.Int31(),
		numwant:    NUMWANT,
		stats:      stats,
		httpClient: &http.Client{Timeout: HTTP_TIMEOUT},
	}
}

func (tr *tracker) totals() (uploaded, downloaded, left int64) {
	if tr.stats == nil {
		return 0, 0, 0
	}
	return tr.stats.TrackerStats()
}

func (tr *tracker) announcer(u *url.URL) (announceFunc, error) {
	switch u.Scheme {
	case "http", "https":
		return tr.queryHTTPTracker, nil
	case "udp":
		return tr.queryUDPTracker, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

func (tr *tracker) announceOne(ctx context.Context, trackerURL string, event Event) (*Response, error) {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return nil, err
	}
	announce, err := tr.announcer(u)
	if err != nil {
		return nil, err
	}
	return announce(ctx, u, event)
}

// Announce tries the tiers in order and returns the first answer.
func (tr *tracker) Announce(ctx context.Context, event Event) (*Response, error) {
	tr.Lock()
	defer tr.Unlock()

	if len(tr.tiers) == 0 {
		return nil, ErrNoTrackers
	}
	var errs []error
	for _, tier := range tr.tiers {
		for i, trackerURL := range tier {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			resp, err := tr.announceOne(ctx, trackerURL, event)
			if err != nil {
				errs = append(errs, fmt.Errorf("announce %s: %w", trackerURL, err))
				continue
			}
			copy(tier[1:i+1], tier[:i])
			tier[0] = trackerURL
			return resp, nil
		}
	}
	return nil, errors.Join(errs...)
}
