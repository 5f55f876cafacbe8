package download

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Charana123/swarm/go-torrent/event"
	"github.com/Charana123/swarm/go-torrent/peer"
	"github.com/Charana123/swarm/go-torrent/tracker"
	"github.com/cucumber/godog"
	"github.com/stretchr/testify/mock"
)

const STEP_TIMEOUT = 3 * time.Second

type startupFeature struct {
	t           *testing.T
	deps        *fakeDeps
	coordinator *Coordinator
	cancel      context.CancelFunc
	errc        <-chan error
	err         error
	returned    bool
}

func (f *startupFeature) reset(t *testing.T) {
	if f.cancel != nil {
		f.cancel()
	}
	*f = startupFeature{t: t, deps: newFakeDeps(t)}
	f.deps.tracker.On("Announce", mock.Anything, tracker.Stopped).Return(&tracker.Response{}, nil).Maybe()
}

func (f *startupFeature) aTrackerThatFails() error {
	f.deps.tracker.On("Announce", mock.Anything, tracker.Started).Return(nil, errors.New("tracker unreachable"))
	return nil
}

func (f *startupFeature) aTrackerThatReturnsPeers(n int) error {
	peers := make([]tracker.Peer, n)
	for i := range peers {
		peers[i] = tracker.Peer{Addr: fmt.Sprintf("10.0.0.%d:6881", i+1)}
	}
	f.deps.tracker.On("Announce", mock.Anything, tracker.Started).Return(&tracker.Response{Peers: peers}, nil)
	return nil
}

func (f *startupFeature) theTransferStarts() error {
	var ctx context.Context
	ctx, f.cancel = context.WithCancel(context.Background())
	f.coordinator = NewCoordinator(f.deps)
	f.errc = runCoordinator(ctx, f.coordinator, f.deps.events)
	return nil
}

func (f *startupFeature) wait() error {
	if f.returned {
		return nil
	}
	select {
	case f.err = <-f.errc:
		f.returned = true
		return nil
	case <-time.After(STEP_TIMEOUT):
		return errors.New("coordinator did not return")
	}
}

func (f *startupFeature) startupFailsWithATrackerError() error {
	if err := f.wait(); err != nil {
		return err
	}
	if !errors.Is(f.err, ErrTrackerCallFailed) {
		return fmt.Errorf("expected a tracker error, got %v", f.err)
	}
	return nil
}

func (f *startupFeature) noPeerWasDialed() error {
	f.deps.Lock()
	defer f.deps.Unlock()

	if f.deps.dials != 0 {
		return fmt.Errorf("%d peers dialed", f.deps.dials)
	}
	return nil
}

func (f *startupFeature) anEventIsReceived() error {
	select {
	case f.deps.events <- event.PieceFailed{TransferIdx: event.COORDINATOR, Piece: 0}:
		return nil
	case <-time.After(STEP_TIMEOUT):
		return errors.New("event channel full")
	}
}

func (f *startupFeature) eventually(check func() error) error {
	deadline := time.Now().Add(STEP_TIMEOUT)
	for {
		err := check()
		if err == nil || time.Now().After(deadline) {
			return err
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *startupFeature) theDataCollectorObservesEvents(n int) error {
	return f.eventually(func() error {
		if got := len(f.deps.sink.snapshot()); got != n {
			return fmt.Errorf("collector saw %d events, want %d", got, n)
		}
		return nil
	})
}

func (f *startupFeature) connectionsAreRegistered(n int) error {
	return f.eventually(func() error {
		if got := f.coordinator.Registry().Len(); got != n {
			return fmt.Errorf("%d connections registered, want %d", got, n)
		}
		return nil
	})
}

func (f *startupFeature) peersDisconnectWithAConnectionError(n int) error {
	return f.eventually(func() error {
		seen := map[int]bool{}
		for _, ev := range f.deps.sink.snapshot() {
			d, ok := ev.(event.PeerDisconnected)
			if !ok {
				continue
			}
			if !peer.IsKind(d.Reason, peer.ConnectionClosed) {
				return fmt.Errorf("transfer %d: unexpected reason %v", d.TransferIdx, d.Reason)
			}
			seen[d.TransferIdx] = true
		}
		if len(seen) != n {
			return fmt.Errorf("%d peers disconnected, want %d", len(seen), n)
		}
		return nil
	})
}

func (f *startupFeature) theTransferStopsCleanlyWhenCanceled() error {
	f.cancel()
	if err := f.wait(); err != nil {
		return err
	}
	if f.err != nil {
		return fmt.Errorf("transfer returned %w", f.err)
	}
	if f.coordinator.Incoming(nil) {
		return errors.New("still taking peers after stopping")
	}
	return nil
}

func TestFeatures(t *testing.T) {
	f := &startupFeature{}
	suite := godog.TestSuite{
		ScenarioInitializer: func(sc *godog.ScenarioContext) {
			sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
				f.reset(t)
				return ctx, nil
			})
			sc.After(func(ctx context.Context, _ *godog.Scenario, err error) (context.Context, error) {
				if f.cancel != nil {
					f.cancel()
				}
				return ctx, nil
			})

			sc.Step(`^a tracker that fails$`, f.aTrackerThatFails)
			sc.Step(`^a tracker that returns (\d+) peers$`, f.aTrackerThatReturnsPeers)
			sc.Step(`^the transfer starts$`, f.theTransferStarts)
			sc.Step(`^startup fails with a tracker error$`, f.startupFailsWithATrackerError)
			sc.Step(`^no peer was dialed$`, f.noPeerWasDialed)
			sc.Step(`^an event is received$`, f.anEventIsReceived)
			sc.Step(`^the data collector observes (\d+) events?$`, f.theDataCollectorObservesEvents)
			sc.Step(`^(\d+) connections are registered$`, f.connectionsAreRegistered)
			sc.Step(`^(\d+) peers disconnect with a connection error$`, f.peersDisconnectWithAConnectionError)
			sc.Step(`^the transfer stops cleanly when canceled$`, f.theTransferStopsCleanlyWhenCanceled)
		},
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
