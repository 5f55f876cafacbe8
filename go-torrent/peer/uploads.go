package peer

import (
	"sync"

	"github.com/Charana123/swarm/go-torrent/piece"
	"github.com/emirpasic/gods/lists/doublylinkedlist"
	"golang.org/x/time/rate"
)

var (
	MAX_QUEUED_UPLOADS = 256
	UPLOAD_BURST       = 1 << 17
)

// NewUploadLimiter returns the limiter shared by every connection's
// uploader. bytesPerSecond <= 0 means unlimited.
func NewUploadLimiter(bytesPerSecond int64) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, UPLOAD_BURST)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), UPLOAD_BURST)
}

// uploadQueue holds requests the remote peer made that are waiting to be
// served. The connection loop pushes and removes, the uploader pops.
type uploadQueue struct {
	sync.Mutex
	list   *doublylinkedlist.List
	signal chan struct{}
}

func newUploadQueue() *uploadQueue {
	return &uploadQueue{
		list:   doublylinkedlist.New(),
		signal: make(chan struct{}, 1),
	}
}

func (q *uploadQueue) Push(req piece.Request) bool {
	q.Lock()
	if q.list.Size() >= MAX_QUEUED_UPLOADS {
		q.Unlock()
		return false
	}
	q.list.Add(req)
	q.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *uploadQueue) Pop() (piece.Request, bool) {
	q.Lock()
	defer q.Unlock()

	v, ok := q.list.Get(0)
	if !ok {
		return piece.Request{}, false
	}
	q.list.Remove(0)
	return v.(piece.Request), true
}

func (q *uploadQueue) Remove(req piece.Request) {
	q.Lock()
	defer q.Unlock()

	if i := q.list.IndexOf(req); i >= 0 {
		q.list.Remove(i)
	}
}

func (q *uploadQueue) Clear() {
	q.Lock()
	defer q.Unlock()

	q.list.Clear()
}

func (q *uploadQueue) Len() int {
	q.Lock()
	defer q.Unlock()

	return q.list.Size()
}
