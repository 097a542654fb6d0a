package volume

import (
	"sync"
	"time"

	"github.com/whispem/minikv/pkg/kverrors"
	"github.com/whispem/minikv/pkg/metrics"
)

// preparedUploadTTL bounds how long a prepared-but-uncommitted upload may
// sit in memory before the reaper discards it: 60 seconds of inactivity.
const preparedUploadTTL = 60 * time.Second

type preparedUpload struct {
	key            string
	expectedSize   uint64
	expectedBlake3 string
	data           []byte
	createdAt      time.Time
}

// preparedTable is a separate mutex-protected table: its lock scope covers
// only lookup/insert/remove, distinct from the blob store's own
// consistency domain.
type preparedTable struct {
	mu    sync.Mutex
	items map[string]*preparedUpload
}

func newPreparedTable() *preparedTable {
	return &preparedTable{items: make(map[string]*preparedUpload)}
}

func (t *preparedTable) put(uploadID string, u *preparedUpload) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items[uploadID] = u
	metrics.PreparedUploadsActive.Set(float64(len(t.items)))
}

func (t *preparedTable) get(uploadID string) (*preparedUpload, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.items[uploadID]
	return u, ok
}

func (t *preparedTable) remove(uploadID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.items, uploadID)
	metrics.PreparedUploadsActive.Set(float64(len(t.items)))
}

// take removes and returns the upload in one step, so Commit cannot race a
// concurrent reap of the same uploadID.
func (t *preparedTable) take(uploadID string) (*preparedUpload, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.items[uploadID]
	if ok {
		delete(t.items, uploadID)
		metrics.PreparedUploadsActive.Set(float64(len(t.items)))
	}
	return u, ok
}

// reapExpired drops uploads older than preparedUploadTTL, bounding the
// memory a stalled or abandoned upload can hold onto.
func (t *preparedTable) reapExpired(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, u := range t.items {
		if now.Sub(u.createdAt) > preparedUploadTTL {
			delete(t.items, id)
			n++
		}
	}
	if n > 0 {
		metrics.PreparedUploadsActive.Set(float64(len(t.items)))
	}
	return n
}

var errUnknownUpload = kverrors.New(kverrors.KindNotFound, "volume.prepared")
