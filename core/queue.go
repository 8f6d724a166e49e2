package core

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"golang.org/x/sync/singleflight"
)

// Submission is a mutating request that failed while offline and is
// waiting for replay. IDs are monotonic so enqueue order is replay order.
type Submission struct {
	ID         uint64
	Target     string
	Method     string
	Header     http.Header
	Payload    []byte
	EnqueuedAt time.Time
}

// Queue is the durable FIFO of failed submissions. The queue is the sole
// owner of its records; nothing else reads or writes them.
//
// Implementations must be thread-safe!
type Queue interface {
	// Enqueue assigns an id and persists the submission durably before
	// returning.
	Enqueue(s Submission) (uint64, error)
	// Pending returns all queued submissions in enqueue order.
	Pending() ([]Submission, error)
	// Delete removes a replayed submission. Idempotent.
	Delete(id uint64) error
	Close() error
}

var queuePrefix = []byte("q:")

func queueKey(id uint64) []byte {
	key := make([]byte, len(queuePrefix)+8)
	copy(key, queuePrefix)
	binary.BigEndian.PutUint64(key[len(queuePrefix):], id)
	return key
}

// LevelQueue is the goleveldb-backed Queue. Submissions live under
// big-endian sequence keys, so iteration order equals enqueue order, and
// writes are synced so records survive a crash.
type LevelQueue struct {
	db   *leveldb.DB
	next uint64
}

func NewLevelQueue(path string) (*LevelQueue, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, storeErr(err)
	}
	q := &LevelQueue{db: db}
	// resume the id sequence from the last stored record
	it := db.NewIterator(util.BytesPrefix(queuePrefix), nil)
	if it.Last() {
		q.next = binary.BigEndian.Uint64(it.Key()[len(queuePrefix):])
	}
	it.Release()
	if err := it.Error(); err != nil {
		db.Close()
		return nil, storeErr(err)
	}
	return q, nil
}

func (q *LevelQueue) Enqueue(s Submission) (uint64, error) {
	s.ID = atomic.AddUint64(&q.next, 1)
	buf := &bytes.Buffer{}
	if err := gob.NewEncoder(buf).Encode(s); err != nil {
		return 0, storeErr(err)
	}
	if err := q.db.Put(queueKey(s.ID), buf.Bytes(), &opt.WriteOptions{Sync: true}); err != nil {
		return 0, storeErr(err)
	}
	return s.ID, nil
}

func (q *LevelQueue) Pending() ([]Submission, error) {
	it := q.db.NewIterator(util.BytesPrefix(queuePrefix), nil)
	defer it.Release()
	pending := make([]Submission, 0)
	for it.Next() {
		var s Submission
		if err := gob.NewDecoder(bytes.NewReader(it.Value())).Decode(&s); err != nil {
			return pending, storeErr(err)
		}
		pending = append(pending, s)
	}
	if err := it.Error(); err != nil {
		return pending, storeErr(err)
	}
	return pending, nil
}

func (q *LevelQueue) Delete(id uint64) error {
	if err := q.db.Delete(queueKey(id), &opt.WriteOptions{Sync: true}); err != nil {
		return storeErr(err)
	}
	return nil
}

func (q *LevelQueue) Close() error {
	return q.db.Close()
}

// MemQueue is an in-memory Queue for tests and the memory provider.
type MemQueue struct {
	mutex   *sync.Mutex
	next    uint64
	pending []Submission
}

func NewMemQueue() *MemQueue {
	return &MemQueue{mutex: &sync.Mutex{}}
}

func (q *MemQueue) Enqueue(s Submission) (uint64, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.next++
	s.ID = q.next
	q.pending = append(q.pending, s)
	return s.ID, nil
}

func (q *MemQueue) Pending() ([]Submission, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	pending := make([]Submission, len(q.pending))
	copy(pending, q.pending)
	return pending, nil
}

func (q *MemQueue) Delete(id uint64) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	for i, s := range q.pending {
		if s.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return nil
		}
	}
	return nil
}

func (q *MemQueue) Close() error {
	return nil
}

// Replayer drains the queue against the origin when connectivity returns.
// Concurrent triggers collapse into a single active pass.
type Replayer struct {
	queue  Queue
	origin url.URL
	client *http.Client
	group  singleflight.Group
	online int32
}

func NewReplayer(queue Queue, origin url.URL, client *http.Client) *Replayer {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Replayer{queue: queue, origin: origin, client: client}
}

// SetOnline feeds the external connectivity signal. A transition from
// offline to online triggers a replay pass in the background.
func (rp *Replayer) SetOnline(online bool) {
	var val int32
	if online {
		val = 1
	}
	prev := atomic.SwapInt32(&rp.online, val)
	if online && prev == 0 {
		go func() {
			if _, err := rp.ReplayAll(context.Background()); err != nil {
				log.Warn().Err(err).Msg("Replay pass ended early")
			}
		}()
	}
}

// ReplayAll resubmits all queued submissions in enqueue order, deleting
// each on confirmed delivery. It stops at the first submission the origin
// could not be reached for, preserving order. Duplicate concurrent calls
// join the already running pass.
func (rp *Replayer) ReplayAll(ctx context.Context) (int, error) {
	v, err, _ := rp.group.Do("replay", func() (interface{}, error) {
		return rp.replay(ctx)
	})
	replayed, _ := v.(int)
	return replayed, err
}

func (rp *Replayer) replay(ctx context.Context) (int, error) {
	pending, err := rp.queue.Pending()
	if err != nil {
		return 0, err
	}
	replayed := 0
	for _, s := range pending {
		if err := rp.deliver(ctx, s); err != nil {
			log.Warn().Err(err).Uint64("id", s.ID).Str("target", s.Target).
				Msg("Replay stopped at undelivered submission")
			return replayed, err
		}
		if err := rp.queue.Delete(s.ID); err != nil {
			return replayed, err
		}
		replayed++
		log.Debug().Uint64("id", s.ID).Str("target", s.Target).Msg("Replayed submission")
	}
	return replayed, nil
}

// deliver resubmits one submission. A response from the origin counts as
// delivery regardless of status below 500: the origin spoke, so replaying
// again would risk a double submission.
func (rp *Replayer) deliver(ctx context.Context, s Submission) error {
	req, err := http.NewRequestWithContext(ctx, s.Method, rp.origin.String()+s.Target, bytes.NewReader(s.Payload))
	if err != nil {
		return err
	}
	for name, values := range s.Header {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}
	res, err := rp.client.Do(req)
	if err != nil {
		return networkErr(err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 500 {
		return networkErr(errHTTPStatus(res.StatusCode))
	}
	return nil
}

type errHTTPStatus int

func (e errHTTPStatus) Error() string {
	return "origin returned " + http.StatusText(int(e))
}
