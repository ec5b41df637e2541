package kvs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/andreyvit/kvs/journal"
	"github.com/vmihailenco/msgpack/v5"
)

const DefaultChangeFeedHistory = 1024

// ErrHistoryUnavailable means a subscriber asked for changes older than
// the feed still has.
var ErrHistoryUnavailable = errors.New("kvs: change feed history unavailable")

var feedJournalInvariant = [32]byte{'k', 'v', 's', ' ', 'c', 'h', 'a', 'n', 'g', 'e', 's', ' ', 'v', '1'}

type feedOptions struct {
	dir         string
	sync        bool
	segmentSize int64
	history     int
	start       Versionstamp
	logger      *slog.Logger
	verbose     bool
}

// changeFeed delivers committed changes to subscribers in versionstamp
// order, at least once. A dispatcher goroutine journals each change (when
// durable) before fanning it out.
type changeFeed struct {
	logger  *slog.Logger
	verbose bool
	journal *journal.Journal

	mu         sync.Mutex
	queue      []*Change
	subs       map[*Subscription]struct{}
	recent     []*Change // ring, oldest first
	historyCap int
	horizon    Versionstamp // changes at or below are not in recent
	last       Versionstamp // last dispatched
	closing    bool

	wake chan struct{}
	done chan struct{}
}

func openChangeFeed(ctx context.Context, o feedOptions) (*changeFeed, error) {
	if o.history <= 0 {
		o.history = DefaultChangeFeedHistory
	}
	f := &changeFeed{
		logger:     o.logger,
		verbose:    o.verbose,
		subs:       make(map[*Subscription]struct{}),
		historyCap: o.history,
		horizon:    o.start,
		last:       o.start,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	if o.dir != "" {
		f.journal = journal.New(o.dir, journal.Options{
			Context:          ctx,
			FileName:         "changes-*.wal",
			MaxFileSize:      o.segmentSize,
			DebugName:        "changes",
			JournalInvariant: feedJournalInvariant,
			Sync:             o.sync,
			Logger:           o.logger,
			Verbose:          o.verbose,
		})
		if err := f.journal.StartWriting(); err != nil {
			return nil, err
		}
	}
	go f.run()
	return f, nil
}

// publish is called in versionstamp order and must not block.
func (f *changeFeed) publish(chg *Change) {
	f.mu.Lock()
	f.queue = append(f.queue, chg)
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *changeFeed) run() {
	defer close(f.done)
	for {
		<-f.wake
		f.mu.Lock()
		batch := f.queue
		f.queue = nil
		closing := f.closing
		f.mu.Unlock()

		for _, chg := range batch {
			f.dispatch(chg)
		}
		if closing {
			return
		}
	}
}

func (f *changeFeed) dispatch(chg *Change) {
	if f.journal != nil {
		if err := f.append(chg); err != nil {
			f.logger.LogAttrs(context.Background(), slog.LevelError, "db: change feed journal write failed", slog.Uint64("vs", uint64(chg.Versionstamp)), slog.Any("err", err))
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.recent = append(f.recent, chg)
	if len(f.recent) > f.historyCap {
		f.horizon = f.recent[0].Versionstamp
		f.recent[0] = nil
		f.recent = f.recent[1:]
	}
	f.last = chg.Versionstamp
	for sub := range f.subs {
		sub.enqueue(chg)
	}
}

func (f *changeFeed) append(chg *Change) error {
	data, err := msgpack.Marshal(chg)
	if err != nil {
		return err
	}
	err = f.journal.WriteRecord(0, data)
	if err != nil {
		return err
	}
	return f.journal.Commit()
}

// history calls fn for every change with from < vs <= upto.
func (f *changeFeed) history(from, upto Versionstamp, recent []*Change, horizon Versionstamp, fn func(*Change) bool) error {
	if f.journal != nil {
		stop := errors.New("stop")
		err := f.journal.Replay(func(rec journal.Record) error {
			chg := new(Change)
			if err := msgpack.Unmarshal(rec.Data, chg); err != nil {
				return fmt.Errorf("kvs: change feed record %d: %w", rec.ID, err)
			}
			if chg.Versionstamp <= from {
				return nil
			}
			if chg.Versionstamp > upto || !fn(chg) {
				return stop
			}
			return nil
		})
		if err == stop {
			return nil
		}
		return err
	}

	if from < horizon {
		return ErrHistoryUnavailable
	}
	for _, chg := range recent {
		if chg.Versionstamp <= from {
			continue
		}
		if chg.Versionstamp > upto || !fn(chg) {
			return nil
		}
	}
	return nil
}

func (f *changeFeed) subscribe(from Versionstamp, buffer int) (*Subscription, error) {
	ch := make(chan *Change, buffer)
	sub := &Subscription{
		C:    ch,
		ch:   ch,
		feed: f,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	f.mu.Lock()
	if f.closing {
		f.mu.Unlock()
		return nil, ErrClosed
	}
	upto := f.last
	recent := append([]*Change(nil), f.recent...)
	horizon := f.horizon
	if f.journal == nil && from < horizon {
		f.mu.Unlock()
		return nil, ErrHistoryUnavailable
	}
	f.subs[sub] = struct{}{}
	f.mu.Unlock()

	go sub.run(func(fn func(*Change) bool) error {
		if from >= upto {
			return nil
		}
		return f.history(from, upto, recent, horizon, fn)
	}, from)
	return sub, nil
}

func (f *changeFeed) unsubscribe(sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, sub)
}

func (f *changeFeed) close() error {
	f.mu.Lock()
	f.closing = true
	subs := make([]*Subscription, 0, len(f.subs))
	for sub := range f.subs {
		subs = append(subs, sub)
	}
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
	<-f.done

	for _, sub := range subs {
		sub.Close()
	}
	if f.journal != nil {
		return f.journal.FinishWriting()
	}
	return nil
}

// Subscription receives committed changes on C, in versionstamp order,
// starting after the versionstamp given to Subscribe. C is closed when
// the subscription or the datastore is closed.
type Subscription struct {
	C <-chan *Change

	ch   chan *Change
	feed *changeFeed

	mu    sync.Mutex
	queue []*Change
	err   error

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Subscribe returns a subscription delivering every change committed
// after from. Pass Versionstamp() to receive only new changes.
func (db *Datastore) Subscribe(from Versionstamp, buffer int) (*Subscription, error) {
	return db.feed.subscribe(from, buffer)
}

// ChangesSince returns the changes committed after from, oldest first.
func (db *Datastore) ChangesSince(from Versionstamp) ([]*Change, error) {
	f := db.feed
	f.mu.Lock()
	upto := f.last
	recent := append([]*Change(nil), f.recent...)
	horizon := f.horizon
	f.mu.Unlock()

	var result []*Change
	err := f.history(from, upto, recent, horizon, func(chg *Change) bool {
		result = append(result, chg)
		return true
	})
	return result, err
}

func (sub *Subscription) enqueue(chg *Change) {
	sub.mu.Lock()
	sub.queue = append(sub.queue, chg)
	sub.mu.Unlock()
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *Subscription) run(backlog func(func(*Change) bool) error, from Versionstamp) {
	defer close(sub.done)
	defer close(sub.ch)

	last := from
	send := func(chg *Change) bool {
		if chg.Versionstamp <= last {
			return true
		}
		select {
		case sub.ch <- chg:
			last = chg.Versionstamp
			return true
		case <-sub.stop:
			return false
		}
	}

	if err := backlog(send); err != nil {
		sub.mu.Lock()
		sub.err = err
		sub.mu.Unlock()
		return
	}

	for {
		select {
		case <-sub.wake:
		case <-sub.stop:
			return
		}
		sub.mu.Lock()
		batch := sub.queue
		sub.queue = nil
		sub.mu.Unlock()
		for _, chg := range batch {
			if !send(chg) {
				return
			}
		}
	}
}

// Err reports why the subscription ended early, if it did.
func (sub *Subscription) Err() error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.err
}

func (sub *Subscription) Close() {
	sub.stopOnce.Do(func() {
		close(sub.stop)
		sub.feed.unsubscribe(sub)
	})
	<-sub.done
}
