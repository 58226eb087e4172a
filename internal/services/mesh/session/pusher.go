package session

import (
	"sort"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/louisbranch/eventmesh/internal/services/mesh/protocol"
)

// DownstreamContext is one message on its way from the mesh to a client.
type DownstreamContext struct {
	Seq          string
	Message      protocol.Message
	Subscription protocol.SubscriptionItem
	CreatedAt    time.Time
	// Deadline, when set, is the last moment the message may be written.
	Deadline time.Time
	// Retries counts how many sessions this context was handed to before.
	Retries int

	order         int64
	writeAttempts int
}

// Command returns the frame command used to push the context.
func (d *DownstreamContext) Command() protocol.Command {
	if d.Subscription.Mode == protocol.ModeBroadcasting {
		return protocol.BroadcastMessageToClient
	}
	return protocol.AsyncMessageToClient
}

// Expired reports whether the deadline passed at now.
func (d *DownstreamContext) Expired(now time.Time) bool {
	return !d.Deadline.IsZero() && !now.Before(d.Deadline)
}

// maxWriteAttempts bounds how often one context is written to a failing
// channel before it is dropped.
const maxWriteAttempts = 3

// Pusher delivers downstream contexts to its session's client in push order.
//
// Push never blocks: contexts wait in a bounded FIFO drained by one goroutine
// per session. A written context stays unacked until the client acknowledges
// its seq or the session closes. A failed write puts the context back at the
// head of the line until maxWriteAttempts is reached.
type Pusher struct {
	session  *Session
	capacity int

	mu        sync.Mutex
	queue     *queue.Queue
	retry     []*DownstreamContext
	unack     map[string]*DownstreamContext
	nextOrder int64
	closed    bool

	wake      chan struct{}
	done      chan struct{}
	startOnce sync.Once
}

func newPusher(s *Session, capacity int) *Pusher {
	if capacity <= 0 {
		capacity = defaultPusherQueue
	}
	if unack := s.client.Unack; unack > 0 && unack < capacity {
		capacity = unack
	}
	return &Pusher{
		session:  s,
		capacity: capacity,
		queue:    queue.New(),
		unack:    make(map[string]*DownstreamContext),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Push queues dctx for delivery. It fails with ErrPusherBusy when queued plus
// unacked contexts reach capacity and with ErrSessionClosed after Close.
func (p *Pusher) Push(dctx *DownstreamContext) error {
	if dctx == nil {
		return nil
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrSessionClosed
	}
	if p.queue.Length()+len(p.retry)+len(p.unack) >= p.capacity {
		p.mu.Unlock()
		return ErrPusherBusy
	}
	p.nextOrder++
	dctx.order = p.nextOrder
	p.queue.Add(dctx)
	p.mu.Unlock()

	p.signal()
	return nil
}

func (p *Pusher) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Ack marks seq as received by the client.
func (p *Pusher) Ack(seq string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.unack[seq]; !ok {
		return false
	}
	delete(p.unack, seq)
	return true
}

// Pending returns how many contexts wait to be written and how many wait for
// an ack.
func (p *Pusher) Pending() (queued int, unacked int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Length() + len(p.retry), len(p.unack)
}

// Close stops delivery and returns every context not yet acknowledged, oldest
// first. Later calls return nil.
func (p *Pusher) Close() []*DownstreamContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)

	pending := make([]*DownstreamContext, 0, len(p.unack)+len(p.retry)+p.queue.Length())
	for _, dctx := range p.unack {
		pending = append(pending, dctx)
	}
	pending = append(pending, p.retry...)
	p.retry = nil
	for p.queue.Length() > 0 {
		pending = append(pending, p.queue.Remove().(*DownstreamContext))
	}
	p.unack = make(map[string]*DownstreamContext)
	sort.Slice(pending, func(i, j int) bool { return pending[i].order < pending[j].order })
	return pending
}

func (p *Pusher) start() {
	p.startOnce.Do(func() {
		go p.run()
	})
}

func (p *Pusher) run() {
	for {
		select {
		case <-p.done:
			return
		case <-p.wake:
		}
		for {
			dctx, expired, ok := p.next()
			if !ok {
				break
			}
			if expired {
				p.drop(dctx)
				continue
			}
			p.deliver(dctx)
		}
	}
}

// next pops the oldest context, serving failed writes first. A live context
// is moved to the unacked set under the same lock so Close always sees it.
func (p *Pusher) next() (*DownstreamContext, bool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false, false
	}
	var dctx *DownstreamContext
	switch {
	case len(p.retry) > 0:
		dctx = p.retry[0]
		p.retry = p.retry[1:]
	case p.queue.Length() > 0:
		dctx = p.queue.Remove().(*DownstreamContext)
	default:
		return nil, false, false
	}
	if dctx.Expired(p.session.now()) {
		return dctx, true, true
	}
	p.unack[dctx.Seq] = dctx
	return dctx, false, true
}

func (p *Pusher) deliver(dctx *DownstreamContext) {
	header := protocol.NewHeader(dctx.Command(), protocol.StatusSuccess, "", dctx.Seq)
	pkg, err := protocol.NewPackage(header, dctx.Message)
	if err != nil {
		p.mu.Lock()
		delete(p.unack, dctx.Seq)
		p.mu.Unlock()
		p.session.messageLog.Error().Err(err).Str("seq", dctx.Seq).Str("topic", dctx.Message.Topic).Msg("encode downstream message")
		return
	}
	p.session.writeToClient(pkg, func(err error) {
		if err != nil {
			p.writeFailed(dctx)
		}
	})
}

// writeFailed takes dctx back from the unacked set and schedules another
// write, or drops it once maxWriteAttempts is reached. A context already
// collected by Close or acknowledged is left alone.
func (p *Pusher) writeFailed(dctx *DownstreamContext) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if held, ok := p.unack[dctx.Seq]; !ok || held != dctx {
		p.mu.Unlock()
		return
	}
	delete(p.unack, dctx.Seq)
	dctx.writeAttempts++
	if dctx.writeAttempts >= maxWriteAttempts {
		p.mu.Unlock()
		p.session.messageLog.Warn().
			Str("seq", dctx.Seq).
			Str("topic", dctx.Message.Topic).
			Str("client", p.session.client.String()).
			Int("attempts", dctx.writeAttempts).
			Msg("downstream message dropped after failed writes")
		p.countDropped()
		return
	}
	// Keep the oldest retry first.
	i := sort.Search(len(p.retry), func(i int) bool { return p.retry[i].order > dctx.order })
	p.retry = append(p.retry, nil)
	copy(p.retry[i+1:], p.retry[i:])
	p.retry[i] = dctx
	p.mu.Unlock()
	p.signal()
}

func (p *Pusher) drop(dctx *DownstreamContext) {
	s := p.session
	s.messageLog.Warn().
		Str("seq", dctx.Seq).
		Str("topic", dctx.Message.Topic).
		Str("client", s.client.String()).
		Time("deadline", dctx.Deadline).
		Msg("downstream message expired before delivery")
	p.countDropped()
}

func (p *Pusher) countDropped() {
	if group, err := p.session.group(); err == nil {
		group.Metrics().IncrementDropped()
	}
}
