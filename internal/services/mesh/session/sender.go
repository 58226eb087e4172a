package session

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/louisbranch/eventmesh/internal/platform/errors"
	"github.com/louisbranch/eventmesh/internal/services/mesh/protocol"
	"golang.org/x/sync/semaphore"
)

// SendStatus classifies an upstream send.
type SendStatus int

const (
	SendSuccess SendStatus = iota
	SendOverflow
	SendTimeout
	SendFailed
)

func (s SendStatus) String() string {
	switch s {
	case SendSuccess:
		return "SUCCESS"
	case SendOverflow:
		return "OVERFLOW"
	case SendTimeout:
		return "TIMEOUT"
	default:
		return "FAILED"
	}
}

// OPStatus maps the send status to the status returned to the client.
func (s SendStatus) OPStatus() protocol.OPStatus {
	switch s {
	case SendSuccess:
		return protocol.StatusSuccess
	case SendOverflow:
		return protocol.StatusBusy
	default:
		return protocol.StatusFail
	}
}

// SendResult is the outcome of one upstream send.
type SendResult struct {
	Status  SendStatus
	Err     error
	Elapsed time.Duration
}

// OK reports a successful send.
func (r SendResult) OK() bool {
	return r.Status == SendSuccess
}

// SendCallback observes a send result once the broker answered.
type SendCallback func(SendResult)

// Sender publishes client messages to the group's broker. Concurrent sends
// are bounded by the upstream buffer size.
type Sender struct {
	session *Session
	buffer  *semaphore.Weighted
}

func newSender(s *Session, buffer int64) *Sender {
	if buffer <= 0 {
		buffer = defaultUpstreamBuffer
	}
	return &Sender{
		session: s,
		buffer:  semaphore.NewWeighted(buffer),
	}
}

// Send publishes msg. Failures are reported in the result; callback, when set,
// sees the same result before Send returns.
func (sd *Sender) Send(ctx context.Context, header protocol.Header, msg protocol.Message, callback SendCallback, startTime time.Time, deadline time.Time) SendResult {
	result := sd.send(ctx, header, msg, startTime, deadline)
	if callback != nil {
		callback(result)
	}
	return result
}

func (sd *Sender) send(ctx context.Context, header protocol.Header, msg protocol.Message, startTime time.Time, deadline time.Time) SendResult {
	s := sd.session
	if startTime.IsZero() {
		startTime = s.now()
	}
	elapsed := func() time.Duration { return s.now().Sub(startTime) }

	if !deadline.IsZero() && !s.now().Before(deadline) {
		return SendResult{
			Status:  SendTimeout,
			Err:     apperrors.New(apperrors.CodeDeadlineExceeded, "upstream deadline passed before send"),
			Elapsed: elapsed(),
		}
	}
	if !sd.buffer.TryAcquire(1) {
		return SendResult{
			Status:  SendOverflow,
			Err:     apperrors.New(apperrors.CodeUpstreamOverflow, "upstream buffer is full"),
			Elapsed: elapsed(),
		}
	}
	defer sd.buffer.Release(1)

	group, err := s.group()
	if err != nil {
		return SendResult{Status: SendFailed, Err: err, Elapsed: elapsed()}
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = startTime
	}
	if err := group.Publish(ctx, msg); err != nil {
		status := SendFailed
		if errors.Is(err, context.DeadlineExceeded) {
			status = SendTimeout
		}
		s.messageLog.Warn().
			Err(err).
			Str("cmd", string(header.Command)).
			Str("seq", header.Seq).
			Str("topic", msg.Topic).
			Str("client", s.client.String()).
			Msg("upstream send failed")
		return SendResult{Status: status, Err: err, Elapsed: elapsed()}
	}
	return SendResult{Status: SendSuccess, Elapsed: elapsed()}
}
