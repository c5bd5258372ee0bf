// Package conversation keeps one in-memory thread per (counterparty, channel)
// pair and reconciles ledger history with optimistically appended messages.
package conversation

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"echo-chat/go-engine/internal/domains/contracts"
	"echo-chat/go-engine/internal/identity"
	"echo-chat/go-engine/internal/metrics"
	"echo-chat/go-engine/internal/platform/privacylog"
	"echo-chat/go-engine/internal/platform/requestseq"
	"echo-chat/go-engine/pkg/models"
)

const componentName = "conversation"

// echoClockSkew is how far the local clock may run ahead of ledger block
// time when a confirmed send is matched to its ledger echo.
const echoClockSkew = 5 * time.Minute

// Gateway is the part of the ledger port the store uses.
type Gateway interface {
	ReadThread(ctx context.Context, local, counterparty models.Identity, channel models.ChannelKind) ([]models.Message, error)
	SubmitSendMessage(ctx context.Context, counterparty models.Identity, channel models.ChannelKind, body string) error
	AccountCreatedAt(ctx context.Context, id models.Identity) (int64, error)
}

// RecipientRecorder receives every counterparty of a confirmed send.
type RecipientRecorder interface {
	Remember(id models.Identity)
}

type Options struct {
	Recents RecipientRecorder
	Metrics *metrics.Recorder
	Logger  *slog.Logger
	Now     func() time.Time
}

type Store struct {
	gateway Gateway
	local   models.Identity
	seq     *requestseq.Tracker
	recents RecipientRecorder
	metrics *metrics.Recorder
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	threads map[models.ThreadKey]*thread
}

func NewStore(gateway Gateway, local models.Identity, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		gateway: gateway,
		local:   identity.Normalize(local.String()),
		seq:     requestseq.New(),
		recents: opts.Recents,
		metrics: opts.Metrics,
		logger:  logger,
		now:     now,
		threads: make(map[models.ThreadKey]*thread),
	}
}

func threadKey(counterparty models.Identity, channel models.ChannelKind) (models.ThreadKey, error) {
	key := models.ThreadKey{Counterparty: identity.Normalize(counterparty.String()), Channel: channel}
	if key.Counterparty == "" {
		return key, contracts.Failure(contracts.KindInvalidIdentity, "conversation", "", nil)
	}
	if channel != models.ChannelFriend && channel != models.ChannelDirect {
		return key, contracts.Failure(contracts.KindOperationNotSupported, "conversation", key.Counterparty, models.ErrUnknownChannel)
	}
	return key, nil
}

func correlationID(key models.ThreadKey) string {
	return privacylog.FingerprintID(key.Counterparty.String()) + ":" + string(key.Channel)
}

func (s *Store) threadLocked(key models.ThreadKey) *thread {
	th, ok := s.threads[key]
	if !ok {
		th = &thread{}
		s.threads[key] = th
	}
	return th
}

// Thread returns the current view of a thread without touching the ledger.
func (s *Store) Thread(counterparty models.Identity, channel models.ChannelKind) []models.Message {
	key, err := threadKey(counterparty, channel)
	if err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if th, ok := s.threads[key]; ok {
		return th.view()
	}
	return []models.Message{}
}

// Load fetches the confirmed history of a thread. An empty thread is a valid
// result.
func (s *Store) Load(ctx context.Context, counterparty models.Identity, channel models.ChannelKind) ([]models.Message, error) {
	return s.fetch(ctx, "conversation.load", counterparty, channel)
}

// Refresh re-fetches the confirmed history and keeps still-pending local
// messages after it. A result for a request that has been superseded by a
// newer one is discarded and reported as KindSuperseded.
func (s *Store) Refresh(ctx context.Context, counterparty models.Identity, channel models.ChannelKind) ([]models.Message, error) {
	return s.fetch(ctx, "conversation.refresh", counterparty, channel)
}

func (s *Store) fetch(ctx context.Context, op string, counterparty models.Identity, channel models.ChannelKind) ([]models.Message, error) {
	key, err := threadKey(counterparty, channel)
	if err != nil {
		return nil, err
	}
	ticket := s.seq.Issue(key.String())
	msgs, err := s.gateway.ReadThread(ctx, s.local, key.Counterparty, key.Channel)

	s.mu.Lock()
	defer s.mu.Unlock()
	th := s.threadLocked(key)
	if err != nil {
		return th.view(), contracts.AsFailure(op, key.Counterparty, err)
	}
	if !ticket.Current() || ticket.Seq <= th.appliedSeq {
		s.metrics.RecordStaleDropped("thread")
		s.logger.Debug("stale thread result dropped",
			"component", componentName,
			"operation", op,
			"correlation_id", correlationID(key),
			"seq", ticket.Seq,
		)
		return th.view(), contracts.Failure(contracts.KindSuperseded, op, key.Counterparty, nil)
	}
	th.apply(msgs, ticket.Seq)
	return th.view(), nil
}

// AppendOptimistic appends a pending message to the thread immediately and
// queues its submission. Submissions on one thread run strictly in append
// order; a later send is not issued before the earlier one has an outcome.
func (s *Store) AppendOptimistic(ctx context.Context, counterparty models.Identity, channel models.ChannelKind, body string) (*PendingSend, error) {
	key, err := threadKey(counterparty, channel)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(body) == "" {
		return nil, contracts.Failure(contracts.KindInvalidMessage, "conversation.append", key.Counterparty, nil)
	}

	s.mu.Lock()
	th := s.threadLocked(key)
	ts := s.now().Unix()
	if last := th.lastTimestamp(); last > ts {
		ts = last
	}
	handle := &PendingSend{
		key: key,
		message: models.Message{
			LocalID:       uuid.NewString(),
			Sender:        s.local,
			Timestamp:     ts,
			Body:          body,
			DeliveryState: models.DeliveryPending,
		},
		done: make(chan struct{}),
	}
	th.pending = append(th.pending, handle)
	th.queue = append(th.queue, sendJob{ctx: ctx, handle: handle})
	start := !th.draining
	th.draining = true
	s.mu.Unlock()

	s.metrics.AddPending(1)
	if start {
		go s.drain(key)
	}
	return handle, nil
}

func (s *Store) drain(key models.ThreadKey) {
	for {
		s.mu.Lock()
		th := s.threads[key]
		if len(th.queue) == 0 {
			th.draining = false
			s.mu.Unlock()
			return
		}
		job := th.queue[0]
		th.queue = th.queue[1:]
		s.mu.Unlock()

		s.submit(key, job)
	}
}

func (s *Store) submit(key models.ThreadKey, job sendJob) {
	handle := job.handle
	submittedAt := s.now().Unix()
	err := s.gateway.SubmitSendMessage(job.ctx, key.Counterparty, key.Channel, handle.message.Body)
	s.metrics.RecordMessageSent(key.Channel, err)
	s.metrics.AddPending(-1)
	if err != nil {
		err = contracts.AsFailure("conversation.send", key.Counterparty, err)
		s.mu.Lock()
		s.threads[key].removePending(handle)
		s.mu.Unlock()
		s.logger.Warn("message submission failed",
			"component", componentName,
			"operation", "conversation.send",
			"correlation_id", correlationID(key),
			"local_id", handle.message.LocalID,
			"kind", string(contracts.KindOf(err)),
			"error", err.Error(),
		)
		handle.finish(models.Message{}, err)
		return
	}

	confirmed := handle.message
	confirmed.DeliveryState = models.DeliveryConfirmed
	createdAt, lookupErr := s.gateway.AccountCreatedAt(job.ctx, key.Counterparty)
	if lookupErr != nil {
		s.logger.Warn("delivery state unknown, recipient account lookup failed",
			"component", componentName,
			"operation", "conversation.send",
			"correlation_id", correlationID(key),
			"error", lookupErr.Error(),
		)
	}
	confirmed.Delivered = lookupErr == nil && createdAt > 0

	s.mu.Lock()
	th := s.threads[key]
	th.removePending(handle)
	lc := localConfirmed{
		message:     confirmed,
		submittedAt: submittedAt,
		seq:         s.seq.Latest(key.String()),
	}
	lc.earlier = th.identical(lc)
	th.local = append(th.local, lc)
	s.mu.Unlock()

	if s.recents != nil {
		s.recents.Remember(key.Counterparty)
	}
	s.logger.Info("message confirmed",
		"component", componentName,
		"operation", "conversation.send",
		"correlation_id", correlationID(key),
		"local_id", confirmed.LocalID,
		"delivered", confirmed.Delivered,
	)
	handle.finish(confirmed, nil)
}

type sendJob struct {
	ctx    context.Context
	handle *PendingSend
}

// PendingSend tracks one optimistic message until the ledger accepts or
// rejects it.
type PendingSend struct {
	key     models.ThreadKey
	message models.Message
	done    chan struct{}

	result models.Message
	err    error
}

// Message is the pending message as it was appended.
func (p *PendingSend) Message() models.Message {
	return p.message
}

func (p *PendingSend) Key() models.ThreadKey {
	return p.key
}

func (p *PendingSend) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the send has a terminal outcome or ctx is done. The
// returned message is the confirmed one.
func (p *PendingSend) Wait(ctx context.Context) (models.Message, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return models.Message{}, ctx.Err()
	}
}

func (p *PendingSend) finish(msg models.Message, err error) {
	p.result = msg
	p.err = err
	close(p.done)
}

type localConfirmed struct {
	message     models.Message
	submittedAt int64
	// earlier counts the identical messages already known when the send was
	// confirmed. Only a ledger result holding more of them has its echo.
	earlier int
	// seq is the newest refresh issued for the thread when the send was
	// confirmed. Results of refreshes issued up to then may not contain it.
	seq uint64
}

type thread struct {
	confirmed  []models.Message
	local      []localConfirmed
	pending    []*PendingSend
	appliedSeq uint64

	queue    []sendJob
	draining bool
}

func (t *thread) apply(msgs []models.Message, seq uint64) {
	confirmed := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		m.Sender = identity.Normalize(m.Sender.String())
		m.DeliveryState = models.DeliveryConfirmed
		confirmed = append(confirmed, m)
	}
	sort.SliceStable(confirmed, func(i, j int) bool {
		return confirmed[i].Timestamp < confirmed[j].Timestamp
	})

	kept := t.local[:0]
	for _, lc := range t.local {
		if lc.seq >= seq && !containsEcho(confirmed, lc) {
			kept = append(kept, lc)
		}
	}
	t.local = kept
	t.confirmed = confirmed
	t.appliedSeq = seq
}

// matches reports whether m could be the ledger copy of lc.
func (lc localConfirmed) matches(m models.Message) bool {
	return m.Sender == lc.message.Sender &&
		m.Body == lc.message.Body &&
		m.Timestamp >= lc.submittedAt-int64(echoClockSkew/time.Second)
}

// containsEcho reports whether the ledger result already holds a locally
// confirmed message.
func containsEcho(confirmed []models.Message, lc localConfirmed) bool {
	n := 0
	for _, m := range confirmed {
		if lc.matches(m) {
			n++
		}
	}
	return n > lc.earlier
}

func (t *thread) identical(lc localConfirmed) int {
	n := 0
	for _, m := range t.confirmed {
		if lc.matches(m) {
			n++
		}
	}
	for _, other := range t.local {
		if other.message.Sender == lc.message.Sender && other.message.Body == lc.message.Body {
			n++
		}
	}
	return n
}

func (t *thread) removePending(handle *PendingSend) {
	for i, p := range t.pending {
		if p == handle {
			t.pending = append(t.pending[:i:i], t.pending[i+1:]...)
			return
		}
	}
}

func (t *thread) lastTimestamp() int64 {
	var last int64
	for _, m := range t.confirmed {
		last = max(last, m.Timestamp)
	}
	for _, lc := range t.local {
		last = max(last, lc.message.Timestamp)
	}
	for _, p := range t.pending {
		last = max(last, p.message.Timestamp)
	}
	return last
}

// view renders confirmed messages by timestamp (ties by arrival) followed by
// pending messages in append order.
func (t *thread) view() []models.Message {
	out := make([]models.Message, 0, len(t.confirmed)+len(t.local)+len(t.pending))
	out = append(out, t.confirmed...)
	for _, lc := range t.local {
		out = append(out, lc.message)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})
	for _, p := range t.pending {
		out = append(out, p.message)
	}
	return out
}
