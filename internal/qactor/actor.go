package qactor

import (
	"fmt"
	"sync"
	"time"

	"github.com/apache/qakka/internal/types"
)

// mailboxSize bounds each actor's request channel. A full mailbox causes new
// Send/Get/Ack calls to return ErrBusy (QUEUE_BUSY) instead of blocking.
const mailboxSize = 256

// defaultScanPageSize bounds one ScanPointers page inside Get/Timeout.
const defaultScanPageSize = 64

type reqKind int

const (
	reqSend reqKind = iota
	reqGet
	reqAck
	reqNack
	reqTimeout
)

type actorRequest struct {
	kind reqKind

	// reqSend
	body        []byte
	contentType string
	messageID   string

	// reqGet
	n int

	// reqAck / reqNack
	queueMessageID string

	resultCh chan actorResult
}

type actorResult struct {
	pointer  *types.Pointer
	pointers []*types.Pointer
	n        int
	err      error
}

// Actor is the single-writer process for exactly one (queue, region) pair.
// It drains a bounded mailbox on its own goroutine, so every operation
// against this queue/region is serialized without any lock beyond the
// channel itself — the donor's goroutine-per-entity pattern (as used by
// consumer.Manager's per-subscription delivery loop), applied here to one
// queue/region instead of one subscription.
type Actor struct {
	QueueName string
	Region    string

	helper  *Helper
	mailbox chan actorRequest

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewActor creates and starts an Actor for (queueName, region). Call Stop
// when the queue is deleted or the server shuts down.
func NewActor(queueName, region string, helper *Helper) *Actor {
	a := &Actor{
		QueueName: queueName,
		Region:    region,
		helper:    helper,
		mailbox:   make(chan actorRequest, mailboxSize),
		done:      make(chan struct{}),
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

// Stop signals the actor to drain and exit, and waits for it to finish.
func (a *Actor) Stop() {
	a.stopOnce.Do(func() { close(a.done) })
	a.wg.Wait()
}

func (a *Actor) loop() {
	defer a.wg.Done()
	for {
		select {
		case <-a.done:
			return
		case req := <-a.mailbox:
			a.process(req)
		}
	}
}

func (a *Actor) process(req actorRequest) {
	var res actorResult
	switch req.kind {
	case reqSend:
		res.pointer, res.err = a.handleSend(req)
	case reqGet:
		res.pointers, res.err = a.handleGet(req)
	case reqAck:
		res.err = a.helper.AckQueueMessage(a.QueueName, a.Region, req.queueMessageID)
	case reqNack:
		res.err = a.helper.NackOrTimeout(a.QueueName, a.Region, req.queueMessageID, types.ActionNack)
	case reqTimeout:
		res.n, res.err = a.handleTimeout()
	}
	if req.resultCh != nil {
		req.resultCh <- res
	}
}

// submit enqueues req and blocks for its result, returning ErrBusy
// immediately (without blocking) if the mailbox is full, and ErrStopped if
// the actor has already exited.
func (a *Actor) submit(req actorRequest) actorResult {
	req.resultCh = make(chan actorResult, 1)
	select {
	case a.mailbox <- req:
	default:
		return actorResult{err: ErrBusy}
	}
	select {
	case res := <-req.resultCh:
		return res
	case <-a.done:
		return actorResult{err: ErrStopped}
	}
}

// Send writes a new available pointer for messageID (the body must already
// be durably written by the caller — see qservice.Service.SendMessage) and
// returns the resulting pointer.
func (a *Actor) Send(messageID string, headers map[string]string) (*types.Pointer, error) {
	res := a.submit(actorRequest{kind: reqSend, messageID: messageID})
	return res.pointer, res.err
}

// Get leases up to n available messages and returns their inflight pointers.
func (a *Actor) Get(n int) ([]*types.Pointer, error) {
	res := a.submit(actorRequest{kind: reqGet, n: n})
	return res.pointers, res.err
}

// Ack acknowledges queueMessageID, removing its inflight lease.
func (a *Actor) Ack(queueMessageID string) error {
	res := a.submit(actorRequest{kind: reqAck, queueMessageID: queueMessageID})
	return res.err
}

// Nack returns queueMessageID to available immediately, without waiting for
// its lease to expire.
func (a *Actor) Nack(queueMessageID string) error {
	res := a.submit(actorRequest{kind: reqNack, queueMessageID: queueMessageID})
	return res.err
}

// Timeout is the C9 reaper tick: it scans this actor's inflight shards and
// returns every row whose lease has expired to available. It returns the
// number of rows it returned to available.
func (a *Actor) Timeout() (int, error) {
	res := a.submit(actorRequest{kind: reqTimeout})
	return res.n, res.err
}

// handleSend writes an available pointer with queueMessageId equal to
// messageId, per C8's sendMessage contract — the same id is used across
// every region a message is replicated to, so ackMessage can address a
// lease anywhere it was delivered without a separate id-mapping table.
func (a *Actor) handleSend(req actorRequest) (*types.Pointer, error) {
	ptr := &types.Pointer{
		QueueName:      a.QueueName,
		Region:         a.Region,
		QueueMessageID: req.messageID,
		MessageID:      req.messageID,
		QueuedAt:       time.Now().UnixMilli(),
	}
	if err := a.helper.store.WriteMessage(types.ShardDefault, ptr); err != nil {
		return nil, fmt.Errorf("qactor: send: %w", err)
	}
	if err := a.helper.store.AdjustBodyRefCount(req.messageID, 1); err != nil {
		return nil, fmt.Errorf("qactor: send: adjust ref count: %w", err)
	}
	return ptr, nil
}

// handleGet scans DEFAULT shards in pointerUuid order and leases up to n
// rows. Gets for one (queue, region) run one at a time on the actor's
// goroutine, so two Gets never lease the same row concurrently. If
// PutInflight fails after inserting the inflight row but before deleting the
// available row, both rows remain and the message can be leased again —
// the accepted at-least-once duplicate described in C6.
func (a *Actor) handleGet(req actorRequest) ([]*types.Pointer, error) {
	n := req.n
	if n <= 0 {
		n = 1
	}

	shards, err := a.helper.store.ListShards(a.QueueName, a.Region, types.ShardDefault)
	if err != nil {
		return nil, fmt.Errorf("qactor: get: list shards: %w", err)
	}

	var leased []*types.Pointer
	for _, shard := range shards {
		if len(leased) >= n {
			break
		}
		cursor := ""
		for len(leased) < n {
			pageSize := defaultScanPageSize
			if remaining := n - len(leased); remaining < pageSize {
				pageSize = remaining
			}
			rows, err := a.helper.store.ScanMessages(types.ShardDefault, a.QueueName, a.Region, shard.ShardID, cursor, pageSize)
			if err != nil {
				return leased, fmt.Errorf("qactor: get: scan: %w", err)
			}
			if len(rows) == 0 {
				break
			}
			for _, row := range rows {
				if len(leased) >= n {
					break
				}
				inflight, err := a.helper.PutInflight(row)
				if err != nil {
					continue
				}
				leased = append(leased, inflight)
			}
			cursor = rows[len(rows)-1].QueueMessageID
			if len(rows) < pageSize {
				break
			}
		}
	}
	return leased, nil
}

// handleTimeout implements C9 for this actor: scans every INFLIGHT shard in
// queueMessageId ascending order and nacks every row whose lease has
// expired. Scanning is paginated so one sweep yields between pages.
func (a *Actor) handleTimeout() (int, error) {
	now := time.Now().UnixMilli()
	expired := 0

	shards, err := a.helper.store.ListShards(a.QueueName, a.Region, types.ShardInflight)
	if err != nil {
		return expired, fmt.Errorf("qactor: timeout: list shards: %w", err)
	}

	for _, shard := range shards {
		cursor := ""
		for {
			rows, err := a.helper.store.ScanMessages(types.ShardInflight, a.QueueName, a.Region, shard.ShardID, cursor, defaultScanPageSize)
			if err != nil {
				return expired, fmt.Errorf("qactor: timeout: scan: %w", err)
			}
			if len(rows) == 0 {
				break
			}
			for _, row := range rows {
				if row.InflightAt <= now {
					if err := a.helper.NackOrTimeout(a.QueueName, a.Region, row.QueueMessageID, types.ActionTimeout); err == nil {
						expired++
					}
				}
			}
			cursor = rows[len(rows)-1].QueueMessageID
			if len(rows) < defaultScanPageSize {
				break
			}
		}
	}
	return expired, nil
}
