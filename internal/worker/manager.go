package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lichen-social/lichen/internal/queue"
)

const (
	// DefaultWorkerCount is the default number of worker goroutines
	DefaultWorkerCount = 2

	// DefaultBatchSize is the number of messages to read per batch
	DefaultBatchSize = 10

	// DefaultBlockTimeout is how long to block waiting for new messages
	DefaultBlockTimeout = 5 * time.Second

	// handlerAttempts bounds in-place retries for a failing message before
	// it is left pending for later reclaim
	handlerAttempts = 3

	// DefaultRetryBackoff is the base delay between in-place retry attempts
	DefaultRetryBackoff = 500 * time.Millisecond

	// pendingRetryInterval is how often a worker re-reads its pending
	// entries, picking up messages whose earlier attempts hit transient
	// store errors
	pendingRetryInterval = time.Minute
)

// Manager orchestrates worker goroutines that consume the timeline stream.
type Manager struct {
	consumer     queue.Consumer
	handler      *Handler
	workerCount  int
	batchSize    int64
	blockTime    time.Duration
	retryBackoff time.Duration

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// ManagerConfig holds configuration for the worker manager.
type ManagerConfig struct {
	WorkerCount  int           // Number of worker goroutines
	BatchSize    int64         // Messages per read
	BlockTimeout time.Duration // Block time for XREADGROUP
}

// NewManager creates a new worker manager.
func NewManager(consumer queue.Consumer, handler *Handler, cfg ManagerConfig) *Manager {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultWorkerCount
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = DefaultBlockTimeout
	}

	return &Manager{
		consumer:     consumer,
		handler:      handler,
		workerCount:  cfg.WorkerCount,
		batchSize:    cfg.BatchSize,
		blockTime:    cfg.BlockTimeout,
		retryBackoff: DefaultRetryBackoff,
	}
}

// Start begins the worker goroutines. Call Stop() to gracefully shut down.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	if err := m.consumer.EnsureGroup(m.ctx, queue.StreamTimeline, queue.ConsumerGroupFanout); err != nil {
		return err
	}

	log.Printf("[Manager] Starting %d workers for stream=%s group=%s",
		m.workerCount, queue.StreamTimeline, queue.ConsumerGroupFanout)

	for i := 0; i < m.workerCount; i++ {
		workerID := i + 1
		// Consumer names must be stable across restarts so each worker
		// reclaims its own pending messages.
		consumerName := fmt.Sprintf("worker-%d", workerID)

		m.wg.Add(1)
		go m.runWorker(workerID, consumerName)
	}

	return nil
}

// Stop gracefully shuts down all workers. Blocks until they have finished.
func (m *Manager) Stop() {
	log.Printf("[Manager] Stopping workers...")
	m.cancel()
	m.wg.Wait()
	log.Printf("[Manager] All workers stopped")
}

// runWorker is the main loop for a single worker goroutine.
func (m *Manager) runWorker(workerID int, consumerName string) {
	defer m.wg.Done()

	log.Printf("[Worker-%d] Started (consumer=%s)", workerID, consumerName)

	// Process messages left in-flight by a previous run before taking new
	// ones (crash recovery).
	m.processPending(workerID, consumerName)
	lastPending := time.Now()

	for {
		select {
		case <-m.ctx.Done():
			log.Printf("[Worker-%d] Shutting down", workerID)
			return
		default:
			m.processMessages(workerID, consumerName)

			// Messages whose handling failed on transient errors stay
			// pending; retry them periodically.
			if time.Since(lastPending) >= pendingRetryInterval {
				m.processPending(workerID, consumerName)
				lastPending = time.Now()
			}
		}
	}
}

// processPending handles messages that were delivered but not acknowledged.
// It drains until the pending list is empty or stops shrinking (messages
// that fail again stay pending for the next round).
func (m *Manager) processPending(workerID int, consumerName string) {
	for {
		messages, err := m.consumer.ReadPending(m.ctx, queue.StreamTimeline, queue.ConsumerGroupFanout, consumerName, m.batchSize)
		if err != nil {
			log.Printf("[Worker-%d] Error reading pending: %v", workerID, err)
			return
		}
		if len(messages) == 0 {
			return
		}

		log.Printf("[Worker-%d] Processing %d pending messages", workerID, len(messages))
		if m.handleMessages(workerID, messages) == 0 {
			return
		}
	}
}

// processMessages reads and handles a batch of new messages.
func (m *Manager) processMessages(workerID int, consumerName string) {
	messages, err := m.consumer.Read(
		m.ctx,
		queue.StreamTimeline,
		queue.ConsumerGroupFanout,
		consumerName,
		m.batchSize,
		m.blockTime,
	)
	if err != nil {
		log.Printf("[Worker-%d] Error reading: %v", workerID, err)
		time.Sleep(time.Second) // Back off on error
		return
	}
	if len(messages) == 0 {
		return // Timeout, no messages
	}

	m.handleMessages(workerID, messages)
}

// handleMessages processes a batch, acknowledging each message that was
// handled or can never be handled. Poison messages (unparseable payloads,
// unknown event types) are acknowledged and dropped so they cannot stall
// the stream. Transient failures are retried in place with backoff; after
// handlerAttempts the message is left unacknowledged, staying pending until
// a later reclaim pass succeeds. Returns the number of messages
// acknowledged.
func (m *Manager) handleMessages(workerID int, messages []queue.Message) int {
	acked := 0
	for _, msg := range messages {
		if msg.Err != nil {
			log.Printf("[Worker-%d] Dropping unparseable msgID=%s: %v", workerID, msg.ID, msg.Err)
			acked += m.ack(workerID, msg.ID)
			continue
		}

		var err error
		for attempt := 1; attempt <= handlerAttempts; attempt++ {
			err = m.handler.HandleEvent(m.ctx, msg.Event)
			if err == nil || errors.Is(err, ErrUnknownEvent) || m.ctx.Err() != nil {
				break
			}
			log.Printf("[Worker-%d] Handler error msgID=%s attempt=%d: %v", workerID, msg.ID, attempt, err)
			select {
			case <-m.ctx.Done():
			case <-time.After(time.Duration(attempt) * m.retryBackoff):
			}
		}

		switch {
		case err == nil:
			acked += m.ack(workerID, msg.ID)
		case errors.Is(err, ErrUnknownEvent):
			log.Printf("[Worker-%d] Dropping msgID=%s: %v", workerID, msg.ID, err)
			acked += m.ack(workerID, msg.ID)
		default:
			// Transient store failure: keep the message pending so a later
			// reclaim pass delivers it again.
			log.Printf("[Worker-%d] Leaving msgID=%s type=%s pending: %v", workerID, msg.ID, msg.Event.Type, err)
		}
	}
	return acked
}

func (m *Manager) ack(workerID int, msgID string) int {
	if err := m.consumer.Ack(m.ctx, queue.StreamTimeline, queue.ConsumerGroupFanout, msgID); err != nil {
		log.Printf("[Worker-%d] ACK error msgID=%s: %v", workerID, msgID, err)
		return 0
	}
	return 1
}
