package ingress

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Processor handles one dequeued item. A non-nil error leaves the row
// non-terminal so the cold-path scanner retries it once the lease expires.
type Processor func(ctx context.Context, item *Item) error

// Config tunes the buffer's capacity, worker pool, and scanner cadence.
type Config struct {
	QueueCapacity    int
	WorkerCount      int
	LeaseDuration    time.Duration
	ScannerInterval  time.Duration
	ScannerGrace     time.Duration
	ScannerBatchSize int
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 256
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 2 * time.Minute
	}
	if c.ScannerInterval <= 0 {
		c.ScannerInterval = 30 * time.Second
	}
	if c.ScannerGrace <= 0 {
		c.ScannerGrace = time.Minute
	}
	if c.ScannerBatchSize <= 0 {
		c.ScannerBatchSize = 100
	}
	return c
}

// Buffer is the two-level Ingress Buffer: memQueue for hot dispatch, the
// shared-schema ingress_buffer table for durability and crash recovery.
type Buffer struct {
	db        *sql.DB
	cfg       Config
	queue     *memQueue
	processor Processor
	workerID  string
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New wraps db (shared schema) with the given config and processor.
func New(db *sql.DB, workerID string, cfg Config, processor Processor) *Buffer {
	cfg = cfg.withDefaults()
	return &Buffer{
		db:        db,
		cfg:       cfg,
		queue:     newMemQueue(cfg.QueueCapacity),
		processor: processor,
		workerID:  workerID,
		stopCh:    make(chan struct{}),
	}
}

// Enqueue persists a durable ingress_buffer row and, capacity permitting,
// pushes it onto the in-memory queue too. When the in-memory queue is
// full, the row is left for the cold-path scanner to pick up.
func (b *Buffer) Enqueue(ctx context.Context, requestID uuid.UUID, tier Tier, payloadRef string) (uuid.UUID, error) {
	ingressID := uuid.New()
	now := time.Now().UTC()
	if _, err := b.db.ExecContext(ctx, `
		INSERT INTO ingress_buffer (ingress_id, request_id, priority_tier, payload_ref, enqueued_at)
		VALUES ($1,$2,$3,$4,$5)
	`, ingressID, requestID, string(tier), payloadRef, now); err != nil {
		return uuid.Nil, fmt.Errorf("ingress: insert buffer row: %w", err)
	}

	item := &Item{IngressID: ingressID, RequestID: requestID, Tier: tier, PayloadRef: payloadRef, EnqueuedAt: now}
	if !b.queue.TryPush(item) {
		slog.Warn("ingress: in-memory queue full, relying on cold-path scanner", "ingress_id", ingressID)
	}
	return ingressID, nil
}

// Start spawns the worker pool and the cold-path scanner.
func (b *Buffer) Start(ctx context.Context) {
	for i := 0; i < b.cfg.WorkerCount; i++ {
		b.wg.Add(1)
		go b.runWorker(ctx, i)
	}
	b.wg.Add(1)
	go b.runScanner(ctx)
}

// Stop signals the workers and scanner to exit and waits for them.
func (b *Buffer) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		b.queue.Close()
	})
	b.wg.Wait()
}

func (b *Buffer) runWorker(ctx context.Context, idx int) {
	defer b.wg.Done()
	log := slog.With("worker", fmt.Sprintf("%s-%d", b.workerID, idx))
	for {
		select {
		case <-b.stopCh:
			return
		default:
		}
		item, ok := b.queue.Pop(ctx)
		if !ok {
			return
		}
		if err := b.process(ctx, item); err != nil {
			log.Error("ingress: item processing failed", "ingress_id", item.IngressID, "err", err)
		}
	}
}

func (b *Buffer) process(ctx context.Context, item *Item) error {
	leasedUntil := time.Now().UTC().Add(b.cfg.LeaseDuration)
	if _, err := b.db.ExecContext(ctx, `
		UPDATE ingress_buffer SET leased_by = $2, leased_until = $3, attempts = attempts + 1
		WHERE ingress_id = $1
	`, item.IngressID, b.workerID, leasedUntil); err != nil {
		return fmt.Errorf("lease item: %w", err)
	}

	if err := b.processor(ctx, item); err != nil {
		return err // leave non-terminal; lease expires and the scanner retries
	}

	if _, err := b.db.ExecContext(ctx, `UPDATE ingress_buffer SET terminal = true WHERE ingress_id = $1`, item.IngressID); err != nil {
		return fmt.Errorf("mark terminal: %w", err)
	}
	return nil
}

// runScanner is the cold-path recovery loop: it re-leases rows whose lease has lapsed (or that never made
// it into the in-memory queue) and re-enqueues them.
func (b *Buffer) runScanner(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.ScannerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.scanOnce(ctx); err != nil {
				slog.Error("ingress: scan failed", "err", err)
			}
		}
	}
}

func (b *Buffer) scanOnce(ctx context.Context) error {
	now := time.Now().UTC()
	grace := now.Add(-b.cfg.ScannerGrace)

	rows, err := b.db.QueryContext(ctx, `
		UPDATE ingress_buffer SET leased_by = $1, leased_until = $2
		WHERE ingress_id IN (
			SELECT ingress_id FROM ingress_buffer
			WHERE NOT terminal
			  AND enqueued_at < $3
			  AND (leased_until IS NULL OR leased_until < $4)
			ORDER BY
				CASE priority_tier
					WHEN 'high_priority' THEN 0
					WHEN 'interactive' THEN 1
					ELSE 2
				END,
				enqueued_at
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ingress_id, request_id, priority_tier, payload_ref, enqueued_at, attempts
	`, "scanner", now.Add(b.cfg.LeaseDuration), grace, now, b.cfg.ScannerBatchSize)
	if err != nil {
		return fmt.Errorf("scan claim: %w", err)
	}
	defer rows.Close()

	var reclaimed int
	for rows.Next() {
		item := &Item{}
		var tier string
		if err := rows.Scan(&item.IngressID, &item.RequestID, &tier, &item.PayloadRef, &item.EnqueuedAt, &item.Attempts); err != nil {
			return fmt.Errorf("scan claimed row: %w", err)
		}
		item.Tier = Tier(tier)
		if b.queue.TryPush(item) {
			reclaimed++
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if reclaimed > 0 {
		slog.Info("ingress: cold-path scanner re-enqueued items", "count", reclaimed)
	}
	return nil
}

// QueueDepth reports the current in-memory queue length, for health
// reporting.
func (b *Buffer) QueueDepth() int {
	return b.queue.Len()
}
