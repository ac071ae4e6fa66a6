package notify

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pulsehub/pkg/logger"
	"pulsehub/pkg/membership"
	"pulsehub/pkg/metrics"
	"pulsehub/pkg/models"
	"pulsehub/pkg/telemetry"
	"pulsehub/pkg/timeutil"
)

// Job is one SMS waiting for a worker. Phone is resolved from the contact
// directory when empty.
type Job struct {
	ID        string
	Recipient string
	Type      models.NotificationType
	Text      string
	Phone     string
}

// Contacts resolves SMS reachability.
type Contacts interface {
	Contact(ctx context.Context, identity string) (membership.Contact, error)
}

// Outbox is the durable parking lot for SMS that could not be sent.
type Outbox interface {
	PutOutbox(ctx context.Context, e models.OutboxEntry) error
	DueOutbox(ctx context.Context, now int64, limit int) ([]models.OutboxEntry, error)
	DeleteOutbox(ctx context.Context, e models.OutboxEntry) error
	RescheduleOutbox(ctx context.Context, e models.OutboxEntry, next int64, lastErr string) (models.OutboxEntry, error)
}

// DeadLetter records outbox entries dropped after their last attempt.
type DeadLetter interface {
	Write(e models.OutboxEntry, cause error) error
}

// SMSOptions configures an SMSQueue.
type SMSOptions struct {
	Capacity    int
	Timeout     time.Duration
	MaxAttempts int
	Clock       timeutil.Clock
	DeadLetter  DeadLetter
}

// SMSQueue is a bounded queue of SMS jobs served by a fixed worker pool.
// Enqueue never blocks: when the queue is full or stopped the job is parked
// in the outbox instead.
type SMSQueue struct {
	ch       chan Job
	sender   Sender
	contacts Contacts
	outbox   Outbox
	dead     DeadLetter
	clock    timeutil.Clock

	timeout     time.Duration
	maxAttempts int

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
	stopped  atomic.Bool
	parked   atomic.Uint64
}

func NewSMSQueue(sender Sender, contacts Contacts, outbox Outbox, opts SMSOptions) *SMSQueue {
	if opts.Capacity <= 0 {
		panic("notify.NewSMSQueue: capacity must be > 0; ensure config.ValidateConfig() applied defaults")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.Real()
	}
	return &SMSQueue{
		ch:          make(chan Job, opts.Capacity),
		sender:      sender,
		contacts:    contacts,
		outbox:      outbox,
		dead:        opts.DeadLetter,
		clock:       opts.Clock,
		timeout:     opts.Timeout,
		maxAttempts: opts.MaxAttempts,
		stop:        make(chan struct{}),
	}
}

// Enqueue offers j to the workers. It returns false when the job had to be
// parked in the outbox.
func (q *SMSQueue) Enqueue(j Job) bool {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if !q.stopped.Load() {
		select {
		case q.ch <- j:
			return true
		default:
		}
	}
	q.park(j, 0, "queue_full")
	return false
}

// Len is the number of queued jobs.
func (q *SMSQueue) Len() int { return len(q.ch) }

// Parked is the number of jobs parked since start.
func (q *SMSQueue) Parked() uint64 { return q.parked.Load() }

// Start launches n workers.
func (q *SMSQueue) Start(n int) {
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.runWorker()
		}()
	}
	logger.Info("sms_workers_started", "workers", n, "capacity", cap(q.ch))
}

// Stop ends the workers and parks every job still queued.
func (q *SMSQueue) Stop() {
	q.stopOnce.Do(func() {
		q.stopped.Store(true)
		close(q.stop)
	})
	q.wg.Wait()
	for {
		select {
		case j := <-q.ch:
			q.park(j, 0, "shutdown")
		default:
			return
		}
	}
}

func (q *SMSQueue) runWorker() {
	for {
		select {
		case j := <-q.ch:
			tr := telemetry.Track("sms.worker_process")
			if err := q.deliver(j); err != nil {
				logger.Warn("sms_send_failed", "id", j.ID, "recipient", j.Recipient, "error", err)
				q.park(j, 1, err.Error())
			}
			tr.Finish()
		case <-q.stop:
			return
		}
	}
}

// deliver resolves the phone if needed and sends. Recipients without a
// verified number are skipped without error.
func (q *SMSQueue) deliver(j Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	phone := j.Phone
	if phone == "" {
		c, err := q.contacts.Contact(ctx, j.Recipient)
		if err != nil {
			return fmt.Errorf("contact lookup: %w", err)
		}
		if !c.Verified || c.Phone == "" {
			logger.Debug("sms_skipped_unverified", "recipient", j.Recipient)
			metrics.SMS.WithLabelValues("skipped").Inc()
			return nil
		}
		phone = c.Phone
	}
	if err := q.sender.Send(ctx, phone, j.Text); err != nil {
		metrics.SMS.WithLabelValues("failed").Inc()
		return err
	}
	metrics.SMS.WithLabelValues("sent").Inc()
	logger.Debug("sms_sent", "id", j.ID, "recipient", j.Recipient, "type", j.Type)
	return nil
}

func (q *SMSQueue) park(j Job, attempts int, reason string) {
	now := q.clock.Now()
	e := models.OutboxEntry{
		ID:            j.ID,
		Recipient:     j.Recipient,
		Phone:         j.Phone,
		Type:          j.Type,
		Text:          j.Text,
		Attempts:      attempts,
		NextAttemptTS: now.Add(backoff(attempts)).UnixNano(),
		CreatedTS:     now.UnixNano(),
		LastError:     reason,
	}
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()
	if err := q.outbox.PutOutbox(ctx, e); err != nil {
		logger.Error("sms_park_failed", "id", j.ID, "recipient", j.Recipient, "error", err)
		metrics.SMS.WithLabelValues("lost").Inc()
		return
	}
	q.parked.Add(1)
	metrics.SMS.WithLabelValues("parked").Inc()
	logger.Info("sms_parked", "id", j.ID, "recipient", j.Recipient, "reason", reason)
}

// backoff is the delay before attempt n+1.
func backoff(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	d := time.Minute << (attempts - 1)
	if d > time.Hour || d <= 0 {
		return time.Hour
	}
	return d
}

// DrainOutbox retries up to batch due outbox entries. Entries that reach the
// attempt limit are dropped.
func (q *SMSQueue) DrainOutbox(ctx context.Context, batch int) (sent, failed int, err error) {
	now := q.clock.Now()
	due, err := q.outbox.DueOutbox(ctx, now.UnixNano(), batch)
	if err != nil {
		return 0, 0, err
	}
	for _, e := range due {
		if err := ctx.Err(); err != nil {
			return sent, failed, err
		}
		j := Job{ID: e.ID, Recipient: e.Recipient, Type: e.Type, Text: e.Text, Phone: e.Phone}
		derr := q.deliver(j)
		if derr == nil {
			sent++
			if err := q.outbox.DeleteOutbox(ctx, e); err != nil {
				return sent, failed, err
			}
			continue
		}
		failed++
		if e.Attempts+1 >= q.maxAttempts {
			logger.Warn("sms_dropped", "id", e.ID, "recipient", e.Recipient, "attempts", e.Attempts+1, "error", derr)
			metrics.SMS.WithLabelValues("dropped").Inc()
			if q.dead != nil {
				dl := e
				dl.Attempts++
				if werr := q.dead.Write(dl, derr); werr != nil {
					logger.Error("sms_dead_letter_failed", "id", e.ID, "error", werr)
				}
			}
			if err := q.outbox.DeleteOutbox(ctx, e); err != nil {
				return sent, failed, err
			}
			continue
		}
		next := now.Add(backoff(e.Attempts + 1)).UnixNano()
		if _, err := q.outbox.RescheduleOutbox(ctx, e, next, derr.Error()); err != nil {
			return sent, failed, err
		}
	}
	return sent, failed, nil
}
