// Package webhook delivers best-effort notifications of completed ledger
// events. Dispatch is fire-and-forget: a full queue or a failed delivery is
// logged and dropped, never surfaced to the ledger operation that emitted
// the event.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/finmove/ledger/internal/domain"
)

var deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledger_webhook_deliveries_total",
	Help: "Webhook delivery attempts, labeled by outcome",
}, []string{"outcome"})

// Event is one notification. Type follows the charge.succeeded /
// charge.refunded / transfer.completed naming.
type Event struct {
	ID        string              `json:"id"`
	Type      string              `json:"type"`
	AccountID int64               `json:"-"`
	Entry     *domain.LedgerEntry `json:"data"`
	CreatedAt time.Time           `json:"created_at"`
}

// NewEvent stamps a delivery id and timestamp.
func NewEvent(eventType string, accountID int64, entry *domain.LedgerEntry) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		AccountID: accountID,
		Entry:     entry,
		CreatedAt: time.Now().UTC(),
	}
}

// Resolver maps an account to its configured webhook endpoint. An empty URL
// means the account has no webhook and the event is skipped.
type Resolver interface {
	WebhookURL(ctx context.Context, accountID int64) (string, error)
}

// Sink is the narrow interface the engines depend on.
type Sink interface {
	Notify(e Event)
}

// Notifier runs a small worker pool draining a buffered channel. Delivery
// has its own timeout, independent of any caller deadline.
type Notifier struct {
	ch       chan Event
	client   *http.Client
	resolver Resolver
	log      logrus.FieldLogger
	wg       sync.WaitGroup
	once     sync.Once
}

type Options struct {
	QueueSize int
	Workers   int
	Timeout   time.Duration
}

func NewNotifier(resolver Resolver, log logrus.FieldLogger, opts Options) *Notifier {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	n := &Notifier{
		ch:       make(chan Event, opts.QueueSize),
		client:   &http.Client{Timeout: opts.Timeout},
		resolver: resolver,
		log:      log,
	}
	n.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go n.worker()
	}
	return n
}

// Notify enqueues an event without blocking. Events are dropped when the
// queue is full.
func (n *Notifier) Notify(e Event) {
	select {
	case n.ch <- e:
	default:
		deliveries.WithLabelValues("dropped").Inc()
		n.log.WithFields(logrus.Fields{"event": e.Type, "account": e.AccountID}).
			Warn("webhook queue full, event dropped")
	}
}

// Close stops intake and waits for in-flight deliveries to finish.
func (n *Notifier) Close() {
	n.once.Do(func() { close(n.ch) })
	n.wg.Wait()
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for e := range n.ch {
		n.deliver(e)
	}
}

func (n *Notifier) deliver(e Event) {
	log := n.log.WithFields(logrus.Fields{
		"delivery_id": e.ID,
		"event":       e.Type,
		"account":     e.AccountID,
	})

	url, err := n.resolver.WebhookURL(context.Background(), e.AccountID)
	if err != nil {
		deliveries.WithLabelValues("error").Inc()
		log.WithError(err).Warn("webhook target resolution failed")
		return
	}
	if url == "" {
		deliveries.WithLabelValues("skipped").Inc()
		return
	}

	body, err := json.Marshal(e)
	if err != nil {
		deliveries.WithLabelValues("error").Inc()
		log.WithError(err).Warn("webhook payload encode failed")
		return
	}

	resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		deliveries.WithLabelValues("failed").Inc()
		log.WithError(err).Warn("webhook delivery failed")
		return
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		deliveries.WithLabelValues("failed").Inc()
		log.WithField("status", resp.StatusCode).Warn("webhook delivery rejected")
		return
	}
	deliveries.WithLabelValues("delivered").Inc()
	log.Debug("webhook delivered")
}

// AccountResolver adapts an account lookup into a Resolver.
type AccountResolver struct {
	Lookup func(ctx context.Context, id int64) (string, error)
}

func (r AccountResolver) WebhookURL(ctx context.Context, accountID int64) (string, error) {
	return r.Lookup(ctx, accountID)
}
