package services

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fleetgrid/audit-engine/pkg/models"
)

// AlertPredicate lets a subscriber narrow delivery beyond the engine's
// built-in alert conditions. A nil predicate accepts everything alertable.
type AlertPredicate func(*models.AuditRecord) bool

// Subscription is one live per-company stream of alertable audit records.
// Delivery is at-most-once: if the subscriber falls behind, events are
// dropped, not queued. Callers needing guaranteed delivery must poll the
// trail instead.
type Subscription struct {
	ID        uuid.UUID
	CompanyID uuid.UUID
	C         <-chan *models.AuditRecord

	ch        chan *models.AuditRecord
	predicate AlertPredicate
}

// NotifierService fans out qualifying audit records to live subscribers.
type NotifierService interface {
	// Subscribe registers a stream for one company. Events never cross
	// tenants.
	Subscribe(companyID uuid.UUID, predicate AlertPredicate) *Subscription

	// Unsubscribe removes the subscription and closes its channel.
	Unsubscribe(sub *Subscription)

	// Publish evaluates a freshly appended record against the alert
	// conditions and delivers it to matching subscribers. It never blocks
	// the append path.
	Publish(ctx context.Context, record *models.AuditRecord)

	// Close shuts down all subscriptions.
	Close()
}

type notifierService struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]map[uuid.UUID]*Subscription
	closed bool

	buffer int
	redis  *redis.Client
	logger *zap.Logger
}

// NewNotifierService creates the fan-out hub. redisClient may be nil; when
// set, qualifying records are additionally published to a per-company Redis
// channel for cross-instance consumers.
func NewNotifierService(buffer int, redisClient *redis.Client, logger *zap.Logger) NotifierService {
	if buffer <= 0 {
		buffer = 16
	}
	return &notifierService{
		subs:   make(map[uuid.UUID]map[uuid.UUID]*Subscription),
		buffer: buffer,
		redis:  redisClient,
		logger: logger.Named("notifier"),
	}
}

var _ NotifierService = (*notifierService)(nil)

// AlertChannel returns the Redis channel name for a company's alerts.
func AlertChannel(companyID uuid.UUID) string {
	return "audit:alerts:" + companyID.String()
}

func (n *notifierService) Subscribe(companyID uuid.UUID, predicate AlertPredicate) *Subscription {
	ch := make(chan *models.AuditRecord, n.buffer)
	sub := &Subscription{
		ID:        uuid.New(),
		CompanyID: companyID,
		C:         ch,
		ch:        ch,
		predicate: predicate,
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		close(ch)
		return sub
	}
	if n.subs[companyID] == nil {
		n.subs[companyID] = make(map[uuid.UUID]*Subscription)
	}
	n.subs[companyID][sub.ID] = sub

	n.logger.Debug("Subscriber registered",
		zap.String("company_id", companyID.String()),
		zap.String("subscription_id", sub.ID.String()))
	return sub
}

func (n *notifierService) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	company, ok := n.subs[sub.CompanyID]
	if !ok {
		return
	}
	if _, ok := company[sub.ID]; !ok {
		return
	}
	delete(company, sub.ID)
	if len(company) == 0 {
		delete(n.subs, sub.CompanyID)
	}
	close(sub.ch)
}

func (n *notifierService) Publish(ctx context.Context, record *models.AuditRecord) {
	if record == nil || !record.Alertable() {
		return
	}

	n.mu.RLock()
	subs := make([]*Subscription, 0, len(n.subs[record.CompanyID]))
	for _, sub := range n.subs[record.CompanyID] {
		subs = append(subs, sub)
	}
	n.mu.RUnlock()

	for _, sub := range subs {
		if sub.predicate != nil && !sub.predicate(record) {
			continue
		}
		select {
		case sub.ch <- record:
		default:
			// Subscriber is behind; at-most-once delivery drops the event.
			n.logger.Warn("Dropped alert for slow subscriber",
				zap.String("company_id", record.CompanyID.String()),
				zap.String("subscription_id", sub.ID.String()),
				zap.Int64("sequence", record.Sequence))
		}
	}

	if n.redis != nil {
		payload, err := json.Marshal(record)
		if err != nil {
			n.logger.Error("Failed to marshal alert for Redis", zap.Error(err))
			return
		}
		if err := n.redis.Publish(ctx, AlertChannel(record.CompanyID), payload).Err(); err != nil {
			n.logger.Warn("Failed to publish alert to Redis",
				zap.String("company_id", record.CompanyID.String()),
				zap.Error(err))
		}
	}
}

func (n *notifierService) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	n.closed = true
	for _, company := range n.subs {
		for _, sub := range company {
			close(sub.ch)
		}
	}
	n.subs = make(map[uuid.UUID]map[uuid.UUID]*Subscription)
}
