package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kestrelsec/kestrel/config"
	"github.com/kestrelsec/kestrel/errors"
	"github.com/kestrelsec/kestrel/identity"
	"github.com/kestrelsec/kestrel/logger"
)

// Subscription is one registered subscriber. Events arrive on C until
// Unsubscribe, disconnect, or health eviction; the channel is never closed
// by the broker while the subscription is registered.
type Subscription struct {
	ID             string
	Topic          string
	BaseTopic      string
	OrganizationID string
	Filter         *Predicate
	C              <-chan Event

	ch chan Event
}

// BrokerStats is the broker's observability snapshot.
type BrokerStats struct {
	ActiveSubscriptions  int                 `json:"active_subscriptions"`
	PublishedEvents      int64               `json:"published_events"`
	DeliveredEvents      int64               `json:"delivered_events"`
	DroppedSlowConsumers int64               `json:"dropped_slow_consumers"`
	RateLimitRejections  int64               `json:"rate_limit_rejections"`
	Subscriptions        []SubscriptionStats `json:"subscriptions"`
}

// Broker routes published events to organization-scoped topic subscribers.
// Publish is fire-and-forget: rate limiting and filtering run per publish
// and per subscriber, and a slow subscriber never delays the others.
type Broker struct {
	cfg     config.PubSubConfig
	limiter *RateLimiter
	health  *HealthMonitor
	log     *zap.SugaredLogger

	mu     sync.RWMutex
	topics map[string]map[string]*Subscription

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBroker creates a broker. Call Start to begin the background sweeps and
// Stop to release them.
func NewBroker(cfg config.PubSubConfig, log *zap.SugaredLogger) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		cfg:     cfg,
		limiter: NewRateLimiter(cfg.MaxEventsPerMinute, cfg.WindowRetention()),
		health:  NewHealthMonitor(),
		log:     log,
		topics:  make(map[string]map[string]*Subscription),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the periodic sweep loop for rate-limit windows and stale
// subscriptions.
func (b *Broker) Start() {
	b.wg.Add(1)
	go b.run()
	if b.log != nil {
		b.log.Infow("Subscription broker started",
			"sweep_interval", b.cfg.SweepInterval(),
			"max_events_per_minute", b.cfg.MaxEventsPerMinute,
		)
	}
}

// Stop cancels the sweep loop and waits for it to exit. Registered
// subscriptions stay registered; transports tear them down on disconnect.
func (b *Broker) Stop() {
	b.cancel()
	b.wg.Wait()
	if b.log != nil {
		b.log.Infow("Subscription broker stopped")
	}
}

func (b *Broker) run() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			windows := b.limiter.Sweep()
			stale := b.health.CleanupStale(b.cfg.StaleAfter())
			if stale > 0 {
				b.evictUntracked()
			}
			if b.log != nil && (windows > 0 || stale > 0) {
				b.log.Debugw("Completed dispatch sweep",
					"expired_windows", windows,
					"stale_subscriptions", stale,
				)
			}
		}
	}
}

// Subscribe authorizes the caller against the base topic's required role,
// validates the filter, and registers the subscription. Cross-organization
// subscriptions require SUPER_ADMIN.
func (b *Broker) Subscribe(id *identity.Context, baseTopic, organizationID string, filter *Predicate) (*Subscription, error) {
	if err := identity.Authorize(id, RequiredRole(baseTopic), organizationID); err != nil {
		return nil, err
	}
	if err := filter.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid subscription filter")
	}

	topic := TopicFor(baseTopic, organizationID)
	ch := make(chan Event, b.cfg.SubscriberBuffer)
	sub := &Subscription{
		ID:             uuid.New().String(),
		Topic:          topic,
		BaseTopic:      baseTopic,
		OrganizationID: organizationID,
		Filter:         filter,
		C:              ch,
		ch:             ch,
	}

	b.mu.Lock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[string]*Subscription)
		b.topics[topic] = subs
	}
	subs[sub.ID] = sub
	b.mu.Unlock()

	b.health.TrackSubscription(topic, organizationID)
	if b.log != nil {
		b.log.Infow("Subscription registered",
			logger.FieldSubscriptionID, sub.ID,
			logger.FieldTopic, topic,
			logger.FieldOrganizationID, organizationID,
			logger.FieldUserID, id.UserID,
		)
	}
	return sub, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	subs, ok := b.topics[sub.Topic]
	if ok {
		if _, present := subs[sub.ID]; present {
			delete(subs, sub.ID)
			if len(subs) == 0 {
				delete(b.topics, sub.Topic)
			}
			close(sub.ch)
		} else {
			ok = false
		}
	}
	b.mu.Unlock()

	if ok {
		b.health.UntrackSubscription(sub.Topic, sub.OrganizationID)
		if b.log != nil {
			b.log.Infow("Subscription removed",
				logger.FieldSubscriptionID, sub.ID,
				logger.FieldTopic, sub.Topic,
			)
		}
	}
}

// Publish fans an event out to the topic's subscribers. The organization's
// per-topic rate window is consumed once per publish; a rejected publish is
// dropped silently. Each subscriber's filter runs independently and a full
// subscriber buffer drops the event for that subscriber only.
func (b *Broker) Publish(organizationID, baseTopic string, payload map[string]interface{}) {
	topic := TopicFor(baseTopic, organizationID)
	if !b.limiter.CheckLimit(organizationID, topic) {
		if b.log != nil {
			b.log.Debugw("Publish rate-limited",
				logger.FieldTopic, topic,
				logger.FieldOrganizationID, organizationID,
			)
		}
		return
	}

	event := newEvent(baseTopic, organizationID, payload, time.Now())
	b.published.Add(1)

	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.topics[topic]))
	for _, sub := range b.topics[topic] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	deliveredAny := false
	for _, sub := range subs {
		if !sub.Filter.Match(payload) {
			continue
		}
		select {
		case sub.ch <- event:
			b.delivered.Add(1)
			deliveredAny = true
		default:
			b.dropped.Add(1)
			if b.log != nil {
				b.log.Warnw("Dropped event for slow subscriber",
					logger.FieldSubscriptionID, sub.ID,
					logger.FieldTopic, topic,
					logger.FieldEventID, event.ID,
				)
			}
		}
	}
	if deliveredAny {
		b.health.Heartbeat(topic, organizationID)
	}
}

// Heartbeat refreshes liveness for a subscription's routing entry, used by
// transports on explicit client pings.
func (b *Broker) Heartbeat(sub *Subscription) {
	if sub != nil {
		b.health.Heartbeat(sub.Topic, sub.OrganizationID)
	}
}

// Stats snapshots broker counters and per-pair subscription stats.
func (b *Broker) Stats() BrokerStats {
	b.mu.RLock()
	active := 0
	for _, subs := range b.topics {
		active += len(subs)
	}
	b.mu.RUnlock()

	return BrokerStats{
		ActiveSubscriptions:  active,
		PublishedEvents:      b.published.Load(),
		DeliveredEvents:      b.delivered.Load(),
		DroppedSlowConsumers: b.dropped.Load(),
		RateLimitRejections:  b.limiter.Rejections(),
		Subscriptions:        b.health.GetSubscriptionStats(),
	}
}

// evictUntracked drops registered subscriptions whose routing metadata was
// removed by the health sweep.
func (b *Broker) evictUntracked() {
	tracked := make(map[healthKey]bool)
	for _, s := range b.health.GetSubscriptionStats() {
		tracked[healthKey{topic: s.Topic, organizationID: s.OrganizationID}] = true
	}

	var evicted []*Subscription
	b.mu.Lock()
	for topic, subs := range b.topics {
		for id, sub := range subs {
			if !tracked[healthKey{topic: topic, organizationID: sub.OrganizationID}] {
				delete(subs, id)
				close(sub.ch)
				evicted = append(evicted, sub)
			}
		}
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
	b.mu.Unlock()

	if b.log != nil {
		for _, sub := range evicted {
			b.log.Infow("Evicted stale subscription",
				logger.FieldSubscriptionID, sub.ID,
				logger.FieldTopic, sub.Topic,
			)
		}
	}
}
