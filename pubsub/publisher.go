package pubsub

import (
	"go.uber.org/zap"

	"github.com/kestrelsec/kestrel/logger"
)

// Publisher is the write path's typed facade over the broker. All methods
// are fire-and-forget: rate-limited or subscriber-less publishes simply
// disappear and the write path never waits on subscriber processing.
type Publisher struct {
	broker *Broker
	log    *zap.SugaredLogger
}

// NewPublisher creates a publisher over the broker.
func NewPublisher(broker *Broker, log *zap.SugaredLogger) *Publisher {
	return &Publisher{broker: broker, log: log}
}

// PublishIOCMatch announces an indicator-of-compromise match to the
// organization's analysts.
func (p *Publisher) PublishIOCMatch(organizationID string, payload map[string]interface{}) {
	p.publish(organizationID, TopicIOCMatches, payload)
}

// PublishAlert announces a new or updated alert.
func (p *Publisher) PublishAlert(organizationID string, payload map[string]interface{}) {
	p.publish(organizationID, TopicAlerts, payload)
}

// PublishIncident announces an incident state change.
func (p *Publisher) PublishIncident(organizationID string, payload map[string]interface{}) {
	p.publish(organizationID, TopicIncidents, payload)
}

func (p *Publisher) publish(organizationID, baseTopic string, payload map[string]interface{}) {
	p.broker.Publish(organizationID, baseTopic, payload)
	if p.log != nil {
		p.log.Debugw("Published event",
			logger.FieldBaseTopic, baseTopic,
			logger.FieldOrganizationID, organizationID,
		)
	}
}
