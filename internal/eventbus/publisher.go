package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"anpr-gate-service/internal/domain/gate"
)

const DefaultSubjectPrefix = "anpr.gate"

// Publisher fans gate records out to NATS subjects under a common prefix:
// <prefix>.alerts, <prefix>.reviews and <prefix>.verified.
type Publisher struct {
	conn   *nats.Conn
	prefix string
	log    zerolog.Logger
}

func NewPublisher(natsURL, prefix string, log zerolog.Logger) (*Publisher, error) {
	conn, err := nats.Connect(natsURL,
		nats.Name("anpr-gate-service"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	p := newPublisher(conn, prefix, log)
	p.log.Info().Str("url", natsURL).Str("subject_prefix", p.prefix).Msg("connected to NATS")
	return p, nil
}

func newPublisher(conn *nats.Conn, prefix string, log zerolog.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{
		conn:   conn,
		prefix: prefix,
		log:    log.With().Str("component", "eventbus").Logger(),
	}
}

func (p *Publisher) PublishAlert(a gate.SecurityAlert) error {
	if err := p.publish("alerts", a); err != nil {
		return err
	}
	p.log.Debug().Str("alert_id", a.ID).Str("type", string(a.Type)).Msg("published alert")
	return nil
}

func (p *Publisher) PublishReview(r gate.ManualReviewFlag) error {
	if err := p.publish("reviews", r); err != nil {
		return err
	}
	p.log.Debug().Str("review_id", r.ID).Msg("published review flag")
	return nil
}

func (p *Publisher) PublishVerifiedEvent(ev gate.VerifiedGateEvent) error {
	if err := p.publish("verified", ev); err != nil {
		return err
	}
	p.log.Debug().Str("event_id", ev.EventID).Str("gate", ev.GateName).Msg("published verified event")
	return nil
}

// Subject returns the full subject for a record kind.
func (p *Publisher) Subject(kind string) string {
	return p.prefix + "." + kind
}

func (p *Publisher) publish(kind string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}
	if err := p.conn.Publish(p.Subject(kind), data); err != nil {
		return fmt.Errorf("publish %s: %w", p.Subject(kind), err)
	}
	return nil
}

func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
		p.log.Info().Msg("disconnected from NATS")
	}
}

func (p *Publisher) IsConnected() bool {
	return p.conn != nil && p.conn.IsConnected()
}
