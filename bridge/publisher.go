package bridge

import (
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher is the boundary to the pub/sub broker. Delivery semantics
// beyond fire-and-forget (QoS, persistence) belong to the broker client,
// not to this package.
type Publisher interface {
	Publish(subject string, data []byte) error
	Close()
}

type natsPublisher struct {
	nc *nats.Conn
}

// NewNATSPublisher connects to the broker at url. The connection keeps
// reconnecting in the background after transient outages.
func NewNATSPublisher(url, name string) (Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &natsPublisher{nc: nc}, nil
}

func (p *natsPublisher) Publish(subject string, data []byte) error {
	return p.nc.Publish(subject, data)
}

// Close flushes buffered publishes before dropping the connection.
func (p *natsPublisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}
