package client

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/pesio-ai/be-contract-approvals/internal/logger"
)

// NotificationsStream is the JetStream stream holding notification events.
const NotificationsStream = "NOTIFICATIONS"

// NATSConn bundles the core connection with its JetStream context.
type NATSConn struct {
	Conn      *nats.Conn
	JetStream jetstream.JetStream
}

// ConnectNATS dials the server and ensures the notifications stream covers
// subjectPrefix.>.
func ConnectNATS(ctx context.Context, url, clientName, subjectPrefix string, log *logger.Logger) (*NATSConn, error) {
	nc, err := nats.Connect(url,
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      NotificationsStream,
		Subjects:  []string{subjectPrefix + ".>"},
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    7 * 24 * time.Hour,
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", NotificationsStream, err)
	}

	return &NATSConn{Conn: nc, JetStream: js}, nil
}

// Close drains pending publishes and closes the connection.
func (c *NATSConn) Close() {
	if c == nil || c.Conn == nil {
		return
	}
	if err := c.Conn.Drain(); err != nil {
		c.Conn.Close()
	}
}
