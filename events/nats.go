package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is the subject prefix used when none is configured.
const DefaultSubjectPrefix = "studyboard.tasks"

// SubjectPublisher is satisfied by *nats.Conn.
type SubjectPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSRelay mirrors task events to <prefix>.<board_id> for external
// dashboards. Publishing is fire-and-forget; failures are logged.
type NATSRelay struct {
	pub    SubjectPublisher
	prefix string
	logger *slog.Logger
}

// NewNATSRelay creates a relay over an existing connection.
func NewNATSRelay(pub SubjectPublisher, prefix string, logger *slog.Logger) *NATSRelay {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSRelay{
		pub:    pub,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: logger,
	}
}

// Subject returns the subject a board's events are published on.
func (r *NATSRelay) Subject(boardID string) string {
	return r.prefix + "." + subjectToken(boardID)
}

// Relay implements Relay.
func (r *NATSRelay) Relay(e Event) {
	if e.Type == Heartbeat {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		r.logger.Warn("Failed to marshal relay event", "board_id", e.BoardID, "type", e.Type, "error", err)
		return
	}
	if err := r.pub.Publish(r.Subject(e.BoardID), data); err != nil {
		r.logger.Warn("Failed to relay task event",
			"board_id", e.BoardID,
			"type", e.Type,
			"error", err)
	}
}

// subjectToken keeps a board id inside one subject token.
func subjectToken(boardID string) string {
	if boardID == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(boardID)
}

// Dial connects to NATS for the relay, reconnecting indefinitely.
func Dial(url string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name("studyboard-events"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS relay disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS relay reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return conn, nil
}
