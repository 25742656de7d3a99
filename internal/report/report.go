// Package report publishes test outcomes to NATS so CI dashboards can
// follow hardware runs without scraping logs.
package report

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Outcome is one finished test run.
type Outcome struct {
	RunID      string    `json:"run_id"`
	Test       string    `json:"test"`
	Binary     string    `json:"binary"`
	Passed     bool      `json:"passed"`
	Category   string    `json:"category,omitempty"`
	Message    string    `json:"message,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Publisher pushes outcomes to a NATS subject per test.
type Publisher struct {
	conn   *nats.Conn
	prefix string
}

// Connect dials the NATS server. An empty prefix defaults to "calldwell".
func Connect(url, prefix string) (*Publisher, error) {
	if prefix == "" {
		prefix = "calldwell"
	}
	conn, err := nats.Connect(url, nats.Name("calldwell-harness"))
	if err != nil {
		return nil, fmt.Errorf("report: connect to %s: %w", url, err)
	}
	return &Publisher{conn: conn, prefix: prefix}, nil
}

// Publish emits the outcome on <prefix>.results.<test>.
func (p *Publisher) Publish(outcome Outcome) error {
	payload, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("report: marshal outcome: %w", err)
	}
	if err := p.conn.Publish(Subject(p.prefix, outcome.Test), payload); err != nil {
		return fmt.Errorf("report: publish: %w", err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Drain()
		p.conn.Close()
	}
}

// Subject builds the results subject for a test, sanitizing characters
// that are meaningful in NATS subjects.
func Subject(prefix, test string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '-'
		default:
			return r
		}
	}, test)
	if cleaned == "" {
		cleaned = "unknown"
	}
	return fmt.Sprintf("%s.results.%s", prefix, cleaned)
}
