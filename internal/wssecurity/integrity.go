package wssecurity

import (
	"fmt"
	"regexp"
	"time"
)

// Envelope is the minimal shape every inbound agent message must
// satisfy.
type Envelope struct {
	MessageType string
	MessageID   string
	Timestamp   string
	ExecutionID string
}

var messageIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]{20,}$`)

// ValidateMessageIntegrity requires message_type, message_id and
// timestamp to satisfy shape/freshness rules, except
// script_execution_result which only needs message_type and
// execution_id.
func ValidateMessageIntegrity(env Envelope, now time.Time) error {
	if env.MessageType == "" {
		return fmt.Errorf("wssecurity: missing message_type")
	}

	if env.MessageType == "script_execution_result" {
		if env.ExecutionID == "" {
			return fmt.Errorf("wssecurity: script_execution_result missing execution_id")
		}
		return nil
	}

	if env.MessageID == "" || !messageIDPattern.MatchString(env.MessageID) {
		return fmt.Errorf("wssecurity: message_id must be at least 20 alphanumeric-or-dash characters")
	}

	if env.Timestamp == "" {
		return fmt.Errorf("wssecurity: missing timestamp")
	}
	ts, err := time.Parse(time.RFC3339, env.Timestamp)
	if err != nil {
		ts, err = time.Parse(time.RFC3339Nano, env.Timestamp)
		if err != nil {
			return fmt.Errorf("wssecurity: timestamp is not ISO-8601: %w", err)
		}
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > 30*time.Minute {
		return fmt.Errorf("wssecurity: timestamp %s outside +/-30min window of server clock", env.Timestamp)
	}
	return nil
}
