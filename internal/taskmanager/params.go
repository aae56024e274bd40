package taskmanager

import (
	"bufio"
	"io"
	"math"
	"strings"
	"time"
)

const (
	// MinInterval is the shortest allowed delay between attempts.
	MinInterval = time.Second

	// MaxIntervalSeconds is the largest whole number of seconds a
	// time.Duration can hold.
	MaxIntervalSeconds = math.MaxInt64 / int64(time.Second)
)

// IntervalFromSeconds converts a whole number of seconds to an interval,
// returning a ValidationError for values outside [1, MaxIntervalSeconds].
func IntervalFromSeconds(seconds int64) (time.Duration, error) {
	if seconds < 1 {
		return 0, ValidationError{Field: "interval", Reason: "interval must be at least 1 second"}
	}

	if seconds > MaxIntervalSeconds {
		return 0, ValidationError{Field: "interval", Reason: "interval is too large"}
	}

	return time.Duration(seconds) * time.Second, nil
}

// Params configure a Task.
type Params struct {
	// Credentials are used in turn for every message.
	Credentials []string

	// Target identifies where each message is sent.
	Target string

	// Prefix is prepended to every message body.
	Prefix string

	// Interval is the delay after every single attempt.
	Interval time.Duration

	// Messages are the message bodies, sent in order.
	Messages []string

	// Once stops the Task after a single pass over Messages. By default a
	// Task loops over Messages until it is stopped.
	Once bool
}

// Validate checks every required field, returning a ValidationError naming
// the first missing or invalid one.
func (p Params) Validate() error {
	if len(p.Credentials) == 0 {
		return ValidationError{Field: "credentials", Reason: "at least one credential is required"}
	}

	for _, c := range p.Credentials {
		if strings.TrimSpace(c) == "" {
			return ValidationError{Field: "credentials", Reason: "credential cannot be blank"}
		}
	}

	if strings.TrimSpace(p.Target) == "" {
		return ValidationError{Field: "target", Reason: "target is required"}
	}

	if strings.TrimSpace(p.Prefix) == "" {
		return ValidationError{Field: "prefix", Reason: "message prefix is required"}
	}

	if p.Interval < MinInterval {
		return ValidationError{Field: "interval", Reason: "interval must be at least 1 second"}
	}

	if len(p.Messages) == 0 {
		return ValidationError{Field: "messages", Reason: "at least one message is required"}
	}

	return nil
}

// message builds the text sent for a message body.
func (p Params) message(body string) string {
	return p.Prefix + " " + body
}

// ReadLines reads one entry per line from r, trimming surrounding whitespace
// and skipping blank lines. It is used for uploaded credential and message
// lists.
func ReadLines(r io.Reader) ([]string, error) {
	var lines []string

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return lines, nil
}
