package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/markpippins/throttler/pkg/protocol"
)

// maxEventLine bounds a single SSE line.
const maxEventLine = 1 << 20

// Watch subscribes to change events at or below prefix ("" or "/" for all).
// The connection is re-established with backoff until ctx is cancelled or
// the server rejects the request with a client error, which is delivered on
// the error channel before both channels close. Transient connection errors
// are reported on the error channel without blocking.
func (c *Client) Watch(ctx context.Context, prefix string) (<-chan protocol.Event, <-chan error) {
	events := make(chan protocol.Event, 100)
	errs := make(chan error, 1)

	go c.watchLoop(ctx, prefix, events, errs)

	return events, errs
}

func (c *Client) watchLoop(ctx context.Context, prefix string, events chan<- protocol.Event, errs chan error) {
	defer close(events)
	defer close(errs)

	reconnectDelay := c.reconnectMin

	for {
		connected, err := c.stream(ctx, prefix, events)
		if ctx.Err() != nil {
			return
		}
		if code := StatusCode(err); code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			report(errs, err)
			return
		}
		if connected {
			reconnectDelay = c.reconnectMin
		}

		c.log.Warn("event stream interrupted",
			zap.Error(err),
			zap.Duration("reconnect_in", reconnectDelay))
		report(errs, err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}

		reconnectDelay *= 2
		if reconnectDelay > c.reconnectMax {
			reconnectDelay = c.reconnectMax
		}
	}
}

// report replaces any undelivered error with err. The watch loop is the only
// sender, so the channel never blocks it.
func report(errs chan error, err error) {
	select {
	case <-errs:
	default:
	}
	errs <- err
}

// stream reads one connection until it ends. connected reports whether the
// server accepted the subscription.
func (c *Client) stream(ctx context.Context, prefix string, events chan<- protocol.Event) (connected bool, err error) {
	var q url.Values
	if prefix != "" && prefix != "/" {
		q = url.Values{"path": {prefix}}
	}

	resp, err := c.roundTrip(ctx, c.streamClient, http.MethodGet, "/api/v1/events", q, nil, func(req *http.Request) {
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")
	})
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	c.log.Info("event stream connected", zap.String("prefix", prefix))

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxEventLine)

	var eventType string
	var data []string

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if len(data) > 0 {
				var event protocol.Event
				if err := json.Unmarshal([]byte(strings.Join(data, "\n")), &event); err != nil {
					c.log.Debug("skipping malformed event", zap.Error(err))
				} else {
					if event.Type == "" {
						event.Type = eventType
					}
					select {
					case events <- event:
					case <-ctx.Done():
						return true, ctx.Err()
					}
				}
			}
			eventType = ""
			data = data[:0]
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			eventType = value
		case "data":
			data = append(data, value)
		}
	}

	if err := scanner.Err(); err != nil {
		return true, err
	}
	return true, errStreamClosed
}

var errStreamClosed = errors.New("event stream closed by server")
