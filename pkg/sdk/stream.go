package sdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxEventSize bounds one SSE line; consensus content can run long.
const maxEventSize = 1 << 20

// Stream subscribes to a request's live events and invokes fn per event
// until a terminal event, a callback error or context end. Settled requests
// replay their terminal events immediately.
func (c *Client) Stream(ctx context.Context, requestID string, fn func(StreamEvent) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/requests/"+requestID+"/stream", nil)
	if err != nil {
		return err
	}
	return c.consumeStream(req, fn)
}

// SubmitStream submits a query and streams its lifecycle over one
// connection. The first event is init and carries the request id.
func (c *Client) SubmitStream(ctx context.Context, subReq SubmitRequest, fn func(StreamEvent) error) error {
	body, err := json.Marshal(subReq)
	if err != nil {
		return fmt.Errorf("council-sdk: marshal request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/requests/stream", bytes.NewReader(body))
	if err != nil {
		return err
	}
	return c.consumeStream(req, fn)
}

func (c *Client) consumeStream(req *http.Request, fn func(StreamEvent) error) error {
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streaming.Do(req)
	if err != nil {
		return fmt.Errorf("council-sdk: stream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("council-sdk: read error response: %w", readErr)
		}
		return decodeError(resp.StatusCode, body)
	}

	return readSSE(resp.Body, fn)
}

// readSSE walks "event:"/"data:" line pairs, dispatching each complete
// event. A terminal event ends the walk cleanly.
func readSSE(body io.Reader, fn func(StreamEvent) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	var current StreamEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.Name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = []byte(strings.TrimPrefix(line, "data: "))
		case line == "":
			if current.Name == "" {
				continue
			}
			if err := fn(current); err != nil {
				return err
			}
			if current.Terminal() {
				return nil
			}
			current = StreamEvent{}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("council-sdk: stream read: %w", err)
	}
	return fmt.Errorf("council-sdk: stream ended without a terminal event")
}
