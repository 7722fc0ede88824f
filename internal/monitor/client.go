// ABOUTME: Websocket client reading monitor reports
// ABOUTME: Used by udptrip-mon to follow a running process
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/gorilla/websocket"
)

// Client follows one monitor server
type Client struct {
	conn *websocket.Conn
}

// Dial connects to a monitor at host:port
func Dial(ctx context.Context, addr string) (*Client, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: Path}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Next blocks for the next report
func (c *Client) Next() (Report, error) {
	var r Report
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("failed to parse report: %w", err)
	}
	if r.Type != ReportType {
		return r, fmt.Errorf("unexpected message type %q", r.Type)
	}
	return r, nil
}

// Close sends a close frame and releases the connection
func (c *Client) Close() error {
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}
