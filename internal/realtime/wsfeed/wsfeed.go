// Package wsfeed subscribes to stream snapshots served over a websocket.
package wsfeed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/and161185/vaultsync/internal/model"
)

const writeWait = time.Second

// Client implements stream.Subscriber against the vaultd feed endpoint.
type Client struct {
	feedURL string
	token   func() string
	dialer  *websocket.Dialer
	log     *zap.Logger
}

// New constructs a client. token returns the current session token sent as a bearer.
func New(feedURL string, token func() string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{feedURL: feedURL, token: token, dialer: websocket.DefaultDialer, log: log}
}

// URL renders the subscription URL of q.
func (c *Client) URL(q model.Query) (string, error) {
	u, err := url.Parse(c.feedURL)
	if err != nil {
		return "", err
	}
	v := u.Query()
	v.Set("kind", q.Kind.String())
	if q.ParentID != nil {
		v.Set("parent", q.ParentID.String())
	}
	u.RawQuery = v.Encode()
	return u.String(), nil
}

// Subscribe reads JSON snapshots until ctx is canceled or the connection fails.
func (c *Client) Subscribe(ctx context.Context, q model.Query, emit func(model.Snapshot)) error {
	target, err := c.URL(q)
	if err != nil {
		return err
	}
	h := http.Header{}
	if c.token != nil {
		if tok := c.token(); tok != "" {
			h.Set("Authorization", "Bearer "+tok)
		}
	}
	conn, resp, err := c.dialer.DialContext(ctx, target, h)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("feed dial: status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("feed dial: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = conn.Close()
	})
	defer stop()

	for {
		var snap model.Snapshot
		if err := conn.ReadJSON(&snap); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return fmt.Errorf("feed closed: %s", ce.Text)
			}
			return fmt.Errorf("feed read: %w", err)
		}
		snap.Kind = q.Kind
		emit(snap)
	}
}
