package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/did-method-plc/go-oplogsync/oplog"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// If this timeout is reached, we'll retry the request.
	// Also used as the timeout for websocket reads, triggering a reselect.
	httpClientTimeout = 30 * time.Second

	// outdatedCursorReason is the websocket close text sent when the stream
	// cursor is older than the oldest retained entry.
	outdatedCursorReason = "OutdatedCursor"
)

// WSDialer connects to other nodes' oplog servers: the span over HTTP and the
// entries over the /oplog/stream websocket.
type WSDialer struct {
	userAgent  string
	httpClient *http.Client
	wsDialer   *websocket.Dialer
}

func NewWSDialer() *WSDialer {
	return &WSDialer{
		userAgent: fmt.Sprintf("go-oplogsync/%s", versioninfo.Short()),
		httpClient: &http.Client{
			Timeout:   httpClientTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		wsDialer: websocket.DefaultDialer,
	}
}

// baseURL accepts bare host:port member addresses as well as full URLs.
func baseURL(addr string) (*url.URL, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return url.Parse(addr)
}

func (d *WSDialer) Connect(ctx context.Context, m Member, after oplog.GTID) (Reader, error) {
	base, err := baseURL(m.Addr)
	if err != nil {
		return nil, fmt.Errorf("invalid member address %q: %w", m.Addr, err)
	}

	span, err := d.fetchSpan(ctx, base)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("User-Agent", d.userAgent)
	conn, _, err := d.wsDialer.DialContext(ctx, buildStreamURL(base, after), header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	r := &wsReader{
		conn: conn,
		span: span,
		done: make(chan struct{}),
	}
	// ReadMessage doesn't accept a context, so close the connection when
	// ctx is cancelled to interrupt it.
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-r.done:
		}
	}()
	return r, nil
}

func (d *WSDialer) fetchSpan(ctx context.Context, base *url.URL) (Span, error) {
	u := *base
	u.Path = "/oplog/span"
	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return Span{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return Span{}, fmt.Errorf("failed to fetch span: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return Span{}, fmt.Errorf("span endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	var span Span
	if err := json.NewDecoder(resp.Body).Decode(&span); err != nil {
		return Span{}, fmt.Errorf("failed to parse span: %w", err)
	}
	return span, nil
}

// buildStreamURL converts an HTTP base URL to the websocket /oplog/stream URL.
// e.g. "https://host" -> "wss://host/oplog/stream?after=T:S"
func buildStreamURL(u *url.URL, after oplog.GTID) string {
	copy := *u

	switch copy.Scheme {
	case "https":
		copy.Scheme = "wss"
	case "http":
		copy.Scheme = "ws"
	}

	copy.Path = "/oplog/stream"
	q := copy.Query()
	q.Set("after", after.String())
	copy.RawQuery = q.Encode()
	return copy.String()
}

type wsReader struct {
	conn *websocket.Conn
	span Span
	done chan struct{}
}

func (r *wsReader) Span(ctx context.Context) (Span, error) {
	return r.span, nil
}

// Next returns the next batch from the stream. Keepalives come through as
// empty batches so the caller gets a chance to notice a target change.
func (r *wsReader) Next(ctx context.Context) ([]*oplog.Entry, error) {
	r.conn.SetReadDeadline(time.Now().Add(httpClientTimeout))
	_, msg, err := r.conn.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) && closeErr.Text == outdatedCursorReason {
			return nil, ErrOutdatedCursor
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("websocket read error: %w", err)
	}

	var batch []*oplog.Entry
	if err := json.Unmarshal(msg, &batch); err != nil {
		return nil, fmt.Errorf("failed to parse websocket message: %w", err)
	}
	return batch, nil
}

func (r *wsReader) Close() error {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
	return r.conn.Close()
}
