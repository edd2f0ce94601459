package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"peercall/native/internal/domain"
	"peercall/native/internal/queue"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var _ domain.SignalStore = (*Client)(nil)

// ClientConfig configures a relay client.
type ClientConfig struct {
	// URL is the WebSocket endpoint, e.g. ws://relay.example:8080/ws.
	URL          string
	Token        string
	PingInterval time.Duration
	Logger       *zap.Logger
}

// Client is a domain.SignalStore backed by a remote relay.
type Client struct {
	cfg  ClientConfig
	log  *zap.Logger
	conn *websocket.Conn

	writeMu sync.Mutex

	mu         sync.Mutex
	pending    map[string]chan message
	records    map[string]*queue.Queue[domain.CallRecord]
	candidates map[string]*queue.Queue[domain.CandidateRecord]

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to the relay and starts the read and ping loops.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("relay.client")

	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}

	log.Info("connecting", zap.String("url", cfg.URL))
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("relay dial %s: status %d: %w: %w", cfg.URL, resp.StatusCode, domain.ErrStoreUnavailable, err)
		}
		return nil, fmt.Errorf("relay dial %s: %w: %w", cfg.URL, domain.ErrStoreUnavailable, err)
	}

	c := &Client{
		cfg:        cfg,
		log:        log,
		conn:       conn,
		pending:    make(map[string]chan message),
		records:    make(map[string]*queue.Queue[domain.CallRecord]),
		candidates: make(map[string]*queue.Queue[domain.CandidateRecord]),
		closed:     make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// Close shuts down the connection. Pending requests fail with ErrStoreUnavailable.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()

		c.mu.Lock()
		records, candidates := c.records, c.candidates
		c.records = make(map[string]*queue.Queue[domain.CallRecord])
		c.candidates = make(map[string]*queue.Queue[domain.CandidateRecord])
		c.mu.Unlock()
		for _, q := range records {
			q.Close()
		}
		for _, q := range candidates {
			q.Close()
		}
	})
	return err
}

func (c *Client) Upsert(ctx context.Context, callID string, update domain.CallUpdate) error {
	_, err := c.request(ctx, message{Method: methodUpsert, CallID: callID, Update: &update})
	return err
}

func (c *Client) Read(ctx context.Context, callID string) (*domain.CallRecord, error) {
	resp, err := c.request(ctx, message{Method: methodRead, CallID: callID})
	if err != nil {
		return nil, err
	}
	if resp.Record == nil {
		return nil, domain.ErrNotFound
	}
	return resp.Record, nil
}

func (c *Client) Subscribe(ctx context.Context, callID string, onChange func(domain.CallRecord)) (domain.Unsubscribe, error) {
	subID := uuid.NewString()
	q := queue.New(onChange)

	c.mu.Lock()
	c.records[subID] = q
	c.mu.Unlock()

	drop := func() {
		c.mu.Lock()
		delete(c.records, subID)
		c.mu.Unlock()
		q.Close()
	}
	if _, err := c.request(ctx, message{Method: methodSubscribe, CallID: callID, SubscriptionID: subID}); err != nil {
		drop()
		return nil, err
	}
	return c.unsubscribe(subID, drop), nil
}

func (c *Client) AppendCandidate(ctx context.Context, callID string, cand domain.CandidateRecord) error {
	_, err := c.request(ctx, message{Method: methodAppendCandidate, CallID: callID, Candidate: &cand})
	return err
}

func (c *Client) SubscribeCandidates(ctx context.Context, callID string, onAdd func(domain.CandidateRecord)) (domain.Unsubscribe, error) {
	subID := uuid.NewString()
	q := queue.New(onAdd)

	c.mu.Lock()
	c.candidates[subID] = q
	c.mu.Unlock()

	drop := func() {
		c.mu.Lock()
		delete(c.candidates, subID)
		c.mu.Unlock()
		q.Close()
	}
	if _, err := c.request(ctx, message{Method: methodSubscribeCandidates, CallID: callID, SubscriptionID: subID}); err != nil {
		drop()
		return nil, err
	}
	return c.unsubscribe(subID, drop), nil
}

func (c *Client) Delete(ctx context.Context, callID string) error {
	_, err := c.request(ctx, message{Method: methodDelete, CallID: callID})
	return err
}

// unsubscribe stops local delivery at once and tells the relay without
// waiting for its response.
func (c *Client) unsubscribe(subID string, drop func()) domain.Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() {
			drop()
			select {
			case <-c.closed:
				return
			default:
			}
			if err := c.send(message{Method: methodUnsubscribe, ID: uuid.NewString(), SubscriptionID: subID}); err != nil {
				c.log.Debug("unsubscribe not sent", zap.String("subscription", subID), zap.Error(err))
			}
		})
	}
}

func (c *Client) request(ctx context.Context, msg message) (message, error) {
	msg.ID = uuid.NewString()
	ch := make(chan message, 1)

	c.mu.Lock()
	c.pending[msg.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}()

	op := fmt.Sprintf("relay %s %s", msg.Method, msg.CallID)
	if err := c.send(msg); err != nil {
		return message{}, fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
	}

	select {
	case resp := <-ch:
		return resp, responseError(op, resp)
	case <-c.closed:
		return message{}, fmt.Errorf("%s: %w: connection closed", op, domain.ErrStoreUnavailable)
	case <-ctx.Done():
		return message{}, fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, ctx.Err())
	}
}

func (c *Client) send(msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop() {
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.log.Warn("read error", zap.Error(err))
			}
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("unmarshal error", zap.Error(err))
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg message) {
	switch msg.Method {
	case methodResponse:
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		c.mu.Unlock()
		if ok {
			ch <- msg
		}

	case methodRecord:
		if msg.Record == nil {
			return
		}
		c.mu.Lock()
		q, ok := c.records[msg.SubscriptionID]
		c.mu.Unlock()
		if ok {
			q.Push(*msg.Record)
		}

	case methodCandidate:
		if msg.Candidate == nil {
			return
		}
		c.mu.Lock()
		q, ok := c.candidates[msg.SubscriptionID]
		c.mu.Unlock()
		if ok {
			q.Push(*msg.Candidate)
		}

	default:
		c.log.Debug("unhandled method", zap.String("method", msg.Method))
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				select {
				case <-c.closed:
				default:
					c.log.Warn("ping error", zap.Error(err))
				}
				return
			}
		}
	}
}
