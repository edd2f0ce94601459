package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"peercall/native/internal/domain"
	"peercall/native/internal/metrics"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	opTimeout  = 10 * time.Second
	maxMessage = 1 << 20
)

// conn serves one client. Requests are handled in order on the read loop;
// subscription deliveries write from store goroutines, so every write holds mu.
type conn struct {
	srv    *Server
	ws     *websocket.Conn
	userID string
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   map[string]domain.Unsubscribe
	closed bool

	closeOnce sync.Once
}

func newConn(srv *Server, ws *websocket.Conn, userID string) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		srv:    srv,
		ws:     ws,
		userID: userID,
		log:    srv.log.With(zap.String("remote", ws.RemoteAddr().String()), zap.String("user", userID)),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]domain.Unsubscribe),
	}
}

func (c *conn) readLoop() {
	defer c.close()

	c.ws.SetReadLimit(maxMessage)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPingHandler(func(data string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("read error", zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("unmarshal error", zap.Error(err))
			c.respond(message{}, codeBadRequest, "malformed message")
			continue
		}
		c.dispatch(msg)
	}
}

func (c *conn) dispatch(msg message) {
	if msg.ID == "" {
		c.respond(msg, codeBadRequest, "missing request id")
		return
	}
	if msg.CallID == "" && msg.Method != methodUnsubscribe {
		c.respond(msg, codeBadRequest, "missing callId")
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, opTimeout)
	defer cancel()

	var err error
	switch msg.Method {
	case methodUpsert:
		if msg.Update == nil {
			c.respond(msg, codeBadRequest, "missing update")
			return
		}
		err = c.srv.cfg.Store.Upsert(ctx, msg.CallID, *msg.Update)

	case methodRead:
		var rec *domain.CallRecord
		rec, err = c.srv.cfg.Store.Read(ctx, msg.CallID)
		if err == nil {
			c.observe(msg.Method, nil)
			c.write(message{Method: methodResponse, ID: msg.ID, Record: rec})
			return
		}

	case methodSubscribe:
		if msg.SubscriptionID == "" {
			c.respond(msg, codeBadRequest, "missing subscriptionId")
			return
		}
		subID := msg.SubscriptionID
		var unsub domain.Unsubscribe
		unsub, err = c.srv.cfg.Store.Subscribe(ctx, msg.CallID, func(rec domain.CallRecord) {
			c.write(message{Method: methodRecord, SubscriptionID: subID, CallID: rec.ID, Record: &rec})
		})
		if err == nil {
			c.track(subID, unsub)
		}

	case methodAppendCandidate:
		if msg.Candidate == nil {
			c.respond(msg, codeBadRequest, "missing candidate")
			return
		}
		if c.userID != "" && msg.Candidate.UserID != c.userID {
			err = fmt.Errorf("candidate authored by %q: %w", msg.Candidate.UserID, ErrForbidden)
			break
		}
		err = c.srv.cfg.Store.AppendCandidate(ctx, msg.CallID, *msg.Candidate)

	case methodSubscribeCandidates:
		if msg.SubscriptionID == "" {
			c.respond(msg, codeBadRequest, "missing subscriptionId")
			return
		}
		subID := msg.SubscriptionID
		var unsub domain.Unsubscribe
		unsub, err = c.srv.cfg.Store.SubscribeCandidates(ctx, msg.CallID, func(cand domain.CandidateRecord) {
			c.write(message{Method: methodCandidate, SubscriptionID: subID, Candidate: &cand})
		})
		if err == nil {
			c.track(subID, unsub)
		}

	case methodUnsubscribe:
		c.untrack(msg.SubscriptionID)

	case methodDelete:
		err = c.srv.cfg.Store.Delete(ctx, msg.CallID)

	default:
		c.respond(msg, codeBadRequest, "unknown method "+msg.Method)
		return
	}

	c.observe(msg.Method, err)
	if err != nil {
		c.log.Debug("request failed", zap.String("method", msg.Method), zap.String("callID", msg.CallID), zap.Error(err))
		c.respond(msg, codeFor(err), err.Error())
		return
	}
	c.respond(msg, codeOK, "")
}

func (c *conn) observe(method string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.RelayRequestsTotal.WithLabelValues(method, outcome).Inc()
}

func (c *conn) respond(req message, code int, text string) {
	c.write(message{Method: methodResponse, ID: req.ID, Code: code, Message: text})
}

func (c *conn) write(msg message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("marshal error", zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.log.Debug("write error", zap.Error(err))
	}
}

func (c *conn) track(subID string, unsub domain.Unsubscribe) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		unsub()
		return
	}
	if old, ok := c.subs[subID]; ok {
		defer old()
	} else {
		metrics.RelaySubscriptions.Inc()
	}
	c.subs[subID] = unsub
	c.mu.Unlock()
}

func (c *conn) untrack(subID string) {
	c.mu.Lock()
	unsub, ok := c.subs[subID]
	delete(c.subs, subID)
	c.mu.Unlock()
	if ok {
		metrics.RelaySubscriptions.Dec()
		unsub()
	}
}

// close cancels every subscription of the connection.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		subs := c.subs
		c.subs = make(map[string]domain.Unsubscribe)
		c.closed = true
		c.mu.Unlock()
		for _, unsub := range subs {
			metrics.RelaySubscriptions.Dec()
			unsub()
		}
		_ = c.ws.Close()
	})
}
