package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// wsTransport queues outbound frames for one websocket. A single writer
// goroutine drains the queue and keeps the peer alive with pings.
type wsTransport struct {
	id           string
	conn         *websocket.Conn
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	pingInterval time.Duration
	health       *ConnectionHealth
	log          *zap.Logger
}

func newWSTransport(id string, conn *websocket.Conn, buffer int, writeTimeout, pingInterval time.Duration, health *ConnectionHealth, log *zap.Logger) *wsTransport {
	return &wsTransport{
		id:           id,
		conn:         conn,
		send:         make(chan []byte, buffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		health:       health,
		log:          log,
	}
}

// Send never blocks. A full queue drops the message.
func (t *wsTransport) Send(msg ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	select {
	case <-t.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case t.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (t *wsTransport) Close(reason string) {
	t.closeOnce.Do(func() {
		close(t.done)
		if err := t.conn.Close(websocket.StatusGoingAway, reason); err != nil {
			t.log.Debug("websocket close", zap.String("conn", t.id), zap.Error(err))
		}
	})
}

// writePump runs until the transport closes or ctx ends.
func (t *wsTransport) writePump(ctx context.Context) {
	var tick <-chan time.Time
	if t.pingInterval > 0 {
		ticker := time.NewTicker(t.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case data := <-t.send:
			if err := t.write(ctx, data); err != nil {
				t.log.Debug("write failed", zap.String("conn", t.id), zap.Error(err))
				t.Close("write failed")
				return
			}
		case <-tick:
			if err := t.ping(ctx); err != nil {
				t.log.Debug("ping failed", zap.String("conn", t.id), zap.Error(err))
				t.Close("ping timeout")
				return
			}
			t.health.UpdateActivity(t.id)
		}
	}
}

func (t *wsTransport) write(ctx context.Context, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, t.writeTimeout)
	defer cancel()
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.writeTimeout)
	defer cancel()
	return t.conn.Ping(ctx)
}
