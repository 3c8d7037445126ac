package asr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	engineHandshakeTimeout = 10 * time.Second
	engineWriteTimeout     = 10 * time.Second
)

// remoteEngine speaks to the external recognition service over a
// websocket: binary audio up, JSON hypotheses down.
type remoteEngine struct {
	conn    *websocket.Conn
	hyps    chan Hypothesis
	writeMu sync.Mutex
	closed  sync.Once
	done    chan struct{}
}

// DialEngine connects to the engine at cfg.URL and negotiates the session
// parameters via the query string.
func DialEngine(ctx context.Context, cfg EngineConfig) (Engine, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("engine url: %w", err)
	}
	q := u.Query()
	q.Set("model", cfg.Model)
	q.Set("language", cfg.SourceLang)
	q.Set("diarization", strconv.FormatBool(cfg.Diarization))
	q.Set("vac", strconv.FormatBool(cfg.VAC))
	q.Set("buffer_trimming", cfg.BufferTrimming)
	q.Set("min_chunk_size", strconv.FormatFloat(cfg.MinChunkSize, 'f', -1, 64))
	q.Set("vac_chunk_size", strconv.FormatFloat(cfg.VACChunkSize, 'f', -1, 64))
	q.Set("device", cfg.Device)
	q.Set("compute_type", cfg.ComputeType)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: engineHandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing engine (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dialing engine: %w", err)
	}

	e := &remoteEngine{
		conn: conn,
		hyps: make(chan Hypothesis, 16),
		done: make(chan struct{}),
	}
	go e.readLoop()
	return e, nil
}

func (e *remoteEngine) readLoop() {
	defer close(e.hyps)
	for {
		kind, raw, err := e.conn.ReadMessage()
		if err != nil {
			select {
			case <-e.done:
			default:
				slog.Error("engine: read failed", "error", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		var hyp Hypothesis
		if err := json.Unmarshal(raw, &hyp); err != nil {
			slog.Warn("engine: undecodable hypothesis", "error", err)
			continue
		}
		e.hyps <- hyp
	}
}

func (e *remoteEngine) Feed(ctx context.Context, pcm []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	deadline := time.Now().Add(engineWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	e.conn.SetWriteDeadline(deadline)
	if err := e.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		return fmt.Errorf("sending audio to engine: %w", err)
	}
	return nil
}

func (e *remoteEngine) Hypotheses() <-chan Hypothesis {
	return e.hyps
}

func (e *remoteEngine) Close() error {
	var err error
	e.closed.Do(func() {
		close(e.done)
		e.writeMu.Lock()
		e.conn.SetWriteDeadline(time.Now().Add(engineWriteTimeout))
		e.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		e.writeMu.Unlock()
		err = e.conn.Close()
	})
	return err
}
