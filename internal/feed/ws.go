package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	wsReadTimeout    = 30 * time.Second
	wsWriteTimeout   = 5 * time.Second
	wsReconnectDelay = 3 * time.Second
	wsMaxRetries     = 5
)

// WSStreamerConfig holds websocket streamer settings.
type WSStreamerConfig struct {
	// URL of the market-hub websocket endpoint.
	URL string

	// AuthToken is sent with each subscribe request.
	AuthToken string
}

// WSStreamer maintains one websocket connection per subscribed symbol
// and forwards quotes to the sink. Connections reconnect with linear
// backoff until stopped or the retry budget runs out.
type WSStreamer struct {
	cfg    WSStreamerConfig
	sink   func(Quote)
	logger *slog.Logger

	mu      sync.Mutex
	streams map[string]*wsStream
}

type wsStream struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWSStreamer creates a websocket streamer delivering quotes to sink.
func NewWSStreamer(cfg WSStreamerConfig, sink func(Quote), logger *slog.Logger) *WSStreamer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSStreamer{
		cfg:     cfg,
		sink:    sink,
		logger:  logger.With("component", "feed_ws"),
		streams: make(map[string]*wsStream),
	}
}

// Start opens a quote stream for the symbol. Starting an already
// running stream is a no-op.
func (s *WSStreamer) Start(ctx context.Context, symbol, contractID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, running := s.streams[symbol]; running {
		return nil
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream := &wsStream{cancel: cancel, done: make(chan struct{})}
	s.streams[symbol] = stream

	go s.run(streamCtx, stream, symbol, contractID)
	return nil
}

// Stop closes the stream for the symbol.
func (s *WSStreamer) Stop(symbol string) error {
	s.mu.Lock()
	stream, running := s.streams[symbol]
	if running {
		delete(s.streams, symbol)
	}
	s.mu.Unlock()

	if !running {
		return nil
	}
	stream.cancel()
	<-stream.done
	return nil
}

// subscribeMsg is the market-hub subscription request.
type subscribeMsg struct {
	Action     string `json:"action"`
	Symbol     string `json:"symbol"`
	ContractID string `json:"contractId"`
	Token      string `json:"token,omitempty"`
}

// quoteMsg is the wire shape of one price update.
type quoteMsg struct {
	Symbol    string          `json:"symbol"`
	LastPrice decimal.Decimal `json:"lastPrice"`
	Timestamp int64           `json:"timestamp"`
}

func (s *WSStreamer) run(ctx context.Context, stream *wsStream, symbol, contractID string) {
	defer close(stream.done)

	retries := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := s.dial(ctx, symbol, contractID)
		if err != nil {
			retries++
			if retries > wsMaxRetries {
				s.logger.Error("stream abandoned after retries",
					"symbol", symbol,
					"retries", retries-1,
					"err", err,
				)
				return
			}
			backoff := time.Duration(retries) * wsReconnectDelay
			s.logger.Warn("stream dial failed",
				"symbol", symbol,
				"attempt", retries,
				"backoff", backoff,
				"err", err,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}

		retries = 0
		s.logger.Info("stream connected", "symbol", symbol)
		s.readLoop(ctx, conn, symbol)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wsReconnectDelay):
			s.logger.Info("stream reconnecting", "symbol", symbol)
		}
	}
}

func (s *WSStreamer) dial(ctx context.Context, symbol, contractID string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}

	sub := subscribeMsg{
		Action:     "subscribe",
		Symbol:     symbol,
		ContractID: contractID,
		Token:      s.cfg.AuthToken,
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe %s: %w", symbol, err)
	}
	return conn, nil
}

func (s *WSStreamer) readLoop(ctx context.Context, conn *websocket.Conn, symbol string) {
	defer conn.Close()

	// Close the connection when the stream is cancelled so the blocked
	// read returns.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("stream read failed", "symbol", symbol, "err", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		var msg quoteMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Debug("unparseable quote", "symbol", symbol, "err", err)
			continue
		}
		if msg.LastPrice.IsZero() {
			continue
		}
		if msg.Symbol == "" {
			msg.Symbol = symbol
		}

		at := time.Now()
		if msg.Timestamp > 0 {
			at = time.UnixMilli(msg.Timestamp)
		}
		s.sink(Quote{Symbol: msg.Symbol, Price: msg.LastPrice, At: at})
	}
}
