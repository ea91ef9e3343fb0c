package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/delta-bot/internal/execution"
	"github.com/tathienbao/delta-bot/internal/ledger"
	"github.com/tathienbao/delta-bot/internal/risk"
	"github.com/tathienbao/delta-bot/internal/stream"
)

// silentFeed accepts websocket sessions and never writes a frame.
type silentFeed struct {
	srv   *httptest.Server
	dials atomic.Int32

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newSilentFeed(t *testing.T) *silentFeed {
	t.Helper()
	sf := &silentFeed{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	sf.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sf.dials.Add(1)
		sf.mu.Lock()
		sf.conns = append(sf.conns, conn)
		sf.mu.Unlock()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(func() {
		sf.mu.Lock()
		for _, c := range sf.conns {
			_ = c.Close()
		}
		sf.mu.Unlock()
		sf.srv.Close()
	})
	return sf
}

func (sf *silentFeed) url() string {
	return "ws" + strings.TrimPrefix(sf.srv.URL, "http")
}

// scaledStreamConfig shrinks the production reconnect schedule by 100x.
func scaledStreamConfig(url string) stream.Config {
	cfg := stream.DefaultConfig()
	cfg.URL = url
	cfg.APIKey = "test-key"
	cfg.APISecret = "test-secret"
	cfg.PingInterval = 0
	cfg.ReadTimeout = time.Minute
	cfg.CloseTimeout = time.Second
	cfg.SuppressWindow = 30 * time.Millisecond
	cfg.WriteRatePerSecond = 100
	cfg.Backoff = stream.Backoff{
		Excellent:   20 * time.Millisecond,
		Good:        50 * time.Millisecond,
		Poor:        120 * time.Millisecond,
		VeryBad:     300 * time.Millisecond,
		PenaltyUnit: 10 * time.Millisecond,
		PenaltyCap:  300 * time.Millisecond,
	}
	return cfg
}

func TestEngine_HeartbeatRecoversRealConnection(t *testing.T) {
	sf := newSilentFeed(t)
	feed := stream.NewConnection(scaledStreamConfig(sf.url()), nil)

	l := ledger.New(ledger.Config{Leverage: decimal.NewFromInt(50), PositionSize: decimal.RequireFromString("0.01")}, nil)
	exec := execution.NewEngine(execution.Config{FillProbability: 1, Seed: 1}, l, nil)

	// The heartbeat breaches several times inside one backoff delay.
	cfg := testConfig()
	cfg.HeartbeatTimeout = 100 * time.Millisecond

	e, err := NewEngine(cfg, Deps{
		Feed:     feed,
		Executor: exec,
		Ledger:   l,
		Guard:    risk.NewGuard(risk.DefaultConfig(), nil, nil),
	}, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && sf.dials.Load() < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	if n := sf.dials.Load(); n < 2 {
		t.Fatalf("dials = %d, want a second dial after heartbeat breaches", n)
	}
	if st := feed.Stats(); st.ReconnectsSuppressed == 0 {
		t.Errorf("ReconnectsSuppressed = 0, want later breaches dropped while an attempt was pending")
	}
}
