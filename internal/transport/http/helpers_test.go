package http

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-relay/internal/auth"
	"github.com/vovakirdan/wirechat-relay/internal/config"
	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/proto"
	"github.com/vovakirdan/wirechat-relay/internal/service/directory"
	"github.com/vovakirdan/wirechat-relay/internal/service/messages"
	"github.com/vovakirdan/wirechat-relay/internal/session"
	"github.com/vovakirdan/wirechat-relay/internal/store/sqlite"
)

var testJWT = &auth.JWTConfig{
	Secret:   []byte("test-secret"),
	Issuer:   "wirechat-test",
	Audience: "wirechat",
	TTL:      time.Hour,
}

func startTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	return startTestServerWith(t, nil)
}

// startTestServerWith lets a test adjust the default config before the server is built.
func startTestServerWith(t *testing.T, adjust func(*config.Config)) *httptest.Server {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	logger := zerolog.Nop()
	hub := core.NewHub(&logger)
	dir := directory.New(st, hub, &logger)
	msgs := messages.New(st, dir, hub, messages.Config{}, &logger)
	gw := session.NewGateway(auth.NewJWTVerifier(testJWT), dir, msgs, hub, nil, session.Options{}, &logger)

	cfg := config.Default()
	if adjust != nil {
		adjust(&cfg)
	}
	server := NewServer(gw, &cfg, &logger)

	ts := httptest.NewServer(server.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func testToken(t *testing.T, userID string) string {
	t.Helper()

	tok, err := auth.GenerateToken(testJWT, auth.Identity{UserID: userID, Name: strings.ToUpper(userID[:1]) + userID[1:]})
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return tok
}

// wsClient is a minimal protocol client for tests.
type wsClient struct {
	t    *testing.T
	ctx  context.Context
	conn *websocket.Conn
	seq  int
}

func dialWS(t *testing.T, ctx context.Context, ts *httptest.Server) *wsClient {
	t.Helper()

	wsURL := strings.Replace(ts.URL, "http", "ws", 1) + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })
	return &wsClient{t: t, ctx: ctx, conn: conn}
}

// request sends a frame and returns the matching response or error frame.
// Push events arriving in between are skipped.
func (c *wsClient) request(typ string, data any) frame {
	c.t.Helper()

	c.seq++
	id := typ + "-" + strconv.Itoa(c.seq)

	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			c.t.Fatalf("marshal %s: %v", typ, err)
		}
		raw = b
	}
	if err := wsjson.Write(c.ctx, c.conn, proto.Inbound{ID: id, Type: typ, Data: raw}); err != nil {
		c.t.Fatalf("write %s: %v", typ, err)
	}

	for {
		f := c.read()
		if f.Type != proto.OutboundTypeEvent && f.ID == id {
			return f
		}
	}
}

func (c *wsClient) mustOK(typ string, data any, out any) {
	c.t.Helper()

	f := c.request(typ, data)
	if f.Type != proto.OutboundTypeResponse {
		c.t.Fatalf("%s: expected response, got %+v", typ, f)
	}
	if out != nil {
		if err := json.Unmarshal(f.Data, out); err != nil {
			c.t.Fatalf("%s: unmarshal response: %v", typ, err)
		}
	}
}

// event waits for the next push event of the given name.
func (c *wsClient) event(name string, out any) {
	c.t.Helper()

	for {
		f := c.read()
		if f.Type == proto.OutboundTypeEvent && f.Event == name {
			if err := json.Unmarshal(f.Data, out); err != nil {
				c.t.Fatalf("unmarshal %s: %v", name, err)
			}
			return
		}
	}
}

func (c *wsClient) read() frame {
	c.t.Helper()

	var f frame
	if err := wsjson.Read(c.ctx, c.conn, &f); err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return f
}

type frame struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Error *proto.Error    `json:"error"`
}

func readErr(ctx context.Context, c *wsClient, f *frame) error {
	return wsjson.Read(ctx, c.conn, f)
}
