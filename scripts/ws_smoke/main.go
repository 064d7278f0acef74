package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/wirechat-relay/internal/proto"
)

func main() {
	if err := run(); err != nil {
		log.Printf("ws_smoke: %v", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "ws://localhost:8080/ws", "WebSocket address")
	token := flag.String("token", "", "identity token (see `wirechat token`)")
	to := flag.String("to", "", "user id of the other participant (must have signed in once)")
	text := flag.String("text", "hello from smoke test", "message text to send")
	timeout := flag.Duration("timeout", 5*time.Second, "total timeout for the run")
	flag.Parse()

	if *token == "" || *to == "" {
		return fmt.Errorf("--token and --to are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, *addr, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	c := &client{ctx: ctx, conn: conn}

	var hello proto.HelloResult
	if err := c.call(proto.InboundTypeHello, proto.HelloData{Token: *token, Protocol: proto.ProtocolVersion}, &hello); err != nil {
		return err
	}
	fmt.Printf("Authenticated as %s (session %s)\n", hello.User.ID, hello.SessionID)

	var conv proto.Conversation
	if err := c.call(proto.InboundTypeStartDirect, proto.StartDirectData{UserID: *to}, &conv); err != nil {
		return err
	}
	if err := c.call(proto.InboundTypeSubscribe, proto.ConversationData{ConversationID: conv.ID}, nil); err != nil {
		return err
	}

	var sent proto.Message
	if err := c.call(proto.InboundTypeSend, proto.SendData{ConversationID: conv.ID, Body: *text}, &sent); err != nil {
		return err
	}
	fmt.Printf("Sent message %d to conversation %s\n", sent.ID, conv.ID)

	for {
		f, err := c.read()
		if err != nil {
			return err
		}
		if f.Type == proto.OutboundTypeEvent && f.Event == proto.EventMessageAppended {
			var msg proto.Message
			if err := json.Unmarshal(f.Data, &msg); err != nil {
				return fmt.Errorf("unmarshal message: %w", err)
			}
			fmt.Printf("Received message_appended: id=%d sender=%s body=%q\n", msg.ID, msg.SenderID, msg.Body)
			if msg.ID == sent.ID {
				return nil
			}
		}
	}
}

type frame struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Error *proto.Error    `json:"error"`
}

type client struct {
	ctx  context.Context
	conn *websocket.Conn
	seq  int
}

func (c *client) call(typ string, data, out any) error {
	c.seq++
	id := fmt.Sprintf("%s-%d", typ, c.seq)

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", typ, err)
	}
	if err := wsjson.Write(c.ctx, c.conn, proto.Inbound{ID: id, Type: typ, Data: payload}); err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}

	for {
		f, err := c.read()
		if err != nil {
			return err
		}
		if f.ID != id {
			continue
		}
		if f.Error != nil {
			return fmt.Errorf("%s: %s (%s)", typ, f.Error.Msg, f.Error.Code)
		}
		if out != nil {
			return json.Unmarshal(f.Data, out)
		}
		return nil
	}
}

func (c *client) read() (frame, error) {
	var f frame
	if err := wsjson.Read(c.ctx, c.conn, &f); err != nil {
		return f, fmt.Errorf("read: %w", err)
	}
	return f, nil
}
