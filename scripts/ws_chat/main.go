package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/wirechat-relay/internal/proto"
)

func main() {
	if err := run(); err != nil {
		log.Printf("ws_chat: %v", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "ws://localhost:8080/ws", "WebSocket address")
	token := flag.String("token", "", "identity token (see `wirechat token`)")
	to := flag.String("to", "", "user id to chat with")
	flag.Parse()

	if *token == "" || *to == "" {
		return fmt.Errorf("--token and --to are required")
	}

	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, *addr, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	send := func(typ string, data any) error {
		payload, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", typ, err)
		}
		return wsjson.Write(ctx, conn, proto.Inbound{ID: typ, Type: typ, Data: payload})
	}

	if err := send(proto.InboundTypeHello, proto.HelloData{Token: *token, Protocol: proto.ProtocolVersion}); err != nil {
		return err
	}
	if err := send(proto.InboundTypeStartDirect, proto.StartDirectData{UserID: *to}); err != nil {
		return err
	}

	// The conversation id arrives with the start_direct response; the read loop subscribes.
	convCh := make(chan string, 1)
	go func() {
		defer cancel()
		readLoop(ctx, conn, convCh, send)
	}()

	var conversationID string
	select {
	case conversationID = <-convCh:
	case <-ctx.Done():
		return nil
	}

	fmt.Printf("Connected to %s, chatting with %s\n", *addr, *to)
	fmt.Println("Type messages and press Enter to send. Ctrl+C to exit.")

	writeLoop(ctx, conversationID, send)

	stop()
	cancel()
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	return nil
}

func readLoop(ctx context.Context, conn *websocket.Conn, convCh chan<- string, send func(string, any) error) {
	for {
		var inbound struct {
			Type  string          `json:"type"`
			ID    string          `json:"id"`
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
			Error *proto.Error    `json:"error"`
		}
		if err := wsjson.Read(ctx, conn, &inbound); err != nil {
			// Treat expected shutdowns quietly.
			if errors.Is(err, context.Canceled) {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return
			}
			log.Printf("read error: %v", err)
			return
		}

		switch {
		case inbound.Type == proto.OutboundTypeError:
			log.Printf("%s failed: %s (%s)", inbound.ID, inbound.Error.Msg, inbound.Error.Code)
			if inbound.ID == proto.InboundTypeHello || inbound.ID == proto.InboundTypeStartDirect {
				return
			}
		case inbound.Type == proto.OutboundTypeResponse && inbound.ID == proto.InboundTypeStartDirect:
			var conv proto.Conversation
			if err := json.Unmarshal(inbound.Data, &conv); err != nil {
				log.Printf("unmarshal conversation: %v", err)
				return
			}
			if err := send(proto.InboundTypeSubscribe, proto.ConversationData{ConversationID: conv.ID}); err != nil {
				log.Printf("subscribe: %v", err)
				return
			}
			convCh <- conv.ID
		case inbound.Event == proto.EventMessageAppended:
			var msg proto.Message
			if err := json.Unmarshal(inbound.Data, &msg); err != nil {
				log.Printf("unmarshal message: %v", err)
				continue
			}
			name := msg.SenderName
			if name == "" {
				name = msg.SenderID
			}
			fmt.Printf("%s: %s\n", name, msg.Body)
		case inbound.Event == proto.EventMessagesRead:
			var receipt proto.ReadReceipt
			if err := json.Unmarshal(inbound.Data, &receipt); err == nil {
				fmt.Printf("(%s read up to %d)\n", receipt.ReaderID, receipt.UptoID)
			}
		}
	}
}

func writeLoop(ctx context.Context, conversationID string, send func(string, any) error) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			if err := send(proto.InboundTypeSend, proto.SendData{ConversationID: conversationID, Body: text}); err != nil {
				log.Printf("send error: %v", err)
				return
			}
		}
	}
}
