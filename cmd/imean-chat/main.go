// iMean couples-chat terminal client.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/imean-app/chat-client/internal/chat"
	"github.com/imean-app/chat-client/internal/config"
	"github.com/imean-app/chat-client/internal/credentials"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	roomID := cfg.RoomID
	if len(os.Args) > 1 {
		roomID = os.Args[1]
	}
	if roomID == "" {
		fmt.Fprintln(os.Stderr, "usage: imean-chat <room-id>  (or set IMEAN_ROOM_ID)")
		os.Exit(2)
	}

	creds, err := credentials.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to open credential store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := creds.Close(); closeErr != nil {
			slog.Error("Failed to close credential store", "error", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := seedCredentials(ctx, creds); err != nil {
		slog.Error("Failed to seed credentials", "error", err)
		os.Exit(1)
	}

	memberID, _ := creds.MemberID(ctx)
	nickname, _ := creds.MemberNickname(ctx)

	scrollback := chat.NewScrollback(200)
	app := &chatApp{
		roomID:     roomID,
		memberID:   memberID,
		nickname:   nickname,
		scrollback: scrollback,
	}

	client := chat.NewClient(cfg.WSBaseURL, creds, chat.Options{
		HeartbeatInterval:    cfg.Chat.HeartbeatInterval,
		ReconnectDelay:       cfg.Chat.ReconnectDelay,
		MaxReconnectAttempts: cfg.Chat.MaxReconnectAttempts,
	})
	app.client = client

	if err := client.Connect(ctx, roomID, app.callbacks()); err != nil {
		slog.Error("Failed to connect", "room_id", roomID, "error", err)
		os.Exit(1)
	}
	defer client.Close()

	go app.inputLoop(stop)

	<-ctx.Done()
	fmt.Println("채팅을 종료합니다.")
}

// seedCredentials lets local development inject a token and identity via the
// environment instead of a login flow.
func seedCredentials(ctx context.Context, creds credentials.Store) error {
	pairs := []struct {
		env string
		set func(context.Context, string) error
	}{
		{"IMEAN_ACCESS_TOKEN", creds.SetAccessToken},
		{"IMEAN_MEMBER_ID", creds.SetMemberID},
		{"IMEAN_MEMBER_NICKNAME", creds.SetMemberNickname},
	}
	for _, p := range pairs {
		if v := os.Getenv(p.env); v != "" {
			if err := p.set(ctx, v); err != nil {
				return err
			}
		}
	}
	return nil
}

type chatApp struct {
	client     *chat.Client
	roomID     string
	memberID   string
	nickname   string
	scrollback *chat.Scrollback

	mu            sync.Mutex
	pendingPrompt int // session id of an unanswered continuation prompt
	hasPrompt     bool
}

func (a *chatApp) callbacks() chat.Callbacks {
	return chat.Callbacks{
		OnConnected: func() {
			fmt.Println("채팅방에 연결되었습니다.")
			for _, m := range a.scrollback.Messages() {
				a.printLine(m.Timestamp.Format("15:04"), string(m.Sender), m.Content)
			}
		},
		OnSystemPrompt: func(message string, sessionID int) {
			a.mu.Lock()
			a.pendingPrompt = sessionID
			a.hasPrompt = true
			a.mu.Unlock()
			fmt.Printf("\n[AI 상담사] %s\n  /yes = 네, 시간이 더 필요합니다.  /no = 아니요, 넘어가도 좋습니다.\n", message)
		},
		OnMessage: func(msg chat.Message) {
			if msg.Type == chat.TypeChatHistory {
				for _, entry := range msg.Messages {
					a.show(entry)
				}
				return
			}
			a.show(msg)
		},
		OnSessionUpdate: func(msg chat.Message) {
			if msg.Content != "" {
				a.show(msg)
			}
		},
		OnConnectionError: func(err error) {
			fmt.Println("연결이 끊어졌습니다. 다시 접속해 주세요.")
			slog.Error("Chat connection error", "error", err)
		},
	}
}

func (a *chatApp) show(msg chat.Message) {
	line := msg.ChatMessage(a.roomID, a.memberID)
	a.scrollback.Append(line)
	a.printLine(line.Timestamp.Format("15:04"), string(line.Sender), line.Content)
}

func (a *chatApp) printLine(ts, sender, content string) {
	fmt.Printf("[%s] %s: %s\n", ts, a.senderName(sender), content)
}

func (a *chatApp) senderName(sender string) string {
	switch sender {
	case "user":
		return "나"
	case "partner":
		if a.nickname != "" {
			return a.nickname
		}
		return "상대방"
	case "ai":
		return "AI 상담사"
	}
	return sender
}

func (a *chatApp) inputLoop(stop context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			stop()
			return
		case line == "/yes":
			a.respond("네")
		case line == "/no":
			a.respond("아니요")
		case strings.HasPrefix(line, "/ai "):
			a.send(chat.TypeAIMessage, strings.TrimPrefix(line, "/ai "))
		default:
			a.send(chat.TypeMessage, line)
		}
	}
	stop()
}

func (a *chatApp) respond(answer string) {
	a.mu.Lock()
	sid := a.pendingPrompt
	has := a.hasPrompt
	a.hasPrompt = false
	a.mu.Unlock()

	if !has {
		fmt.Println("응답할 상담사 메시지가 없습니다.")
		return
	}
	if err := a.client.SendWithSessionID(chat.TypeResponse, answer, sid); err != nil {
		fmt.Println("응답이 전송되지 않았습니다. 잠시 후 다시 시도해 주세요.")
		slog.Warn("Response send failed", "error", err)
	}
}

func (a *chatApp) send(msgType chat.MessageType, content string) {
	if err := a.client.Send(msgType, content); err != nil {
		fmt.Println("메시지가 전송되지 않았습니다. 잠시 후 다시 시도해 주세요.")
		slog.Warn("Send failed", "type", msgType, "error", err)
	}
}
