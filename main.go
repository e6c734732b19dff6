// Package main our entry point.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/raaznotes/chatkit/internal/api"
	"github.com/raaznotes/chatkit/internal/auth"
	"github.com/raaznotes/chatkit/internal/chat"
	"github.com/raaznotes/chatkit/internal/model"
	"github.com/raaznotes/chatkit/internal/presence"
	"github.com/raaznotes/chatkit/internal/transport"
)

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("failed to load .env file: %+v", err)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.SetOutput(os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	apiURL := getEnv("CHAT_API_URL", "http://localhost:8080/api")
	wsURL := getEnv("CHAT_WS_URL", "ws://localhost:8080/ws")

	token := os.Getenv("CHAT_TOKEN")
	if token == "" {
		log.Fatal("CHAT_TOKEN environment variable is not set")
	}
	peerID := os.Getenv("CHAT_PEER")
	if peerID == "" {
		log.Fatal("CHAT_PEER environment variable is not set")
	}

	userID, err := auth.UserIDFromToken(token)
	if err != nil {
		log.Fatalf("could not read user identity from token: %v", err)
	}

	cred := auth.Credential{Token: token}
	client := api.NewClient(apiURL, cred)

	// One session per client process; everything below shares it.
	session := transport.NewSession(wsURL, userID)
	session.SetStateHandler(func(connected bool) {
		if connected {
			log.Println("connected to chat server")
		} else {
			log.Println("connection lost, reconnecting...")
		}
	})

	if err := session.Connect(ctx); err != nil {
		log.Fatalf("could not connect to the chat server: %v", err)
	}
	defer session.Close()

	tracker := presence.NewTracker()
	tracker.Bind(session)
	defer tracker.Unbind()

	self := model.User{ID: userID}
	peer := model.User{ID: peerID}
	if users, err := client.Users(ctx); err == nil {
		for _, u := range users {
			if u.ID == peerID {
				peer = u
			}
		}
	} else {
		log.Printf("could not load the user directory: %v", err)
	}

	conv := chat.Open(ctx, self, peer, session, client)
	defer conv.Close()

	inbox := chat.OpenInbox(userID, session)
	defer inbox.Close()

	composer := chat.NewComposer(self, conv, session, client)

	offNew := session.On(transport.EventNewMessage, func(data json.RawMessage) {
		var msg model.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		if msg.SenderID != peerID {
			return
		}
		name := peer.Name
		if name == "" {
			name = peer.ID
		}
		fmt.Printf("[%s] %s: %s\n", msg.CreatedAt.Format(time.Kitchen), name, msg.Text)
	})
	defer offNew()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := scanner.Text()

			if emoji, id, ok := parseReact(line); ok {
				if err := composer.React(ctx, id, emoji); err != nil {
					log.Printf("reaction failed: %v", err)
				}
				continue
			}

			composer.SetText(line)
			if err := composer.Send(ctx); err != nil {
				log.Printf("send failed, draft kept: %v", err)
			}
		}
		stop()
	}()

	status := "offline"
	if tracker.IsOnline(peerID) {
		status = "online"
	}
	log.Printf("chatting with %s (%s); type a message and press enter", peerID, status)

	<-ctx.Done()
	log.Println("shutting down...")
}

// parseReact recognizes "/react <messageID> <emoji>" lines.
func parseReact(line string) (emoji, messageID string, ok bool) {
	if !strings.HasPrefix(line, "/react ") {
		return "", "", false
	}
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return "", "", false
	}
	return fields[2], fields[1], true
}
