//nolint:all
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"github.com/raaznotes/chatkit/internal/api"
	"github.com/raaznotes/chatkit/internal/auth"
	"github.com/raaznotes/chatkit/internal/transport"
)

// Drives pairs of clients against a chat server: every even client sends to
// the next odd one over REST, then announces on the socket, the same way the
// real composer does.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("failed to load .env file: %+v", err)
	}

	var (
		pairs    = flag.Int("pairs", 5, "number of sender/receiver pairs")
		messages = flag.Int("messages", 20, "messages per sender")
		apiURL   = flag.String("api", "http://localhost:8080/api", "REST base URL")
		wsURL    = flag.String("ws", "ws://localhost:8080/ws", "push channel URL")
	)
	flag.Parse()

	secret := os.Getenv("CHAT_TOKEN_SECRET")
	if secret == "" {
		log.Fatal("CHAT_TOKEN_SECRET environment variable is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		sender := fmt.Sprintf("load-sender-%d", i)
		receiver := fmt.Sprintf("load-receiver-%d", i)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runSender(ctx, *apiURL, *wsURL, secret, sender, receiver, *messages); err != nil {
				log.Printf("pair %s: %v", sender, err)
			}
		}()
	}
	wg.Wait()

	log.Printf("sent %d messages across %d pairs in %s", (*pairs)*(*messages), *pairs, time.Since(start))
}

func runSender(ctx context.Context, apiURL, wsURL, secret, sender, receiver string, count int) error {
	token, err := auth.MakeToken(sender, secret, time.Hour)
	if err != nil {
		return err
	}

	session := transport.NewSession(wsURL, sender)
	if err := session.Connect(ctx); err != nil {
		return err
	}
	defer session.Close()

	client := api.NewClient(apiURL, auth.Credential{Token: token})
	for i := 0; i < count; i++ {
		msg, err := client.Send(ctx, receiver, fmt.Sprintf("load message %d", i), nil)
		if err != nil {
			return err
		}
		if err := session.Emit(ctx, transport.EventSendMessage, msg); err != nil {
			return err
		}
	}

	return nil
}
