package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"AgentHub/sdk/go/agenthub"
)

func main() {
	baseURL := os.Getenv("AGENTHUB_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	goal := "2+2"
	if len(os.Args) > 1 {
		goal = os.Args[1]
	}

	client, err := agenthub.NewClient(baseURL, nil)
	if err != nil {
		log.Fatalf("client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	session, err := client.CreateSession(ctx, "sdk-demo", map[string]any{"source": "sdk-example"})
	if err != nil {
		log.Fatalf("create session: %v", err)
	}
	defer client.DeleteSession(context.Background(), session.ID)

	done := make(chan error, 1)
	go func() {
		done <- client.StreamEvents(ctx, session.ID, func(ev agenthub.Event) bool {
			fmt.Printf("%s %s %s\n", ev.Timestamp.Format(time.TimeOnly), ev.Type, ev.Data)
			if ev.Type == "session:created" {
				if _, err := client.Execute(ctx, session.ID, goal, agenthub.ExecuteOptions{}); err != nil {
					log.Printf("execute: %v", err)
					return false
				}
			}
			return !ev.Terminal()
		})
	}()
	if err := <-done; err != nil {
		log.Fatalf("stream: %v", err)
	}

	final, err := client.GetSession(ctx, session.ID)
	if err != nil {
		log.Fatalf("get session: %v", err)
	}
	if final.LastResult != nil {
		fmt.Printf("output: %s (steps=%d tokens=%d)\n", final.LastResult.Output, final.LastResult.Steps, final.LastResult.Tokens)
	}
}
