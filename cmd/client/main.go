package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Netflix/go-env"
	"github.com/gookit/color"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
	"github.com/omochice/channel-relay/internal/relay"
)

// Exit codes for the client.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

var authorStyle = color.New(color.OpBold, color.FgCyan)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Client error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	_ = godotenv.Load()

	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}

	flag.StringVar(&config.Endpoint, "server", config.Endpoint, "Socket endpoint (e.g., ws://localhost:4000/socket)")
	flag.StringVar(&config.Token, "token", config.Token, "Token sent with the connection")
	flag.StringVar(&config.Topic, "topic", config.Topic, "Topic to join")
	flag.StringVar(&config.Username, "username", config.Username, "Username shown next to your messages")
	flag.Parse()

	log := logs.GetLoggerFromString(config.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := relay.Connect(ctx, config.Endpoint, config.Token,
		relay.WithHeartbeatInterval(config.HeartbeatInterval),
		relay.WithLogger(log),
	)
	if err != nil {
		return exitRuntime, err
	}
	defer r.Close()

	joinCtx, cancel := context.WithTimeout(ctx, config.JoinTimeout)
	sub, err := r.Join(joinCtx, config.Topic)
	cancel()
	if err != nil {
		return exitRuntime, fmt.Errorf("failed to join %s: %w", config.Topic, err)
	}
	fmt.Printf("Joined %s as %s. Type your messages (or 'quit' to exit):\n", config.Topic, displayName(config.Username))

	go func() {
		err := sub.Each(ctx, func(m relay.ChatMessage) {
			fmt.Printf("%s %s\n", authorStyle.Sprint(m.DisplayAuthor()+":"), m.Body)
		})
		if err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "Subscription ended: %v\n", err)
		}
		stop()
	}()

	lines := make(chan string)
	go scan(os.Stdin, lines)

	name := config.Username
	for {
		select {
		case <-ctx.Done():
			return exitOK, nil
		case text, ok := <-lines:
			if !ok {
				return exitOK, nil
			}
			switch {
			case text == "":
				continue
			case text == "quit" || text == "exit":
				return exitOK, nil
			}
			if rename, ok := nameCommand(text); ok {
				name = rename
				fmt.Printf("Now sending as %s\n", displayName(name))
				continue
			}
			if err := r.Send(name, text); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to send message: %v\n", err)
			}
		}
	}
}

// scan forwards trimmed input lines until r is exhausted.
func scan(r io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines <- strings.TrimSpace(scanner.Text())
	}
}

// nameCommand parses "/name <new name>". A bare "/name" clears the name.
func nameCommand(text string) (string, bool) {
	if text == "/name" {
		return "", true
	}
	rest, ok := strings.CutPrefix(text, "/name ")
	if !ok {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

func displayName(name string) string {
	return relay.ChatMessage{Author: name}.DisplayAuthor()
}
