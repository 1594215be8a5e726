// Command pairlink is an interactive chat/call client against the hub
// server. It owns one hub connection for the logged-in user and wires the
// message, notification, and signaling channels to it, tearing everything
// down on exit.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nmestad/pairlink/config"
	"github.com/nmestad/pairlink/internal/call"
	"github.com/nmestad/pairlink/internal/chat"
	"github.com/nmestad/pairlink/internal/hub"
	"github.com/nmestad/pairlink/internal/logging"
	"github.com/nmestad/pairlink/internal/notify"
	"github.com/nmestad/pairlink/internal/server"
)

func main() {
	user := flag.String("user", "", "user id to log in as")
	flag.Parse()
	if *user == "" {
		fmt.Fprintln(os.Stderr, "usage: pairlink -user <id>")
		os.Exit(2)
	}

	cfg := config.Load()

	token, err := login(cfg.BaseURL, *user)
	if err != nil {
		logging.Fatalf("login: %v", err)
	}

	conn := hub.New(cfg.HubURL())
	if err := conn.Connect(*user); err != nil {
		logging.Fatalf("connect: %v", err)
	}
	defer conn.Disconnect()

	conn.OnStateChange(func(s hub.State) {
		fmt.Printf("* connection %s\n", s)
	})

	messages := chat.NewChannel(conn, chat.NewHistoryClient(cfg.BaseURL), *user)
	defer messages.Close()

	notifications := notify.NewChannel(conn)
	offNotify := notifications.Listen(func(body string) {
		fmt.Printf("* notification: %s\n", body)
	})
	defer offNotify()

	relay := call.NewRelay(conn, call.NewPolicy(cfg.CallWindowHours), call.SilentCapture, call.NewPionPeer)
	relay.OnEnded(func(peerID string) {
		fmt.Printf("* call with %s ended\n", peerID)
	})
	defer relay.Close()

	// Print messages as the buffer grows. The notifier is debounced and runs
	// on its own goroutine, so the print cursor is mutex-guarded against the
	// input loop resetting it on a peer switch.
	var printMu sync.Mutex
	printed := 0
	printNew := func() {
		printMu.Lock()
		defer printMu.Unlock()
		for _, m := range messages.Messages()[printed:] {
			fmt.Printf("[%s] %s: %s\n", m.Timestamp.Format("15:04"), m.SenderID, m.Body)
			printed++
		}
	}
	messages.OnAppend(printNew)

	fmt.Println("commands: /to <peer>, /call <peer>, /end, /notify <peer> <text>, /broadcast <text>, /quit")
	scanner := bufio.NewScanner(os.Stdin)
	var peer string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)

		switch {
		case line == "/quit":
			cancel()
			return
		case strings.HasPrefix(line, "/to "):
			peer = strings.TrimSpace(strings.TrimPrefix(line, "/to "))
			ok, _ := messages.History(ctx, peer, token)
			if !ok {
				fmt.Println("* could not load history")
			}
			printMu.Lock()
			printed = 0
			printMu.Unlock()
			printNew()
		case strings.HasPrefix(line, "/call "):
			target := strings.TrimSpace(strings.TrimPrefix(line, "/call "))
			if err := relay.StartCall(ctx, target); err != nil {
				fmt.Printf("* %v\n", err)
			}
		case line == "/end":
			relay.EndCall(ctx)
		case strings.HasPrefix(line, "/notify "):
			rest := strings.TrimPrefix(line, "/notify ")
			target, body, found := strings.Cut(rest, " ")
			if !found {
				fmt.Println("* usage: /notify <peer> <text>")
			} else if err := notifications.Send(ctx, target, body); err != nil {
				fmt.Printf("* %v\n", err)
			}
		case strings.HasPrefix(line, "/broadcast "):
			if err := notifications.Broadcast(ctx, strings.TrimPrefix(line, "/broadcast ")); err != nil {
				fmt.Printf("* %v\n", err)
			}
		case line == "":
		default:
			if peer == "" {
				fmt.Println("* pick a peer first: /to <peer>")
			} else if err := messages.Send(ctx, *user, peer, line); err != nil {
				fmt.Printf("* %v\n", err)
			}
		}
		cancel()
	}
}

// login obtains a bearer token from the demo login endpoint.
func login(baseURL, userID string) (string, error) {
	body, err := json.Marshal(server.LoginRequest{Username: userID, Password: "demo"})
	if err != nil {
		return "", err
	}
	resp, err := http.Post(strings.TrimRight(baseURL, "/")+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login failed: status %d", resp.StatusCode)
	}
	var out server.LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Token, nil
}
