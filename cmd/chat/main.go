// Command chat is a terminal client for one two-party room.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"chat-sync/internal/auth"
	"chat-sync/internal/channel"
	"chat-sync/internal/config"
	"chat-sync/internal/history"
	"chat-sync/internal/logging"
	"chat-sync/internal/models"
	"chat-sync/internal/roomsync"

	"github.com/gookit/color"
)

func main() {
	if err := run(); err != nil {
		color.Error.Println(err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}

	room := flag.String("room", "", "room id")
	user := flag.String("user", "", "your user id")
	peer := flag.String("peer", "", "the other participant's user id")
	server := flag.String("server", cfg.ServerURL, "relay base url (http or https)")
	flag.Parse()

	if *room == "" || *user == "" || *peer == "" {
		flag.Usage()
		return errors.New("-room, -user and -peer are required")
	}

	token := cfg.Token
	if token == "" && cfg.AuthKey != "" {
		if token, err = auth.GenerateToken(*user, []byte(cfg.AuthKey), 24*time.Hour); err != nil {
			return err
		}
	}

	log := logging.New("development", cfg.LogLevel)
	base := strings.TrimRight(*server, "/")
	wsBase := "ws" + strings.TrimPrefix(base, "http")

	printer := newPrinter(*user)
	session := roomsync.NewSession(
		history.NewHTTPLoader(base, log, history.WithBearerToken(token), history.WithUser(*user)),
		channel.NewWebSocketChannel(wsBase, log, channel.WithToken(token)),
		log,
		roomsync.WithWarningHandler(func(err error) {
			color.Warn.Println("!", err)
		}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := session.EnterRoom(ctx, *room, *user, *peer, printer.render); err != nil {
		return err
	}
	defer session.LeaveRoom()

	color.Info.Printf("joined %s with %s, type /quit to leave\n", *room, *peer)

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
			return nil
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == "/quit" {
				return nil
			}
			err := session.SendMessage(ctx, line)
			var delivery *roomsync.DeliveryError
			switch {
			case errors.Is(err, roomsync.ErrEmptyMessage):
			case errors.As(err, &delivery):
				color.Error.Println("not delivered:", delivery.Err)
			case err != nil:
				return err
			}
		}
	}
}

// printer writes each message of the view once, keyed by the content key
// that survives server id adoption.
type printer struct {
	mu      sync.Mutex
	self    string
	printed map[string]bool
}

func newPrinter(self string) *printer {
	return &printer{self: self, printed: make(map[string]bool)}
}

func (p *printer) render(view []models.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, m := range view {
		key := m.FallbackKey()
		if p.printed[key] {
			continue
		}
		p.printed[key] = true

		stamp := m.Timestamp.Local().Format("15:04:05")
		who := color.Cyan.Sprint(m.SenderID)
		if m.SenderID == p.self {
			who = color.Green.Sprint("you")
		}
		fmt.Printf("%s %s: %s\n", color.Gray.Sprint(stamp), who, m.Text)
	}
}
