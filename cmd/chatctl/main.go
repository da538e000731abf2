// chatctl is an operator and debugging tool for chatmesh servers.
//
//	chatctl decode <message-id>...
//	chatctl keygen
//	chatctl send --url ws://localhost:8080/ws --name alice --session 123 "hello"
//	chatctl tail --url ws://localhost:8080/ws --name alice --session 123
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/eldtechnologies/chatmesh/clients/go/chatmesh"
	"github.com/eldtechnologies/chatmesh/internal/snowflake"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "decode":
		err = decode(os.Args[2:])
	case "keygen":
		err = keygen()
	case "send", "ws-send":
		err = send(os.Args[2:])
	case "tail":
		err = tail(os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: chatctl <command> [flags]

Commands:
  decode <id>...   show the time, machine and sequence of message IDs
  keygen           generate an Ed25519 identity for room key exchange
  send <text>      log in over WebSocket and send a text message
  tail             log in over WebSocket and print pushes for a session

Connection flags (send, tail) default to CHATMESH_URL, CHATMESH_NAME,
CHATMESH_PASSWORD and CHATMESH_TOKEN.`)
}

func decode(args []string) error {
	if len(args) == 0 {
		return errors.New("decode needs at least one message ID")
	}
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid message ID %q", arg)
		}
		p := snowflake.Decompose(id)
		fmt.Printf("%d  time=%s  machine=%d  seq=%d\n",
			id, p.Time.UTC().Format(time.RFC3339Nano), p.MachineID, p.Sequence)
	}
	return nil
}

func keygen() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	fmt.Printf("Public key (base64):  %s\n", base64.StdEncoding.EncodeToString(pub))
	fmt.Printf("Private key (base64): %s\n", base64.StdEncoding.EncodeToString(priv))
	return nil
}

type connFlags struct {
	url      string
	name     string
	password string
	token    string
	session  int64
	timeout  time.Duration
}

func (c *connFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&c.url, "url", envOr("CHATMESH_URL", "ws://localhost:8080/ws"), "WebSocket endpoint")
	fs.StringVarP(&c.name, "name", "n", os.Getenv("CHATMESH_NAME"), "account name")
	fs.StringVar(&c.password, "password", os.Getenv("CHATMESH_PASSWORD"), "account password")
	fs.StringVar(&c.token, "token", os.Getenv("CHATMESH_TOKEN"), "bearer token (instead of name and password)")
	fs.Int64VarP(&c.session, "session", "s", 0, "session ID")
	fs.DurationVar(&c.timeout, "timeout", 10*time.Second, "request timeout")
}

func (c *connFlags) connect(ctx context.Context) (*chatmesh.Client, error) {
	if c.session <= 0 {
		return nil, errors.New("--session is required")
	}
	client, err := chatmesh.Dial(ctx, c.url)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		err = client.LoginToken(ctx, c.token)
	} else {
		err = client.Login(ctx, c.name, c.password)
	}
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("login: %w", err)
	}
	return client, nil
}

func send(args []string) error {
	var c connFlags
	fs := pflag.NewFlagSet("send", pflag.ContinueOnError)
	c.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	text := strings.Join(fs.Args(), " ")
	if text == "" {
		return errors.New("nothing to send")
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	client, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	id, err := client.SendText(ctx, c.session, text)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func tail(args []string) error {
	var c connFlags
	fs := pflag.NewFlagSet("tail", pflag.ContinueOnError)
	c.register(fs)
	history := fs.Int("history", 20, "print this many recent messages first")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	client, err := c.connect(dialCtx)
	cancel()
	if err != nil {
		return err
	}
	defer client.Close()

	if *history > 0 {
		msgs, err := recentHistory(ctx, client, c.session, time.Now().Add(-24*time.Hour), *history)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			printMessage(m)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case <-ctx.Done():
			return nil
		case p, ok := <-client.Pushes():
			if !ok {
				return client.Err()
			}
			if p.Type == chatmesh.PushMessage {
				if m, err := p.Message(); err == nil && m.SessionID == c.session {
					printMessage(m)
				}
				continue
			}
			enc.Encode(map[string]any{"type": p.Type, "data": p.Data})
		}
	}
}

// recentHistory pages through everything sent after since and keeps the
// last n messages.
func recentHistory(ctx context.Context, client *chatmesh.Client, sessionID int64, since time.Time, n int) ([]chatmesh.Message, error) {
	const page = 200
	var kept []chatmesh.Message
	msgs, more, err := client.Fetch(ctx, sessionID, since, page)
	for {
		if err != nil {
			return nil, err
		}
		kept = append(kept, msgs...)
		if len(kept) > n {
			kept = kept[len(kept)-n:]
		}
		if !more || len(msgs) == 0 {
			return kept, nil
		}
		msgs, more, err = client.FetchAfter(ctx, sessionID, msgs[len(msgs)-1].MessageID, page)
	}
}

func printMessage(m chatmesh.Message) {
	from := "system"
	if m.SenderID != nil {
		from = strconv.FormatInt(*m.SenderID, 10)
	}
	var parts []string
	for _, u := range m.Bundle {
		switch {
		case m.IsEncrypted:
			parts = append(parts, "[encrypted]")
		case u.Text != "":
			parts = append(parts, u.Text)
		default:
			parts = append(parts, "["+u.Type+" "+u.Ref+"]")
		}
	}
	fmt.Printf("[%s] %s: %s\n", m.Time.Local().Format("2006-01-02 15:04:05"), from, strings.Join(parts, " "))
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
