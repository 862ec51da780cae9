package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/mdp/qrterminal/v3"

	"peerchat/chat"
	"peerchat/models"
)

var errQuit = errors.New("quit")

// syncWriter serializes writes from the prompt and the session goroutine.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

type repl struct {
	session *chat.Session
	out     io.Writer
}

func newREPL(session *chat.Session, out io.Writer) *repl {
	return &repl{session: session, out: out}
}

func (r *repl) banner() {
	fmt.Fprintf(r.out, "Connected as %s (%s)\n", r.session.Username(), r.session.SelfID())
	fmt.Fprintln(r.out, "Type a message to send it. Commands: /peers /connect <id> /messages /id /quit")
}

// run reads lines until /quit, EOF or ctx cancellation. Session errors are
// printed as they arrive.
func (r *repl) run(ctx context.Context, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-r.session.Errors():
			fmt.Fprintf(r.out, "! %v\n", err)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := r.handle(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				fmt.Fprintf(r.out, "! %v\n", err)
			}
		}
	}
}

func (r *repl) handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return r.session.SendMessage(ctx, line)
	}

	command, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch command {
	case "/quit", "/exit":
		return errQuit
	case "/peers":
		peers := r.session.Peers()
		if len(peers) == 0 {
			fmt.Fprintln(r.out, "No peers online")
			return nil
		}
		for _, peer := range peers {
			fmt.Fprintf(r.out, "  %s  %s\n", peer.Username, peer.PeerID)
		}
	case "/connect":
		if arg == "" {
			return errors.New("usage: /connect <peer id>")
		}
		if err := r.session.ConnectToPeer(ctx, arg); err != nil {
			return err
		}
		fmt.Fprintf(r.out, "Connecting to %s\n", arg)
	case "/messages":
		for _, message := range r.session.Messages() {
			printMessage(r.out, message)
		}
	case "/id":
		id := r.session.SelfID()
		fmt.Fprintf(r.out, "Peer ID: %s\n", id)
		qrterminal.GenerateWithConfig(id, qrterminal.Config{
			Level:     qrterminal.M,
			Writer:    r.out,
			BlackChar: qrterminal.BLACK,
			WhiteChar: qrterminal.WHITE,
			QuietZone: 1,
		})
	default:
		return fmt.Errorf("unknown command %q", command)
	}
	return nil
}

func printMessage(out io.Writer, message models.Message) {
	fmt.Fprintf(out, "[%s] %s: %s\n", message.Timestamp, message.From, message.Content)
}
