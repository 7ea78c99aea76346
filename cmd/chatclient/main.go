// Command chatclient is a terminal client for the chat server.
//
// Lines typed on stdin are sent to the open conversation. Lines starting with
// a slash are commands, see /help.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"estatechat/internal/client"
	"estatechat/internal/models"

	"github.com/kelseyhightower/envconfig"
	"golang.org/x/sync/errgroup"
)

type clientConfig struct {
	URL   string `envconfig:"url" default:"http://localhost:8080"`
	Token string `envconfig:"token"`
}

const help = `commands:
  /list            list conversations
  /users           list users
  /new <user id>   start a conversation
  /open <id>       open a conversation
  /close           close the open conversation
  /quit            exit
anything else is sent to the open conversation`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("chat client failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, in io.Reader, out io.Writer) error {
	var cfg clientConfig
	if err := envconfig.Process("estatechat", &cfg); err != nil {
		return err
	}
	flag.StringVar(&cfg.URL, "url", cfg.URL, "API server base URL")
	flag.StringVar(&cfg.Token, "token", cfg.Token, "access token issued by the admin API")
	flag.Parse()

	if cfg.Token == "" {
		return errors.New("an access token is required (-token or ESTATECHAT_TOKEN)")
	}

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	sess, err := client.Connect(connectCtx, cfg.URL, cfg.Token)
	cancel()
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	_, _ = fmt.Fprintf(out, "signed in as %s\n", sess.Self().UserName)
	printSummaries(out, sess)

	g, gCtx := errgroup.WithContext(ctx)

	// stdin reads cannot be interrupted, so the reader is not part of the group
	inputDone := make(chan error, 1)
	go func() {
		inputDone <- readInput(gCtx, in, out, sess)
	}()

	g.Go(func() error {
		return sess.Run(gCtx, func(event models.ServerMessage) {
			printEvent(out, sess, event)
		})
	})
	g.Go(func() error {
		select {
		case err := <-inputDone:
			if err == nil {
				return context.Canceled
			}
			return err
		case <-gCtx.Done():
			return nil
		}
	})

	return g.Wait()
}

func readInput(ctx context.Context, in io.Reader, out io.Writer, sess *client.Session) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			return nil
		}
		if err := handleLine(ctx, out, sess, line); err != nil {
			_, _ = fmt.Fprintf(out, "error: %v\n", err)
		}
	}
	return scanner.Err()
}

func handleLine(ctx context.Context, out io.Writer, sess *client.Session, line string) error {
	if !strings.HasPrefix(line, "/") {
		_, err := sess.Send(ctx, line)
		return err
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/help":
		_, _ = fmt.Fprintln(out, help)
	case "/list":
		if err := sess.Refresh(ctx); err != nil {
			return err
		}
		printSummaries(out, sess)
	case "/users":
		list, err := sess.API().Users(ctx)
		if err != nil {
			return err
		}
		for _, u := range list {
			_, _ = fmt.Fprintf(out, "  %s  %s\n", u.ID, u.UserName)
		}
	case "/new":
		view, err := sess.Start(ctx, arg)
		if err != nil {
			return err
		}
		printConversation(out, sess, view)
	case "/open":
		view, err := sess.Open(ctx, arg)
		if err != nil {
			return err
		}
		printConversation(out, sess, view)
	case "/close":
		sess.State().Close()
	default:
		return fmt.Errorf("unknown command %s, try /help", cmd)
	}
	return nil
}

func printSummaries(out io.Writer, sess *client.Session) {
	summaries := sess.State().Summaries()
	if len(summaries) == 0 {
		_, _ = fmt.Fprintln(out, "no conversations yet, start one with /new <user id>")
		return
	}
	for _, s := range summaries {
		marker := " "
		if s.Unread {
			marker = "*"
		}
		name := s.Counterpart.UserName
		if name == "" {
			name = s.Counterpart.ID
		}
		_, _ = fmt.Fprintf(out, "%s %s  %-16s %s\n", marker, s.ID, name, s.LastMessage)
	}
}

func printConversation(out io.Writer, sess *client.Session, view models.ConversationView) {
	_, _ = fmt.Fprintf(out, "--- %s with %s ---\n", view.ID, view.Receiver.UserName)
	for _, msg := range sess.State().Messages() {
		printMessage(out, sess, msg.SenderID, msg.Text)
	}
}

func printEvent(out io.Writer, sess *client.Session, event models.ServerMessage) {
	switch event.Type {
	case models.ServerMessageTypeError:
		_, _ = fmt.Fprintf(out, "server: %s\n", event.Error)
	case models.ServerMessageTypeMessage:
		env := event.Message
		if env == nil || env.FromSelf {
			return
		}
		if env.ConversationID == sess.State().OpenID() {
			printMessage(out, sess, env.SenderID, env.Text)
			return
		}
		_, _ = fmt.Fprintf(out, "(new message in %s, %d unread)\n", env.ConversationID, sess.State().UnreadCount())
	}
}

func printMessage(out io.Writer, sess *client.Session, senderID, text string) {
	who := senderID
	if senderID == sess.Self().ID {
		who = "you"
	}
	_, _ = fmt.Fprintf(out, "%s: %s\n", who, text)
}
