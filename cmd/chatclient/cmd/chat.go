package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"crewchat/internal/config"
	applog "crewchat/internal/log"
	"crewchat/internal/realtime"
	"crewchat/internal/session"
)

var (
	chatEndpoint string
	chatToken    string
	chatUser     string
	chatName     string
	chatPolling  bool
)

var errQuit = errors.New("quit")

var chatCmd = &cobra.Command{
	Use:   "chat <room>",
	Short: "Join a room and chat from the terminal",
	Long: `Lines typed are sent to the room. Commands:
  /typing        show the typing indicator to others
  /retry <id>    resend an unsent message
  /online        list online users
  /quit          leave`,
	Args: cobra.ExactArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatEndpoint, "endpoint", "", "gateway URL (CREWCHAT_ENDPOINT)")
	chatCmd.Flags().StringVar(&chatToken, "token", "", "bearer token (CREWCHAT_TOKEN)")
	chatCmd.Flags().StringVar(&chatUser, "user", "", "user id (CREWCHAT_USER_ID)")
	chatCmd.Flags().StringVar(&chatName, "name", "", "display name (CREWCHAT_USER_NAME)")
	chatCmd.Flags().BoolVar(&chatPolling, "polling", false, "use long-polling only")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg := config.LoadClient()
	override(&cfg.Endpoint, chatEndpoint)
	override(&cfg.Token, chatToken)
	override(&cfg.UserID, chatUser)
	override(&cfg.UserName, chatName)
	if cfg.UserID == "" {
		return errors.New("user id required (--user or CREWCHAT_USER_ID)")
	}
	applog.InitWriter(cfg.Env, cmd.ErrOrStderr())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	scfg := session.Config{Endpoint: cfg.Endpoint}
	if chatPolling {
		scfg.Dialers = []realtime.Dialer{&realtime.PollingDialer{}}
	}
	s := session.New(scfg,
		session.WithLogger(log.Logger),
		session.WithHistory(session.NewHTTPHistory(cfg.Endpoint, cfg.Token, nil)),
	)
	defer s.Close()

	out := cmd.OutOrStdout()
	s.OnStateChange(func(st realtime.State) { fmt.Fprintf(out, "-- %s\n", st) })
	s.OnError(func(err error) { fmt.Fprintf(out, "-- error: %v\n", err) })
	s.SignIn(realtime.Identity{UserID: cfg.UserID, UserName: cfg.UserName, Token: cfg.Token})

	view, err := s.OpenRoom(ctx, args[0])
	if err != nil {
		return err
	}
	defer view.Close()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(cmd.InOrStdin())
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	r := newRenderer(out)
	r.render(view.Messages(), view.IndicatorText(), view.IsOwn)
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-view.Updates():
			if !ok {
				return nil
			}
			r.render(view.Messages(), view.IndicatorText(), view.IsOwn)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := handleLine(ctx, s, view, line, out); errors.Is(err, errQuit) {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, s *session.Session, view *session.RoomView, line string, out io.Writer) error {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return nil
	case line == "/quit":
		return errQuit
	case line == "/typing":
		view.Keystroke(ctx)
	case line == "/online":
		fmt.Fprintf(out, "-- online: %s\n", strings.Join(s.Presence().OnlineUsers(), ", "))
	case strings.HasPrefix(line, "/retry "):
		if err := view.Retry(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/retry "))); err != nil {
			fmt.Fprintf(out, "-- retry failed: %v\n", err)
		}
	default:
		if _, err := view.Send(ctx, line); err != nil {
			fmt.Fprintf(out, "-- not sent: %v\n", err)
		}
	}
	return nil
}

func override(dst *string, flag string) {
	if flag != "" {
		*dst = flag
	}
}
