// Command chatctl is a terminal chat client. It logs in, keeps a session in
// sync with the server and prints the state whenever it changes.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatsync/internal/channel"
	"chatsync/internal/client"
	"chatsync/internal/session"
	"chatsync/internal/typing"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

type options struct {
	server         string
	username       string
	password       string
	typingDebounce bool
	typingWindow   time.Duration
	verbose        bool
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	var opts options
	flagSet := pflag.NewFlagSet("chatctl", pflag.ContinueOnError)
	flagSet.StringVar(&opts.server, "server", "http://localhost:8080", "base URL of the chat server")
	flagSet.StringVarP(&opts.username, "username", "u", "", "user to log in as")
	flagSet.StringVarP(&opts.password, "password", "p", os.Getenv("CHATSYNC_PASSWORD"), "password (default $CHATSYNC_PASSWORD)")
	flagSet.BoolVar(&opts.typingDebounce, "typing-debounce", false, "send one stop signal after a pause instead of one per keystroke")
	flagSet.DurationVar(&opts.typingWindow, "typing-window", typing.DefaultWindow, "how long a keystroke counts as typing")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "log debug output to stderr")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.username == "" {
		return errors.New("--username is required")
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	c := client.New(opts.server)
	login, err := c.Login(ctx, opts.username, opts.password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	defer func() { _ = c.Logoff(context.Background()) }()

	users, err := c.Users(ctx)
	if err != nil {
		return err
	}
	dir := newDirectory(users)

	eventsURL, err := c.EventsURL()
	if err != nil {
		return err
	}

	mode := typing.ModeIndependent
	if opts.typingDebounce {
		mode = typing.ModeDebounce
	}
	s, err := session.New(session.Config{
		UserID:       login.UserID,
		Channel:      channel.New(eventsURL, c.Token(), channel.WithLogger(logger)),
		Store:        c,
		TypingWindow: opts.typingWindow,
		TypingMode:   mode,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	snapshots := make(chan session.Snapshot, 1)
	s.OnChange(func(snap session.Snapshot) {
		// Only the newest state is worth printing.
		select {
		case <-snapshots:
		default:
		}
		snapshots <- snap
	})

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.Run(gCtx)
	})

	if err := s.Load(ctx); err != nil {
		_ = s.Close()
		_ = g.Wait()
		return err
	}
	if err := s.Connect(ctx); err != nil {
		_ = s.Close()
		_ = g.Wait()
		return err
	}

	g.Go(func() error {
		for {
			select {
			case <-gCtx.Done():
				return nil
			case snap := <-snapshots:
				render(stdout, login.UserID, dir, snap)
			}
		}
	})

	g.Go(func() error {
		defer func() { _ = s.Close() }()
		return readCommands(gCtx, stdin, stdout, &repl{session: s, client: c, dir: dir, userID: login.UserID})
	})

	err = g.Wait()
	if errors.Is(err, session.ErrClosed) || errors.Is(err, errQuit) {
		return nil
	}
	return err
}

func readCommands(ctx context.Context, stdin io.Reader, stdout io.Writer, r *repl) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			if err := r.exec(ctx, parseCommand(line), stdout); err != nil {
				if errors.Is(err, errQuit) {
					return err
				}
				fmt.Fprintf(stdout, "! %v\n", err)
			}
		}
	}
}
