// Terminal client: connects to the store server and drives the forum, chat and presence layer
// from line commands.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/deepforums/internal/app"
	"github.com/deepforums/internal/chat"
	"github.com/deepforums/internal/config"
	"github.com/deepforums/internal/forum"
	"github.com/deepforums/internal/localstore"
	"github.com/deepforums/internal/logger"
	"github.com/deepforums/internal/realtime/remote"
	"github.com/deepforums/internal/view"
)

const help = `commands:
  forums | forum <id> | thread <forum> <id> | global | dms | dm <stableId> | profile [name]
  send <text> | image <url> [caption] | comment <text> | newthread <title> | <content>
  rename <name> | bio <text> | whoami | help | quit`

func main() {
	logger.SetPrefix("client")
	stateDir := flag.String("state", "", "directory for the persistent device identity (overrides STATE_DIR)")
	flag.Parse()

	cfg := config.Load()
	if *stateDir != "" {
		cfg.StateDir = *stateDir
	}

	durable, err := localstore.OpenFile(filepath.Join(cfg.StateDir, "local.json"))
	if err != nil {
		logger.Errorf("local storage unavailable: %v", err)
		os.Exit(1)
	}

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 15*time.Second)
	store, err := remote.Dial(dialCtx, cfg.StoreURL)
	dialCancel()
	if err != nil {
		logger.Errorf("connect %s: %v", cfg.StoreURL, err)
		os.Exit(1)
	}

	r := newLineRenderer(os.Stdout)
	a, err := app.New(store, durable, localstore.NewSession(), r, app.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		FreshnessWindow:   cfg.FreshnessWindow,
		HistoryLimit:      cfg.HistoryLimit,
	})
	if err != nil {
		logger.Errorf("%v", err)
		store.Close()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := a.Start(ctx); err != nil {
		logger.Errorf("start: %v", err)
		a.Close()
		store.Close()
		os.Exit(1)
	}
	r.printf("%s", help)

	lines := make(chan string)
	go readLines(os.Stdin, lines)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if quit := run(ctx, a, r, line); quit {
				break loop
			}
		}
	}

	a.Close()
	if err := store.Close(); err != nil {
		logger.Errorf("close store: %v", err)
	}
	logger.Info("client stopped")
}

func readLines(in io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		out <- sc.Text()
	}
}

// run executes one command line and reports whether the client should exit.
func run(ctx context.Context, a *app.App, r *lineRenderer, line string) bool {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)

	var err error
	switch cmd {
	case "":
	case "quit", "exit":
		return true
	case "help":
		r.printf("%s", help)
	case "whoami":
		id := a.Identity.Current()
		r.printf("  %s (%s) %s", id.DisplayName, a.Self, id.Bio)
	case "forums":
		err = a.View.Navigate(ctx, view.ForumListView())
	case "forum":
		if len(args) != 1 {
			err = errors.New("usage: forum <id>")
			break
		}
		err = a.View.Navigate(ctx, view.ForumThreadsView(args[0]))
	case "thread":
		if len(args) != 2 {
			err = errors.New("usage: thread <forum> <id>")
			break
		}
		err = a.View.Navigate(ctx, view.ThreadView(args[0], args[1]))
	case "global":
		err = a.View.Navigate(ctx, view.GlobalChatView())
	case "dms":
		err = a.View.Navigate(ctx, view.DMListView())
	case "dm":
		if len(args) != 1 {
			err = errors.New("usage: dm <stableId>")
			break
		}
		err = a.View.Navigate(ctx, view.DMConvoView(args[0]))
	case "profile":
		target := ""
		if len(args) == 1 {
			id, ok := a.Directory.Owner(args[0])
			if !ok {
				err = fmt.Errorf("no user named %q", args[0])
				break
			}
			target = id
		}
		err = a.View.Navigate(ctx, view.ProfileView(target))
	case "send":
		_, err = a.View.Send(ctx, chat.Draft{Text: rest})
	case "image":
		if len(args) == 0 {
			err = errors.New("usage: image <url> [caption]")
			break
		}
		_, err = a.View.Send(ctx, chat.Draft{
			Text:      strings.TrimSpace(strings.TrimPrefix(rest, args[0])),
			MediaURL:  args[0],
			MediaType: "image/*",
		})
	case "comment":
		_, err = a.View.Comment(ctx, rest)
	case "newthread":
		title, content, _ := strings.Cut(rest, "|")
		_, err = a.View.CreateThread(ctx, forum.Draft{Title: strings.TrimSpace(title), Content: strings.TrimSpace(content)})
	case "rename":
		if err = a.Rename(ctx, rest); err == nil {
			r.printf("* you are now %s", a.Identity.Current().DisplayName)
		}
	case "bio":
		err = a.UpdateProfile(ctx, rest, a.Identity.Current().Avatar)
	default:
		err = fmt.Errorf("unknown command %q (try help)", cmd)
	}
	if err != nil {
		r.ShowError(err)
	}
	return false
}
