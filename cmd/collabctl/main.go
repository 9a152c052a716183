// Command collabctl reads and edits documents on a collabd server.
//
//	collabctl [flags] cat <doc>
//	collabctl [flags] create <doc> [text]
//	collabctl [flags] append <doc> <text>
//	collabctl [flags] watch <doc>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/serroba/collab-text/internal/client"
)

type options struct {
	server  string
	user    string
	timeout time.Duration
}

func main() {
	var opts options

	flag.StringVar(&opts.server, "server", "http://localhost:8080", "collabd base URL")
	flag.StringVar(&opts.user, "user", os.Getenv("USER"), "user ID sent to the server")
	flag.DurationVar(&opts.timeout, "timeout", 10*time.Second, "time limit for one-shot commands")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, args[0], args[1], args[2:]); err != nil {
		log.Fatalf("collabctl: %v", err)
	}
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] cat|create|append|watch <doc> [text]\n", os.Args[0])
	flag.PrintDefaults()
}

func run(ctx context.Context, opts options, cmd, docID string, rest []string) error {
	api := &client.API{BaseURL: opts.server, UserID: opts.user}

	switch cmd {
	case "cat":
		ctx, cancel := context.WithTimeout(ctx, opts.timeout)
		defer cancel()

		doc, err := api.Get(ctx, docID)
		if err != nil {
			return err
		}

		fmt.Println(doc.Text)
	case "create":
		ctx, cancel := context.WithTimeout(ctx, opts.timeout)
		defer cancel()

		doc, err := api.Create(ctx, docID, strings.Join(rest, " "))
		if err != nil {
			return err
		}

		fmt.Println(doc.ID)
	case "append":
		if len(rest) == 0 {
			return errors.New("append needs text")
		}

		ctx, cancel := context.WithTimeout(ctx, opts.timeout)
		defer cancel()

		return appendText(ctx, opts, docID, strings.Join(rest, " "))
	case "watch":
		return watch(ctx, opts, docID)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}

	return nil
}

// appendText joins the document, appends text and waits for the server to
// confirm it.
func appendText(ctx context.Context, opts options, docID, text string) error {
	c := client.New(client.Config{BaseURL: opts.server, DocID: docID, UserID: opts.user})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)

	go func() { done <- c.Run(ctx) }()

	if err := waitOrFail(ctx, c, done, func(s client.State) bool { return s.Ready }); err != nil {
		return err
	}

	current := c.State().Text
	if err := c.Edit(current+text, len([]rune(current+text))); err != nil {
		return err
	}

	if err := waitOrFail(ctx, c, done, func(s client.State) bool { return !s.Syncing }); err != nil {
		return err
	}

	fmt.Printf("revision %d\n", c.State().Revision)

	return nil
}

// waitOrFail waits for pred unless the client stops first.
func waitOrFail(ctx context.Context, c *client.Client, done <-chan error, pred func(client.State) bool) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	waited := make(chan error, 1)

	go func() { waited <- c.WaitFor(waitCtx, pred) }()

	select {
	case err := <-waited:
		return err
	case err := <-done:
		if err == nil {
			err = errors.New("client stopped")
		}

		return err
	}
}

// watch prints the document every time it changes.
func watch(ctx context.Context, opts options, docID string) error {
	var (
		mu   sync.Mutex
		last string
	)

	c := client.New(client.Config{
		BaseURL: opts.server,
		DocID:   docID,
		UserID:  opts.user,
		OnChange: func(s client.State) {
			mu.Lock()
			defer mu.Unlock()

			if !s.Ready || s.Text == last {
				return
			}

			last = s.Text
			fmt.Printf("--- revision %d (%s)\n%s\n", s.Revision, s.Conn, s.Text)
		},
	})

	err := c.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
