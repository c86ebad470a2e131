// collabdoc edits a shared document from the terminal.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/spf13/pflag"

	"github.com/cloneot/yjs-playground/backend/config"
	"github.com/cloneot/yjs-playground/backend/internal/app"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		glog.Flush()
		os.Exit(1)
	}
	glog.Flush()
}

func run() error {
	fs := pflag.NewFlagSet("collabdoc", pflag.ContinueOnError)
	config.ClientFlags(fs)
	// glog registers on the standard flag set
	fs.AddGoFlagSet(flag.CommandLine)
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	_ = flag.CommandLine.Parse(nil)

	cfg, err := config.LoadClient(fs)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	s, err := app.NewSession(app.SessionOptions{
		ServerURL: cfg.Server.URL,
		Room:      cfg.Room,
		Token:     cfg.Token,
		Username:  cfg.Username,
		StatePath: cfg.StatePath,
		Heartbeat: cfg.Heartbeat,
	})
	if err != nil {
		return err
	}
	defer s.Close()

	c, err := app.NewController(s, os.Stdout)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	s.Start(ctx)

	off := c.OnChange(func() { fmt.Println("(document changed, type show)") })
	defer off()

	fmt.Printf("room %s on %s as %s\n%s\n", cfg.Room, cfg.Server.URL, cfg.Username, app.Help)
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		fmt.Print("> ")
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := c.Exec(line, os.Stdout)
			if errors.Is(err, app.ErrQuit) {
				return nil
			}
			if err != nil {
				fmt.Println(err)
			}
		}
	}
}
