// Command dropctl talks to a depot: it sends files for a single receiver,
// claims them, starts dispensing sessions and fetches dispensed copies.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/mdp/qrterminal/v3"
	"golang.org/x/term"

	"github.com/diagnosis/ticketdrop/pkg/events"
)

const usage = `usage: dropctl [-server URL] <command> [flags] [args]

commands:
  send <file>                 mint a single-use ticket for file
  claim [-o out] <ticketId>   claim a single-use ticket and decrypt it
  dispense [-n count] <file>  start a dispensing session with count tickets
  fetch [-o out] <ticketId>   download a dispensed copy and acknowledge it
  ack <ticketId>              acknowledge a dispensed ticket by hand
  events [-nats URL]          print depot events until interrupted
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "dropctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	global := flag.NewFlagSet("dropctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { fmt.Fprint(stderr, usage) }
	server := global.String("server", envOr("DEPOT_URL", "http://localhost:8080"), "depot base URL")
	if err := global.Parse(args); err != nil {
		return err
	}

	rest := global.Args()
	if len(rest) == 0 {
		global.Usage()
		return errors.New("missing command")
	}

	c := newClient(*server, &http.Client{})
	cmd, cmdArgs := rest[0], rest[1:]

	switch cmd {
	case "send":
		return runSend(ctx, c, cmdArgs, stdout, stderr)
	case "claim":
		return runClaim(ctx, c, cmdArgs, stdout, stderr)
	case "dispense":
		return runDispense(ctx, c, cmdArgs, stdout, stderr)
	case "fetch":
		return runFetch(ctx, c, cmdArgs, stdout, stderr)
	case "ack":
		return runAck(ctx, c, cmdArgs, stdout, stderr)
	case "events":
		return runEvents(ctx, cmdArgs, stdout, stderr)
	default:
		global.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runSend(ctx context.Context, c *client, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(stderr)
	mimeType := fs.String("type", "", "MIME type (detected when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("send needs exactly one file")
	}

	path := fs.Arg(0)
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if *mimeType == "" {
		*mimeType = detectMimeType(path, content)
	}

	minted, err := c.send(ctx, content, *mimeType)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "ticket:  %s\nclaim:   %s\n", minted.TicketID, minted.ClaimURL)
	if minted.ExpiresInSeconds > 0 {
		fmt.Fprintf(stdout, "expires: %s\n", time.Duration(minted.ExpiresInSeconds)*time.Second)
	}
	printQR(stdout, minted.ClaimURL)
	return nil
}

func runClaim(ctx context.Context, c *client, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("claim", flag.ContinueOnError)
	fs.SetOutput(stderr)
	out := fs.String("o", "", "output file (stdout when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("claim needs exactly one ticket id")
	}

	plain, mimeType, err := c.claim(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	return writeOutput(*out, plain, mimeType, stdout, stderr)
}

func runDispense(ctx context.Context, c *client, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("dispense", flag.ContinueOnError)
	fs.SetOutput(stderr)
	count := fs.Int("n", 1, "number of tickets")
	mimeType := fs.String("type", "", "MIME type (detected when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("dispense needs exactly one file")
	}

	path := fs.Arg(0)
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if *mimeType == "" {
		*mimeType = detectMimeType(path, content)
	}

	n, err := c.dispense(ctx, content, *mimeType, *count)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "dispensing %d tickets; operators can watch %s/v1/dispenser/live\n", n, c.base)
	return nil
}

func runFetch(ctx context.Context, c *client, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	out := fs.String("o", "", "output file (stdout when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("fetch needs exactly one ticket id")
	}

	c.onWait = func(d time.Duration) {
		fmt.Fprintf(stderr, "all download slots busy, retrying in %s\n", d)
	}
	plain, mimeType, err := c.fetch(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	return writeOutput(*out, plain, mimeType, stdout, stderr)
}

func runAck(ctx context.Context, c *client, args []string, stdout, _ io.Writer) error {
	if len(args) != 1 {
		return errors.New("ack needs exactly one ticket id")
	}
	if err := c.ack(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "burned")
	return nil
}

func runEvents(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	fs.SetOutput(stderr)
	natsURL := fs.String("nats", envOr("NATS_URL", "nats://localhost:4222"), "NATS server URL")
	if err := fs.Parse(args); err != nil {
		return err
	}

	bus, err := events.NewNATSEventBus(*natsURL)
	if err != nil {
		return err
	}
	defer bus.Close()

	var mu sync.Mutex
	err = bus.Subscribe(events.AllSubjects, func(msg *events.Message) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(stdout, formatEvent(msg))
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(stderr, "listening on %s\n", events.AllSubjects)
	<-ctx.Done()
	return nil
}

func formatEvent(msg *events.Message) string {
	return fmt.Sprintf("%s %-26s %s", msg.Timestamp.Format(time.RFC3339), msg.Subject, msg.Data)
}

func writeOutput(path string, data []byte, mimeType string, stdout, stderr io.Writer) error {
	if path == "" {
		_, err := stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(stderr, "wrote %d bytes (%s) to %s\n", len(data), mimeType, path)
	return nil
}

func detectMimeType(path string, content []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return http.DetectContentType(content)
}

// printQR renders url as a QR code when stdout is a terminal.
func printQR(w io.Writer, url string) {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return
	}
	qrterminal.GenerateHalfBlock(url, qrterminal.L, w)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
