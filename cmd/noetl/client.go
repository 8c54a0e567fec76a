package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"goa.design/clue/log"

	"noetl.io/noetl/runtime/playbook"
	"noetl.io/noetl/runtime/projection"
	"noetl.io/noetl/server"
)

// DefaultServerURL is used when neither the -url flag nor NOETL_SERVER_URL
// is set.
const DefaultServerURL = "http://localhost:8082"

func urlFlag(fs *flag.FlagSet) *string {
	def := os.Getenv("NOETL_SERVER_URL")
	if def == "" {
		def = DefaultServerURL
	}
	return fs.String("url", def, "control server URL")
}

// cmdRegister validates playbook files locally and registers them with the
// catalog. Local validation keeps malformed documents from ever reaching
// the server.
func cmdRegister(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	urlF := urlFlag(fs)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("%w: register requires at least one playbook file", errUsage)
	}

	client := server.NewClient(*urlF)
	for _, name := range fs.Args() {
		raw, err := os.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := playbook.Decode(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		entry, err := client.RegisterPlaybook(ctx, raw)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		fmt.Printf("registered %s version %s\n", entry.Path, entry.Version)
	}
	return nil
}

// cmdRun starts an execution. With -wait it polls the status endpoint until
// the execution reaches a terminal state and prints the final status; a
// failed execution exits non-zero.
func cmdRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	var (
		urlF     = urlFlag(fs)
		versionF = fs.String("version", "", "playbook version (default latest)")
		payloadF = fs.String("payload", "", "workload payload as JSON, or @file")
		waitF    = fs.Bool("wait", false, "wait for the execution to finish")
		pollF    = fs.Duration("poll", 500*time.Millisecond, "status poll interval with -wait")
	)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: run requires exactly one playbook path", errUsage)
	}

	payload, err := parsePayload(*payloadF)
	if err != nil {
		return err
	}

	client := server.NewClient(*urlF)
	id, err := client.StartExecution(ctx, fs.Arg(0), *versionF, payload)
	if err != nil {
		return err
	}
	fmt.Printf("execution %d started\n", id)
	if !*waitF {
		return nil
	}

	ticker := time.NewTicker(*pollF)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		st, err := client.Status(ctx, id)
		if err != nil {
			return err
		}
		if !projection.ExecStatus(st.Status).Terminal() {
			log.Debug(ctx, log.KV{K: "execution", V: id}, log.KV{K: "step", V: st.CurrentStep})
			continue
		}
		if err := printJSON(st); err != nil {
			return err
		}
		if st.Failed {
			return fmt.Errorf("execution %d failed at %s: %s", id, st.FailedStep, st.Error)
		}
		return nil
	}
}

func cmdStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	urlF := urlFlag(fs)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	id, err := executionArg(fs)
	if err != nil {
		return err
	}
	st, err := server.NewClient(*urlF).Status(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(st)
}

func cmdCancel(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	var (
		urlF    = urlFlag(fs)
		reasonF = fs.String("reason", "cancelled by operator", "cancellation reason")
	)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	id, err := executionArg(fs)
	if err != nil {
		return err
	}
	if err := server.NewClient(*urlF).Cancel(ctx, id, *reasonF); err != nil {
		return err
	}
	fmt.Printf("execution %d cancel requested\n", id)
	return nil
}

// cmdEvents prints an execution's events as JSON lines, oldest first.
func cmdEvents(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	var (
		urlF  = urlFlag(fs)
		fromF = fs.Int64("from", 0, "first sequence number to print")
	)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	id, err := executionArg(fs)
	if err != nil {
		return err
	}
	events, err := server.NewClient(*urlF).Events(ctx, id, *fromF)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

func executionArg(fs *flag.FlagSet) (int64, error) {
	if fs.NArg() != 1 {
		return 0, fmt.Errorf("%w: expected exactly one execution id", errUsage)
	}
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid execution id %q", errUsage, fs.Arg(0))
	}
	return id, nil
}

// parsePayload decodes the -payload flag: inline JSON, or the contents of a
// file when prefixed with @.
func parsePayload(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	raw := []byte(s)
	if strings.HasPrefix(s, "@") {
		b, err := os.ReadFile(s[1:])
		if err != nil {
			return nil, err
		}
		raw = b
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: payload must be a JSON object: %v", errUsage, err)
	}
	return payload, nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
