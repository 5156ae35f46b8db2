package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
)

// errQuit ends the interactive loop.
var errQuit = errors.New("quit")

// Shell runs savantctl commands against a Client.
type Shell struct {
	client *Client
	out    io.Writer
}

// NewShell creates a shell that prints results to out.
func NewShell(client *Client, out io.Writer) *Shell {
	return &Shell{client: client, out: out}
}

// Run reads commands from rl until quit, EOF or ctx is cancelled.
func (s *Shell) Run(ctx context.Context, rl *readline.Instance) {
	s.out = rl.Stdout()
	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			return
		}

		if err := s.Exec(ctx, line); err != nil {
			if errors.Is(err, errQuit) {
				return
			}
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
	}
}

// Exec runs a single command line.
func (s *Shell) Exec(ctx context.Context, line string) error { //nolint:gocyclo // Command dispatch
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) == 0 {
		return nil
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		s.printHelp()
		return nil
	case "quit", "exit", "q":
		return errQuit
	case "health":
		return s.get(ctx, "/health")
	case "metrics":
		return s.get(ctx, "/metrics")
	case "entries", "ls":
		return s.get(ctx, "/entries")
	case "entry":
		if len(args) != 1 {
			return usage("entry <entry_id>")
		}
		return s.get(ctx, "/entries/"+url.PathEscape(args[0]))
	case "remove", "rm":
		if len(args) != 1 {
			return usage("remove <entry_id>")
		}
		return s.call(ctx, http.MethodDelete, "/entries/"+url.PathEscape(args[0]), nil)
	case "reload":
		if len(args) != 1 {
			return usage("reload <entry_id>")
		}
		return s.call(ctx, http.MethodPost, "/entries/"+url.PathEscape(args[0])+"/reload", nil)
	case "flows":
		return s.get(ctx, "/flows")
	case "flow":
		return s.cmdFlow(ctx, args)
	case "options", "opt":
		return s.cmdOptions(ctx, args)
	case "entities", "zones":
		return s.get(ctx, "/entities")
	case "entity", "zone":
		if len(args) != 1 {
			return usage("entity <entity_id>")
		}
		return s.get(ctx, "/entities/"+url.PathEscape(args[0]))
	case "call":
		if len(args) < 2 {
			return usage("call <entity_id> <service> [key=value ...]")
		}
		params, err := parseInput(args[2:])
		if err != nil {
			return err
		}
		path := "/entities/" + url.PathEscape(args[0]) + "/services/" + url.PathEscape(args[1])
		return s.call(ctx, http.MethodPost, path, params)
	default:
		return fmt.Errorf("unknown command: %s (type 'help' for commands)", cmd)
	}
}

func (s *Shell) cmdFlow(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usage("flow start|step|abort ...")
	}
	switch args[0] {
	case "start":
		return s.startFlow(ctx, args[1:])
	case "step":
		if len(args) < 2 {
			return usage("flow step <flow_id> [key=value ... | json]")
		}
		input, err := parseInput(args[2:])
		if err != nil {
			return err
		}
		return s.call(ctx, http.MethodPost, "/flows/"+url.PathEscape(args[1]), input)
	case "abort":
		if len(args) != 2 {
			return usage("flow abort <flow_id>")
		}
		return s.call(ctx, http.MethodDelete, "/flows/"+url.PathEscape(args[1]), nil)
	default:
		return fmt.Errorf("unknown flow command: %s", args[0])
	}
}

func (s *Shell) startFlow(ctx context.Context, args []string) error {
	body := map[string]any{"source": "user"}
	if len(args) > 0 {
		body["source"] = args[0]
	}
	switch body["source"] {
	case "user":
	case "discovery":
		if len(args) < 2 {
			return usage("flow start discovery <ip> [hostname]")
		}
		body["ip"] = args[1]
		if len(args) > 2 {
			body["hostname"] = args[2]
		}
	case "import":
		if len(args) < 2 {
			return usage("flow start import <host> [port] [name]")
		}
		body["host"] = args[1]
		if len(args) > 2 {
			port, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid port %q", args[2])
			}
			body["port"] = port
		}
		if len(args) > 3 {
			body["name"] = strings.Join(args[3:], " ")
		}
	default:
		return fmt.Errorf("unknown flow source: %v", body["source"])
	}
	return s.call(ctx, http.MethodPost, "/flows", body)
}

func (s *Shell) cmdOptions(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usage("options <entry_id> | options step <flow_id> ... | options abort <flow_id>")
	}
	switch args[0] {
	case "step":
		if len(args) < 2 {
			return usage("options step <flow_id> [key=value ... | json]")
		}
		input, err := parseInput(args[2:])
		if err != nil {
			return err
		}
		return s.call(ctx, http.MethodPost, "/options/"+url.PathEscape(args[1]), input)
	case "abort":
		if len(args) != 2 {
			return usage("options abort <flow_id>")
		}
		return s.call(ctx, http.MethodDelete, "/options/"+url.PathEscape(args[1]), nil)
	default:
		return s.call(ctx, http.MethodPost, "/entries/"+url.PathEscape(args[0])+"/options", nil)
	}
}

func (s *Shell) get(ctx context.Context, path string) error {
	return s.call(ctx, http.MethodGet, path, nil)
}

// call sends the request and pretty-prints the response body.
func (s *Shell) call(ctx context.Context, method, path string, body any) error {
	data, err := s.client.Do(ctx, method, path, body)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		fmt.Fprintln(s.out, "ok")
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		_, err = s.out.Write(data)
		return err
	}
	buf.WriteByte('\n')
	_, err = buf.WriteTo(s.out)
	return err
}

// parseInput turns key=value pairs into a form submission. Values that are
// valid JSON keep their type, so level=0.5 sends a number and
// muted=true a bool. A single argument starting with '{' is
// decoded as a JSON object.
func parseInput(args []string) (map[string]any, error) {
	input := make(map[string]any, len(args))
	if len(args) == 0 {
		return input, nil
	}
	joined := strings.Join(args, " ")
	if strings.HasPrefix(joined, "{") {
		if err := json.Unmarshal([]byte(joined), &input); err != nil {
			return nil, fmt.Errorf("invalid JSON input: %w", err)
		}
		return input, nil
	}

	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		input[key] = v
	}
	return input, nil
}

func usage(u string) error {
	return fmt.Errorf("usage: %s", u)
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, `
savantctl commands:
  Status:
    health                          - Daemon health
    metrics                         - Runtime and zone metrics

  Config entries:
    entries                         - List config entries
    entry <entry_id>                - Show one entry
    reload <entry_id>               - Unload and set up an entry again
    remove <entry_id>               - Remove an entry and its zones

  Config flows:
    flows                           - List flows in progress
    flow start [user]               - Start the add-switch wizard
    flow start discovery <ip> [hn]  - Offer a discovered switch
    flow start import <host> [port] [name]
    flow step <flow_id> k=v ...     - Submit a step (or a JSON object)
    flow abort <flow_id>            - Drop a flow

  Options:
    options <entry_id>              - Start the options wizard
    options step <flow_id> k=v ...  - Submit an options step
    options abort <flow_id>         - Drop an options flow

  Zones:
    entities                        - List zone entities
    entity <entity_id>              - Show one zone
    call <entity_id> <service> k=v  - Call a service, e.g.
                                      call media_player.kitchen set_volume level=0.4

  help, quit`)
}
