// Package console reads operator commands line by line and applies them to
// the relay.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/bardlex/gomp-relay/internal/relay"
	"github.com/bardlex/gomp-relay/pkg/log"
)

// Relay is the part of the relay manager the console drives.
type Relay interface {
	SetRelay(on bool) bool
	ManualSwitchUpstream()
	Status() relay.Status
}

const usage = `commands:
  relay start            start relaying shares upstream
  relay stop             stop relaying and mine solo
  relay switchupstream   move to the next upstream pool
  relay status           show the upstream connection
  help                   show this text`

// Console executes commands read from in and writes replies to out.
type Console struct {
	relay  Relay
	in     io.Reader
	out    io.Writer
	logger *log.Logger
}

// New creates a console.
func New(r Relay, in io.Reader, out io.Writer, logger *log.Logger) *Console {
	return &Console{relay: r, in: in, out: out, logger: logger.WithComponent("console")}
}

// Run processes commands until the input ends or ctx is cancelled.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errc:
					return err
				default:
					return nil
				}
			}
			if reply := c.Execute(line); reply != "" {
				fmt.Fprintln(c.out, reply)
			}
		}
	}
}

// Execute runs one command line and returns the reply.
func (c *Console) Execute(line string) string {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return ""
	}

	switch fields[0] {
	case "help", "?":
		return usage
	case "relay":
	default:
		return fmt.Sprintf("unknown command %q, try help", fields[0])
	}

	if len(fields) < 2 {
		return usage
	}
	c.logger.Info("operator command", "command", strings.Join(fields, " "))

	switch fields[1] {
	case "start":
		if !c.relay.SetRelay(true) {
			return "already relaying"
		}
		return "relaying started"
	case "stop":
		if !c.relay.SetRelay(false) {
			return "not relaying"
		}
		return "relaying stopped"
	case "switchupstream":
		c.relay.ManualSwitchUpstream()
		return "upstream switch requested"
	case "status":
		return formatStatus(c.relay.Status())
	default:
		return fmt.Sprintf("unknown relay command %q, try help", fields[1])
	}
}

func formatStatus(s relay.Status) string {
	var b strings.Builder
	mode := "solo"
	if s.Relaying {
		mode = "relaying"
	}
	fmt.Fprintf(&b, "mode:          %s\n", mode)
	fmt.Fprintf(&b, "upstream:      #%d %s", s.PoolID, s.Target)
	if s.Endpoint != "" && s.Endpoint != s.Target {
		fmt.Fprintf(&b, " (%s)", s.Endpoint)
	}
	fmt.Fprintf(&b, "\nstate:         %s\n", s.State)
	fmt.Fprintf(&b, "uptime:        %s\n", s.UptimeString())
	fmt.Fprintf(&b, "extranonce1:   %s (extranonce2 size %d)\n", s.ExtraNonce1, s.ExtraNonce2)
	fmt.Fprintf(&b, "upstream diff: %g\n", s.ExternalDiff)
	fmt.Fprintf(&b, "block share:   %g", s.BlockShare)
	return b.String()
}
