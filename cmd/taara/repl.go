package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/teslashibe/go-taara/pkg/call"
)

// errQuit ends the process after /quit or end of input.
var errQuit = errors.New("quit")

const commandTimeout = 5 * time.Second

// caller is the part of call.Client the terminal drives.
type caller interface {
	Call(ctx context.Context, agent string) error
	EndCall(ctx context.Context, reason string) error
	ToggleMute(ctx context.Context) (bool, error)
	SendText(ctx context.Context, text string) error
	SignOut(ctx context.Context) error
	Snapshot() call.Snapshot
}

// repl is the terminal front end. Observe prints call events; Run reads
// commands.
type repl struct {
	in io.Reader

	mu  sync.Mutex
	out io.Writer
}

func newREPL(in io.Reader, out io.Writer) *repl {
	return &repl{in: in, out: out}
}

func (r *repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// Observe prints a call event. Level and agent_text events are too chatty
// for a terminal and are skipped.
func (r *repl) Observe(ev call.Event) {
	switch ev.Kind {
	case call.EventStateChanged:
		r.printf("[%s]\n", ev.State)
	case call.EventMessage:
		r.printf("%s: %s\n", speaker(ev.Role), ev.Text)
	case call.EventAuthFailed:
		r.printf("! %s\n", ev.Text)
	case call.EventEnded:
		r.printf("call ended (%s)\n", ev.Text)
	case call.EventTick:
		if ev.Elapsed > 0 && ev.Elapsed%60 == 0 {
			r.printf("[%s]\n", ev.Clock)
		}
	}
}

func speaker(role call.Role) string {
	switch role {
	case call.RoleUser:
		return "you"
	case call.RoleAgent:
		return "agent"
	}
	return "*"
}

// Run reads lines until ctx is done, /quit or end of input.
func (r *repl) Run(ctx context.Context, c caller) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
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
			if err := r.exec(ctx, c, line); err != nil {
				return err
			}
		}
	}
}

func (r *repl) exec(ctx context.Context, c caller, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	cmd, arg := parseCommand(line)

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	var err error
	switch cmd {
	case "quit", "exit":
		return errQuit
	case "call":
		err = c.Call(ctx, arg)
	case "end", "hangup":
		err = c.EndCall(ctx, "")
	case "signout", "logout":
		if err = c.SignOut(ctx); err == nil {
			r.printf("signed out\n")
		}
	case "mute":
		var muted bool
		if muted, err = c.ToggleMute(ctx); err == nil {
			if muted {
				r.printf("muted: type to send messages\n")
			} else {
				r.printf("unmuted: voice mode\n")
			}
		}
	case "status":
		s := c.Snapshot()
		var dropped int64
		for _, n := range s.Gate.Dropped {
			dropped += n
		}
		r.printf("state=%s agent=%s elapsed=%s muted=%t sent=%d dropped=%d\n",
			s.State, s.Agent, s.Clock, s.Muted, s.Gate.Sent, dropped)
	case "help":
		r.printf("/call [agent]  /end  /mute  /status  /signout  /quit; anything else is sent as text\n")
	case "":
		err = c.SendText(ctx, arg)
	default:
		r.printf("unknown command /%s, try /help\n", cmd)
	}
	if err != nil {
		r.printf("! %v\n", err)
	}
	return nil
}

// parseCommand splits "/call Veer" into ("call", "Veer"). A line without a
// leading slash is returned as ("", line).
func parseCommand(line string) (cmd, arg string) {
	if !strings.HasPrefix(line, "/") {
		return "", line
	}
	cmd, arg, _ = strings.Cut(line[1:], " ")
	return strings.ToLower(cmd), strings.TrimSpace(arg)
}
