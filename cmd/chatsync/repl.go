package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bft-labs/chatsync/pkg/chatsync"
)

// printer serializes writes from the prompt and from client callbacks.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func newPrinter(w io.Writer) *printer {
	return &printer{out: w}
}

func (p *printer) Printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
}

// terminalHandler reports client events on the terminal.
type terminalHandler struct {
	chatsync.BaseEventHandler
	out    *printer
	roomID string
}

func (h *terminalHandler) OnConnectionChange(s chatsync.ConnectionState) {
	h.out.Printf("* connection %s (attempts %d)", s.Status, s.ReconnectAttempts)
}

func (h *terminalHandler) OnDelivered(msg chatsync.QueuedMessage) {
	h.out.Printf("* delivered %s", msg.LocalID)
}

func (h *terminalHandler) OnDeadLetter(dl chatsync.DeadLetter) {
	h.out.Printf("* failed %s: %s", dl.Message.LocalID, dl.Reason)
}

func (h *terminalHandler) OnTabEvent(ev chatsync.TabSyncEvent) {
	if h.roomID != "" && ev.RoomID != h.roomID {
		return
	}
	h.out.Printf("* %s in %s from session %s: %s", ev.Type, ev.RoomID, ev.OriginTabID, ev.Payload)
}

// session drives one client from line-oriented input.
type session struct {
	client *chatsync.Client
	roomID string
	out    *printer

	mu            sync.Mutex
	stopPresence  func()
	actionTimeout time.Duration
}

func newSession(client *chatsync.Client, roomID string, out *printer) *session {
	return &session{
		client:        client,
		roomID:        roomID,
		out:           out,
		actionTimeout: 10 * time.Second,
	}
}

// Run reads commands from r until EOF, /quit or ctx is done.
func (s *session) Run(ctx context.Context, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if !s.Handle(ctx, scanner.Text()) {
			return
		}
	}
}

// parseCommand splits "/name arg..." into name and argument. Lines that do
// not start with a slash are messages and yield an empty name.
func parseCommand(line string) (name, arg string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return "", line
	}
	name, arg, _ = strings.Cut(line[1:], " ")
	return strings.ToLower(name), strings.TrimSpace(arg)
}

// Handle executes one input line. It returns false when the session should end.
func (s *session) Handle(ctx context.Context, line string) bool {
	name, arg := parseCommand(line)
	ctx, cancel := context.WithTimeout(ctx, s.actionTimeout)
	defer cancel()

	switch name {
	case "":
		if arg == "" {
			return true
		}
		id, err := s.client.Send(ctx, s.roomID, arg, nil)
		if err != nil {
			s.out.Printf("! send: %v", err)
			return true
		}
		s.out.Printf("queued %s", id)
	case "delete":
		if arg == "" {
			s.out.Printf("! usage: /delete <id>")
			return true
		}
		if err := s.client.DeleteMessage(ctx, s.roomID, arg); err != nil {
			s.out.Printf("! delete: %v", err)
			return true
		}
		s.out.Printf("deleted %s", arg)
	case "queue":
		q := s.client.Queue().Queue()
		s.out.Printf("%d pending", len(q))
		for _, m := range q {
			s.out.Printf("  %s room=%s retries=%d %q", m.LocalID, m.RoomID, m.RetryCount, m.Payload.Text)
		}
	case "presence":
		s.togglePresence(ctx)
	case "state":
		st := s.client.Status()
		s.out.Printf("state=%s connection=%s queue=%d presence=%s tabsync=%t",
			st.State, st.Connection.Status, st.QueueLength, st.Presence, st.TabSyncEnabled)
	case "online":
		s.client.Connection().HandleOnline()
	case "offline":
		s.client.Connection().HandleOffline()
	case "flush":
		res := s.client.Flush(ctx)
		s.out.Printf("flushed: delivered=%d failed=%d dead=%d", res.Delivered, res.Failed, res.DeadLettered)
	case "quit", "exit":
		return false
	default:
		s.out.Printf("! unknown command /%s", name)
	}
	return true
}

func (s *session) togglePresence(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopPresence != nil {
		s.stopPresence()
		s.stopPresence = nil
		s.out.Printf("presence feed off")
		return
	}
	stop, err := s.client.Presence().SubscribeToPresence(ctx, s.printPresence)
	if err != nil {
		s.out.Printf("! presence: %v", err)
		return
	}
	s.stopPresence = stop
	s.out.Printf("presence feed on")
}

func (s *session) printPresence(m chatsync.PresenceMap) {
	users := make([]string, 0, len(m))
	for u := range m {
		users = append(users, u)
	}
	sort.Strings(users)
	parts := make([]string, len(users))
	for i, u := range users {
		parts[i] = u + "=" + string(m[u].State)
	}
	s.out.Printf("presence: %s", strings.Join(parts, " "))
}

// Close releases the presence feed if it is on.
func (s *session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopPresence != nil {
		s.stopPresence()
		s.stopPresence = nil
	}
}
