package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/teachflow/teachflow-live/pkg/apiclient"
	"github.com/teachflow/teachflow-live/pkg/credstore"
	"github.com/teachflow/teachflow-live/pkg/realtime"
	"github.com/teachflow/teachflow-live/pkg/wire"
)

const chatHelp = `Type a message and press enter to send it.
  /mute <userId>     mute a participant
  /unmute <userId>   unmute a participant
  /remove <userId>   remove a participant from the live class
  /clear             clear the chat for everyone
  /help              show this help
  /quit              leave the live class
`

// command is one parsed input line. A zero name means plain text to send.
type command struct {
	name string
	arg  string
}

func parseLine(line string) (command, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{arg: line}, nil
	}

	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	name = strings.ToLower(name)
	arg = strings.TrimSpace(arg)

	switch name {
	case "quit", "exit":
		return command{name: "quit"}, nil
	case "help", "clear":
		return command{name: name}, nil
	case "mute", "unmute", "remove":
		if arg == "" {
			return command{}, fmt.Errorf("usage: /%s <userId>", name)
		}
		return command{name: name, arg: arg}, nil
	default:
		return command{}, fmt.Errorf("unknown command /%s, try /help", name)
	}
}

// transcriptPrinter prints the entries a transcript snapshot adds since the
// previous one. A shorter snapshot means the transcript was reset.
type transcriptPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	userID  string
	printed int
}

func (p *transcriptPrinter) update(msgs []wire.ChatMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(msgs) < p.printed {
		p.printed = 0
	}
	for _, m := range msgs[p.printed:] {
		fmt.Fprintln(p.out, p.format(m))
	}
	p.printed = len(msgs)
}

func (p *transcriptPrinter) format(m wire.ChatMessage) string {
	ts := time.UnixMilli(m.Timestamp).Format("15:04")
	if m.IsSystem() {
		return fmt.Sprintf("[%s] * %s", ts, m.Text)
	}
	name := m.SenderName
	if name == "" {
		name = m.SenderID
	}
	if m.SenderID == p.userID {
		name += " (you)"
	} else if m.Role != "" && m.Role != "student" {
		name += " [" + m.Role + "]"
	}
	return fmt.Sprintf("[%s] %s: %s", ts, name, m.Text)
}

// Chat joins liveClassID and runs the interactive loop over in until /quit,
// end of input, removal, or ctx cancellation. A rejected join leaves a
// read-only view rather than ending the command.
func (a *App) Chat(ctx context.Context, liveClassID string, in io.Reader) error {
	user, err := credstore.LoadUser(ctx, a.store)
	if err != nil {
		return err
	}
	if user == nil {
		return ErrNotLoggedIn
	}

	printer := &transcriptPrinter{out: a.out, userID: user.ID}
	sess, err := realtime.New(realtime.Options{
		URL:          a.wsURL(),
		LiveClassID:  liveClassID,
		HistoryLimit: a.cfg.HistoryLimit,
		TokenSource:  a.wsToken,
		UserID:       user.ID,
		Role:         user.Role,
		Logger:       &a.logger,
		Hooks: realtime.Hooks{
			OnTranscript: printer.update,
			OnMuted: func(muted bool) {
				if muted {
					a.printf("-- you have been muted by a moderator\n")
				} else {
					a.printf("-- you can chat again\n")
				}
			},
			OnConnection: func(cs realtime.ConnectionState) {
				if cs == realtime.Connecting {
					a.printf("-- connecting...\n")
				}
			},
			OnStatus: func(msg string) {
				a.printf("-- %s\n", msg)
			},
		},
	})
	if err != nil {
		return err
	}
	defer sess.Leave()

	if err := sess.Connect(ctx); err != nil {
		if errors.Is(err, apiclient.ErrSessionExpired) {
			return apiclient.ErrSessionExpired
		}
		reason, ok := realtime.IsRejected(err)
		if !ok {
			return fmt.Errorf("could not join %s: %w", liveClassID, err)
		}
		// The connection stays open: the view keeps what the server shows
		// and sends are refused locally.
		a.printf("-- could not join %s: %s; you can read along, /quit to leave\n", liveClassID, reason)
	} else {
		a.printf("-- joined %s as %s (%s), /help for commands\n", liveClassID, user.Username, user.Role)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-sess.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.expired:
			return apiclient.ErrSessionExpired
		case <-sess.Done():
			if sess.State() == realtime.StateLeft {
				a.printf("-- you were removed from %s\n", liveClassID)
			}
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := a.handleLine(ctx, sess, line); quit {
				return nil
			}
		}
	}
}

func (a *App) handleLine(ctx context.Context, sess *realtime.Session, line string) bool {
	cmd, err := parseLine(line)
	if err != nil {
		a.printf("-- %v\n", err)
		return false
	}

	switch cmd.name {
	case "quit":
		return true
	case "help":
		a.printf("%s", chatHelp)
		return false
	case "":
		if cmd.arg == "" {
			return false
		}
		err = sess.Send(ctx, cmd.arg)
	case "mute":
		err = sess.Mute(ctx, cmd.arg)
	case "unmute":
		err = sess.Unmute(ctx, cmd.arg)
	case "remove":
		err = sess.Remove(ctx, cmd.arg)
	case "clear":
		err = sess.ClearChat(ctx)
	}
	if err != nil {
		a.printf("-- %s\n", describe(err))
	}
	return false
}

func describe(err error) string {
	switch {
	case errors.Is(err, realtime.ErrMuted):
		return "you are muted"
	case errors.Is(err, realtime.ErrNotPermitted):
		return "only teachers and admins can moderate"
	case errors.Is(err, realtime.ErrNotJoined):
		return "not joined to the live class"
	}
	if reason, ok := realtime.IsRejected(err); ok {
		return "rejected: " + reason
	}
	return err.Error()
}

func (a *App) wsURL() string {
	base := strings.TrimRight(a.cfg.ChatURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/live-classes/ws"
}
