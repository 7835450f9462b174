package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"chatsync/internal/client"
	"chatsync/internal/models"
	"chatsync/internal/session"
)

var errQuit = errors.New("quit")

const transcriptTail = 10

type command struct {
	name string
	arg  string
}

// parseCommand splits "/name arg". Lines without a leading slash are
// messages for the open conversation.
func parseCommand(line string) command {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{name: "say", arg: line}
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	return command{name: strings.ToLower(name), arg: strings.TrimSpace(arg)}
}

// directory resolves user ids to display names and usernames to ids.
type directory struct {
	mu     sync.RWMutex
	byID   map[string]models.User
	byName map[string]string
}

func newDirectory(users []models.User) *directory {
	d := &directory{byID: map[string]models.User{}, byName: map[string]string{}}
	d.add(users...)
	return d
}

func (d *directory) add(users ...models.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range users {
		d.byID[u.ID] = u
		d.byName[u.UserName] = u.ID
	}
}

func (d *directory) name(id string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if u, ok := d.byID[id]; ok {
		return u.DisplayName
	}
	return id
}

// resolve accepts a username or a user id.
func (d *directory) resolve(ref string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if id, ok := d.byName[ref]; ok {
		return id, true
	}
	_, ok := d.byID[ref]
	return ref, ok
}

type repl struct {
	session *session.Session
	client  *client.Client
	dir     *directory
	userID  string
}

func (r *repl) exec(ctx context.Context, cmd command, out io.Writer) error {
	switch cmd.name {
	case "quit", "q":
		return errQuit
	case "list":
		render(out, r.userID, r.dir, r.session.Snapshot())
		return nil
	case "users":
		users, err := r.client.Users(ctx)
		if err != nil {
			return err
		}
		r.dir.add(users...)
		for _, u := range users {
			status := "offline"
			if u.Presence.Online {
				status = "online"
			}
			fmt.Fprintf(out, "  %-16s %-24s %s\n", u.UserName, u.DisplayName, status)
		}
		return nil
	case "reload":
		return r.session.Load(ctx)
	case "open":
		if cmd.arg == "" {
			return errors.New("usage: /open <conversation id>")
		}
		return r.session.Open(ctx, cmd.arg)
	case "close":
		return r.session.CloseConversation()
	case "dm":
		otherID, ok := r.dir.resolve(cmd.arg)
		if !ok {
			return fmt.Errorf("unknown user %q", cmd.arg)
		}
		conv, err := r.session.CreateConversation(ctx, models.CreateConversationRequest{OtherUserID: otherID})
		if err != nil {
			return err
		}
		return r.session.Open(ctx, conv.ID)
	case "group":
		name, members, _ := strings.Cut(cmd.arg, " ")
		var ids []string
		for _, ref := range strings.Fields(members) {
			id, ok := r.dir.resolve(ref)
			if !ok {
				return fmt.Errorf("unknown user %q", ref)
			}
			ids = append(ids, id)
		}
		conv, err := r.session.CreateConversation(ctx, models.CreateConversationRequest{Name: name, MemberIDs: ids})
		if err != nil {
			return err
		}
		return r.session.Open(ctx, conv.ID)
	case "say":
		if cmd.arg == "" {
			return nil
		}
		openID := r.session.Snapshot().OpenID
		if openID == "" {
			return errors.New("no open conversation, use /open or /dm")
		}
		if err := r.session.Compose(openID); err != nil {
			return err
		}
		_, err := r.session.Send(ctx, openID, models.Content{Text: cmd.arg})
		return err
	case "help":
		fmt.Fprintln(out, "  /list  /reload  /users  /open <id>  /close  /dm <user>  /group <name> <user>...  /quit")
		return nil
	default:
		return fmt.Errorf("unknown command /%s, try /help", cmd.name)
	}
}

func render(out io.Writer, userID string, dir *directory, snap session.Snapshot) {
	var b strings.Builder
	b.WriteString("\n== conversations ==\n")
	for _, c := range snap.Conversations {
		marker := " "
		if c.ID == snap.OpenID {
			marker = ">"
		}
		fmt.Fprintf(&b, "%s %s  %s", marker, c.ID, conversationTitle(c, userID, dir, snap.Online))
		if c.LastActivity != nil {
			fmt.Fprintf(&b, "  | %s: %s", dir.name(c.LastActivity.SenderID), c.LastActivity.Content.Text)
			if c.LastActivity.SenderID != userID && !c.LastActivity.HasRead(userID) {
				b.WriteString(" *")
			}
		}
		b.WriteString("\n")
	}

	if snap.OpenID != "" {
		b.WriteString("== transcript ==\n")
		messages := snap.Transcript
		if len(messages) > transcriptTail {
			messages = messages[len(messages)-transcriptTail:]
		}
		for _, m := range messages {
			ts := time.UnixMilli(m.CreatedAt).Format("15:04")
			fmt.Fprintf(&b, "[%s] %s: %s", ts, dir.name(m.SenderID), m.Content.Text)
			if m.SenderID == userID && len(m.ReadBy) > 0 {
				b.WriteString(" (read)")
			}
			b.WriteString("\n")
		}
		var typists []string
		for id, on := range snap.Typing {
			if on {
				typists = append(typists, dir.name(id))
			}
		}
		if len(typists) > 0 {
			slices.Sort(typists)
			fmt.Fprintf(&b, "%s typing...\n", strings.Join(typists, ", "))
		}
	}
	_, _ = io.WriteString(out, b.String())
}

func conversationTitle(c models.Conversation, userID string, dir *directory, online map[string]bool) string {
	if c.Kind == models.ConversationKindGroup {
		return "#" + c.Name
	}
	others := c.Others(userID)
	if len(others) == 0 {
		return "(empty)"
	}
	title := dir.name(others[0])
	if online[others[0]] {
		title += " (online)"
	}
	return title
}
