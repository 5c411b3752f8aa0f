// Package ui is a thin terminal front-end over the client engine: a message
// view, a presence sidebar and an input line. It renders whatever the
// controller's snapshot holds and never owns chat state itself.
package ui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/chatkit/internal/client"
	"github.com/chatkit/internal/model"
)

// ChatUI binds the engine to a tview application.
type ChatUI struct {
	App      *tview.Application
	engine   *client.Client
	layout   *tview.Flex
	messages *tview.TextView
	users    *tview.List
	input    *tview.InputField
	status   *tview.TextView
}

// New builds the UI and registers itself as the engine's handler set.
func New(engine *client.Client) *ChatUI {
	u := &ChatUI{
		App:    tview.NewApplication(),
		engine: engine,
	}

	u.messages = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	u.messages.SetBorder(true).SetTitle(" Messages ")

	u.users = tview.NewList().ShowSecondaryText(false)
	u.users.SetBorder(true).SetTitle(" Online ")

	u.status = tview.NewTextView().SetDynamicColors(true)

	u.input = tview.NewInputField().SetLabel("> ")
	u.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := strings.TrimSpace(u.input.GetText())
		u.input.SetText("")
		if text == "" {
			return
		}
		u.handleInput(text)
	})

	side := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(u.users, 0, 1, false)
	main := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(u.messages, 0, 1, false).
		AddItem(u.status, 1, 0, false).
		AddItem(u.input, 1, 0, true)
	u.layout = tview.NewFlex().
		AddItem(main, 0, 3, true).
		AddItem(side, 24, 0, false)

	engine.SetHandlers(client.Handlers{
		OnUpdate: func() { u.App.QueueUpdateDraw(u.redraw) },
		OnError: func(err error) {
			u.App.QueueUpdateDraw(func() {
				u.status.SetText(fmt.Sprintf("[red]%s", tview.Escape(err.Error())))
			})
		},
	})
	u.App.SetRoot(u.layout, true).SetFocus(u.input)
	return u
}

// Run blocks until the UI exits, then disconnects the engine.
func (u *ChatUI) Run() error {
	defer u.engine.Disconnect()
	u.redraw()
	return u.App.Run()
}

// handleInput parses slash commands; everything else is sent as chat.
func (u *ChatUI) handleInput(text string) {
	var err error
	switch {
	case text == "/quit":
		u.App.Stop()
		return
	case text == "/history":
		err = u.engine.LoadMoreHistory()
	case strings.HasPrefix(text, "/react "):
		err = u.twoArg(text, "/react ", func(id int64, rest string) error {
			return u.engine.SendReaction(id, rest)
		})
	case strings.HasPrefix(text, "/reply "):
		err = u.twoArg(text, "/reply ", func(id int64, rest string) error {
			return u.engine.SendReply(rest, id)
		})
	default:
		err = u.engine.SendChat(text)
	}
	if err != nil {
		u.status.SetText(fmt.Sprintf("[red]%s", tview.Escape(err.Error())))
	} else {
		u.status.SetText("")
	}
	u.engine.MarkSeen()
}

// twoArg parses "<cmd> <id> <rest>" commands.
func (u *ChatUI) twoArg(text, prefix string, fn func(id int64, rest string) error) error {
	args := strings.SplitN(strings.TrimPrefix(text, prefix), " ", 2)
	if len(args) != 2 {
		return fmt.Errorf("usage: %s<message-id> <text>", prefix)
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("bad message id %q", args[0])
	}
	return fn(id, strings.TrimSpace(args[1]))
}

// redraw re-renders the whole snapshot. Must run on the tview thread.
func (u *ChatUI) redraw() {
	state, sess := u.engine.Snapshot()

	var b strings.Builder
	for _, m := range state.Messages {
		b.WriteString(formatMessage(m))
		b.WriteByte('\n')
	}
	u.messages.SetText(b.String())
	u.messages.ScrollToEnd()

	u.users.Clear()
	for _, name := range state.Users {
		u.users.AddItem(name, "", 0, nil)
	}

	title := " Messages "
	if sess.Connected {
		title = fmt.Sprintf(" %s @ %s ", sess.Username, sess.Room)
		if state.HasUnseen {
			title += "(new) "
		}
	}
	u.messages.SetTitle(title)
}

func formatMessage(m model.Message) string {
	ts := m.Timestamp
	if len(ts) > 19 {
		ts = ts[11:19]
	}
	switch m.Kind {
	case model.KindNotification:
		return fmt.Sprintf("[yellow]-- %s --", tview.Escape(m.Content))
	case model.KindImage:
		label := m.ImageType
		if label == "" {
			label = "image"
		}
		return fmt.Sprintf("[gray]%s [aqua]%s:[-] [%s]%s", ts, tview.Escape(m.Sender), label, idTag(m))
	case model.KindReply:
		quoted := ""
		if m.ReplyTo != nil {
			quoted = fmt.Sprintf("[gray]| %s: %s[-]\n", tview.Escape(m.ReplyTo.Sender), tview.Escape(m.ReplyTo.Content))
		}
		return fmt.Sprintf("%s[gray]%s [aqua]%s:[-] %s%s", quoted, ts, tview.Escape(m.Sender), tview.Escape(m.Content), reactionTag(m)+idTag(m))
	default:
		return fmt.Sprintf("[gray]%s [aqua]%s:[-] %s%s", ts, tview.Escape(m.Sender), tview.Escape(m.Content), reactionTag(m)+idTag(m))
	}
}

func idTag(m model.Message) string {
	if id, ok := m.Identity.ID(); ok {
		return fmt.Sprintf(" [gray](#%d)[-]", id)
	}
	return " [gray](sending...)[-]"
}

func reactionTag(m model.Message) string {
	if len(m.Reactions) == 0 {
		return ""
	}
	parts := make([]string, 0, len(m.Reactions))
	for _, r := range m.Reactions {
		parts = append(parts, r.Reaction)
	}
	return " " + tview.Escape("["+strings.Join(parts, " ")+"]")
}
