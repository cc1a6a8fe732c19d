package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"secure_msg/internal/conversation"
	"secure_msg/internal/utils/log"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

type (
	// App is the terminal front end of one conversation session. It renders
	// controller snapshots and turns key presses into controller calls.
	App struct {
		app     *tview.Application
		screen  tcell.Screen
		threads *tview.List
		chatbox *tview.TextView
		typing  *tview.TextView
		status  *tview.TextView
		input   *tview.InputField

		ctrl   *conversation.Controller
		ctx    context.Context
		notify bool

		inputFocused atomic.Bool

		mu         sync.Mutex
		latest     conversation.State
		pending    bool
		threadIDs  []string
		messageIDs []string
	}
)

func NewApp(notify bool) *App {
	return &App{
		app:    tview.NewApplication(),
		notify: notify,
	}
}

// Render is the controller's OnChange hook. It runs under the controller lock,
// so it only records the snapshot and schedules a redraw.
func (c *App) Render(s conversation.State) {
	c.mu.Lock()
	c.latest = s
	schedule := !c.pending
	c.pending = true
	c.mu.Unlock()

	if schedule {
		go c.app.QueueUpdateDraw(c.redraw)
	}
}

// Hidden reports whether the user is away from the conversation pane.
func (c *App) Hidden() bool {
	return !c.inputFocused.Load()
}

func (c *App) Permitted() bool {
	return c.notify
}

func (c *App) Notify(title, body string) {
	go c.app.QueueUpdateDraw(func() {
		if c.screen != nil {
			c.screen.Beep()
		}
		c.threads.SetTitle(fmt.Sprintf(" Threads · %s %s ", title, body))
	})
}

// Run blocks until the user quits.
func (c *App) Run(ctx context.Context, ctrl *conversation.Controller) error {
	c.ctx = ctx
	c.ctrl = ctrl

	screen, err := tcell.NewScreen()
	if err != nil {
		return err
	}
	c.screen = screen
	c.app.SetScreen(screen)

	c.buildUI()

	go func() {
		if err := ctrl.Init(ctx); err != nil {
			log.Warn("init finished with errors", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		c.app.Stop()
	}()

	defer ctrl.Close()
	return c.app.Run()
}

func (c *App) buildUI() {
	c.threads = tview.NewList().ShowSecondaryText(true)
	c.threads.SetBorder(true).SetTitle(" Threads ")
	c.threads.SetSelectedFunc(func(i int, _, _ string, _ rune) {
		c.selectThread(i)
	})

	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(" Secure messages ")

	c.typing = tview.NewTextView().SetDynamicColors(true)
	c.status = tview.NewTextView().SetDynamicColors(true)

	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" New Message · /react n emoji · /new subject users · /read ")
	c.input.SetFocusFunc(func() { c.inputFocused.Store(true) })
	c.input.SetBlurFunc(func() { c.inputFocused.Store(false) })
	c.input.SetChangedFunc(func(text string) {
		if text != "" && !strings.HasPrefix(text, "/") {
			go c.ctrl.Keystroke()
		}
	})
	c.input.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter {
			c.submit(c.input.GetText())
		}
	})

	conversationPane := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.typing, 1, 0, false).
		AddItem(c.input, 3, 0, true)

	body := tview.NewFlex().
		AddItem(c.threads, 32, 0, false).
		AddItem(conversationPane, 0, 1, true)

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(body, 0, 1, true).
		AddItem(c.status, 1, 0, false)

	c.app.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		if ev.Key() == tcell.KeyTab {
			if c.input.HasFocus() {
				c.app.SetFocus(c.threads)
			} else {
				c.app.SetFocus(c.input)
			}
			return nil
		}
		return ev
	})

	c.app.SetRoot(layout, true).SetFocus(c.input)
}

func (c *App) selectThread(i int) {
	c.mu.Lock()
	if i < 0 || i >= len(c.threadIDs) {
		c.mu.Unlock()
		return
	}
	id := c.threadIDs[i]
	c.mu.Unlock()

	c.threads.SetTitle(" Threads ")
	c.app.SetFocus(c.input)
	go func() {
		if err := c.ctrl.SelectThread(c.ctx, id); err != nil {
			log.Warn("select thread failed", zap.String("thread", id), zap.Error(err))
		}
	}()
}

func (c *App) submit(line string) {
	cmd, err := parseCommand(line)
	if err != nil {
		c.status.SetText("[red]" + tview.Escape(err.Error()) + "[-]")
		return
	}

	switch cmd.name {
	case cmdQuit:
		c.app.Stop()
		return
	case cmdSend:
		if strings.TrimSpace(cmd.text) == "" {
			return
		}
	}

	go func() {
		if err := c.run(cmd); err != nil {
			log.Debug("command failed", zap.String("command", cmd.name), zap.Error(err))
			return
		}
		c.app.QueueUpdateDraw(func() {
			// keep anything typed while the request was in flight
			if c.input.GetText() == line {
				c.input.SetText("")
			}
		})
	}()
}

// run executes cmd against the controller. Failures are already reflected in
// the controller state, so the input is only cleared on success.
func (c *App) run(cmd command) error {
	switch cmd.name {
	case cmdSend:
		return c.ctrl.Send(c.ctx, cmd.text, nil)

	case cmdReact:
		c.mu.Lock()
		if cmd.index > len(c.messageIDs) {
			c.mu.Unlock()
			return fmt.Errorf("no message %d", cmd.index)
		}
		id := c.messageIDs[cmd.index-1]
		c.mu.Unlock()
		return c.ctrl.ToggleReaction(c.ctx, id, cmd.emoji)

	case cmdNew:
		t, err := c.ctrl.CreateThread(c.ctx, cmd.subject, cmd.participants)
		if err != nil {
			return err
		}
		return c.ctrl.SelectThread(c.ctx, t.ID)

	case cmdRead:
		return c.ctrl.MarkRead(c.ctx)
	}
	return errors.New("unknown command")
}

// redraw runs on the UI goroutine with the newest snapshot.
func (c *App) redraw() {
	c.mu.Lock()
	s := c.latest
	c.pending = false

	c.threadIDs = c.threadIDs[:0]
	for _, t := range s.Threads {
		c.threadIDs = append(c.threadIDs, t.ID)
	}
	c.messageIDs = c.messageIDs[:0]
	for _, m := range s.Messages {
		c.messageIDs = append(c.messageIDs, m.ID)
	}
	c.mu.Unlock()

	current := c.threads.GetCurrentItem()
	c.threads.Clear()
	for _, t := range s.Threads {
		c.threads.AddItem(threadLabel(t), threadDetail(t, s.Self), 0, nil)
		if t.ID == s.ThreadID {
			current = c.threads.GetItemCount() - 1
		}
	}
	if current < c.threads.GetItemCount() {
		c.threads.SetCurrentItem(current)
	}

	if s.Thread != nil {
		c.chatbox.SetTitle(fmt.Sprintf(" %s ", tview.Escape(s.Thread.Subject)))
	}
	var b strings.Builder
	for i, m := range s.Messages {
		b.WriteString(formatMessage(i+1, m, s))
		b.WriteByte('\n')
	}
	c.chatbox.SetText(b.String())
	c.chatbox.ScrollToEnd()

	c.typing.SetText("[gray]" + tview.Escape(typingLine(s.TypingUsers())) + "[-]")
	c.status.SetText(statusLine(s))
}
