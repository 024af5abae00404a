// Package bridge relays Telegram chats to agent sessions. Each Telegram
// user owns their own sessions; plain messages run on the user's active
// session and slash commands manage the session lifecycle.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/seongjae-dev/agentrelay/internal/agent"
	"github.com/seongjae-dev/agentrelay/internal/config"
	"github.com/seongjae-dev/agentrelay/internal/history"
	"github.com/seongjae-dev/agentrelay/internal/logging"
)

// messageLimit is Telegram's hard cap per message; longer replies are
// split into chunks just under it.
const messageLimit = 4000

// api is the Telegram surface the bridge uses, extracted so tests can
// script it.
type api interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error)
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendTyping(ctx context.Context, chatID int64) error
	DeleteWebhook(ctx context.Context) error
}

// Historian reads back recorded executions for the /stats command.
type Historian interface {
	Recent(sessionID, userID string, limit int) ([]history.Entry, error)
}

// Bridge is the Telegram front-end to the session manager.
type Bridge struct {
	client api
	mgr    *agent.Manager
	cfg    config.TelegramConfig
	hist   Historian // nil when history is disabled
	log    *slog.Logger

	mu     sync.Mutex
	active map[string]string // user key -> active session id
}

func New(client *Client, mgr *agent.Manager, cfg config.TelegramConfig) *Bridge {
	return newBridge(client, mgr, cfg)
}

func newBridge(client api, mgr *agent.Manager, cfg config.TelegramConfig) *Bridge {
	return &Bridge{
		client: client,
		mgr:    mgr,
		cfg:    cfg,
		log:    logging.ForComponent(logging.CompBridge),
		active: make(map[string]string),
	}
}

// SetHistory enables the /stats command.
func (b *Bridge) SetHistory(h Historian) { b.hist = h }

// Run long-polls Telegram until ctx is cancelled. Poll errors back off
// and retry; they never kill the loop.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.client.DeleteWebhook(ctx); err != nil {
		b.log.Warn("delete_webhook_failed", slog.Any("error", err))
	}
	b.log.Info("bridge_started")

	pollTimeout := time.Duration(b.cfg.PollTimeoutSecs) * time.Second
	var offset int64
	for {
		if ctx.Err() != nil {
			return nil
		}
		updates, err := b.client.GetUpdates(ctx, offset, pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.log.Warn("get_updates_failed", slog.Any("error", err))
			select {
			case <-time.After(3 * time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
			}
			if upd.Message == nil || upd.Message.Text == "" {
				continue
			}
			b.handleMessage(ctx, upd.Message)
		}
	}
}

func (b *Bridge) handleMessage(ctx context.Context, msg *Message) {
	user := userKey(msg.From)
	if user == "" {
		return
	}
	if !b.userAllowed(user) {
		b.log.Warn("unauthorized_user", slog.String("user_id", user))
		b.reply(ctx, msg.Chat.ID, "You are not authorized to use this bot.")
		return
	}

	text := strings.TrimSpace(msg.Text)
	if strings.HasPrefix(text, "/") {
		b.handleCommand(ctx, msg.Chat.ID, user, text)
		return
	}
	b.execute(ctx, msg.Chat.ID, user, text)
}

func (b *Bridge) userAllowed(user string) bool {
	if len(b.cfg.AllowedUsers) == 0 {
		return true
	}
	for _, allowed := range b.cfg.AllowedUsers {
		if allowed == user {
			return true
		}
	}
	return false
}

func (b *Bridge) handleCommand(ctx context.Context, chatID int64, user, text string) {
	fields := strings.Fields(text)
	// Group chats address commands as /cmd@botname.
	cmd := strings.SplitN(fields[0], "@", 2)[0]
	args := fields[1:]

	switch cmd {
	case "/start", "/help":
		b.reply(ctx, chatID, helpText)
	case "/agents":
		b.replyAgents(ctx, chatID)
	case "/new":
		b.cmdNew(ctx, chatID, user, args)
	case "/sessions":
		b.replySessions(ctx, chatID, user)
	case "/switch":
		b.cmdSwitch(ctx, chatID, user, args)
	case "/status":
		b.cmdStatus(ctx, chatID, user)
	case "/stats":
		b.cmdStats(ctx, chatID, user)
	case "/end":
		b.cmdEnd(ctx, chatID, user)
	default:
		b.reply(ctx, chatID, "Unknown command. Send /help for the command list.")
	}
}

const helpText = `I relay your messages to CLI coding agents.

/agents - list available agent types
/new <agent> [dir] - start a session
/sessions - list your sessions
/switch <id-prefix> - make another session active
/status - show the active session
/stats - summarize your recent executions
/end - terminate the active session

Any other message runs on your active session.`

func (b *Bridge) replyAgents(ctx context.Context, chatID int64) {
	agents := b.mgr.Agents()
	if len(agents) == 0 {
		b.reply(ctx, chatID, "No agents are registered.")
		return
	}
	var sb strings.Builder
	sb.WriteString("Available agents:\n")
	for _, a := range agents {
		fmt.Fprintf(&sb, "• %s (%s, %s)\n", a.Name, a.Mode, a.StreamFormat)
	}
	b.reply(ctx, chatID, sb.String())
}

func (b *Bridge) cmdNew(ctx context.Context, chatID int64, user string, args []string) {
	agentName := b.cfg.DefaultAgent
	if len(args) > 0 {
		agentName = args[0]
	}
	if agentName == "" {
		if agents := b.mgr.Agents(); len(agents) > 0 {
			agentName = agents[0].Name
		}
	}
	workDir := ""
	if len(args) > 1 {
		workDir = args[1]
	}

	info, err := b.mgr.CreateSession(ctx, user, agentName, workDir)
	if err != nil {
		b.reply(ctx, chatID, "Could not create session: "+err.Error())
		return
	}
	b.setActive(user, info.ID)
	b.reply(ctx, chatID, fmt.Sprintf("Session %s started on %s in %s. Send a message to begin.",
		shortID(info.ID), info.Agent, info.WorkDir))
}

func (b *Bridge) replySessions(ctx context.Context, chatID int64, user string) {
	infos := b.mgr.ListSessions(user, "")
	if len(infos) == 0 {
		b.reply(ctx, chatID, "You have no sessions. Start one with /new.")
		return
	}
	b.reply(ctx, chatID, sessionTable(infos, b.activeID(user)))
}

func (b *Bridge) cmdSwitch(ctx context.Context, chatID int64, user string, args []string) {
	if len(args) == 0 {
		b.reply(ctx, chatID, "Usage: /switch <id-prefix>")
		return
	}
	prefix := args[0]
	for _, info := range b.mgr.ListSessions(user, "") {
		if strings.HasPrefix(info.ID, prefix) {
			b.setActive(user, info.ID)
			b.reply(ctx, chatID, fmt.Sprintf("Active session is now %s (%s).", shortID(info.ID), info.Agent))
			return
		}
	}
	b.reply(ctx, chatID, "No session matches that prefix.")
}

func (b *Bridge) cmdStatus(ctx context.Context, chatID int64, user string) {
	id := b.activeID(user)
	if id == "" {
		b.reply(ctx, chatID, "No active session. Start one with /new.")
		return
	}
	info, err := b.mgr.Session(id)
	if err != nil {
		b.clearActive(user, id)
		b.reply(ctx, chatID, "The active session is gone. Start a new one with /new.")
		return
	}
	b.reply(ctx, chatID, fmt.Sprintf("Session %s\nAgent: %s\nState: %s\nTurns: %d\nDir: %s",
		shortID(info.ID), info.Agent, info.State, info.Turns, info.WorkDir))
}

func (b *Bridge) cmdStats(ctx context.Context, chatID int64, user string) {
	if b.hist == nil {
		b.reply(ctx, chatID, "Execution history is disabled.")
		return
	}
	entries, err := b.hist.Recent("", user, 50)
	if err != nil {
		b.log.Warn("history_query_failed", slog.Any("error", err))
		b.reply(ctx, chatID, "Could not read execution history.")
		return
	}
	if len(entries) == 0 {
		b.reply(ctx, chatID, "No executions recorded yet.")
		return
	}
	b.reply(ctx, chatID, statsSummary(entries))
}

func (b *Bridge) cmdEnd(ctx context.Context, chatID int64, user string) {
	id := b.activeID(user)
	if id == "" {
		b.reply(ctx, chatID, "No active session.")
		return
	}
	b.clearActive(user, id)
	if err := b.mgr.TerminateSession(id); err != nil && !errors.Is(err, agent.ErrSessionNotFound) {
		b.reply(ctx, chatID, "Termination failed: "+err.Error())
		return
	}
	b.reply(ctx, chatID, "Session "+shortID(id)+" terminated.")
}

// execute relays a plain message to the user's active session and sends
// the streamed output back as chat messages.
func (b *Bridge) execute(ctx context.Context, chatID int64, user, command string) {
	id := b.activeID(user)
	if id == "" {
		b.reply(ctx, chatID, "No active session. Start one with /new.")
		return
	}

	events, err := b.mgr.Execute(ctx, id, command)
	if err != nil {
		switch {
		case errors.Is(err, agent.ErrAlreadyExecuting):
			b.reply(ctx, chatID, "The session is still working on the previous message.")
		case errors.Is(err, agent.ErrSessionNotFound):
			b.clearActive(user, id)
			b.reply(ctx, chatID, "The active session is gone. Start a new one with /new.")
		default:
			b.reply(ctx, chatID, "Execution failed: "+err.Error())
		}
		return
	}

	_ = b.client.SendTyping(ctx, chatID)
	for ev := range events {
		for _, text := range renderEvent(ev) {
			b.reply(ctx, chatID, text)
		}
	}
}

// renderEvent maps one stream event to zero or more chat messages.
func renderEvent(ev agent.Event) []string {
	switch ev.Type {
	case agent.EventAssistant, agent.EventRaw:
		var parts []string
		if ev.Content != "" {
			parts = chunkMessage(ev.Content)
		}
		for _, call := range ev.ToolCalls {
			parts = append(parts, "🔧 "+call.Name)
		}
		return parts
	case agent.EventCompletion:
		if ev.Content != "" {
			return chunkMessage("✅ " + ev.Content)
		}
		return []string{"✅ Done."}
	case agent.EventError:
		return chunkMessage("❌ " + ev.Content)
	default:
		return nil
	}
}

func (b *Bridge) reply(ctx context.Context, chatID int64, text string) {
	for _, chunk := range chunkMessage(text) {
		if err := b.client.SendMessage(ctx, chatID, chunk); err != nil {
			b.log.Warn("send_message_failed", slog.Any("error", err))
			return
		}
	}
}

func (b *Bridge) activeID(user string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active[user]
}

func (b *Bridge) setActive(user, id string) {
	b.mu.Lock()
	b.active[user] = id
	b.mu.Unlock()
}

// clearActive drops the mapping only if it still points at id.
func (b *Bridge) clearActive(user, id string) {
	b.mu.Lock()
	if b.active[user] == id {
		delete(b.active, user)
	}
	b.mu.Unlock()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
