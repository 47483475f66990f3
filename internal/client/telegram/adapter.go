// Package telegram adapts gopkg.in/telebot.v4 to the client.Client contract.
//
// Each pool account maps to one bot token. Bots cannot self-join chats, so
// the join calls surface stable error codes the access gate normalizes into
// blocked-pair verdicts instead of retrying forever.
package telegram

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"groupcast/internal/client"
	logx "groupcast/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot *tele.Bot

	runMu   sync.Mutex
	running bool

	handlerMu  sync.Mutex
	handlers   map[uint64]client.EventHandler
	handlerSeq atomic.Uint64

	// recent keeps a small per-channel ring of observed posts so the polling
	// half of the change feed works without a history API (bots have none).
	recentMu sync.Mutex
	recent   map[string][]client.Message
}

const recentCap = 64

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, client.Errf("CLIENT_NOT_FOUND", "telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg:      cfg,
		log:      log,
		bot:      b,
		handlers: map[uint64]client.EventHandler{},
		recent:   map[string][]client.Message{},
	}
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnChannelPost, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		msg := client.Message{
			ID:        int64(m.ID),
			ChannelID: strconv.FormatInt(m.Chat.ID, 10),
			Text:      m.Text,
			At:        time.Unix(m.Unixtime, 0),
		}
		a.remember(msg)
		a.fanout(client.Event{Kind: client.EventChannelPost, ChannelID: msg.ChannelID, Message: msg})
		return nil
	})

	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil || m.Sender == nil {
			return nil
		}
		msg := client.Message{
			ID:        int64(m.ID),
			ChannelID: strconv.FormatInt(m.Chat.ID, 10),
			FromID:    m.Sender.ID,
			Text:      m.Text,
			At:        time.Unix(m.Unixtime, 0),
		}
		a.remember(msg)
		a.fanout(client.Event{Kind: client.EventMessage, ChannelID: msg.ChannelID, Message: msg})
		return nil
	})
}

func (a *Adapter) remember(msg client.Message) {
	a.recentMu.Lock()
	ring := append(a.recent[msg.ChannelID], msg)
	if len(ring) > recentCap {
		ring = ring[len(ring)-recentCap:]
	}
	a.recent[msg.ChannelID] = ring
	a.recentMu.Unlock()
}

func (a *Adapter) fanout(ev client.Event) {
	a.handlerMu.Lock()
	hs := make([]client.EventHandler, 0, len(a.handlers))
	for _, h := range a.handlers {
		hs = append(hs, h)
	}
	a.handlerMu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

// Connect starts long polling. Idempotent.
func (a *Adapter) Connect(ctx context.Context) error {
	_ = ctx // telebot owns its poll loop lifecycle
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	go a.bot.Start()
	a.log.Info("telegram connection started", logx.String("bot", a.botName()))
	return nil
}

func (a *Adapter) Close() {
	a.runMu.Lock()
	running := a.running
	a.running = false
	a.runMu.Unlock()
	if running {
		go a.bot.Stop()
	}
}

func (a *Adapter) IsConnected() bool {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.running && a.bot != nil && a.bot.Me != nil
}

func (a *Adapter) botName() string {
	if a.bot != nil && a.bot.Me != nil {
		return a.bot.Me.Username
	}
	return ""
}

func (a *Adapter) Send(ctx context.Context, target, content string) (int64, error) {
	_ = ctx
	to, err := a.recipient(target)
	if err != nil {
		return 0, err
	}
	m, err := a.bot.Send(to, content)
	if err != nil {
		return 0, err
	}
	return int64(m.ID), nil
}

func (a *Adapter) SendComment(ctx context.Context, target string, anchorID int64, content string) (int64, error) {
	_ = ctx
	chat, err := a.chatOf(target)
	if err != nil {
		return 0, err
	}
	opts := &tele.SendOptions{ReplyTo: &tele.Message{ID: int(anchorID), Chat: chat}}
	m, err := a.bot.Send(chat, content, opts)
	if err != nil {
		return 0, err
	}
	return int64(m.ID), nil
}

func (a *Adapter) CheckMembership(ctx context.Context, target string) error {
	_ = ctx
	chat, err := a.chatOf(target)
	if err != nil {
		return err
	}
	member, err := a.bot.ChatMemberOf(chat, a.bot.Me)
	if err != nil {
		return client.Errf("TARGET_ACCESS_DENIED", "member lookup failed: %v", err)
	}
	switch member.Role {
	case tele.Left, tele.Kicked:
		return client.Errf("TARGET_NOT_JOINED", "bot is not a member of %s", target)
	}
	return nil
}

func (a *Adapter) CheckWritePermission(ctx context.Context, target string) error {
	_ = ctx
	chat, err := a.chatOf(target)
	if err != nil {
		return err
	}
	member, err := a.bot.ChatMemberOf(chat, a.bot.Me)
	if err != nil {
		return client.Errf("TARGET_ACCESS_DENIED", "member lookup failed: %v", err)
	}
	switch member.Role {
	case tele.Creator, tele.Administrator:
		return nil
	case tele.Restricted:
		if !member.Rights.CanSendMessages {
			return client.Errf("TARGET_WRITE_FORBIDDEN", "bot may not post in %s", target)
		}
		return nil
	case tele.Member:
		return nil
	default:
		return client.Errf("TARGET_WRITE_FORBIDDEN", "bot may not post in %s", target)
	}
}

func (a *Adapter) ResolveTarget(ctx context.Context, target string) (string, error) {
	_ = ctx
	chat, err := a.chatOf(target)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(chat.ID, 10), nil
}

func (a *Adapter) JoinByInviteLink(ctx context.Context, link string) error {
	_ = ctx
	// Bot accounts cannot follow invite links; an admin must add the bot.
	return client.Errf("TARGET_JOIN_FAILED", "bot accounts cannot join via invite link %s", link)
}

func (a *Adapter) JoinPublicTarget(ctx context.Context, target string) error {
	_ = ctx
	return client.Errf("TARGET_JOIN_FAILED", "bot accounts cannot self-join %s", target)
}

func (a *Adapter) AddEventHandler(h client.EventHandler) func() {
	id := a.handlerSeq.Add(1)
	a.handlerMu.Lock()
	a.handlers[id] = h
	a.handlerMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			a.handlerMu.Lock()
			delete(a.handlers, id)
			a.handlerMu.Unlock()
		})
	}
}

func (a *Adapter) RecentMessages(ctx context.Context, target string, limit int) ([]client.Message, error) {
	id, err := a.ResolveTarget(ctx, target)
	if err != nil {
		return nil, err
	}
	a.recentMu.Lock()
	ring := a.recent[id]
	out := make([]client.Message, len(ring))
	copy(out, ring)
	a.recentMu.Unlock()
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// recipient maps a platform reference to a telebot Recipient.
// "@name" resolves via the API; otherwise the reference must be a chat id.
func (a *Adapter) recipient(target string) (tele.Recipient, error) {
	t := strings.TrimSpace(target)
	if t == "" {
		return nil, client.Errf("TARGET_ACCESS_DENIED", "empty target reference")
	}
	if strings.HasPrefix(t, "@") {
		chat, err := a.bot.ChatByUsername(t)
		if err != nil {
			return nil, client.Errf("TARGET_ACCESS_DENIED", "resolve %s: %v", t, err)
		}
		return chat, nil
	}
	id, err := strconv.ParseInt(t, 10, 64)
	if err != nil {
		return nil, client.Errf("TARGET_ACCESS_DENIED", "bad target reference %q", t)
	}
	return tele.ChatID(id), nil
}

func (a *Adapter) chatOf(target string) (*tele.Chat, error) {
	t := strings.TrimSpace(target)
	if t == "" {
		return nil, client.Errf("TARGET_ACCESS_DENIED", "empty target reference")
	}
	if strings.HasPrefix(t, "@") {
		chat, err := a.bot.ChatByUsername(t)
		if err != nil {
			return nil, client.Errf("TARGET_ACCESS_DENIED", "resolve %s: %v", t, err)
		}
		return chat, nil
	}
	id, err := strconv.ParseInt(t, 10, 64)
	if err != nil {
		return nil, client.Errf("TARGET_ACCESS_DENIED", "bad target reference %q", t)
	}
	chat, err := a.bot.ChatByID(id)
	if err != nil {
		// Fall back to a bare chat handle; most calls only need the ID.
		return &tele.Chat{ID: id}, nil
	}
	return chat, nil
}
