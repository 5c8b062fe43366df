package server

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// PresenceNotifier posts join and leave events to a Discord webhook. Events are queued without blocking the stream and
// dropped when the queue is full.
type PresenceNotifier struct {
	sync.RWMutex
	logger  *zap.Logger
	stopped bool
	queue   chan *PresenceEvent
	doneCh  chan struct{}
	post    func(content string) error
}

// NewPresenceNotifier returns nil when no webhook is configured.
func NewPresenceNotifier(logger *zap.Logger, config Config) (*PresenceNotifier, error) {
	cfg := config.GetDiscord()
	if cfg.WebhookURL == "" {
		return nil, nil
	}
	webhookID, token, err := parseWebhookURL(cfg.WebhookURL)
	if err != nil {
		return nil, err
	}
	dg, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}

	n := newPresenceNotifier(logger, cfg.QueueSize, func(content string) error {
		_, err := dg.WebhookExecute(webhookID, token, false, &discordgo.WebhookParams{
			Content:         content,
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		})
		return err
	})
	return n, nil
}

func newPresenceNotifier(logger *zap.Logger, queueSize int, post func(content string) error) *PresenceNotifier {
	n := &PresenceNotifier{
		logger: logger.With(zap.String("component", "notifier")),
		queue:  make(chan *PresenceEvent, queueSize),
		doneCh: make(chan struct{}),
		post:   post,
	}
	go n.run()
	return n
}

func (n *PresenceNotifier) Notify(ev *PresenceEvent) {
	if n == nil || ev == nil {
		return
	}
	n.RLock()
	defer n.RUnlock()
	if n.stopped {
		return
	}
	select {
	case n.queue <- ev:
	default:
		n.logger.Warn("Notifier queue full, dropping event", zap.String("player", ev.Player), zap.String("event", string(ev.Event)))
	}
}

// Stop drains queued events and waits for the sender to exit. Later events are discarded.
func (n *PresenceNotifier) Stop() {
	if n == nil {
		return
	}
	n.Lock()
	if n.stopped {
		n.Unlock()
		return
	}
	n.stopped = true
	close(n.queue)
	n.Unlock()
	<-n.doneCh
}

func (n *PresenceNotifier) run() {
	defer close(n.doneCh)
	for ev := range n.queue {
		if err := n.post(formatPresenceNotice(ev)); err != nil {
			n.logger.Warn("Failed to post presence event", zap.String("player", ev.Player), zap.Error(err))
		}
	}
}

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`,
	"*", `\*`,
	"_", `\_`,
	"~", `\~`,
	"`", "\\`",
	"|", `\|`,
	">", `\>`,
)

func formatPresenceNotice(ev *PresenceEvent) string {
	name := markdownEscaper.Replace(ev.Player)
	switch ev.Event {
	case PresenceJoin:
		return fmt.Sprintf(":green_circle: **%s** joined the server", name)
	case PresenceLeave:
		return fmt.Sprintf(":red_circle: **%s** left the server", name)
	default:
		return fmt.Sprintf("**%s**: %s", name, ev.Event)
	}
}

// parseWebhookURL splits https://discord.com/api/webhooks/{id}/{token}.
func parseWebhookURL(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("invalid webhook url: %s", u.Redacted())
}
