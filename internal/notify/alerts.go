package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/leaddesk/internal/logx"
	"go.uber.org/zap"
)

// alertTimeout bounds a single chat post.
const alertTimeout = 5 * time.Second

// slackPoster abstracts the Slack API method we use, enabling test mocks.
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// discordSender abstracts the Discord API method we use, enabling test mocks.
type discordSender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Alerts forwards operator-facing events (alerts and guard rejections) to
// chat channels. Other event types are ignored. Posts happen on a
// background worker; Publish only queues.
type Alerts struct {
	slack          slackPoster
	slackChannel   string
	discord        discordSender
	discordChannel string
	log            *zap.Logger
	queue          *sink
}

// AlertsOpts holds parameters for creating Alerts.
type AlertsOpts struct {
	SlackToken       string
	SlackChannelID   string
	DiscordToken     string
	DiscordChannelID string
	Logger           *zap.Logger

	// For testing: inject mock clients instead of real chat APIs.
	Slack   slackPoster
	Discord discordSender
}

// NewAlerts creates Alerts for whichever platforms are configured.
func NewAlerts(opts AlertsOpts) (*Alerts, error) {
	a := &Alerts{
		slack:          opts.Slack,
		slackChannel:   opts.SlackChannelID,
		discord:        opts.Discord,
		discordChannel: opts.DiscordChannelID,
		log:            logx.OrNop(opts.Logger).With(zap.String("component", "notify.alerts")),
	}
	if a.slack == nil && opts.SlackToken != "" {
		a.slack = slackapi.New(opts.SlackToken)
	}
	if a.discord == nil && opts.DiscordToken != "" {
		session, err := discordgo.New("Bot " + opts.DiscordToken)
		if err != nil {
			return nil, fmt.Errorf("notify: discord session: %w", err)
		}
		a.discord = session
	}
	if a.slack != nil && a.slackChannel == "" {
		return nil, fmt.Errorf("notify: slack channel is required")
	}
	if a.discord != nil && a.discordChannel == "" {
		return nil, fmt.Errorf("notify: discord channel is required")
	}
	a.queue = newSink(sinkBuffer, a.post)
	return a, nil
}

// Enabled reports whether any platform is configured.
func (a *Alerts) Enabled() bool {
	return a.slack != nil || a.discord != nil
}

// Publish implements Publisher. It never blocks on the chat APIs.
func (a *Alerts) Publish(_ context.Context, evt Event) {
	if evt.Type != EventAlert && evt.Type != EventTransitionRejected {
		return
	}
	if !a.Enabled() {
		return
	}
	if !a.queue.offer(evt) {
		a.log.Warn("alert dropped", zap.String("event", evt.Type), zap.String("conversation_id", evt.ConversationID))
	}
}

// Close stops the worker after posting every queued alert.
func (a *Alerts) Close() error {
	a.queue.close()
	return nil
}

// post sends one event to every configured platform.
func (a *Alerts) post(evt Event) {
	text := formatAlert(evt)
	ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
	defer cancel()

	if a.slack != nil {
		if _, _, err := a.slack.PostMessageContext(ctx, a.slackChannel, slackapi.MsgOptionText(text, false)); err != nil {
			a.log.Warn("slack alert", zap.String("event", evt.Type), zap.Error(err))
		}
	}
	if a.discord != nil {
		if _, err := a.discord.ChannelMessageSend(a.discordChannel, text, discordgo.WithContext(ctx)); err != nil {
			a.log.Warn("discord alert", zap.String("event", evt.Type), zap.Error(err))
		}
	}
}

// formatAlert renders an event as a single chat line followed by sorted
// key/value details.
func formatAlert(evt Event) string {
	var b strings.Builder
	title := "Lead Desk alert"
	if evt.Type == EventTransitionRejected {
		title = "Transition rejected"
	}
	b.WriteString(":rotating_light: *" + title + "*")
	if evt.ConversationID != "" {
		b.WriteString(" conversation `" + evt.ConversationID + "`")
	}
	if fields, ok := evt.Payload.(map[string]string); ok {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "\n• %s: %s", k, fields[k])
		}
	}
	return b.String()
}
