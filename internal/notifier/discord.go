package notifier

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	logx "dailycast/pkg/logx"

	"github.com/bwmarrin/discordgo"
)

// discordSender is the slice of *discordgo.Session used for delivery.
type discordSender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord delivers to guild text channels. Destination.Mention is a role id.
//
// When the gateway is open, leaving a guild (not an outage) calls the
// removal hook installed with OnGuildRemoved.
type Discord struct {
	session *discordgo.Session
	send    discordSender
	log     logx.Logger

	mu        sync.Mutex
	onRemoved func(guildID string)
}

func NewDiscord(token string, log logx.Logger) (*Discord, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuilds
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Discord{session: s, send: s, log: log.With(logx.String("comp", "discord"))}
	s.AddHandler(d.handleGuildDelete)
	return d, nil
}

// OnGuildRemoved installs the tenant-removal hook.
func (d *Discord) OnGuildRemoved(fn func(guildID string)) {
	d.mu.Lock()
	d.onRemoved = fn
	d.mu.Unlock()
}

// Open connects the gateway so guild removals are observed. Delivery itself
// only needs REST.
func (d *Discord) Open() error {
	if d.session == nil {
		return nil
	}
	return d.session.Open()
}

func (d *Discord) Close() error {
	if d.session == nil {
		return nil
	}
	return d.session.Close()
}

func (d *Discord) handleGuildDelete(_ *discordgo.Session, e *discordgo.GuildDelete) {
	if e == nil || e.Guild == nil {
		return
	}
	if e.Unavailable {
		d.log.Warn("guild unavailable (outage); keeping state", logx.String("guild", e.ID))
		return
	}
	d.mu.Lock()
	fn := d.onRemoved
	d.mu.Unlock()
	d.log.Info("removed from guild", logx.String("guild", e.ID))
	if fn != nil {
		fn(e.ID)
	}
}

func (d *Discord) Deliver(ctx context.Context, to Destination, text string) error {
	msg := &discordgo.MessageSend{
		Content:         text,
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}
	if role := strings.TrimSpace(to.Mention); role != "" {
		msg.Content = "<@&" + role + ">\n" + text
		msg.AllowedMentions.Roles = []string{role}
	}
	if _, err := d.send.ChannelMessageSendComplex(to.Target, msg, discordgo.WithContext(ctx)); err != nil {
		return deliveryErr(to, classifyDiscord(err), err)
	}
	return nil
}

func classifyDiscord(err error) Kind {
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) {
		return Transient
	}
	if rest.Message != nil {
		switch rest.Message.Code {
		case discordgo.ErrCodeMissingPermissions, discordgo.ErrCodeMissingAccess:
			return PermissionDenied
		case discordgo.ErrCodeUnknownChannel, discordgo.ErrCodeUnknownGuild:
			return DestinationNotFound
		}
	}
	if rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusForbidden, http.StatusUnauthorized:
			return PermissionDenied
		case http.StatusNotFound:
			return DestinationNotFound
		}
	}
	return Transient
}
