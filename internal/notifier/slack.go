package notifier

import (
	"context"
	"errors"
	"strings"

	goslack "github.com/slack-go/slack"
)

// Slack delivers to channels. Destination.Mention is a user group id
// (S...), a user id (U.../W...), or "here"/"channel".
type Slack struct {
	client *goslack.Client
}

type SlackOptions struct {
	Token string
	// APIURL overrides https://slack.com/api/ (tests).
	APIURL string
}

func NewSlack(opts SlackOptions) (*Slack, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, errors.New("slack token is empty")
	}
	var o []goslack.Option
	if opts.APIURL != "" {
		o = append(o, goslack.OptionAPIURL(opts.APIURL))
	}
	return &Slack{client: goslack.New(opts.Token, o...)}, nil
}

func slackMention(id string) string {
	switch {
	case id == "here" || id == "channel" || id == "everyone":
		return "<!" + id + ">"
	case strings.HasPrefix(id, "U") || strings.HasPrefix(id, "W"):
		return "<@" + id + ">"
	default:
		return "<!subteam^" + id + ">"
	}
}

func (s *Slack) Deliver(ctx context.Context, to Destination, text string) error {
	if m := strings.TrimSpace(to.Mention); m != "" {
		text = slackMention(m) + "\n" + text
	}
	_, _, err := s.client.PostMessageContext(ctx, to.Target, goslack.MsgOptionText(text, false))
	if err != nil {
		return deliveryErr(to, classifySlack(err), err)
	}
	return nil
}

func classifySlack(err error) Kind {
	var rl *goslack.RateLimitedError
	if errors.As(err, &rl) {
		return Transient
	}
	code := err.Error()
	var resp goslack.SlackErrorResponse
	if errors.As(err, &resp) {
		code = resp.Err
	}
	switch strings.TrimSpace(code) {
	case "channel_not_found", "is_archived", "team_not_found":
		return DestinationNotFound
	case "not_in_channel", "missing_scope", "restricted_action", "access_denied",
		"invalid_auth", "not_authed", "account_inactive", "token_revoked", "ekm_access_denied":
		return PermissionDenied
	}
	return Transient
}
