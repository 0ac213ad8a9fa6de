package notifier

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "dailycast/pkg/logx"
)

type fakeDiscord struct {
	mu   sync.Mutex
	sent []*discordgo.MessageSend
	to   []string
	err  error
}

func (f *fakeDiscord) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, data)
	f.to = append(f.to, channelID)
	return &discordgo.Message{ChannelID: channelID}, nil
}

func restErr(status, code int) error {
	return &discordgo.RESTError{
		Response: &http.Response{StatusCode: status},
		Message:  &discordgo.APIErrorMessage{Code: code, Message: "x"},
	}
}

func TestDiscordDeliverWithMention(t *testing.T) {
	t.Parallel()
	f := &fakeDiscord{}
	d := &Discord{send: f, log: logx.Nop()}

	err := d.Deliver(context.Background(), Destination{Platform: "discord", Target: "chan1", Mention: "role9"}, "hello")
	require.NoError(t, err)
	require.Len(t, f.sent, 1)
	assert.Equal(t, "chan1", f.to[0])
	assert.Equal(t, "<@&role9>\nhello", f.sent[0].Content)
	assert.Equal(t, []string{"role9"}, f.sent[0].AllowedMentions.Roles)
}

func TestDiscordClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "missing permissions", err: restErr(403, discordgo.ErrCodeMissingPermissions), want: PermissionDenied},
		{name: "missing access", err: restErr(403, discordgo.ErrCodeMissingAccess), want: PermissionDenied},
		{name: "unknown channel", err: restErr(404, discordgo.ErrCodeUnknownChannel), want: DestinationNotFound},
		{name: "bare 404", err: restErr(404, 0), want: DestinationNotFound},
		{name: "server error", err: restErr(502, 0), want: Transient},
		{name: "network", err: errors.New("dial tcp: i/o timeout"), want: Transient},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			d := &Discord{send: &fakeDiscord{err: tt.err}, log: logx.Nop()}
			err := d.Deliver(context.Background(), Destination{Platform: "discord", Target: "c"}, "x")
			var de *DeliveryError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tt.want, de.Kind)
			assert.Equal(t, tt.want, KindOf(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestDiscordGuildDelete(t *testing.T) {
	t.Parallel()
	d := &Discord{send: &fakeDiscord{}, log: logx.Nop()}
	var removed []string
	d.OnGuildRemoved(func(id string) { removed = append(removed, id) })

	d.handleGuildDelete(nil, &discordgo.GuildDelete{Guild: &discordgo.Guild{ID: "g-outage", Unavailable: true}})
	d.handleGuildDelete(nil, &discordgo.GuildDelete{Guild: &discordgo.Guild{ID: "g-left"}})
	d.handleGuildDelete(nil, &discordgo.GuildDelete{})

	assert.Equal(t, []string{"g-left"}, removed)
}

func telegramServer(t *testing.T, status int, resp string, body *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			http.NotFound(w, r)
			return
		}
		if body != nil {
			b, _ := io.ReadAll(r.Body)
			*body = string(b)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTelegramDeliver(t *testing.T) {
	t.Parallel()
	var body string
	srv := telegramServer(t, 200, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":-1001,"type":"supergroup"}}}`, &body)

	tg, err := NewTelegram(TelegramOptions{Token: "123:abc", URL: srv.URL})
	require.NoError(t, err)

	err = tg.Deliver(context.Background(), Destination{Platform: "telegram", Target: "-1001:42", Mention: "quotes_fans"}, "hello")
	require.NoError(t, err)
	assert.Contains(t, body, "-1001")
	assert.Contains(t, body, "42")
	assert.Contains(t, body, "@quotes_fans")
}

func TestTelegramClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
		resp   string
		want   Kind
	}{
		{name: "chat not found", status: 400, resp: `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`, want: DestinationNotFound},
		{name: "kicked", status: 403, resp: `{"ok":false,"error_code":403,"description":"Forbidden: bot was kicked from the supergroup chat"}`, want: PermissionDenied},
		{name: "server", status: 500, resp: `{"ok":false,"error_code":500,"description":"Internal Server Error"}`, want: Transient},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			srv := telegramServer(t, tt.status, tt.resp, nil)
			tg, err := NewTelegram(TelegramOptions{Token: "123:abc", URL: srv.URL})
			require.NoError(t, err)
			err = tg.Deliver(context.Background(), Destination{Platform: "telegram", Target: "-1001"}, "x")
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err))
		})
	}
}

func TestTelegramBadTarget(t *testing.T) {
	t.Parallel()
	tg, err := NewTelegram(TelegramOptions{Token: "123:abc", URL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	err = tg.Deliver(context.Background(), Destination{Platform: "telegram", Target: "general"}, "x")
	assert.Equal(t, DestinationNotFound, KindOf(err))
}

func TestParseTarget(t *testing.T) {
	t.Parallel()
	chat, thread, err := ParseTarget("-1001234")
	require.NoError(t, err)
	assert.Equal(t, int64(-1001234), chat)
	assert.Zero(t, thread)

	chat, thread, err = ParseTarget("55:9")
	require.NoError(t, err)
	assert.Equal(t, int64(55), chat)
	assert.Equal(t, 9, thread)

	_, _, err = ParseTarget("55:x")
	assert.Error(t, err)
}

func slackServer(t *testing.T, resp string, text *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if text != nil {
			*text = r.FormValue("text")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSlackDeliver(t *testing.T) {
	t.Parallel()
	var text string
	srv := slackServer(t, `{"ok":true,"channel":"C1","ts":"1700000000.000100"}`, &text)
	s, err := NewSlack(SlackOptions{Token: "xoxb-test", APIURL: srv.URL + "/"})
	require.NoError(t, err)

	require.NoError(t, s.Deliver(context.Background(), Destination{Platform: "slack", Target: "C1", Mention: "S123"}, "hi"))
	assert.Equal(t, "<!subteam^S123>\nhi", text)
}

func TestSlackClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code string
		want Kind
	}{
		{code: "channel_not_found", want: DestinationNotFound},
		{code: "not_in_channel", want: PermissionDenied},
		{code: "missing_scope", want: PermissionDenied},
		{code: "internal_error", want: Transient},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.code, func(t *testing.T) {
			srv := slackServer(t, `{"ok":false,"error":"`+tt.code+`"}`, nil)
			s, err := NewSlack(SlackOptions{Token: "xoxb-test", APIURL: srv.URL + "/"})
			require.NoError(t, err)
			err = s.Deliver(context.Background(), Destination{Platform: "slack", Target: "C1"}, "hi")
			assert.Equal(t, tt.want, KindOf(err))
		})
	}
}

func TestSlackMention(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "<!here>", slackMention("here"))
	assert.Equal(t, "<@U42>", slackMention("U42"))
	assert.Equal(t, "<!subteam^S1>", slackMention("S1"))
}

type recordNotifier struct {
	mu    sync.Mutex
	calls []Destination
}

func (r *recordNotifier) Deliver(_ context.Context, to Destination, _ string) error {
	r.mu.Lock()
	r.calls = append(r.calls, to)
	r.mu.Unlock()
	return nil
}

func TestRegistryRoutesByPlatform(t *testing.T) {
	t.Parallel()
	d, s := &recordNotifier{}, &recordNotifier{}
	r := NewRegistry()
	r.Register("discord", d)
	r.Register("Slack", s)
	assert.Equal(t, []string{"discord", "slack"}, r.Platforms())

	require.NoError(t, r.Deliver(context.Background(), Destination{Platform: "slack", Target: "C1"}, "x"))
	assert.Len(t, s.calls, 1)
	assert.Empty(t, d.calls)

	err := r.Deliver(context.Background(), Destination{Platform: "telegram", Target: "1"}, "x")
	assert.ErrorIs(t, err, ErrUnknownPlatform)
	assert.Equal(t, DestinationNotFound, KindOf(err))
}

func TestRateLimited(t *testing.T) {
	t.Parallel()
	next := &recordNotifier{}
	rl := NewRateLimited(next, 1)
	ctx := context.Background()

	require.NoError(t, rl.Deliver(ctx, Destination{Target: "a"}, "x"))

	ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := rl.Deliver(ctx, Destination{Target: "b"}, "x")
	require.Error(t, err, "second send within the same second must wait past the deadline")
	assert.Equal(t, Transient, KindOf(err))
	assert.Len(t, next.calls, 1)
}

func TestKindOfPlainError(t *testing.T) {
	t.Parallel()
	assert.Equal(t, Transient, KindOf(errors.New("boom")))
	assert.Equal(t, "permission_denied", PermissionDenied.String())
}
