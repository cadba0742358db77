package tgbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tapminer/internal/mining"
)

// Miner is what the bot needs from the engine.
type Miner interface {
	EnsureUser(ctx context.Context, p mining.Profile) (mining.UserState, error)
	Stats(ctx context.Context, userID int64) (mining.StatsView, error)
	StartSession(ctx context.Context, userID int64) (mining.SessionResult, error)
	StopSession(ctx context.Context, userID int64) (mining.StopResult, error)
}

// requester is the subset of *tgbotapi.BotAPI used to send replies.
type requester interface {
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
}

type Options struct {
	WebappURL     string
	PublicBaseURL string
	Logger        zerolog.Logger
}

type Bot struct {
	opts   Options
	engine Miner
	api    requester
	bot    *tgbotapi.BotAPI
	log    zerolog.Logger
}

func New(token string, engine Miner, opts Options) (*Bot, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	bot.Debug = false
	b := newBot(bot, engine, opts)
	b.bot = bot
	return b, nil
}

func newBot(api requester, engine Miner, opts Options) *Bot {
	return &Bot{
		opts:   opts,
		engine: engine,
		api:    api,
		log:    opts.Logger.With().Str("component", "tgbot").Logger(),
	}
}

func (b *Bot) Username() string {
	if b.bot == nil {
		return ""
	}
	return b.bot.Self.UserName
}

// StartPolling consumes updates until ctx is done.
func (b *Bot) StartPolling(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				b.bot.StopReceivingUpdates()
				return
			case upd, ok := <-updates:
				if !ok {
					return
				}
				b.HandleUpdate(ctx, upd)
			}
		}
	}()
}

func (b *Bot) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	var err error
	switch {
	case upd.Message != nil:
		err = b.handleMessage(ctx, upd.Message)
	case upd.CallbackQuery != nil:
		err = b.handleCallback(ctx, upd.CallbackQuery)
	}
	if err != nil {
		b.log.Warn().Err(err).Int("update_id", upd.UpdateID).Msg("update failed")
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) error {
	if msg.From == nil || !msg.IsCommand() {
		return nil
	}
	userID := msg.From.ID

	switch msg.Command() {
	case "start":
		u, err := b.engine.EnsureUser(ctx, profileOf(msg.From))
		if err != nil {
			return fmt.Errorf("ensure user: %w", err)
		}
		return b.sendMessage(msg.Chat.ID, welcomeText(u), b.keyboardJSON())
	case "stats":
		text, err := b.statsText(ctx, userID)
		if err != nil {
			return err
		}
		return b.sendMessage(msg.Chat.ID, text, b.keyboardJSON())
	case "help":
		return b.sendMessage(msg.Chat.ID, helpText, "")
	default:
		return nil
	}
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) error {
	_ = b.answerCallback(q.ID)
	if q.From == nil || q.Message == nil {
		return nil
	}
	userID := q.From.ID
	kb := b.keyboardJSON()

	var text string
	switch q.Data {
	case "stats":
		t, err := b.statsText(ctx, userID)
		if err != nil {
			return err
		}
		text = t
	case "session_start":
		res, err := b.engine.StartSession(ctx, userID)
		switch {
		case errors.Is(err, mining.ErrUserNotFound):
			text = notStartedText
		case err != nil:
			return b.replyError(q.Message.Chat.ID, err)
		case res.Created:
			text = "⛏ Mining session started"
		default:
			text = "⛏ Mining session is running since " + res.Session.StartedAt.Format("15:04:05 UTC")
		}
	case "session_stop":
		res, err := b.engine.StopSession(ctx, userID)
		switch {
		case errors.Is(err, mining.ErrUserNotFound):
			text = notStartedText
		case err != nil:
			return b.replyError(q.Message.Chat.ID, err)
		case res.Stopped && res.Session != nil:
			text = fmt.Sprintf("⏹ Session stopped\nTaps: %d\nCoins mined: %d", res.Session.Taps, res.Session.CoinsMined)
		default:
			text = "No active session"
		}
	default:
		return nil
	}
	return b.editMessageText(q.Message.Chat.ID, q.Message.MessageID, text, kb)
}

func (b *Bot) statsText(ctx context.Context, userID int64) (string, error) {
	st, err := b.engine.Stats(ctx, userID)
	if errors.Is(err, mining.ErrUserNotFound) {
		return notStartedText, nil
	}
	if err != nil {
		return "", fmt.Errorf("stats: %w", err)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 Mining stats\n\n")
	fmt.Fprintf(&sb, "💰 Coins: %d\n", st.Coins)
	fmt.Fprintf(&sb, "⚡ Energy: %d/%d", st.Energy, st.MaxEnergy)
	if st.TimeUntilFullEnergy > 0 {
		fmt.Fprintf(&sb, " (full in %ds)", st.TimeUntilFullEnergy)
	}
	fmt.Fprintf(&sb, "\n👆 Taps: %d\n", st.TotalTaps)
	fmt.Fprintf(&sb, "🔥 Combo: %d (x%.2f)\n", st.ComboCount, st.ComboMultiplier)
	if st.ActiveSession != nil {
		fmt.Fprintf(&sb, "⛏ Session: %d taps, %d coins", st.ActiveSession.Taps, st.ActiveSession.CoinsMined)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (b *Bot) replyError(chatID int64, err error) error {
	b.log.Warn().Err(err).Int64("chat_id", chatID).Msg("command failed")
	return b.sendMessage(chatID, "Something went wrong, try again in a moment.", "")
}

const notStartedText = "You have not started yet. Send /start first."

const helpText = "/start - open the miner\n/stats - your energy, coins and combo\n/help - this message"

func welcomeText(u mining.UserState) string {
	name := strings.TrimSpace(u.FirstName)
	if name == "" {
		name = "miner"
	}
	return fmt.Sprintf("Welcome, %s!\n\n💰 Coins: %d\n⚡ Energy: %d/%d\n\nTap fast to build a combo. Open the miner below.",
		name, u.Coins, u.Energy, u.MaxEnergy)
}

func profileOf(u *tgbotapi.User) mining.Profile {
	return mining.Profile{UserID: u.ID, Username: u.UserName, FirstName: u.FirstName}
}

type webAppInfo struct {
	URL string `json:"url"`
}

type inlineButton struct {
	Text         string      `json:"text"`
	CallbackData *string     `json:"callback_data,omitempty"`
	WebApp       *webAppInfo `json:"web_app,omitempty"`
}

type inlineMarkup struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

// webappLink passes the API base to the Mini App unless the URL already
// carries one.
func (b *Bot) webappLink() string {
	webappURL := strings.TrimRight(b.opts.WebappURL, "/")
	apiBase := strings.TrimRight(b.opts.PublicBaseURL, "/")
	if apiBase == "" || strings.Contains(webappURL, "api=") {
		return webappURL
	}
	sep := "?"
	if strings.Contains(webappURL, "?") {
		sep = "&"
	}
	return webappURL + sep + "api=" + url.QueryEscape(apiBase)
}

func (b *Bot) keyboardJSON() string {
	stats := "stats"
	start := "session_start"
	stop := "session_stop"

	rows := [][]inlineButton{
		{{Text: "⚡ Open miner", WebApp: &webAppInfo{URL: b.webappLink()}}},
		{{Text: "📊 Stats", CallbackData: &stats}},
		{{Text: "⛏ Start session", CallbackData: &start}, {Text: "⏹ Stop session", CallbackData: &stop}},
	}
	bts, err := json.Marshal(inlineMarkup{InlineKeyboard: rows})
	if err != nil {
		return ""
	}
	return string(bts)
}

func (b *Bot) sendMessage(chatID int64, text string, replyMarkup string) error {
	params := tgbotapi.Params{
		"chat_id": strconv.FormatInt(chatID, 10),
		"text":    text,
	}
	if replyMarkup != "" {
		params["reply_markup"] = replyMarkup
	}
	_, err := b.api.MakeRequest("sendMessage", params)
	return err
}

func (b *Bot) editMessageText(chatID int64, messageID int, text string, replyMarkup string) error {
	params := tgbotapi.Params{
		"chat_id":    strconv.FormatInt(chatID, 10),
		"message_id": strconv.Itoa(messageID),
		"text":       text,
	}
	if replyMarkup != "" {
		params["reply_markup"] = replyMarkup
	}
	_, err := b.api.MakeRequest("editMessageText", params)
	return err
}

func (b *Bot) answerCallback(callbackQueryID string) error {
	params := tgbotapi.Params{"callback_query_id": callbackQueryID}
	_, err := b.api.MakeRequest("answerCallbackQuery", params)
	return err
}
