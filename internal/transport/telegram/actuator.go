package telegram

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	tele "gopkg.in/telebot.v4"

	"modbot/internal/detect"
	"modbot/internal/review"
	logx "modbot/pkg/logx"
)

const (
	timeoutNotice = "You have been timed out because your account posted a burst of links or files that looks like a scam. " +
		"If your account was compromised, please secure it. A moderator will review this shortly."
	kickNotice = "You have been removed from the chat because your account appears to be a bot or compromised and was posting scam links. " +
		"If you have regained control of your account, you are welcome to join again."
)

var (
	_ detect.ModerationActuator = (*Adapter)(nil)
	_ detect.Noticer            = (*Adapter)(nil)
	_ review.Enforcer           = (*Adapter)(nil)
	_ logx.AlertSender          = (*Adapter)(nil)
)

// knownChats returns moderated chat ids in a stable order.
func (a *Adapter) knownChats() []int64 {
	var out []int64
	a.chats.Range(func(id int64, _ struct{}) bool {
		out = append(out, id)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// eachChat runs fn for every moderated chat and reports how many succeeded.
func (a *Adapter) eachChat(ctx context.Context, op string, entityID int64, fn func(chat *tele.Chat) error) (int, error) {
	ok := 0
	var errs []error
	for _, id := range a.knownChats() {
		if err := a.wait(ctx); err != nil {
			return ok, err
		}
		if err := fn(&tele.Chat{ID: id}); err != nil {
			a.log.Debug(op+" failed", logx.Int64("chat", id), logx.Int64("user", entityID), logx.Err(err))
			errs = append(errs, fmt.Errorf("chat %d: %w", id, err))
			continue
		}
		ok++
	}
	if ok == 0 && len(errs) == 0 {
		return 0, errors.New("no moderated chats known")
	}
	return ok, errors.Join(errs...)
}

func (a *Adapter) notifyUser(ctx context.Context, entityID int64, text string) {
	if err := a.wait(ctx); err != nil {
		return
	}
	if _, err := a.bot.Send(&tele.User{ID: entityID}, text); err != nil {
		// Users who never opened a chat with the bot cannot be messaged.
		a.log.Debug("direct notice failed", logx.Int64("user", entityID), logx.Err(err))
	}
}

func (a *Adapter) TimeoutAndNotify(ctx context.Context, entityID int64) bool {
	until := time.Now().Add(time.Duration(a.timeout.Load())).Unix()
	n, err := a.eachChat(ctx, "restrict", entityID, func(chat *tele.Chat) error {
		return a.bot.Restrict(chat, &tele.ChatMember{
			User:            &tele.User{ID: entityID},
			Rights:          tele.NoRights(),
			RestrictedUntil: until,
		})
	})
	if n == 0 {
		a.log.Warn("timeout failed everywhere", logx.Int64("user", entityID), logx.Err(err))
		return false
	}
	a.notifyUser(ctx, entityID, timeoutNotice)
	return true
}

func (a *Adapter) DeleteRecord(ctx context.Context, channelID, recordID int64) {
	if err := a.wait(ctx); err != nil {
		return
	}
	err := a.bot.Delete(&tele.StoredMessage{MessageID: strconv.FormatInt(recordID, 10), ChatID: channelID})
	if err != nil {
		a.log.Warn("delete failed", logx.Int64("chat", channelID), logx.Int64("message", recordID), logx.Err(err))
		return
	}
	if in := a.sink(); in != nil {
		a.accepted(in.HandleDelete(channelID, recordID, time.Now()))
	}
}

func (a *Adapter) PublishReviewArtifact(ctx context.Context, art detect.ReviewArtifact) {
	if a.cfg.ModChatID == 0 {
		a.log.Warn("review artifact dropped: no mod chat configured", logx.String("review", art.ID))
		return
	}
	text, markup := renderReview(art)
	if err := a.sendHTML(ctx, a.cfg.ModChatID, text, markup); err != nil {
		a.log.Error("review artifact not delivered", logx.String("review", art.ID), logx.Err(err))
	}
}

func (a *Adapter) PublishAlert(ctx context.Context, al detect.Alert) {
	if a.cfg.LogChatID == 0 {
		a.log.Warn("alert dropped: no log chat configured", logx.String("title", al.Title))
		return
	}
	if err := a.sendHTML(ctx, a.cfg.LogChatID, renderAlert(al), nil); err != nil {
		a.log.Error("alert not delivered", logx.String("title", al.Title), logx.Err(err))
	}
}

func (a *Adapter) PostNotice(ctx context.Context, channelID, replyTo int64, text string) {
	if err := a.wait(ctx); err != nil {
		return
	}
	chat := &tele.Chat{ID: channelID}
	opt := &tele.SendOptions{AllowWithoutReply: true}
	if replyTo != 0 {
		opt.ReplyTo = &tele.Message{ID: int(replyTo), Chat: chat}
	}
	if _, err := a.bot.Send(chat, text, opt); err != nil {
		a.log.Warn("notice failed", logx.Int64("chat", channelID), logx.Err(err))
	}
}

func (a *Adapter) KickAndNotify(ctx context.Context, entityID int64) error {
	a.notifyUser(ctx, entityID, kickNotice)
	user := &tele.User{ID: entityID}
	n, err := a.eachChat(ctx, "kick", entityID, func(chat *tele.Chat) error {
		if err := a.bot.Ban(chat, &tele.ChatMember{User: user}); err != nil {
			return err
		}
		// Unbanning right away turns the ban into a kick.
		return a.bot.Unban(chat, user)
	})
	if n > 0 {
		return nil
	}
	return err
}

func (a *Adapter) LiftTimeout(ctx context.Context, entityID int64) error {
	n, err := a.eachChat(ctx, "unrestrict", entityID, func(chat *tele.Chat) error {
		return a.bot.Restrict(chat, &tele.ChatMember{
			User:   &tele.User{ID: entityID},
			Rights: tele.NoRestrictions(),
		})
	})
	if n > 0 {
		return nil
	}
	return err
}

// SendAlert delivers log alerts to the log chat.
func (a *Adapter) SendAlert(ctx context.Context, text string) error {
	if a.cfg.LogChatID == 0 {
		return errors.New("no log chat configured")
	}
	return a.sendHTML(ctx, a.cfg.LogChatID, renderLogAlert(text), nil)
}

func (a *Adapter) sendHTML(ctx context.Context, chatID int64, text string, markup *tele.ReplyMarkup) error {
	chat := &tele.Chat{ID: chatID}
	for i, chunk := range splitTelegramText(text, telegramTextLimit, tele.ModeHTML) {
		if err := a.wait(ctx); err != nil {
			return err
		}
		opt := &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true}
		// Attach markup only to the first message.
		if i == 0 && markup != nil {
			opt.ReplyMarkup = markup
		}
		if _, err := a.bot.Send(chat, chunk, opt); err != nil {
			return err
		}
	}
	return nil
}
