package telegram

import (
	"context"
	"fmt"
	"time"

	tele "gopkg.in/telebot.v4"

	"modbot/internal/dispatch"
	"modbot/internal/ingest"
	"modbot/internal/review"
	"modbot/internal/storage"
	"modbot/pkg/tgui"
	logx "modbot/pkg/logx"
)

func (a *Adapter) registerHandlers() {
	for _, ep := range []string{tele.OnText, tele.OnPhoto, tele.OnDocument, tele.OnVideo, tele.OnAnimation, tele.OnAudio, tele.OnVoice} {
		a.bot.Handle(ep, a.onMessage)
	}
	a.bot.Handle(tele.OnEdited, a.onEdited)
	a.bot.Handle(tele.OnUserJoined, a.onMember(storage.MemberJoin))
	a.bot.Handle(tele.OnUserLeft, a.onMember(storage.MemberLeave))
	a.bot.Handle(tele.OnChatMember, a.onChatMember)
	a.bot.Handle(tele.OnCallback, a.onCallback)
}

func (a *Adapter) sink() Ingest {
	p := a.ingest.Load()
	if p == nil {
		return nil
	}
	return *p
}

func (a *Adapter) accepted(err error) {
	if err != nil {
		a.droppedUpdates.Add(1)
	}
}

func (a *Adapter) onMessage(c tele.Context) error {
	m := c.Message()
	in := a.sink()
	if m == nil || m.Sender == nil || in == nil {
		return nil
	}
	private := isPrivate(m)
	if !private {
		a.chats.Store(m.Chat.ID, struct{}{})
	}
	// Admin lookups can hit the network; the pipeline resolves privileges on
	// its ordered lane so the poll loop never waits on them.
	a.accepted(in.HandleMessage(ingest.MessageEvent{Message: toMessage(m), Private: private}))
	return nil
}

func (a *Adapter) onEdited(c tele.Context) error {
	m := c.Message()
	in := a.sink()
	if m == nil || m.Sender == nil || in == nil || isPrivate(m) {
		return nil
	}
	a.accepted(in.HandleEdit(toMessage(m)))
	return nil
}

// onMember records joins and leaves. telebot calls the join handler once per
// user of a multi-user join with UserJoined set to that user.
func (a *Adapter) onMember(action string) tele.HandlerFunc {
	return func(c tele.Context) error {
		m := c.Message()
		in := a.sink()
		if m == nil || m.Chat == nil || in == nil {
			return nil
		}
		u := m.UserJoined
		if action == storage.MemberLeave {
			u = m.UserLeft
		}
		if u == nil {
			return nil
		}
		a.accepted(in.HandleMember(storage.MemberEvent{
			At:       m.Time(),
			ChatID:   m.Chat.ID,
			UserID:   u.ID,
			Username: u.Username,
			Action:   action,
		}))
		return nil
	}
}

// onChatMember records bans. Joins and leaves arrive as service messages
// and are handled by onMember.
func (a *Adapter) onChatMember(c tele.Context) error {
	u := c.ChatMember()
	in := a.sink()
	if u == nil || in == nil || u.Chat == nil || u.NewChatMember == nil || u.NewChatMember.User == nil {
		return nil
	}
	if u.NewChatMember.Role != tele.Kicked || (u.OldChatMember != nil && u.OldChatMember.Role == tele.Kicked) {
		return nil
	}
	user := u.NewChatMember.User
	a.accepted(in.HandleMember(storage.MemberEvent{
		At:       time.Unix(u.Unixtime, 0),
		ChatID:   u.Chat.ID,
		UserID:   user.ID,
		Username: user.Username,
		Action:   storage.MemberBan,
	}))
	return nil
}

// IsPrivileged reports whether userID administers chatID. Admin lists are
// cached per chat; lookup failures count as not privileged.
func (a *Adapter) IsPrivileged(ctx context.Context, chatID, userID int64) bool {
	e, ok := a.admins.Load(chatID)
	if !ok || time.Since(e.fetched) > a.cfg.AdminCacheTTL {
		if err := a.wait(ctx); err != nil {
			return false
		}
		members, err := a.bot.AdminsOf(&tele.Chat{ID: chatID})
		if err != nil {
			a.log.Debug("admin lookup failed", logx.Int64("chat", chatID), logx.Err(err))
			return false
		}
		e = adminEntry{ids: make(map[int64]struct{}, len(members)), fetched: time.Now()}
		for _, cm := range members {
			if cm.User != nil {
				e.ids[cm.User.ID] = struct{}{}
			}
		}
		a.admins.Store(chatID, e)
	}
	_, admin := e.ids[userID]
	return admin
}

func (a *Adapter) onCallback(c tele.Context) error {
	cb := c.Callback()
	if cb == nil || !review.IsDecision(cb.Data) {
		return nil
	}
	if cb.Message == nil || cb.Message.Chat == nil || cb.Message.Chat.ID != a.cfg.ModChatID {
		return c.Respond(&tele.CallbackResponse{Text: "Not allowed here."})
	}
	rev, pool := a.reviewer.Load(), a.pool.Load()
	if rev == nil || pool == nil {
		return c.Respond(&tele.CallbackResponse{Text: "Not ready yet, try again."})
	}

	moderator := displayName(cb.Sender)
	data := cb.Data
	msg := cb.Message
	work := dispatch.Func(func(ctx context.Context) error {
		out, err := (*rev).Handle(ctx, data, moderator)
		if rerr := a.bot.Respond(cb, &tele.CallbackResponse{Text: out.Reply, ShowAlert: err != nil}); rerr != nil {
			a.log.Debug("callback answer failed", logx.Err(rerr))
		}
		if out.Resolved != nil {
			markup := tgui.NewInline().Row(tgui.Btn(out.Resolved.Label, out.Resolved.Data)).Markup()
			if _, eerr := a.bot.EditReplyMarkup(msg, markup); eerr != nil {
				a.log.Warn("resolve button update failed", logx.Err(eerr))
			}
		}
		return err
	})
	if err := (*pool).SubmitOnce(fmt.Sprintf("review.%s", cb.ID), work); err != nil {
		return c.Respond(&tele.CallbackResponse{Text: "Shutting down, try again later."})
	}
	return nil
}
