// Package ingest turns chat platform events into ordered dispatcher work.
//
// Every event is persisted through the dispatcher's ordered lane, so the
// activity log reflects arrival order. Detectors run on the pool only after
// the triggering message is stored.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"modbot/internal/detect"
	"modbot/internal/dispatch"
	"modbot/internal/storage"
	logx "modbot/pkg/logx"
)

const privateReply = "I am a bot. If you need something, please ask a human in the chat."

// Store is the write side of storage.Store.
type Store interface {
	InsertMessage(ctx context.Context, m detect.Message, skip bool) error
	InsertMessageEdit(ctx context.Context, m detect.Message) error
	InsertMessageDelete(ctx context.Context, channelID, messageID int64, at time.Time) error
	InsertMemberEvent(ctx context.Context, e storage.MemberEvent) error
}

// Dispatcher is the subset of *dispatch.Dispatcher used by the pipeline.
type Dispatcher interface {
	SubmitOrdered(name string, w dispatch.Work) error
	SubmitOnce(name string, w dispatch.Work) error
	SubmitDelayed(name string, w dispatch.Work) error
}

// Detector inspects one stored message.
type Detector interface {
	Rule() string
	Work(msg detect.Message) dispatch.Work
}

// EditDetector is a Detector that also inspects edited messages.
type EditDetector interface {
	Detector
	EditWork(msg detect.Message) dispatch.Work
}

// MemberDetector inspects a stored membership change.
type MemberDetector interface {
	Rule() string
	MemberWork(e detect.MembershipEvent) dispatch.Work
}

// Privileges answers whether a user moderates a chat. It is called from the
// ordered lane and may block on the platform.
type Privileges interface {
	IsPrivileged(ctx context.Context, chatID, userID int64) bool
}

// MessageEvent is an inbound message plus what the transport knows about
// its author.
type MessageEvent struct {
	Message detect.Message
	// Private is a direct conversation with the bot.
	Private bool
	// Privileged authors (chat admins, owners) are stored but never
	// inspected. Privileges is consulted when this is false.
	Privileged bool
}

type albumKey struct {
	channel int64
	group   string
}

type Pipeline struct {
	store     Store
	disp      Dispatcher
	noticer   detect.Noticer
	detectors []Detector
	members   []MemberDetector
	log       logx.Logger

	botID      atomic.Int64
	owners     atomic.Pointer[map[int64]struct{}]
	privileges atomic.Pointer[Privileges]

	albumMu sync.Mutex
	albums  map[albumKey][]detect.Message
}

func New(store Store, disp Dispatcher, noticer detect.Noticer, log logx.Logger, detectors ...Detector) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Pipeline{
		store:     store,
		disp:      disp,
		noticer:   noticer,
		detectors: detectors,
		log:       log.With(logx.String("comp", "ingest")),
		albums:    map[albumKey][]detect.Message{},
	}
	p.SetOwners(nil)
	return p
}

// WatchMembers adds detectors run after a join is stored. Call it before
// events flow.
func (p *Pipeline) WatchMembers(ds ...MemberDetector) {
	p.members = append(p.members, ds...)
}

// SetBotID tells the pipeline which author is the bot itself.
func (p *Pipeline) SetBotID(id int64) { p.botID.Store(id) }

// SetPrivileges installs the moderator lookup. nil disables it.
func (p *Pipeline) SetPrivileges(pv Privileges) {
	if pv == nil {
		p.privileges.Store(nil)
		return
	}
	p.privileges.Store(&pv)
}

// SetOwners replaces the set of always-privileged user ids.
func (p *Pipeline) SetOwners(ids []int64) {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	p.owners.Store(&m)
}

func (p *Pipeline) isOwner(id int64) bool {
	_, ok := (*p.owners.Load())[id]
	return ok
}

func (p *Pipeline) privileged(ctx context.Context, chatID, userID int64) bool {
	if p.isOwner(userID) {
		return true
	}
	pv := p.privileges.Load()
	return pv != nil && (*pv).IsPrivileged(ctx, chatID, userID)
}

func (p *Pipeline) HandleMessage(ev MessageEvent) error {
	msg := ev.Message
	name := fmt.Sprintf("ingest.message.%d.%d", msg.ChannelID, msg.ID)
	return p.disp.SubmitOrdered(name, dispatch.Func(func(ctx context.Context) error {
		self := p.botID.Load()
		if ev.Private {
			if msg.AuthorID != self && p.noticer != nil {
				p.noticer.PostNotice(ctx, msg.ChannelID, msg.ID, privateReply)
			}
			return nil
		}

		fromSelf := self != 0 && msg.AuthorID == self
		privileged := !fromSelf && (ev.Privileged || p.privileged(ctx, msg.ChannelID, msg.AuthorID))
		if err := p.store.InsertMessage(ctx, msg, privileged || fromSelf); err != nil {
			return fmt.Errorf("ingest: store message %d/%d: %w", msg.ChannelID, msg.ID, err)
		}
		if fromSelf || privileged {
			return nil
		}

		if msg.GroupID != "" {
			p.collect(msg)
			return nil
		}
		p.inspect(msg)
		return nil
	}))
}

func (p *Pipeline) inspect(msg detect.Message) {
	for _, d := range p.detectors {
		if err := p.disp.SubmitOnce(d.Rule(), d.Work(msg)); err != nil {
			p.log.Warn("detector not scheduled", logx.String("rule", d.Rule()), logx.Err(err))
		}
	}
}

// collect holds media group parts until the group is complete. The platform
// delivers a group as separate messages in quick succession, so the first
// part schedules one delayed inspection of the merged group.
func (p *Pipeline) collect(msg detect.Message) {
	key := albumKey{channel: msg.ChannelID, group: msg.GroupID}
	p.albumMu.Lock()
	parts, pending := p.albums[key]
	p.albums[key] = append(parts, msg)
	p.albumMu.Unlock()
	if pending {
		return
	}

	name := fmt.Sprintf("ingest.album.%d.%s", key.channel, key.group)
	err := p.disp.SubmitDelayed(name, dispatch.Func(func(context.Context) error {
		if parts := p.takeAlbum(key); len(parts) > 0 {
			p.inspect(mergeAlbum(parts))
		}
		return nil
	}))
	if err != nil {
		p.takeAlbum(key)
		p.log.Warn("media group not scheduled", logx.String("group", key.group), logx.Err(err))
	}
}

func (p *Pipeline) takeAlbum(key albumKey) []detect.Message {
	p.albumMu.Lock()
	defer p.albumMu.Unlock()
	parts := p.albums[key]
	delete(p.albums, key)
	return parts
}

// mergeAlbum folds the parts of a media group into the first one.
func mergeAlbum(parts []detect.Message) detect.Message {
	out := parts[0]
	out.Attachments = nil
	out.Links = nil
	out.Parts = nil
	var texts []string
	for i, m := range parts {
		if t := strings.TrimSpace(m.Text); t != "" {
			texts = append(texts, t)
		}
		out.Attachments = append(out.Attachments, m.Attachments...)
		out.Links = append(out.Links, m.Links...)
		if i > 0 {
			out.Parts = append(out.Parts, m.ID)
		}
	}
	out.Text = strings.Join(texts, "\n")
	return out
}

// HandleEdit records an edit and re-runs the detectors that look at edits,
// so links edited into an old message are not missed.
func (p *Pipeline) HandleEdit(msg detect.Message) error {
	name := fmt.Sprintf("ingest.edit.%d.%d", msg.ChannelID, msg.ID)
	return p.disp.SubmitOrdered(name, dispatch.Func(func(ctx context.Context) error {
		if self := p.botID.Load(); self != 0 && msg.AuthorID == self {
			return nil
		}
		if err := p.store.InsertMessageEdit(ctx, msg); err != nil {
			return fmt.Errorf("ingest: store edit %d/%d: %w", msg.ChannelID, msg.ID, err)
		}
		if p.privileged(ctx, msg.ChannelID, msg.AuthorID) {
			return nil
		}
		for _, d := range p.detectors {
			ed, ok := d.(EditDetector)
			if !ok {
				continue
			}
			if err := p.disp.SubmitOnce(d.Rule()+".edit", ed.EditWork(msg)); err != nil {
				p.log.Warn("edit detector not scheduled", logx.String("rule", d.Rule()), logx.Err(err))
			}
		}
		return nil
	}))
}

// HandleDelete records a deletion. The platform does not report deletions
// made by users, so these come from the bot's own cleanup.
func (p *Pipeline) HandleDelete(channelID, messageID int64, at time.Time) error {
	name := fmt.Sprintf("ingest.delete.%d.%d", channelID, messageID)
	return p.disp.SubmitOrdered(name, dispatch.Func(func(ctx context.Context) error {
		if err := p.store.InsertMessageDelete(ctx, channelID, messageID, at); err != nil {
			return fmt.Errorf("ingest: store delete %d/%d: %w", channelID, messageID, err)
		}
		return nil
	}))
}

// HandleMember records a join, leave or ban. Joins are then handed to the
// member detectors.
func (p *Pipeline) HandleMember(e storage.MemberEvent) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	name := fmt.Sprintf("ingest.member.%s.%d", e.Action, e.UserID)
	return p.disp.SubmitOrdered(name, dispatch.Func(func(ctx context.Context) error {
		if err := p.store.InsertMemberEvent(ctx, e); err != nil {
			return fmt.Errorf("ingest: store member %s %d: %w", e.Action, e.UserID, err)
		}
		if e.Action != storage.MemberJoin {
			return nil
		}
		ev := e.Membership()
		for _, d := range p.members {
			if err := p.disp.SubmitOnce(d.Rule(), d.MemberWork(ev)); err != nil {
				p.log.Warn("member detector not scheduled", logx.String("rule", d.Rule()), logx.Err(err))
			}
		}
		return nil
	}))
}
