package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"modbot/internal/detect"
)

type msgKey struct {
	channel int64
	message int64
}

type memEvent struct {
	seq    int64
	key    msgKey
	author int64
	action string
	at     int64
	sum    summary
	skip   bool
	files  []detect.Attachment
}

// memoryStore keeps the same event log as the sqlite driver in process
// memory.
type memoryStore struct {
	mu       sync.Mutex
	seq      int64
	authors  map[msgKey]int64
	events   []memEvent
	deleted  map[msgKey]bool
	members  []MemberEvent
	isClosed bool
}

func newMemory() *memoryStore {
	return &memoryStore{
		authors: map[msgKey]int64{},
		deleted: map[msgKey]bool{},
	}
}

func (s *memoryStore) appendLocked(action string, m detect.Message, at int64, skip bool) {
	s.seq++
	s.events = append(s.events, memEvent{
		seq:    s.seq,
		key:    msgKey{m.ChannelID, m.ID},
		author: m.AuthorID,
		action: action,
		at:     at,
		sum:    summarize(m),
		skip:   skip,
		files:  append([]detect.Attachment(nil), m.Attachments...),
	})
}

func (s *memoryStore) InsertMessage(_ context.Context, m detect.Message, skip bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		return ErrDisabled
	}
	s.authors[msgKey{m.ChannelID, m.ID}] = m.AuthorID
	s.appendLocked(ActionSend, m, eventTime(m.SentAt), skip)
	return nil
}

func (s *memoryStore) InsertMessageEdit(_ context.Context, m detect.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		return ErrDisabled
	}
	s.appendLocked(ActionEdit, m, eventTime(m.SentAt), false)
	return nil
}

func (s *memoryStore) InsertMessageDelete(_ context.Context, channelID, messageID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		return ErrDisabled
	}
	key := msgKey{channelID, messageID}
	author, ok := s.authors[key]
	if !ok {
		return nil
	}
	s.deleted[key] = true
	s.appendLocked(ActionDelete, detect.Message{ID: messageID, ChannelID: channelID, AuthorID: author}, eventTime(at), false)
	return nil
}

func (s *memoryStore) InsertMemberEvent(_ context.Context, e MemberEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.members = append(s.members, e)
	return nil
}

func (s *memoryStore) RecentMemberEvents(_ context.Context, chatID, userID int64, limit int) ([]detect.MembershipEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		return nil, ErrDisabled
	}
	out := []detect.MembershipEvent{}
	for i := len(s.members) - 1; i >= 0; i-- {
		if e := s.members[i]; e.ChatID == chatID && e.UserID == userID {
			out = append(out, e.Membership())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At > out[j].At })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// sendsLocked returns matching send events, newest first.
func (s *memoryStore) sendsLocked(match func(memEvent) bool) []memEvent {
	var out []memEvent
	for _, e := range s.events {
		if e.action == ActionSend && match(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].at != out[j].at {
			return out[i].at > out[j].at
		}
		return out[i].seq > out[j].seq
	})
	return out
}

func (e memEvent) record() detect.ActivityRecord {
	return detect.ActivityRecord{
		RecordID:        e.key.message,
		ChannelID:       e.key.channel,
		EntityID:        e.author,
		Timestamp:       e.at,
		ContentLength:   e.sum.length,
		AttachmentCount: e.sum.attachments,
		LinkCount:       e.sum.links,
	}
}

func (s *memoryStore) QueryEntitySince(_ context.Context, entityID, since int64) ([]detect.ActivityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		return nil, ErrDisabled
	}
	sends := s.sendsLocked(func(e memEvent) bool {
		return e.author == entityID && e.at >= since
	})
	out := make([]detect.ActivityRecord, 0, len(sends))
	for _, e := range sends {
		out = append(out, e.record())
	}
	return out, nil
}

func (s *memoryStore) FindIdenticalInOtherChannel(_ context.Context, entityID int64, contentHash string, since, excludeChannelID int64) (detect.ActivityRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		return detect.ActivityRecord{}, false, ErrDisabled
	}
	sends := s.sendsLocked(func(e memEvent) bool {
		return e.author == entityID &&
			e.sum.hash == contentHash &&
			e.at >= since &&
			e.key.channel != excludeChannelID &&
			!s.deleted[e.key]
	})
	if len(sends) == 0 {
		return detect.ActivityRecord{}, false, nil
	}
	return sends[0].record(), true, nil
}

func (s *memoryStore) PruneBefore(_ context.Context, before time.Time) (PruneResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		return PruneResult{}, ErrDisabled
	}
	cutoff := before.Unix()
	var res PruneResult

	kept := s.events[:0]
	live := map[msgKey]bool{}
	for _, e := range s.events {
		if e.at < cutoff {
			res.Events++
			continue
		}
		kept = append(kept, e)
		live[e.key] = true
	}
	s.events = kept

	for k := range s.authors {
		if !live[k] {
			delete(s.authors, k)
			delete(s.deleted, k)
			res.Messages++
		}
	}
	for k := range s.deleted {
		if !live[k] {
			delete(s.deleted, k)
		}
	}

	members := s.members[:0]
	for _, e := range s.members {
		if e.At.Unix() < cutoff {
			res.Members++
			continue
		}
		members = append(members, e)
	}
	s.members = members
	return res, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.isClosed = true
	s.mu.Unlock()
	return nil
}
