package telegram

import (
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"modbot/internal/detect"
	"modbot/internal/ingest"
	"modbot/internal/storage"
	logx "modbot/pkg/logx"
)

// recordingIngest logs every call as "<kind>:<id>" in call order.
type recordingIngest struct {
	mu      sync.Mutex
	calls   []string
	msgs    []detect.Message
	members []storage.MemberEvent
}

func (r *recordingIngest) add(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *recordingIngest) HandleMessage(ev ingest.MessageEvent) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, ev.Message)
	r.mu.Unlock()
	r.add(fmt.Sprintf("send:%d", ev.Message.ID))
	return nil
}

func (r *recordingIngest) HandleEdit(msg detect.Message) error {
	r.add(fmt.Sprintf("edit:%d", msg.ID))
	return nil
}

func (r *recordingIngest) HandleDelete(_, messageID int64, _ time.Time) error {
	r.add(fmt.Sprintf("delete:%d", messageID))
	return nil
}

func (r *recordingIngest) HandleMember(e storage.MemberEvent) error {
	r.mu.Lock()
	r.members = append(r.members, e)
	r.mu.Unlock()
	r.add(fmt.Sprintf("%s:%d", e.Action, e.UserID))
	return nil
}

func newOfflineAdapter(t *testing.T) (*Adapter, *recordingIngest) {
	t.Helper()
	a, err := New(Config{Token: "offline"}, logx.Nop(), true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := &recordingIngest{}
	a.Bind(rec, nil, nil)
	return a, rec
}

var group = &tele.Chat{ID: -100, Type: tele.ChatSuperGroup}

func TestUpdatesReachIngestInArrivalOrder(t *testing.T) {
	t.Parallel()
	a, rec := newOfflineAdapter(t)
	sender := &tele.User{ID: 42}

	var want []string
	for i := 1; i <= 2000; i++ {
		m := &tele.Message{ID: i, Sender: sender, Chat: group, Text: "hello"}
		if i%5 == 0 {
			// Edit an earlier message right after it was sent.
			a.bot.ProcessUpdate(tele.Update{ID: i, EditedMessage: &tele.Message{ID: i - 1, Sender: sender, Chat: group, Text: "edited"}})
			want = append(want, fmt.Sprintf("edit:%d", i-1))
			continue
		}
		if i%7 == 0 {
			private := &tele.Chat{ID: 42, Type: tele.ChatPrivate}
			m = &tele.Message{ID: i, Sender: sender, Chat: private, Text: "hi bot"}
		}
		a.bot.ProcessUpdate(tele.Update{ID: i, Message: m})
		want = append(want, fmt.Sprintf("send:%d", i))
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !slices.Equal(rec.calls, want) {
		for i := range min(len(rec.calls), len(want)) {
			if rec.calls[i] != want[i] {
				t.Fatalf("call %d = %q, want %q (got %d calls, want %d)", i, rec.calls[i], want[i], len(rec.calls), len(want))
			}
		}
		t.Fatalf("got %d calls, want %d", len(rec.calls), len(want))
	}
}

func TestMessageCarriesHiddenLinksAndGroup(t *testing.T) {
	t.Parallel()
	a, rec := newOfflineAdapter(t)

	caption := "claim here: https://a.example/x and more"
	a.bot.ProcessUpdate(tele.Update{ID: 1, Message: &tele.Message{
		ID:      7,
		Sender:  &tele.User{ID: 42, Username: "spam"},
		Chat:    group,
		Photo:   &tele.Photo{File: tele.File{FileID: "p1", UniqueID: "u1"}},
		Caption: caption,
		AlbumID: "album-1",
		CaptionEntities: tele.Entities{
			{Type: tele.EntityURL, Offset: 12, Length: 19},
			{Type: tele.EntityTextLink, Offset: 0, Length: 5, URL: "https://b.example/hidden"},
			{Type: tele.EntityBold, Offset: 36, Length: 4},
		},
	}})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(rec.msgs))
	}
	got := rec.msgs[0]
	if got.GroupID != "album-1" {
		t.Fatalf("GroupID = %q", got.GroupID)
	}
	if want := []string{"https://a.example/x", "https://b.example/hidden"}; !slices.Equal(got.Links, want) {
		t.Fatalf("Links = %v, want %v", got.Links, want)
	}
	if got.Text != caption || len(got.Attachments) != 1 {
		t.Fatalf("message = %+v", got)
	}
	if n := len(detect.MessageLinks(got)); n != 2 {
		t.Fatalf("MessageLinks = %d, want 2", n)
	}
}

func TestMemberUpdates(t *testing.T) {
	t.Parallel()
	a, rec := newOfflineAdapter(t)

	joined := []tele.User{{ID: 1, Username: "one"}, {ID: 2, Username: "two"}}
	a.bot.ProcessUpdate(tele.Update{ID: 1, Message: &tele.Message{ID: 1, Chat: group, UsersJoined: joined}})
	a.bot.ProcessUpdate(tele.Update{ID: 2, Message: &tele.Message{ID: 2, Chat: group, UserLeft: &tele.User{ID: 1}}})
	a.bot.ProcessUpdate(tele.Update{ID: 3, ChatMember: &tele.ChatMemberUpdate{
		Chat:          group,
		Unixtime:      1_700_000_000,
		OldChatMember: &tele.ChatMember{User: &tele.User{ID: 2}, Role: tele.Member},
		NewChatMember: &tele.ChatMember{User: &tele.User{ID: 2, Username: "two"}, Role: tele.Kicked},
	}})
	// A promotion is not a membership change worth storing.
	a.bot.ProcessUpdate(tele.Update{ID: 4, ChatMember: &tele.ChatMemberUpdate{
		Chat:          group,
		OldChatMember: &tele.ChatMember{User: &tele.User{ID: 3}, Role: tele.Member},
		NewChatMember: &tele.ChatMember{User: &tele.User{ID: 3}, Role: tele.Administrator},
	}})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	want := []string{"join:1", "join:2", "leave:1", "ban:2"}
	if !slices.Equal(rec.calls, want) {
		t.Fatalf("calls = %v, want %v", rec.calls, want)
	}
	ban := rec.members[3]
	if ban.ChatID != -100 || ban.Username != "two" || ban.At.Unix() != 1_700_000_000 {
		t.Fatalf("ban = %+v", ban)
	}
}
