package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modbot/internal/detect"
	logx "modbot/pkg/logx"
)

func eachDriver(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()
	drivers := map[string]func(t *testing.T) Config{
		"memory": func(*testing.T) Config { return Config{Driver: "memory"} },
		"sqlite": func(t *testing.T) Config {
			return Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "modbot.db"), BusyTimeout: time.Second}
		},
	}
	for name, cfgFn := range drivers {
		t.Run(name, func(t *testing.T) {
			st, err := Open(cfgFn(t), logx.Nop())
			require.NoError(t, err)
			require.NotNil(t, st)
			t.Cleanup(func() { _ = st.Close() })
			fn(t, st)
		})
	}
}

func msg(channel, id, author int64, text string, at time.Time) detect.Message {
	return detect.Message{ID: id, ChannelID: channel, AuthorID: author, AuthorName: "user", Text: text, SentAt: at}
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	st, err := Open(Config{}, logx.Nop())
	assert.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "postgres"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(Config{Driver: "sqlite"}, logx.Nop())
	assert.Error(t, err)
}

func TestQueryEntitySinceNewestFirst(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		base := time.Unix(1_700_000_000, 0)

		require.NoError(t, st.InsertMessage(ctx, msg(1, 10, 42, "old", base.Add(-time.Hour)), false))
		require.NoError(t, st.InsertMessage(ctx, msg(1, 11, 42, "see https://a.example and https://b.example", base), false))
		m := msg(2, 12, 42, "pic", base.Add(time.Minute))
		m.Attachments = []detect.Attachment{{Name: "a.jpg", Kind: "photo", Size: 10}}
		require.NoError(t, st.InsertMessage(ctx, m, false))
		require.NoError(t, st.InsertMessage(ctx, msg(1, 13, 7, "someone else", base), false))
		require.NoError(t, st.InsertMessageEdit(ctx, msg(1, 11, 42, "edited", base.Add(2*time.Minute))))

		got, err := st.QueryEntitySince(ctx, 42, base.Unix())
		require.NoError(t, err)
		require.Len(t, got, 2)

		assert.Equal(t, int64(12), got[0].RecordID)
		assert.Equal(t, int64(2), got[0].ChannelID)
		assert.Equal(t, 1, got[0].AttachmentCount)
		assert.Equal(t, int64(11), got[1].RecordID)
		assert.Equal(t, 2, got[1].LinkCount)
		assert.Equal(t, base.Unix(), got[1].Timestamp)

		none, err := st.QueryEntitySince(ctx, 999, 0)
		require.NoError(t, err)
		assert.NotNil(t, none)
		assert.Empty(t, none)
	})
}

func TestQueryEntitySinceKeepsDeletedAndSkipped(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		at := time.Unix(1_700_000_000, 0)

		require.NoError(t, st.InsertMessage(ctx, msg(1, 1, 42, "a", at), true))
		require.NoError(t, st.InsertMessage(ctx, msg(1, 2, 42, "b", at), false))
		require.NoError(t, st.InsertMessageDelete(ctx, 1, 2, at.Add(time.Second)))
		// Deleting an unknown message is not an error.
		require.NoError(t, st.InsertMessageDelete(ctx, 9, 9, at))

		got, err := st.QueryEntitySince(ctx, 42, 0)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})
}

func TestFindIdenticalInOtherChannel(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		at := time.Unix(1_700_000_000, 0)
		text := "buy cheap followers today"
		hash := detect.ContentHash(text)

		require.NoError(t, st.InsertMessage(ctx, msg(1, 100, 42, text, at), false))
		require.NoError(t, st.InsertMessage(ctx, msg(2, 200, 42, text, at.Add(time.Second)), false))
		require.NoError(t, st.InsertMessage(ctx, msg(3, 300, 42, "different text here", at.Add(2*time.Second)), false))

		got, ok, err := st.FindIdenticalInOtherChannel(ctx, 42, hash, at.Unix(), 3)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(200), got.RecordID)
		assert.Equal(t, int64(2), got.ChannelID)

		// Same channel is excluded.
		got, ok, err = st.FindIdenticalInOtherChannel(ctx, 42, hash, at.Unix(), 2)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(100), got.RecordID)

		// Deleted copies no longer match.
		require.NoError(t, st.InsertMessageDelete(ctx, 1, 100, at.Add(time.Minute)))
		_, ok, err = st.FindIdenticalInOtherChannel(ctx, 42, hash, at.Unix(), 2)
		require.NoError(t, err)
		assert.False(t, ok)

		// Outside the window.
		_, ok, err = st.FindIdenticalInOtherChannel(ctx, 42, hash, at.Unix()+10, 3)
		require.NoError(t, err)
		assert.False(t, ok)

		// Another author.
		_, ok, err = st.FindIdenticalInOtherChannel(ctx, 7, hash, 0, 3)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestPruneBefore(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Unix(1_700_000_000, 0)
		old := now.Add(-48 * time.Hour)

		oldMsg := msg(1, 1, 42, "old", old)
		oldMsg.Attachments = []detect.Attachment{{Kind: "document", Name: "x.pdf"}}
		require.NoError(t, st.InsertMessage(ctx, oldMsg, false))
		require.NoError(t, st.InsertMessage(ctx, msg(1, 2, 42, "new", now), false))
		require.NoError(t, st.InsertMemberEvent(ctx, MemberEvent{At: old, ChatID: 1, UserID: 42, Action: MemberJoin}))
		require.NoError(t, st.InsertMemberEvent(ctx, MemberEvent{At: now, ChatID: 1, UserID: 43, Action: MemberLeave}))

		res, err := st.PruneBefore(ctx, now.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, PruneResult{Events: 1, Messages: 1, Members: 1}, res)

		got, err := st.QueryEntitySince(ctx, 42, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, int64(2), got[0].RecordID)
	})
}

func TestClosedStoreRejectsWrites(t *testing.T) {
	st, err := Open(Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Close())
	assert.ErrorIs(t, st.InsertMessage(context.Background(), msg(1, 1, 1, "x", time.Now()), false), ErrDisabled)
}

func TestRecentMemberEventsNewestFirst(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		at := time.Unix(1_700_000_000, 0)

		require.NoError(t, st.InsertMemberEvent(ctx, MemberEvent{At: at, ChatID: 1, UserID: 42, Username: "fresh", Action: MemberJoin}))
		require.NoError(t, st.InsertMemberEvent(ctx, MemberEvent{At: at.Add(time.Minute), ChatID: 1, UserID: 42, Action: MemberLeave}))
		require.NoError(t, st.InsertMemberEvent(ctx, MemberEvent{At: at.Add(2 * time.Minute), ChatID: 1, UserID: 42, Username: "fresh", Action: MemberJoin}))
		require.NoError(t, st.InsertMemberEvent(ctx, MemberEvent{At: at.Add(3 * time.Minute), ChatID: 1, UserID: 42, Action: MemberBan}))
		require.NoError(t, st.InsertMemberEvent(ctx, MemberEvent{At: at, ChatID: 2, UserID: 42, Action: MemberJoin}))
		require.NoError(t, st.InsertMemberEvent(ctx, MemberEvent{At: at, ChatID: 1, UserID: 7, Action: MemberJoin}))

		got, err := st.RecentMemberEvents(ctx, 1, 42, 3)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, []string{MemberBan, MemberJoin, MemberLeave}, []string{got[0].Action, got[1].Action, got[2].Action})
		assert.Equal(t, at.Add(3*time.Minute).Unix(), got[0].At)
		assert.Equal(t, "fresh", got[1].Username)

		none, err := st.RecentMemberEvents(ctx, 1, 999, 3)
		require.NoError(t, err)
		assert.NotNil(t, none)
		assert.Empty(t, none)
	})
}
