package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modbot/internal/detect"
	"modbot/internal/dispatch"
	"modbot/internal/eventbus"
	"modbot/internal/storage"
	logx "modbot/pkg/logx"
)

type fakeActuator struct {
	mu       sync.Mutex
	timeouts []int64
	deleted  [][2]int64
	reviews  []detect.ReviewArtifact
}

func (f *fakeActuator) TimeoutAndNotify(_ context.Context, id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeouts = append(f.timeouts, id)
	return true
}

func (f *fakeActuator) DeleteRecord(_ context.Context, channelID, recordID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, [2]int64{channelID, recordID})
}

func (f *fakeActuator) PublishReviewArtifact(_ context.Context, a detect.ReviewArtifact) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reviews = append(f.reviews, a)
}

func (f *fakeActuator) PublishAlert(context.Context, detect.Alert) {}

func (f *fakeActuator) timeoutCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timeouts)
}

type fakeNoticer struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeNoticer) PostNotice(_ context.Context, _, _ int64, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
}

func (f *fakeNoticer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

type countingDetector struct {
	mu   sync.Mutex
	seen []int64
}

func (c *countingDetector) Rule() string { return "counting" }

func (c *countingDetector) Work(msg detect.Message) dispatch.Work {
	return dispatch.Func(func(context.Context) error {
		c.mu.Lock()
		c.seen = append(c.seen, msg.ID)
		c.mu.Unlock()
		return nil
	})
}

func (c *countingDetector) ids() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.seen...)
}

type harness struct {
	pipe    *Pipeline
	store   storage.Store
	disp    *dispatch.Dispatcher
	act     *fakeActuator
	noticer *fakeNoticer
}

func newHarness(t *testing.T, extra ...Detector) harness {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New()
	disp, err := dispatch.New(dispatch.Config{Workers: 2}, dispatch.NewLogFaultSink(logx.Nop(), bus), logx.Nop(), bus)
	require.NoError(t, err)
	t.Cleanup(func() { _ = disp.Shutdown(context.Background()) })

	act := &fakeActuator{}
	noticer := &fakeNoticer{}
	lf := detect.NewLinkFlood(detect.Config{}, st, act, logx.Nop(), bus)
	dets := append([]Detector{lf}, extra...)
	pipe := New(st, disp, noticer, logx.Nop(), dets...)
	return harness{pipe: pipe, store: st, disp: disp, act: act, noticer: noticer}
}

func linkMessage(id, author int64) detect.Message {
	return detect.Message{
		ID:         id,
		ChannelID:  -100,
		AuthorID:   author,
		AuthorName: "newbie",
		Text:       "free https://a.example https://b.example https://c.example",
		SentAt:     time.Now(),
	}
}

func TestNewAuthorLinkFloodIsTimedOut(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.pipe.HandleMessage(MessageEvent{Message: linkMessage(1, 42)}))

	require.Eventually(t, func() bool { return h.act.timeoutCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	h.act.mu.Lock()
	defer h.act.mu.Unlock()
	assert.Equal(t, []int64{42}, h.act.timeouts)
	assert.Equal(t, [][2]int64{{-100, 1}}, h.act.deleted)
	require.Len(t, h.act.reviews, 1)
	assert.Equal(t, int64(42), h.act.reviews[0].EntityID)
}

func TestPrivilegedAndOwnMessagesAreStoredNotInspected(t *testing.T) {
	counter := &countingDetector{}
	h := newHarness(t, counter)
	h.pipe.SetBotID(1000)
	h.pipe.SetOwners([]int64{7})

	require.NoError(t, h.pipe.HandleMessage(MessageEvent{Message: linkMessage(1, 7)}))
	require.NoError(t, h.pipe.HandleMessage(MessageEvent{Message: linkMessage(2, 8), Privileged: true}))
	require.NoError(t, h.pipe.HandleMessage(MessageEvent{Message: linkMessage(3, 1000)}))
	require.NoError(t, h.pipe.HandleMessage(MessageEvent{Message: detect.Message{ID: 4, ChannelID: -100, AuthorID: 9, Text: "hi", SentAt: time.Now()}}))

	require.Eventually(t, func() bool { return len(counter.ids()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{4}, counter.ids())
	assert.Zero(t, h.act.timeoutCount())

	for _, author := range []int64{7, 8, 1000, 9} {
		recs, err := h.store.QueryEntitySince(context.Background(), author, 0)
		require.NoError(t, err)
		assert.Len(t, recs, 1, "author %d", author)
	}
}

func TestPrivateMessageGetsReplyOnly(t *testing.T) {
	counter := &countingDetector{}
	h := newHarness(t, counter)

	require.NoError(t, h.pipe.HandleMessage(MessageEvent{Message: linkMessage(1, 42), Private: true}))
	require.Eventually(t, func() bool { return h.noticer.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	recs, err := h.store.QueryEntitySince(context.Background(), 42, 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Empty(t, counter.ids())
}

func TestEditDeleteAndMemberAreOrdered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	text := "the same long message text"
	first := detect.Message{ID: 1, ChannelID: -1, AuthorID: 5, Text: text, SentAt: time.Now()}

	require.NoError(t, h.pipe.HandleMessage(MessageEvent{Message: first, Privileged: true}))
	require.NoError(t, h.pipe.HandleEdit(detect.Message{ID: 1, ChannelID: -1, AuthorID: 5, Text: "edited", SentAt: time.Now()}))
	require.NoError(t, h.pipe.HandleMember(storage.MemberEvent{ChatID: -1, UserID: 5, Action: storage.MemberJoin}))

	hash := detect.ContentHash(text)
	require.Eventually(t, func() bool {
		_, ok, err := h.store.FindIdenticalInOtherChannel(ctx, 5, hash, 0, -2)
		return err == nil && ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.pipe.HandleDelete(-1, 1, time.Now()))
	require.Eventually(t, func() bool {
		_, ok, err := h.store.FindIdenticalInOtherChannel(ctx, 5, hash, 0, -2)
		return err == nil && !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubmitAfterShutdownFails(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.disp.Shutdown(context.Background()))
	assert.ErrorIs(t, h.pipe.HandleMessage(MessageEvent{Message: linkMessage(1, 42)}), dispatch.ErrStopped)
}

type staticPrivileges map[int64]bool

func (s staticPrivileges) IsPrivileged(_ context.Context, _, userID int64) bool { return s[userID] }

func TestPrivilegeLookupRunsInPipeline(t *testing.T) {
	counter := &countingDetector{}
	h := newHarness(t, counter)
	h.pipe.SetPrivileges(staticPrivileges{8: true})

	require.NoError(t, h.pipe.HandleMessage(MessageEvent{Message: linkMessage(1, 8)}))
	require.NoError(t, h.pipe.HandleMessage(MessageEvent{Message: detect.Message{ID: 2, ChannelID: -100, AuthorID: 9, Text: "hi", SentAt: time.Now()}}))

	require.Eventually(t, func() bool { return len(counter.ids()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{2}, counter.ids())
	assert.Zero(t, h.act.timeoutCount())
}

func TestMediaGroupIsInspectedOnce(t *testing.T) {
	counter := &countingDetector{}
	h := newHarness(t, counter)

	for i := int64(1); i <= 3; i++ {
		part := detect.Message{
			ID:          10 + i,
			ChannelID:   -100,
			AuthorID:    42,
			AuthorName:  "newbie",
			GroupID:     "album-7",
			Attachments: []detect.Attachment{{Name: fmt.Sprintf("%d.jpg", i), Kind: "photo"}},
			SentAt:      time.Now(),
		}
		if i == 1 {
			part.Text = "gift cards"
		}
		require.NoError(t, h.pipe.HandleMessage(MessageEvent{Message: part}))
	}

	require.Eventually(t, func() bool { return h.act.timeoutCount() == 1 }, 4*time.Second, 20*time.Millisecond)
	assert.Equal(t, []int64{11}, counter.ids())

	h.act.mu.Lock()
	defer h.act.mu.Unlock()
	assert.ElementsMatch(t, [][2]int64{{-100, 11}, {-100, 12}, {-100, 13}}, h.act.deleted)
	require.Len(t, h.act.reviews, 1)
	assert.Len(t, h.act.reviews[0].Attachments, 3)
}

func TestMergeAlbum(t *testing.T) {
	parts := []detect.Message{
		{ID: 1, ChannelID: 5, Attachments: []detect.Attachment{{Kind: "photo"}}},
		{ID: 2, ChannelID: 5, Text: "caption", Links: []string{"https://a.example"}, Attachments: []detect.Attachment{{Kind: "video"}}},
	}
	got := mergeAlbum(parts)
	assert.Equal(t, int64(1), got.ID)
	assert.Equal(t, "caption", got.Text)
	assert.Equal(t, []int64{2}, got.Parts)
	assert.Equal(t, []string{"https://a.example"}, got.Links)
	assert.Len(t, got.Attachments, 2)
}

func TestEditAddingLinksIsInspected(t *testing.T) {
	h := newHarness(t)
	clean := detect.Message{ID: 1, ChannelID: -100, AuthorID: 42, AuthorName: "newbie", Text: "hello all", SentAt: time.Now()}
	require.NoError(t, h.pipe.HandleMessage(MessageEvent{Message: clean}))

	edited := linkMessage(1, 42)
	require.NoError(t, h.pipe.HandleEdit(edited))

	require.Eventually(t, func() bool { return h.act.timeoutCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestPrivilegedEditIsNotInspected(t *testing.T) {
	h := newHarness(t)
	h.pipe.SetOwners([]int64{42})
	require.NoError(t, h.pipe.HandleMessage(MessageEvent{Message: detect.Message{ID: 1, ChannelID: -100, AuthorID: 42, Text: "hi", SentAt: time.Now()}}))
	require.NoError(t, h.pipe.HandleEdit(linkMessage(1, 42)))

	// An ordered marker after the edit proves the edit task has finished.
	done := make(chan struct{})
	require.NoError(t, h.disp.SubmitOrdered("marker", dispatch.Func(func(context.Context) error { close(done); return nil })))
	<-done
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, h.act.timeoutCount())
}

type recordingAlerts struct {
	fakeActuator
	alerts chan detect.Alert
}

func (r *recordingAlerts) PublishAlert(_ context.Context, a detect.Alert) { r.alerts <- a }

func TestRapidRejoinIsAlerted(t *testing.T) {
	h := newHarness(t)
	act := &recordingAlerts{alerts: make(chan detect.Alert, 1)}
	h.pipe.WatchMembers(detect.NewRapidRejoin(detect.Config{}, h.store, act, logx.Nop(), nil))

	base := time.Now().Add(-2 * time.Minute)
	for i, action := range []string{storage.MemberJoin, storage.MemberLeave, storage.MemberJoin} {
		require.NoError(t, h.pipe.HandleMember(storage.MemberEvent{
			At:       base.Add(time.Duration(i) * 30 * time.Second),
			ChatID:   -100,
			UserID:   42,
			Username: "fresh",
			Action:   action,
		}))
	}

	select {
	case a := <-act.alerts:
		assert.Equal(t, "Fast join-leave-join detected", a.Title)
		assert.Equal(t, int64(42), a.EntityID)
	case <-time.After(2 * time.Second):
		t.Fatal("no rejoin alert")
	}
}

func TestBanIsStoredWithoutInspection(t *testing.T) {
	h := newHarness(t)
	act := &recordingAlerts{alerts: make(chan detect.Alert, 1)}
	h.pipe.WatchMembers(detect.NewRapidRejoin(detect.Config{}, h.store, act, logx.Nop(), nil))

	require.NoError(t, h.pipe.HandleMember(storage.MemberEvent{ChatID: -100, UserID: 42, Action: storage.MemberBan}))
	require.Eventually(t, func() bool {
		got, err := h.store.RecentMemberEvents(context.Background(), -100, 42, 1)
		return err == nil && len(got) == 1 && got[0].Action == storage.MemberBan
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, act.alerts)
}
