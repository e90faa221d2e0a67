package detect

import (
	"context"
	"sync"
)

type activityCall struct {
	entityID int64
	since    int64
}

// fakeActivity answers QueryEntitySince from a scripted list of results, one
// per call; the last result repeats.
type fakeActivity struct {
	mu      sync.Mutex
	results [][]ActivityRecord
	err     error
	calls   []activityCall
}

func (f *fakeActivity) QueryEntitySince(_ context.Context, entityID, since int64) ([]ActivityRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, activityCall{entityID: entityID, since: since})
	if f.err != nil {
		return nil, f.err
	}
	if len(f.results) == 0 {
		return []ActivityRecord{}, nil
	}
	i := min(len(f.calls)-1, len(f.results)-1)
	return f.results[i], nil
}

type deleteCall struct{ channelID, recordID int64 }

type fakeActuator struct {
	mu        sync.Mutex
	timeoutOK bool
	timeouts  []int64
	deletes   []deleteCall
	reviews   []ReviewArtifact
	alerts    []Alert
}

func (f *fakeActuator) TimeoutAndNotify(_ context.Context, entityID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeouts = append(f.timeouts, entityID)
	return f.timeoutOK
}

func (f *fakeActuator) DeleteRecord(_ context.Context, channelID, recordID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, deleteCall{channelID, recordID})
}

func (f *fakeActuator) PublishReviewArtifact(_ context.Context, a ReviewArtifact) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reviews = append(f.reviews, a)
}

func (f *fakeActuator) PublishAlert(_ context.Context, a Alert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
}

type fakeFinder struct {
	rec   ActivityRecord
	found bool
	err   error

	gotHash    string
	gotSince   int64
	gotExclude int64
	calls      int
}

func (f *fakeFinder) FindIdenticalInOtherChannel(_ context.Context, _ int64, contentHash string, since, excludeChannelID int64) (ActivityRecord, bool, error) {
	f.calls++
	f.gotHash, f.gotSince, f.gotExclude = contentHash, since, excludeChannelID
	return f.rec, f.found, f.err
}

type notice struct {
	channelID, replyTo int64
	text               string
}

type fakeNoticer struct{ notices []notice }

func (f *fakeNoticer) PostNotice(_ context.Context, channelID, replyTo int64, text string) {
	f.notices = append(f.notices, notice{channelID, replyTo, text})
}

type fakeHistory struct {
	events []MembershipEvent
	err    error
	limit  int
}

func (f *fakeHistory) RecentMemberEvents(_ context.Context, _, _ int64, limit int) ([]MembershipEvent, error) {
	f.limit = limit
	if f.err != nil {
		return nil, f.err
	}
	return f.events[:min(limit, len(f.events))], nil
}
