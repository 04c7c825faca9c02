// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package browser

import (
	"context"
	"errors"
	"sync"
)

// FakeSession is a scripted Session for tests. Submit/Poll/Publish pop their
// queued results in order; an exhausted queue returns an error.
type FakeSession struct {
	Profile string

	mu             sync.Mutex
	submitQueue    []SubmitOutcome
	pollQueue      []PollOutcome
	publishQueue   []PublishOutcome
	SubmitCalls    int
	PollCalls      int
	PublishCalls   int
	Closed         bool
	WantDraftsSeen []bool
}

// SubmitOutcome scripts one Submit return.
type SubmitOutcome struct {
	Result *SubmitResult
	Err    error
}

// PollOutcome scripts one Poll return.
type PollOutcome struct {
	Result *PollResult
	Err    error
}

// PublishOutcome scripts one Publish return.
type PublishOutcome struct {
	Result *PublishResult
	Err    error
}

// QueueSubmit appends a scripted Submit outcome.
func (f *FakeSession) QueueSubmit(o SubmitOutcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitQueue = append(f.submitQueue, o)
}

// QueuePoll appends a scripted Poll outcome.
func (f *FakeSession) QueuePoll(o PollOutcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollQueue = append(f.pollQueue, o)
}

// QueuePublish appends a scripted Publish outcome.
func (f *FakeSession) QueuePublish(o PublishOutcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishQueue = append(f.publishQueue, o)
}

func (f *FakeSession) ProfileID() string { return f.Profile }

func (f *FakeSession) Submit(_ context.Context, _ SubmitSpec) (*SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SubmitCalls++
	if len(f.submitQueue) == 0 {
		return nil, errors.New("fake session: submit queue exhausted")
	}
	o := f.submitQueue[0]
	f.submitQueue = f.submitQueue[1:]
	return o.Result, o.Err
}

func (f *FakeSession) Poll(_ context.Context, _, _ string, wantDrafts bool) (*PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PollCalls++
	f.WantDraftsSeen = append(f.WantDraftsSeen, wantDrafts)
	if len(f.pollQueue) == 0 {
		return nil, errors.New("fake session: poll queue exhausted")
	}
	o := f.pollQueue[0]
	f.pollQueue = f.pollQueue[1:]
	return o.Result, o.Err
}

func (f *FakeSession) Publish(_ context.Context, _, _ string) (*PublishResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PublishCalls++
	if len(f.publishQueue) == 0 {
		return nil, errors.New("fake session: publish queue exhausted")
	}
	o := f.publishQueue[0]
	f.publishQueue = f.publishQueue[1:]
	return o.Result, o.Err
}

func (f *FakeSession) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// FakeOpener hands out one prepared FakeSession per profile.
type FakeOpener struct {
	mu       sync.Mutex
	Sessions map[string]*FakeSession
	OpenErr  error
	Opened   []string
}

func (f *FakeOpener) Open(_ context.Context, profileID string) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Opened = append(f.Opened, profileID)
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	s, ok := f.Sessions[profileID]
	if !ok {
		return nil, errors.New("fake opener: no session for profile " + profileID)
	}
	return s, nil
}

// FakeLister returns a fixed profile inventory, filtered by group.
type FakeLister struct {
	Profiles []Profile
	ListErr  error
}

func (f *FakeLister) ListProfiles(_ context.Context, groupTitle string) ([]Profile, error) {
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	var out []Profile
	for _, p := range f.Profiles {
		if groupTitle == "" || p.GroupTitle == groupTitle {
			out = append(out, p)
		}
	}
	return out, nil
}
