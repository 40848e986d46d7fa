package turn

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resq.town/capture"
	"resq.town/chat"
	"resq.town/conversation"
	"resq.town/etc"
	"resq.town/speech"
	"resq.town/stt"
)

type fakeSource struct {
	mu       sync.Mutex
	out      chan stt.Event
	err      error
	attempts int
	starts   int
	stops    int
}

func (s *fakeSource) Start(ctx context.Context) (<-chan stt.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.err != nil {
		return nil, s.err
	}
	s.starts++
	s.out = make(chan stt.Event)
	return s.out, nil
}

func (s *fakeSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

func (s *fakeSource) attempted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// drop ends the event channel the way a failed transcription stream does.
func (s *fakeSource) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.out)
}

func (s *fakeSource) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts, s.stops
}

func (s *fakeSource) emit(t *testing.T, text string, kind stt.Kind) {
	t.Helper()
	s.mu.Lock()
	out := s.out
	s.mu.Unlock()
	select {
	case out <- stt.Event{Text: text, Kind: kind}:
	case <-time.After(time.Second):
		t.Fatal("transcript event was not consumed")
	}
}

type sentTurn struct {
	text    string
	session conversation.Session
}

type fakeConversation struct {
	mu      sync.Mutex
	sent    []sentTurn
	replies []conversation.Reply
	err     error
}

func (f *fakeConversation) SendTurn(ctx context.Context, text string, session conversation.Session) (conversation.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentTurn{text: text, session: session})
	if f.err != nil {
		return conversation.Reply{}, f.err
	}
	if len(f.replies) == 0 {
		return conversation.Reply{}, nil
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	return reply, nil
}

func (f *fakeConversation) turns() []sentTurn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentTurn(nil), f.sent...)
}

type speakCall struct {
	texts  []string
	onDone func()
}

type fakeSpeaker struct {
	mu             sync.Mutex
	chat           *chat.Log
	calls          []speakCall
	aborts         int
	entriesAtAbort []int
}

func (f *fakeSpeaker) SpeakAll(ctx context.Context, texts []string, onDone func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, speakCall{texts: texts, onDone: onDone})
}

func (f *fakeSpeaker) Abort() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts++
	f.entriesAtAbort = append(f.entriesAtAbort, f.chat.Len())
}

func (f *fakeSpeaker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSpeaker) call(i int) speakCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

// complete reports natural completion of the i-th SpeakAll.
func (f *fakeSpeaker) complete(i int) {
	f.call(i).onDone()
}

type harness struct {
	call    *Call
	log     *chat.Log
	clock   *etc.ManualClock
	gate    *capture.Gate
	source  *fakeSource
	conv    *fakeConversation
	speaker *fakeSpeaker
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		log:    chat.NewLog(),
		clock:  etc.NewManualClock(time.Unix(0, 0)),
		gate:   capture.NewGate(),
		source: &fakeSource{},
		conv:   &fakeConversation{},
	}
	h.speaker = &fakeSpeaker{chat: h.log}
	h.call = New(Options{
		Log:            h.log,
		Source:         h.source,
		Conversation:   h.conv,
		Speaker:        h.speaker,
		Gate:           h.gate,
		Clock:          h.clock,
		SilenceTimeout: 2 * time.Second,
		Greeting:       "Hello, what is your emergency?",
		BotName:        "ResQ",
		UserName:       "You",
		Logger:         log.New(io.Discard),
	})
	t.Cleanup(h.call.End)
	return h
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, time.Second, time.Millisecond)
}

// start opens the call and lets the greeting finish.
func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.call.Start(context.Background()))
	waitFor(t, func() bool { return h.speaker.count() == 1 })
	h.speaker.complete(0)
	waitFor(t, func() bool {
		starts, _ := h.source.counts()
		return starts == 1
	})
}

func (h *harness) waitLive(t *testing.T, text string) {
	t.Helper()
	waitFor(t, func() bool {
		live, ok := h.log.Live()
		return ok && live.Text == text && h.clock.Pending() == 1
	})
}

func entriesFrom(l *chat.Log, sender chat.Sender) []chat.Entry {
	var out []chat.Entry
	for _, e := range l.Entries() {
		if e.Sender == sender {
			out = append(out, e)
		}
	}
	return out
}

func TestGreetingThenCapture(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.call.Start(context.Background()))

	waitFor(t, func() bool { return h.speaker.count() == 1 })
	assert.Equal(t, []string{"Hello, what is your emergency?"}, h.speaker.call(0).texts)
	starts, _ := h.source.counts()
	assert.Equal(t, 0, starts, "capture waits for the greeting")
	assert.False(t, h.gate.Enabled())
	assert.Equal(t, ListeningNoUtterance, h.call.State())

	h.speaker.complete(0)
	waitFor(t, func() bool { return h.gate.Enabled() })
	starts, _ = h.source.counts()
	assert.Equal(t, 1, starts)

	entries := h.log.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, chat.System, entries[0].Sender)
	assert.Equal(t, "Call started", entries[0].Text)
	assert.Equal(t, chat.Bot, entries[1].Sender)
}

func TestPartialsThenSilenceFinalizeOnce(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.source.emit(t, "there's a", stt.Partial)
	h.waitLive(t, "there's a")
	waitFor(t, func() bool { return h.call.State() == ListeningWithLiveUtterance })

	h.clock.Advance(300 * time.Millisecond)
	h.source.emit(t, "there's a fire", stt.Partial)
	h.waitLive(t, "there's a fire")

	h.clock.Advance(1999 * time.Millisecond)
	assert.Empty(t, h.conv.turns(), "no finalization before the delay after the last event")

	h.clock.Advance(time.Millisecond)
	waitFor(t, func() bool { return len(h.conv.turns()) == 1 })
	assert.Equal(t, "there's a fire", h.conv.turns()[0].text)

	users := entriesFrom(h.log, chat.User)
	require.Len(t, users, 1, "one entry per utterance")
	assert.Equal(t, "there's a fire", users[0].Text)
	assert.False(t, users[0].Live)
	_, live := h.log.Live()
	assert.False(t, live)
}

func TestSilenceTimerRestartsOnEveryPartial(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	for i, text := range []string{"a", "a b", "a b c", "a b c d", "a b c d e"} {
		if i > 0 {
			h.clock.Advance(1500 * time.Millisecond)
		}
		h.source.emit(t, text, stt.Partial)
		h.waitLive(t, text)
		assert.Empty(t, h.conv.turns())
	}

	h.clock.Advance(1999 * time.Millisecond)
	assert.Empty(t, h.conv.turns())
	h.clock.Advance(time.Millisecond)
	waitFor(t, func() bool { return len(h.conv.turns()) == 1 })
	assert.Equal(t, "a b c d e", h.conv.turns()[0].text)
	assert.Len(t, entriesFrom(h.log, chat.User), 1)
}

func TestFinalEventFinalizesImmediately(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.source.emit(t, "send", stt.Partial)
	h.waitLive(t, "send")
	h.source.emit(t, "send help", stt.Final)

	waitFor(t, func() bool { return len(h.conv.turns()) == 1 })
	assert.Equal(t, "send help", h.conv.turns()[0].text)
	assert.Equal(t, 0, h.clock.Pending(), "the silence timer is cancelled")

	h.clock.Advance(10 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, h.conv.turns(), 1, "the utterance is dispatched once")
}

func TestEmptyTranscriptIgnored(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.source.emit(t, "  ", stt.Final)
	h.source.emit(t, "help", stt.Final)
	waitFor(t, func() bool { return len(h.conv.turns()) == 1 })
	assert.Equal(t, "help", h.conv.turns()[0].text)
}

func TestReplyIsSpokenInOneChain(t *testing.T) {
	h := newHarness(t)
	h.conv.replies = []conversation.Reply{{
		SessionID:      "s1",
		SystemResponse: "Where are you?",
		NextQuestions:  []string{"Is anyone hurt?", "Are you safe?"},
	}}
	h.start(t)

	h.source.emit(t, "fire", stt.Final)
	waitFor(t, func() bool { return h.speaker.count() == 2 })
	assert.Equal(t, []string{"Where are you?", "Is anyone hurt? Are you safe?"}, h.speaker.call(1).texts)

	bots := entriesFrom(h.log, chat.Bot)
	require.Len(t, bots, 3)
	assert.Equal(t, "Where are you?", bots[1].Text)
	assert.Equal(t, "Is anyone hurt? Are you safe?", bots[2].Text)
	waitFor(t, func() bool { return h.call.State() == AwaitingBotReply })

	h.speaker.complete(1)
	waitFor(t, func() bool { return h.call.State() == ListeningNoUtterance })
	assert.Equal(t, "s1", h.call.Session().ID)
}

func TestRepliesQueueBehindActiveSpeech(t *testing.T) {
	h := newHarness(t)
	h.conv.replies = []conversation.Reply{
		{SessionID: "s1", SystemResponse: "first"},
		{SystemResponse: "second"},
	}
	h.start(t)

	h.source.emit(t, "one", stt.Final)
	waitFor(t, func() bool { return h.speaker.count() == 2 })
	h.source.emit(t, "two", stt.Final)
	waitFor(t, func() bool { return len(entriesFrom(h.log, chat.Bot)) == 3 })
	assert.Equal(t, 2, h.speaker.count(), "second reply waits for the first to finish")

	h.speaker.complete(1)
	waitFor(t, func() bool { return h.speaker.count() == 3 })
	assert.Equal(t, []string{"second"}, h.speaker.call(2).texts)
}

func TestTerminalReplyEndsCallAfterPlayback(t *testing.T) {
	h := newHarness(t)
	h.conv.replies = []conversation.Reply{{SessionID: "s1", TerminalResponse: "Help is on the way."}}
	h.start(t)

	h.source.emit(t, "my house is on fire", stt.Final)
	waitFor(t, func() bool { return h.speaker.count() == 2 })
	before := h.log.Len()
	assert.Equal(t, []string{"Help is on the way."}, h.speaker.call(1).texts)
	assert.Equal(t, "Help is on the way.", h.log.Entries()[before-1].Text)
	assert.Len(t, entriesFrom(h.log, chat.Bot), 2, "exactly one more entry for the reply")

	select {
	case <-h.call.Done():
		t.Fatal("call ended before playback finished")
	default:
	}

	h.speaker.complete(1)
	select {
	case <-h.call.Done():
	case <-time.After(time.Second):
		t.Fatal("call did not end after the terminal reply")
	}

	assert.False(t, h.gate.Enabled())
	assert.Equal(t, conversation.Session{}, h.call.Session())
	assert.Equal(t, Idle, h.call.State())
	_, stops := h.source.counts()
	assert.Equal(t, 1, stops)
	entries := h.log.Entries()
	assert.Equal(t, "Call ended", entries[len(entries)-1].Text)
	assert.Equal(t, before+1, len(entries))
}

func TestTypedInputAbortsSpeechFirst(t *testing.T) {
	h := newHarness(t)
	h.conv.replies = []conversation.Reply{{SessionID: "s1", SystemResponse: "Where are you?"}}
	h.start(t)

	h.source.emit(t, "fire", stt.Final)
	waitFor(t, func() bool { return h.speaker.count() == 2 })

	h.call.Submit("I'm at home")
	waitFor(t, func() bool { return len(h.conv.turns()) == 2 })

	h.speaker.mu.Lock()
	require.Equal(t, 1, h.speaker.aborts)
	atAbort := h.speaker.entriesAtAbort[0]
	h.speaker.mu.Unlock()

	entries := h.log.Entries()
	typed := -1
	for i, e := range entries {
		if e.Text == "I'm at home" {
			typed = i
		}
	}
	require.NotEqual(t, -1, typed)
	assert.Equal(t, chat.User, entries[typed].Sender)
	assert.Equal(t, typed, atAbort, "abort happens before the typed entry is appended")

	// the aborted speech reporting completion late changes nothing
	h.speaker.complete(1)
	time.Sleep(10 * time.Millisecond)
	select {
	case <-h.call.Done():
		t.Fatal("call must stay alive")
	default:
	}
}

func TestTypedInputDuringGreetingStartsCapture(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.call.Start(context.Background()))
	waitFor(t, func() bool { return h.speaker.count() == 1 })

	h.call.Submit("help")
	waitFor(t, func() bool { return len(h.conv.turns()) == 1 })
	starts, _ := h.source.counts()
	assert.Equal(t, 1, starts)
	assert.True(t, h.gate.Enabled())
}

func TestSessionIsSticky(t *testing.T) {
	h := newHarness(t)
	h.conv.replies = []conversation.Reply{
		{SessionID: "s1", SystemResponse: "a"},
		{SessionID: "other", SystemResponse: "b"},
	}
	h.start(t)

	h.call.Submit("one")
	h.call.Submit("two")
	waitFor(t, func() bool { return h.call.Session().Step == 2 })

	turns := h.conv.turns()
	require.Len(t, turns, 2)
	assert.Equal(t, conversation.Session{}, turns[0].session)
	assert.Equal(t, conversation.Session{ID: "s1", Step: 1}, turns[1].session)
	assert.Equal(t, "s1", h.call.Session().ID)
}

func TestConversationFailureKeepsCallAlive(t *testing.T) {
	h := newHarness(t)
	h.conv.err = errors.New("connection refused")
	h.start(t)

	h.source.emit(t, "fire", stt.Final)
	waitFor(t, func() bool { return len(h.conv.turns()) == 1 })
	waitFor(t, func() bool { return h.call.State() == ListeningNoUtterance })

	assert.Len(t, entriesFrom(h.log, chat.Bot), 1, "only the greeting")
	assert.Equal(t, 0, h.call.Session().Step)
	select {
	case <-h.call.Done():
		t.Fatal("call must stay alive")
	default:
	}
}

func TestCaptureUnavailable(t *testing.T) {
	h := newHarness(t)
	h.source.err = capture.ErrUnavailable
	require.NoError(t, h.call.Start(context.Background()))
	waitFor(t, func() bool { return h.speaker.count() == 1 })
	h.speaker.complete(0)

	h.call.Submit("typed help")
	waitFor(t, func() bool { return len(h.conv.turns()) == 1 })
	assert.False(t, h.gate.Enabled(), "not recording")
}

// newSpokenCall builds a call whose speech goes through a real controller
// with silent playback, so the controller drives the gate.
func newSpokenCall(t *testing.T, source stt.Source) (*Call, *speech.Controller, *capture.Gate) {
	gate := capture.NewGate()
	logger := log.New(io.Discard)
	controller := speech.NewController(speech.TextSynthesizer{}, speech.SilentPlayer{PerByte: time.Microsecond}, gate, logger)
	call := New(Options{
		Source:       source,
		Conversation: &fakeConversation{},
		Speaker:      controller,
		Gate:         gate,
		Greeting:     "Hello, what is your emergency?",
		BotName:      "ResQ",
		UserName:     "You",
		Logger:       logger,
	})
	t.Cleanup(call.End)
	return call, controller, gate
}

func TestGateStaysOffWithoutRecording(t *testing.T) {
	t.Run("capture unavailable", func(t *testing.T) {
		source := &fakeSource{err: capture.ErrUnavailable}
		call, _, gate := newSpokenCall(t, source)
		require.NoError(t, call.Start(context.Background()))

		waitFor(t, func() bool { return source.attempted() == 1 })
		time.Sleep(10 * time.Millisecond)
		assert.False(t, gate.Enabled())
	})

	t.Run("typed only", func(t *testing.T) {
		call, controller, gate := newSpokenCall(t, nil)
		require.NoError(t, call.Start(context.Background()))

		waitFor(t, func() bool { return call.Log().Len() == 2 && !controller.Busy() })
		time.Sleep(10 * time.Millisecond)
		assert.False(t, gate.Enabled())
	})

	t.Run("capture available", func(t *testing.T) {
		source := &fakeSource{}
		call, _, gate := newSpokenCall(t, source)
		require.NoError(t, call.Start(context.Background()))

		waitFor(t, func() bool { return gate.Enabled() })
		starts, _ := source.counts()
		assert.Equal(t, 1, starts)
	})
}

func TestSourceDropDisablesGate(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	require.True(t, h.gate.Enabled())

	h.source.drop()
	waitFor(t, func() bool { return !h.gate.Enabled() })

	h.call.Submit("still here")
	waitFor(t, func() bool { return len(h.conv.turns()) == 1 })
	select {
	case <-h.call.Done():
		t.Fatal("call must stay alive for typed input")
	default:
	}
}

func TestStartThenEndLeavesNothingBehind(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.source.emit(t, "hel", stt.Partial)
	h.waitLive(t, "hel")

	h.call.End()
	<-h.call.Done()

	assert.False(t, h.gate.Enabled())
	assert.Equal(t, conversation.Session{}, h.call.Session())
	assert.Equal(t, Idle, h.call.State())
	assert.Equal(t, 0, h.clock.Pending())
	_, live := h.log.Live()
	assert.False(t, live)

	n := h.log.Len()
	h.clock.Advance(5 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, n, h.log.Len(), "no entries after the call ended")
	assert.Empty(t, h.conv.turns(), "the pending utterance is not dispatched")

	entries := h.log.Entries()
	assert.Equal(t, "Call ended", entries[len(entries)-1].Text)

	h.call.End()
	assert.Equal(t, n, h.log.Len(), "end is idempotent")
	h.call.Submit("ignored")
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, h.conv.turns())
}

func TestEndBeforeStart(t *testing.T) {
	h := newHarness(t)
	h.call.End()
	<-h.call.Done()
	assert.ErrorIs(t, h.call.Start(context.Background()), ErrCallEnded)
}

func TestStateString(t *testing.T) {
	for _, s := range []State{Idle, ListeningNoUtterance, ListeningWithLiveUtterance, AwaitingBotReply} {
		assert.False(t, strings.Contains(s.String(), "unknown"))
	}
}
