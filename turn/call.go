// Package turn runs a call: it turns transcript events into user turns,
// sends them to the conversation backend and speaks the replies.
package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"resq.town/capture"
	"resq.town/chat"
	"resq.town/conversation"
	"resq.town/etc"
	"resq.town/stt"
)

// DefaultSilenceTimeout is how long a live utterance may go without a new
// transcript event before it is sent as a turn.
const DefaultSilenceTimeout = 2 * time.Second

// ErrCallEnded is returned by Start once the call has been ended.
var ErrCallEnded = errors.New("call ended")

// Speaker plays bot speech. SpeakAll must call onDone only when every text
// finished playing, and never after Abort or a newer SpeakAll.
type Speaker interface {
	SpeakAll(ctx context.Context, texts []string, onDone func())
	Abort()
}

// Options wires a Call. Only Conversation and Speaker are required.
type Options struct {
	Log            *chat.Log
	Source         stt.Source
	Conversation   conversation.Turns
	Speaker        Speaker
	Gate           *capture.Gate
	Clock          etc.Clock
	SilenceTimeout time.Duration
	Greeting       string
	BotName        string
	UserName       string
	Logger         *log.Logger
}

type event interface{}

type transcriptEvent struct{ ev stt.Event }

type sourceClosedEvent struct{}

type silenceEvent struct{ utterance uint64 }

type submitEvent struct{ text string }

type replyEvent struct {
	reply conversation.Reply
	err   error
}

type speechDoneEvent struct{ seq uint64 }

type endEvent struct{}

type speechJob struct {
	texts    []string
	greeting bool
	terminal bool
}

// Call owns one session, the mic gate, the chat log and the playback of one
// conversation. Every mutation happens on the call's event loop goroutine.
type Call struct {
	opts   Options
	logger *log.Logger

	events chan event
	turns  chan string
	quit   chan struct{}
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	ended   bool
	session conversation.Session
	state   State

	quitOnce sync.Once
	doneOnce sync.Once

	// owned by the loop
	liveID    uint64
	utterance uint64
	timer     etc.Timer
	inflight  int
	capturing bool
	speechSeq uint64
	speaking  *speechJob
	queue     []speechJob
}

// New fills in defaults for the optional fields and returns an idle Call.
func New(opts Options) *Call {
	if opts.Clock == nil {
		opts.Clock = etc.RealClock{}
	}
	if opts.SilenceTimeout <= 0 {
		opts.SilenceTimeout = DefaultSilenceTimeout
	}
	if opts.Log == nil {
		opts.Log = chat.NewLog()
	}
	if opts.Gate == nil {
		opts.Gate = capture.NewGate()
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Call{
		opts:   opts,
		logger: opts.Logger,
		events: make(chan event, 64),
		turns:  make(chan string, 16),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (c *Call) Log() *chat.Log {
	return c.opts.Log
}

func (c *Call) Gate() *capture.Gate {
	return c.opts.Gate
}

// Start opens the call: the greeting is spoken and capture begins once it
// has finished.
func (c *Call) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return ErrCallEnded
	}
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("call already started")
	}
	c.started = true
	c.state = ListeningNoUtterance
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.opts.Gate.Set(false)
	c.opts.Log.Append(chat.System, "", "Call started")
	c.logger.Info("call started")

	go c.dispatcher()
	go c.loop()
	return nil
}

// Submit sends typed text as a complete user turn.
func (c *Call) Submit(text string) {
	c.mu.Lock()
	active := c.started && !c.ended
	c.mu.Unlock()
	if active {
		c.post(submitEvent{text: text})
	}
}

// End tears the call down. It is safe to call more than once and from any
// goroutine.
func (c *Call) End() {
	c.mu.Lock()
	if !c.started {
		c.ended = true
		c.mu.Unlock()
		c.doneOnce.Do(func() { close(c.done) })
		return
	}
	c.mu.Unlock()

	c.post(endEvent{})
	<-c.done
}

func (c *Call) Done() <-chan struct{} {
	return c.done
}

func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Call) Session() conversation.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Call) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.quit:
	}
}

func (c *Call) loop() {
	c.open()
	c.updateState()
	for {
		select {
		case ev := <-c.events:
			if !c.handle(ev) {
				c.teardown()
				return
			}
			c.updateState()
		case <-c.ctx.Done():
			c.teardown()
			return
		}
	}
}

func (c *Call) open() {
	if c.opts.Greeting == "" {
		c.startCapture()
		return
	}
	c.opts.Log.Append(chat.Bot, c.opts.BotName, c.opts.Greeting)
	c.speak(speechJob{texts: []string{c.opts.Greeting}, greeting: true})
}

// handle applies one event and reports whether the call goes on.
func (c *Call) handle(ev event) bool {
	switch ev := ev.(type) {
	case transcriptEvent:
		c.onTranscript(ev.ev)
	case silenceEvent:
		if ev.utterance == c.utterance && c.liveID != 0 {
			c.logger.Debug("silence", "utterance", ev.utterance)
			c.finalize()
		}
	case submitEvent:
		c.onSubmit(ev.text)
	case replyEvent:
		c.onReply(ev.reply, ev.err)
	case speechDoneEvent:
		return c.onSpeechDone(ev.seq)
	case sourceClosedEvent:
		c.capturing = false
		c.opts.Gate.Set(false)
		c.logger.Warn("transcript source closed, not recording")
	case endEvent:
		return false
	}
	return true
}

func (c *Call) onTranscript(ev stt.Event) {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return
	}
	c.stopTimer()

	if c.liveID == 0 {
		entry, err := c.opts.Log.Begin(c.opts.UserName, text)
		if err != nil {
			c.logger.Error("failed to begin utterance", "error", err)
			return
		}
		c.liveID = entry.ID
		c.utterance++
	} else if err := c.opts.Log.Update(c.liveID, text); err != nil {
		c.logger.Error("failed to update utterance", "error", err)
		return
	}

	if ev.Kind == stt.Final {
		c.finalize()
		return
	}

	utterance := c.utterance
	c.timer = c.opts.Clock.AfterFunc(c.opts.SilenceTimeout, func() {
		c.post(silenceEvent{utterance: utterance})
	})
}

func (c *Call) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Call) finalize() {
	c.stopTimer()
	entry, err := c.opts.Log.Seal(c.liveID)
	c.liveID = 0
	if err != nil {
		c.logger.Error("failed to seal utterance", "error", err)
		return
	}
	c.dispatch(entry.Text)
}

func (c *Call) onSubmit(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	c.opts.Speaker.Abort()
	greeting := c.speaking != nil && c.speaking.greeting
	c.speaking = nil
	c.queue = nil
	if greeting {
		c.startCapture()
	}

	c.opts.Log.Append(chat.User, c.opts.UserName, text)
	c.dispatch(text)
}

func (c *Call) dispatch(text string) {
	select {
	case c.turns <- text:
		c.inflight++
		c.logger.Info("dispatch", "text", text)
	default:
		c.logger.Warn("dropping turn, too many in flight", "text", text)
	}
}

// dispatcher sends turns one at a time so that later turns reuse the
// session id adopted from the first reply.
func (c *Call) dispatcher() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case text := <-c.turns:
			c.mu.Lock()
			session := c.session
			c.mu.Unlock()

			reply, err := c.opts.Conversation.SendTurn(c.ctx, text, session)

			c.mu.Lock()
			if c.ctx.Err() != nil {
				c.mu.Unlock()
				return
			}
			if err == nil {
				if c.session.ID == "" && reply.SessionID != "" {
					c.session.ID = reply.SessionID
				}
				c.session.Step++
			}
			c.mu.Unlock()

			c.post(replyEvent{reply: reply, err: err})
		}
	}
}

func (c *Call) onReply(reply conversation.Reply, err error) {
	c.inflight--
	if err != nil {
		c.logger.Error("failed to get reply", "error", err)
		return
	}
	if reply.Empty() {
		c.logger.Warn("no actionable reply")
		return
	}

	var job speechJob
	if reply.SystemResponse != "" {
		c.opts.Log.Append(chat.Bot, c.opts.BotName, reply.SystemResponse)
		job.texts = append(job.texts, reply.SystemResponse)
	}
	if len(reply.NextQuestions) > 0 {
		questions := strings.Join(reply.NextQuestions, " ")
		c.opts.Log.Append(chat.Bot, c.opts.BotName, questions)
		job.texts = append(job.texts, questions)
	}
	if reply.TerminalResponse != "" {
		c.opts.Log.Append(chat.Bot, c.opts.BotName, reply.TerminalResponse)
		job.texts = append(job.texts, reply.TerminalResponse)
		job.terminal = true
	}

	if c.speaking != nil && !c.speaking.greeting {
		c.queue = append(c.queue, job)
		return
	}
	c.speak(job)
}

func (c *Call) speak(job speechJob) {
	c.speechSeq++
	seq := c.speechSeq
	c.speaking = &job
	c.opts.Speaker.SpeakAll(c.ctx, job.texts, func() {
		c.post(speechDoneEvent{seq: seq})
	})
}

func (c *Call) onSpeechDone(seq uint64) bool {
	if seq != c.speechSeq || c.speaking == nil {
		return true
	}
	job := c.speaking
	c.speaking = nil

	switch {
	case job.greeting:
		c.startCapture()
	case job.terminal:
		c.logger.Info("terminal reply spoken, ending call")
		return false
	}

	if len(c.queue) > 0 {
		next := c.queue[0]
		c.queue = c.queue[1:]
		c.speak(next)
	}
	return true
}

func (c *Call) startCapture() {
	if c.capturing || c.opts.Source == nil {
		return
	}
	events, err := c.opts.Source.Start(c.ctx)
	if err != nil {
		c.logger.Warn("capture unavailable, not recording", "error", err)
		return
	}
	c.capturing = true
	c.opts.Gate.Set(true)
	c.logger.Info("recording")

	go func() {
		for ev := range events {
			c.post(transcriptEvent{ev: ev})
		}
		c.post(sourceClosedEvent{})
	}()
}

func (c *Call) updateState() {
	var s State
	switch {
	case c.liveID != 0:
		s = ListeningWithLiveUtterance
	case c.inflight > 0, len(c.queue) > 0, c.speaking != nil && !c.speaking.greeting:
		s = AwaitingBotReply
	default:
		s = ListeningNoUtterance
	}
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// teardown runs once, on the loop goroutine.
func (c *Call) teardown() {
	c.quitOnce.Do(func() { close(c.quit) })
	c.stopTimer()
	c.cancel()
	c.opts.Speaker.Abort()
	if c.opts.Source != nil {
		if err := c.opts.Source.Stop(); err != nil {
			c.logger.Warn("failed to stop capture", "error", err)
		}
	}
	c.capturing = false
	c.opts.Gate.Set(false)
	if c.liveID != 0 {
		if _, err := c.opts.Log.Seal(c.liveID); err != nil {
			c.logger.Debug("failed to seal utterance", "error", err)
		}
		c.liveID = 0
	}
	c.speaking = nil
	c.queue = nil

	c.mu.Lock()
	c.ended = true
	c.session = conversation.Session{}
	c.state = Idle
	c.mu.Unlock()

	c.opts.Log.Append(chat.System, "", "Call ended")
	c.logger.Info("call ended")
	c.doneOnce.Do(func() { close(c.done) })
}
