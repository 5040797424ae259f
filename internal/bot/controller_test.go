package bot

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"courier/internal/config"
	"courier/internal/engine"
	"courier/internal/gate"
	"courier/internal/pending"
	"courier/internal/session"
	"courier/internal/transport"
	"courier/pkg/channel"
)

// memoryChannel records outbound messages for assertions.
type memoryChannel struct {
	mu    sync.Mutex
	sends []sentMessage
}

type sentMessage struct {
	chatID int64
	text   string
	opts   *channel.SendOptions
}

func (m *memoryChannel) Name() string                       { return "memory" }
func (m *memoryChannel) Capabilities() channel.Capabilities { return channel.Capabilities{} }
func (m *memoryChannel) Start(ctx context.Context) error    { return nil }
func (m *memoryChannel) Stop(ctx context.Context) error     { return nil }
func (m *memoryChannel) OnEvent(handler channel.Handler)    {}
func (m *memoryChannel) Send(ctx context.Context, chatID int64, text string, opts *channel.SendOptions) (channel.MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, sentMessage{chatID: chatID, text: text, opts: opts})
	return channel.MessageRef{ChatID: chatID, MessageID: len(m.sends)}, nil
}
func (m *memoryChannel) Edit(ctx context.Context, ref channel.MessageRef, text string) error {
	return nil
}
func (m *memoryChannel) Delete(ctx context.Context, ref channel.MessageRef) error { return nil }
func (m *memoryChannel) Typing(ctx context.Context, chatID int64)                 {}
func (m *memoryChannel) Probe(ctx context.Context) error                          { return nil }

func (m *memoryChannel) lastSend() (sentMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sends) == 0 {
		return sentMessage{}, false
	}
	return m.sends[len(m.sends)-1], true
}

func (m *memoryChannel) findSend(substr string) (sentMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sends {
		if strings.Contains(s.text, substr) {
			return s, true
		}
	}
	return sentMessage{}, false
}

// stubEngine reports each run request and finishes immediately.
type stubEngine struct {
	mu   sync.Mutex
	runs []engine.RunRequest
	ran  chan engine.RunRequest
}

func newStubEngine() *stubEngine {
	return &stubEngine{ran: make(chan engine.RunRequest, 8)}
}

func (e *stubEngine) Run(ctx context.Context, req engine.RunRequest) (<-chan engine.Event, error) {
	e.mu.Lock()
	e.runs = append(e.runs, req)
	e.mu.Unlock()
	e.ran <- req

	events := make(chan engine.Event, 2)
	events <- engine.Event{Type: engine.EventResult, Result: &engine.Result{Text: "done"}}
	close(events)
	return events, nil
}

// blockingEngine reports each run request and holds the run open until its
// context is cancelled.
type blockingEngine struct {
	ran chan engine.RunRequest
}

func newBlockingEngine() *blockingEngine {
	return &blockingEngine{ran: make(chan engine.RunRequest, 8)}
}

func (e *blockingEngine) Run(ctx context.Context, req engine.RunRequest) (<-chan engine.Event, error) {
	e.ran <- req
	events := make(chan engine.Event)
	go func() {
		<-ctx.Done()
		close(events)
	}()
	return events, nil
}

const operatorID = 1000

type fixture struct {
	ctrl     *Controller
	ch       *memoryChannel
	eng      *stubEngine
	sessions *session.Store
	reg      *pending.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := &config.Config{}
	cfg.Telegram.AuthorizedUserID = operatorID

	ch := &memoryChannel{}
	eng := newStubEngine()
	reg := pending.NewRegistry()
	sessions := session.New(filepath.Join(t.TempDir(), "state.json"))
	if err := sessions.SetWorkingDirectory(t.TempDir()); err != nil {
		t.Fatal(err)
	}

	monitor := transport.NewMonitor(transport.DefaultConfig(), func(ctx context.Context) error { return nil })
	t.Cleanup(monitor.Stop)

	ctrl := New(context.Background(), Options{
		Config:   cfg,
		Channel:  ch,
		Registry: reg,
		Sessions: sessions,
		Engine:   eng,
		Monitor:  monitor,
	})
	return &fixture{ctrl: ctrl, ch: ch, eng: eng, sessions: sessions, reg: reg}
}

func (f *fixture) event(text string) channel.InboundEvent {
	return channel.InboundEvent{ChatID: 7, SenderID: operatorID, Text: text, Timestamp: time.Now()}
}

func (f *fixture) button(data string) channel.InboundEvent {
	return channel.InboundEvent{ChatID: 7, SenderID: operatorID, ButtonData: data, Timestamp: time.Now()}
}

func (f *fixture) waitRun(t *testing.T) engine.RunRequest {
	t.Helper()
	select {
	case req := <-f.eng.ran:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("engine never ran")
		return engine.RunRequest{}
	}
}

func TestControllerAuth(t *testing.T) {
	t.Run("unauthorized senders are dropped", func(t *testing.T) {
		f := newFixture(t)
		f.ctrl.HandleEvent(context.Background(), channel.InboundEvent{
			ChatID: 7, SenderID: 555, Text: "do something",
		})
		if _, ok := f.ch.lastSend(); ok {
			t.Error("no reply expected for a stranger")
		}
		select {
		case <-f.eng.ran:
			t.Error("no task should run for a stranger")
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("unconfigured operator learns their ID via /start", func(t *testing.T) {
		f := newFixture(t)
		f.ctrl.cfg.Telegram.AuthorizedUserID = 0

		f.ctrl.HandleEvent(context.Background(), channel.InboundEvent{
			ChatID: 7, SenderID: 555, Text: "/start",
		})
		sent, ok := f.ch.lastSend()
		if !ok || !strings.Contains(sent.text, "555") {
			t.Errorf("expected the sender ID in the reply, got %+v", sent)
		}
	})
}

func TestControllerModeFlow(t *testing.T) {
	t.Run("first message is held behind the mode keyboard", func(t *testing.T) {
		f := newFixture(t)
		f.ctrl.HandleEvent(context.Background(), f.event("refactor the parser"))

		sent, ok := f.ch.lastSend()
		if !ok || sent.opts == nil || len(sent.opts.Buttons) == 0 {
			t.Fatalf("expected a mode keyboard, got %+v", sent)
		}

		select {
		case <-f.eng.ran:
			t.Fatal("task must not start before a mode is chosen")
		case <-time.After(50 * time.Millisecond):
		}

		// Choosing a mode replays the held message.
		f.ctrl.HandleEvent(context.Background(), f.button("mode:safe"))
		req := f.waitRun(t)
		if req.Prompt != "refactor the parser" {
			t.Errorf("prompt = %q", req.Prompt)
		}
		if f.ctrl.Gate().Mode() != gate.ModeSafe {
			t.Errorf("mode = %v", f.ctrl.Gate().Mode())
		}
	})

	t.Run("mode persists for later messages", func(t *testing.T) {
		f := newFixture(t)
		f.ctrl.HandleEvent(context.Background(), f.event("first"))
		f.ctrl.HandleEvent(context.Background(), f.button("mode:allow"))
		f.waitRun(t)

		f.ctrl.HandleEvent(context.Background(), f.event("second"))
		req := f.waitRun(t)
		if req.Prompt != "second" {
			t.Errorf("prompt = %q", req.Prompt)
		}
	})

	t.Run("/new resets the mode and the session", func(t *testing.T) {
		f := newFixture(t)
		f.ctrl.HandleEvent(context.Background(), f.event("x"))
		f.ctrl.HandleEvent(context.Background(), f.button("mode:allow"))
		f.waitRun(t)
		f.sessions.SetToken("bound")

		f.ctrl.HandleEvent(context.Background(), f.event("/new"))

		if f.ctrl.Gate().Mode() != gate.ModeUnset {
			t.Error("mode should reset")
		}
		if f.sessions.Token() != "" {
			t.Error("session token should clear")
		}
	})
}

func TestControllerFreeTextRouting(t *testing.T) {
	t.Run("text continuation wins over a new task", func(t *testing.T) {
		f := newFixture(t)
		f.ctrl.gate.SetMode(gate.ModeAllowAll)

		req := f.reg.Open(pending.KindTextContinuation, "plan feedback")
		answered := make(chan pending.Answer, 1)
		go func() {
			a, _ := f.reg.Wait(context.Background(), req)
			answered <- a
		}()

		f.ctrl.HandleEvent(context.Background(), f.event("drop the second step"))

		select {
		case a := <-answered:
			if a.Text != "drop the second step" {
				t.Errorf("answer = %q", a.Text)
			}
		case <-time.After(time.Second):
			t.Fatal("continuation never resolved")
		}

		select {
		case <-f.eng.ran:
			t.Error("text should not start a task while a continuation is open")
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("question answers win over photo captions", func(t *testing.T) {
		f := newFixture(t)
		f.ctrl.gate.SetMode(gate.ModeAllowAll)

		qReq := f.reg.Open(pending.KindUserQuestion, "Which DB?")
		f.reg.Open(pending.KindPhotoCaption, "/tmp/photo.jpg")

		answered := make(chan pending.Answer, 1)
		go func() {
			a, _ := f.reg.Wait(context.Background(), qReq)
			answered <- a
		}()

		f.ctrl.HandleEvent(context.Background(), f.event("postgres"))

		select {
		case a := <-answered:
			if a.Text != "postgres" {
				t.Errorf("answer = %q", a.Text)
			}
		case <-time.After(time.Second):
			t.Fatal("question never resolved")
		}
		if _, open := f.reg.Peek(pending.KindPhotoCaption); !open {
			t.Error("photo caption should remain open")
		}
	})

	t.Run("plain text becomes a task", func(t *testing.T) {
		f := newFixture(t)
		f.ctrl.gate.SetMode(gate.ModeAllowAll)

		f.ctrl.HandleEvent(context.Background(), f.event("build the feature"))
		req := f.waitRun(t)
		if req.Prompt != "build the feature" {
			t.Errorf("prompt = %q", req.Prompt)
		}
	})
}

func TestControllerMedia(t *testing.T) {
	t.Run("caption and photo submit together", func(t *testing.T) {
		f := newFixture(t)
		f.ctrl.gate.SetMode(gate.ModeAllowAll)

		f.ctrl.HandleEvent(context.Background(), channel.InboundEvent{
			ChatID: 7, SenderID: operatorID,
			MediaPath: "/tmp/shot.png", Caption: "fix this layout",
		})

		req := f.waitRun(t)
		if !strings.Contains(req.Prompt, "fix this layout") || !strings.Contains(req.Prompt, "/tmp/shot.png") {
			t.Errorf("prompt = %q", req.Prompt)
		}
	})

	t.Run("captionless photo waits for its text", func(t *testing.T) {
		f := newFixture(t)
		f.ctrl.gate.SetMode(gate.ModeAllowAll)

		f.ctrl.HandleEvent(context.Background(), channel.InboundEvent{
			ChatID: 7, SenderID: operatorID, MediaPath: "/tmp/shot.png",
		})

		if _, open := f.reg.Peek(pending.KindPhotoCaption); !open {
			t.Fatal("expected an open photo caption request")
		}
		select {
		case <-f.eng.ran:
			t.Fatal("no task yet")
		case <-time.After(50 * time.Millisecond):
		}

		f.ctrl.HandleEvent(context.Background(), f.event("what is wrong here?"))
		req := f.waitRun(t)
		if !strings.Contains(req.Prompt, "what is wrong here?") || !strings.Contains(req.Prompt, "/tmp/shot.png") {
			t.Errorf("prompt = %q", req.Prompt)
		}
	})
}

func TestControllerButtons(t *testing.T) {
	t.Run("stale approval press is a no-op", func(t *testing.T) {
		f := newFixture(t)
		f.ctrl.gate.SetMode(gate.ModeSafe)

		old := f.reg.Open(pending.KindToolApproval, "v1")
		go f.reg.Wait(context.Background(), old)
		fresh := f.reg.Open(pending.KindToolApproval, "v2")

		f.ctrl.HandleEvent(context.Background(), f.button("tool:allow:"+old.ID))
		if _, open := f.reg.Peek(pending.KindToolApproval); !open {
			t.Fatal("stale press must not consume the fresh request")
		}

		f.ctrl.HandleEvent(context.Background(), f.button("tool:deny:"+fresh.ID))
		if _, open := f.reg.Peek(pending.KindToolApproval); open {
			t.Error("fresh press should resolve")
		}
	})

	t.Run("resume button binds the session", func(t *testing.T) {
		f := newFixture(t)
		f.ctrl.HandleEvent(context.Background(), f.button("resume:sess-42"))
		if f.sessions.Token() != "sess-42" {
			t.Errorf("token = %q", f.sessions.Token())
		}
	})
}

func TestControllerCommands(t *testing.T) {
	t.Run("/status reports mode and directory", func(t *testing.T) {
		f := newFixture(t)
		f.ctrl.gate.SetMode(gate.ModeSafe)

		f.ctrl.HandleEvent(context.Background(), f.event("/status"))
		sent, ok := f.ch.lastSend()
		if !ok {
			t.Fatal("no status reply")
		}
		if !strings.Contains(sent.text, "safe") {
			t.Errorf("status missing mode: %q", sent.text)
		}
		if !strings.Contains(sent.text, f.sessions.WorkingDirectory()) {
			t.Errorf("status missing directory: %q", sent.text)
		}
	})

	t.Run("/setdir switches and validates", func(t *testing.T) {
		f := newFixture(t)
		target := t.TempDir()

		f.ctrl.HandleEvent(context.Background(), f.event("/setdir "+target))
		if f.sessions.WorkingDirectory() != target {
			t.Errorf("directory = %q", f.sessions.WorkingDirectory())
		}

		f.ctrl.HandleEvent(context.Background(), f.event("/setdir /no/such/dir"))
		if f.sessions.WorkingDirectory() != target {
			t.Error("invalid directory must not stick")
		}
		if _, ok := f.ch.findSend("Cannot switch"); !ok {
			t.Error("expected an error reply")
		}
	})

	t.Run("/cancel with nothing running says so", func(t *testing.T) {
		f := newFixture(t)
		f.ctrl.HandleEvent(context.Background(), f.event("/cancel"))
		if _, ok := f.ch.findSend("Nothing is running"); !ok {
			t.Error("expected the idle reply")
		}
	})

	t.Run("/read refuses paths outside the working directory", func(t *testing.T) {
		f := newFixture(t)
		f.ctrl.HandleEvent(context.Background(), f.event("/read ../../etc/passwd"))
		if _, ok := f.ch.findSend("escapes"); !ok {
			t.Error("expected a containment rejection")
		}
	})

	t.Run("/restart requests exit code 82", func(t *testing.T) {
		f := newFixture(t)
		f.ctrl.HandleEvent(context.Background(), f.event("/restart"))
		select {
		case code := <-f.ctrl.Exit():
			if code != ExitRestart {
				t.Errorf("exit code = %d", code)
			}
		case <-time.After(time.Second):
			t.Fatal("no exit request")
		}
	})
}

func TestControllerCancellation(t *testing.T) {
	t.Run("cancel tears down task round-trips but not the photo pairing", func(t *testing.T) {
		f := newFixture(t)
		f.ctrl.gate.SetMode(gate.ModeAllowAll)
		be := newBlockingEngine()
		f.ctrl.eng = be

		f.ctrl.HandleEvent(context.Background(), f.event("long task"))
		select {
		case <-be.ran:
		case <-time.After(2 * time.Second):
			t.Fatal("task never started")
		}

		// A captionless upload and an open tool approval while the task runs.
		f.ctrl.HandleEvent(context.Background(), channel.InboundEvent{
			ChatID: 7, SenderID: operatorID, MediaPath: "/tmp/shot.png",
		})
		toolReq := f.reg.Open(pending.KindToolApproval, "Bash")
		waitErr := make(chan error, 1)
		go func() {
			_, err := f.reg.Wait(context.Background(), toolReq)
			waitErr <- err
		}()

		f.ctrl.HandleEvent(context.Background(), f.event("/cancel"))

		select {
		case err := <-waitErr:
			if !errors.Is(err, pending.ErrCancelled) {
				t.Errorf("tool approval error = %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("tool approval never torn down")
		}
		if _, open := f.reg.Peek(pending.KindPhotoCaption); !open {
			t.Fatal("photo caption must survive task cancellation")
		}

		// The upload still pairs with the next text.
		f.ctrl.HandleEvent(context.Background(), f.event("what is wrong here?"))
		select {
		case req := <-be.ran:
			if !strings.Contains(req.Prompt, "/tmp/shot.png") {
				t.Errorf("prompt = %q", req.Prompt)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("paired task never started")
		}
	})
}

func TestControllerTransportNotice(t *testing.T) {
	t.Run("reconnect notice reaches the last-seen chat", func(t *testing.T) {
		f := newFixture(t)

		f.ctrl.NotifyOnline()
		if _, ok := f.ch.lastSend(); ok {
			t.Error("no notice expected before a chat is known")
		}

		f.ctrl.HandleEvent(context.Background(), f.event("/status"))
		f.ctrl.NotifyOnline()

		sent, ok := f.ch.findSend("back online")
		if !ok {
			t.Fatal("expected a reconnect notice")
		}
		if sent.chatID != 7 {
			t.Errorf("chat = %d", sent.chatID)
		}
	})
}

func TestControllerRunRecording(t *testing.T) {
	t.Run("engine receives the current session state", func(t *testing.T) {
		f := newFixture(t)
		f.ctrl.gate.SetMode(gate.ModeAllowAll)
		f.sessions.SetToken("sess-7")

		f.ctrl.HandleEvent(context.Background(), f.event("continue the work"))
		req := f.waitRun(t)
		if req.ResumeToken != "sess-7" {
			t.Errorf("resume token = %q", req.ResumeToken)
		}
		if req.WorkingDir != f.sessions.WorkingDirectory() {
			t.Errorf("workdir = %q", req.WorkingDir)
		}
		if req.Permission == nil {
			t.Error("permission callback missing")
		}
	})
}
