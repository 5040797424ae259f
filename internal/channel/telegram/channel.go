// Package telegram implements the messaging channel over the Telegram Bot
// API with long polling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"courier/pkg/channel"
	"courier/pkg/logger"
)

// Config configures the Telegram channel.
type Config struct {
	Token       string
	PollTimeout time.Duration

	// MediaDir is where uploaded files are stored. Empty uses a temp dir.
	MediaDir string
}

// Telegram is the channel.Channel implementation for Telegram.
type Telegram struct {
	api     *Client
	cfg     Config
	handler channel.Handler

	// Health hooks feed the transport monitor without coupling to it.
	onFailure func(error)
	onSuccess func()

	mu       sync.Mutex
	paused   bool
	resumeCh chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
	offset   int64
}

// New creates a Telegram channel.
func New(cfg Config) *Telegram {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 50 * time.Second
	}
	if cfg.MediaDir == "" {
		cfg.MediaDir = filepath.Join(os.TempDir(), "courier-media")
	}
	return &Telegram{
		api: NewClient(cfg.Token),
		cfg: cfg,
	}
}

// API exposes the underlying client, mainly for test endpoint overrides.
func (t *Telegram) API() *Client {
	return t.api
}

// Name returns the channel's display name.
func (t *Telegram) Name() string {
	return "telegram"
}

// Capabilities returns the channel's capabilities.
func (t *Telegram) Capabilities() channel.Capabilities {
	return channel.Capabilities{
		CanEdit:          true,
		CanDelete:        true,
		CanSendButtons:   true,
		CanReceiveMedia:  true,
		MaxMessageLength: MaxMessageLength,
	}
}

// OnEvent registers the inbound event handler.
func (t *Telegram) OnEvent(handler channel.Handler) {
	t.handler = handler
}

// SetHealthHooks registers the failure/success callbacks driving outage
// detection.
func (t *Telegram) SetHealthHooks(onFailure func(error), onSuccess func()) {
	t.onFailure = onFailure
	t.onSuccess = onSuccess
}

// Start begins the long-poll receive loop.
func (t *Telegram) Start(ctx context.Context) error {
	if t.handler == nil {
		return errors.New("no event handler registered")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.done = make(chan struct{})
	t.mu.Unlock()

	go t.pollLoop(loopCtx)
	return nil
}

// Stop stops receiving and waits for the loop to exit.
func (t *Telegram) Stop(ctx context.Context) error {
	t.mu.Lock()
	cancel := t.cancel
	done := t.done
	t.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause suspends active receiving. Used when the transport trips offline.
func (t *Telegram) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.paused {
		t.paused = true
		t.resumeCh = make(chan struct{})
	}
}

// Resume restarts receiving after a successful reconnect probe.
func (t *Telegram) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.paused {
		t.paused = false
		close(t.resumeCh)
	}
}

func (t *Telegram) pollLoop(ctx context.Context) {
	defer close(t.done)

	for {
		if ctx.Err() != nil {
			return
		}

		t.mu.Lock()
		paused := t.paused
		resumeCh := t.resumeCh
		t.mu.Unlock()
		if paused {
			select {
			case <-resumeCh:
			case <-ctx.Done():
				return
			}
			continue
		}

		updates, err := t.api.GetUpdates(ctx, t.offset, t.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if t.onFailure != nil {
				t.onFailure(err)
			}
			select {
			case <-time.After(3 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, update := range updates {
			if update.UpdateID >= t.offset {
				t.offset = update.UpdateID + 1
			}
			ev, ok := t.toEvent(ctx, update)
			if !ok {
				continue
			}
			if t.onSuccess != nil {
				t.onSuccess()
			}
			// Inline dispatch preserves receipt order.
			t.handler(ctx, ev)
		}
	}
}

// toEvent converts an update into an inbound event, downloading photo
// uploads to local storage.
func (t *Telegram) toEvent(ctx context.Context, update Update) (channel.InboundEvent, bool) {
	if cb := update.CallbackQuery; cb != nil {
		if err := t.api.AnswerCallbackQuery(ctx, cb.ID); err != nil {
			logger.Debug().Err(err).Msg("answer callback query")
		}
		ev := channel.InboundEvent{
			ButtonData: cb.Data,
			Timestamp:  time.Now(),
		}
		if cb.From != nil {
			ev.SenderID = cb.From.ID
		}
		if cb.Message != nil {
			ev.ChatID = cb.Message.Chat.ID
			ev.MessageID = cb.Message.MessageID
		}
		return ev, true
	}

	msg := update.Message
	if msg == nil {
		return channel.InboundEvent{}, false
	}

	ev := channel.InboundEvent{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		Text:      msg.Text,
		Caption:   msg.Caption,
		Timestamp: time.Unix(msg.Date, 0),
	}
	if msg.From != nil {
		ev.SenderID = msg.From.ID
	}

	if len(msg.Photo) > 0 {
		path, err := t.downloadPhoto(ctx, msg.Photo)
		if err != nil {
			logger.Warn().Err(err).Msg("download photo upload")
		} else {
			ev.MediaPath = path
		}
	}

	if ev.Text == "" && ev.MediaPath == "" {
		return channel.InboundEvent{}, false
	}
	return ev, true
}

// downloadPhoto stores the largest rendition of an uploaded photo locally
// and returns its path.
func (t *Telegram) downloadPhoto(ctx context.Context, sizes []PhotoSize) (string, error) {
	best := sizes[0]
	for _, s := range sizes[1:] {
		if s.FileSize > best.FileSize {
			best = s
		}
	}

	file, err := t.api.GetFile(ctx, best.FileID)
	if err != nil {
		return "", err
	}
	data, err := t.api.Download(ctx, file.FilePath)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(t.cfg.MediaDir, 0755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("photo-%d%s", time.Now().UnixNano(), filepath.Ext(file.FilePath))
	path := filepath.Join(t.cfg.MediaDir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	return path, nil
}

// Send delivers text, splitting parts over the length limit and attaching
// the keyboard to the final part. A Markdown delivery the API rejects is
// retried as plain text.
func (t *Telegram) Send(ctx context.Context, chatID int64, text string, opts *channel.SendOptions) (channel.MessageRef, error) {
	if text == "" {
		text = "(empty response)"
	}

	var markup *InlineKeyboardMarkup
	parseMode := "Markdown"
	if opts != nil {
		if opts.Plain {
			parseMode = ""
		}
		markup = toMarkup(opts.Buttons)
	}

	parts := SplitText(text, MaxMessageLength)
	var first channel.MessageRef

	for i, part := range parts {
		var partMarkup *InlineKeyboardMarkup
		if i == len(parts)-1 {
			partMarkup = markup
		}

		msg, err := t.api.SendMessage(ctx, chatID, part, parseMode, partMarkup)
		if err != nil {
			var apiErr *APIError
			// Formatting the API cannot parse falls back to plain text.
			if parseMode != "" && errors.As(err, &apiErr) && apiErr.Code == 400 {
				msg, err = t.api.SendMessage(ctx, chatID, part, "", partMarkup)
			}
			if err != nil {
				if t.onFailure != nil {
					t.onFailure(err)
				}
				return first, err
			}
		}
		if i == 0 {
			first = channel.MessageRef{ChatID: chatID, MessageID: msg.MessageID}
		}
	}
	return first, nil
}

// Edit replaces the text of a delivered message.
func (t *Telegram) Edit(ctx context.Context, ref channel.MessageRef, text string) error {
	return t.api.EditMessageText(ctx, ref.ChatID, ref.MessageID, text)
}

// Delete removes a delivered message.
func (t *Telegram) Delete(ctx context.Context, ref channel.MessageRef) error {
	return t.api.DeleteMessage(ctx, ref.ChatID, ref.MessageID)
}

// Typing shows the typing indicator.
func (t *Telegram) Typing(ctx context.Context, chatID int64) {
	if err := t.api.SendChatAction(ctx, chatID, "typing"); err != nil {
		logger.Debug().Err(err).Msg("send chat action")
	}
}

// Probe performs the lightweight identity call used to decide the channel
// is reachable again.
func (t *Telegram) Probe(ctx context.Context) error {
	_, err := t.api.GetMe(ctx)
	return err
}

func toMarkup(rows [][]channel.Button) *InlineKeyboardMarkup {
	if len(rows) == 0 {
		return nil
	}
	markup := &InlineKeyboardMarkup{}
	for _, row := range rows {
		var btns []InlineKeyboardButton
		for _, b := range row {
			btns = append(btns, InlineKeyboardButton{Text: b.Label, CallbackData: b.Data})
		}
		markup.InlineKeyboard = append(markup.InlineKeyboard, btns)
	}
	return markup
}
