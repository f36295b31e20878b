// Package whatsapp is the WhatsApp multi-device transport built on
// whatsmeow. The device session lives in its own SQLite file; the first start
// prints a QR code to pair the account.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	qrterminal "github.com/mdp/qrterminal/v3"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	// Registers the pure-Go "sqlite" driver used by the device store.
	_ "modernc.org/sqlite"

	"github.com/harun/warband/internal/config"
	"github.com/harun/warband/pkg/channels"
)

const (
	// ChannelName is the name the transport registers under.
	ChannelName = "whatsapp"
	// MaxMessageLength caps outbound text.
	MaxMessageLength = 4096

	sendTimeout = 30 * time.Second
)

// messenger is the part of *whatsmeow.Client used for egress.
type messenger interface {
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
	SendChatPresence(ctx context.Context, jid types.JID, state types.ChatPresence, media types.ChatPresenceMedia) error
}

// Channel is a channels.Channel over a paired WhatsApp device.
type Channel struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	sender    messenger
	logger    zerolog.Logger
	qrOut     io.Writer

	mu        sync.Mutex
	dispatch  channels.DispatchFunc
	ctx       context.Context
	cancel    context.CancelFunc
	handlerID uint32
	inflight  sync.WaitGroup
}

// New opens the device store and builds an unconnected client.
func New(cfg *config.WhatsAppConfig, logger zerolog.Logger) (*Channel, error) {
	if cfg == nil {
		return nil, fmt.Errorf("whatsapp config is required")
	}
	storePath := strings.TrimSpace(cfg.StorePath)
	if storePath == "" {
		return nil, fmt.Errorf("whatsapp store_path is required")
	}
	if err := os.MkdirAll(filepath.Dir(storePath), 0755); err != nil {
		return nil, fmt.Errorf("create whatsapp store dir: %w", err)
	}

	logger = logger.With().Str("component", "whatsapp").Logger()
	waLogger := newWALogger(logger)

	ctx := context.Background()
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)", filepath.ToSlash(storePath))
	container, err := sqlstore.New(ctx, "sqlite", dsn, waLogger.Sub("store"))
	if err != nil {
		return nil, fmt.Errorf("init whatsapp session store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("get whatsapp device: %w", err)
	}

	client := whatsmeow.NewClient(device, waLogger.Sub("client"))
	return &Channel{
		client:    client,
		container: container,
		sender:    client,
		logger:    logger,
		qrOut:     os.Stdout,
	}, nil
}

// Name returns the channel name.
func (c *Channel) Name() string { return ChannelName }

// MaxMessageLength returns the outbound limit.
func (c *Channel) MaxMessageLength() int { return MaxMessageLength }

// Start connects, printing a pairing QR code when no session exists.
func (c *Channel) Start(ctx context.Context, dispatch channels.DispatchFunc) error {
	if c.client == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if dispatch == nil {
		return fmt.Errorf("dispatch is required")
	}

	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return fmt.Errorf("whatsapp channel is already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.ctx, c.cancel, c.dispatch = ctx, cancel, dispatch
	c.handlerID = c.client.AddEventHandler(c.handleEvent)
	c.mu.Unlock()

	if c.client.Store.ID == nil {
		qrChan, err := c.client.GetQRChannel(ctx)
		if err != nil {
			c.reset()
			return fmt.Errorf("get whatsapp qr channel: %w", err)
		}
		go c.consumeQR(ctx, qrChan)
	}

	if err := c.client.Connect(); err != nil {
		c.reset()
		return fmt.Errorf("connect whatsapp: %w", err)
	}

	c.logger.Info().Bool("paired", c.client.Store.ID != nil).Msg("WhatsApp connected")
	return nil
}

func (c *Channel) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	if c.handlerID != 0 {
		c.client.RemoveEventHandler(c.handlerID)
		c.handlerID = 0
	}
	c.cancel, c.dispatch = nil, nil
}

// Stop disconnects, waits for in-flight messages and closes the device store.
func (c *Channel) Stop(ctx context.Context) error {
	if c.client != nil {
		c.reset()
		c.client.Disconnect()
	}

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if c.container != nil {
		if err := c.container.Close(); err != nil {
			return fmt.Errorf("close whatsapp store: %w", err)
		}
		c.container = nil
	}
	c.logger.Info().Msg("WhatsApp stopped")
	return nil
}

// Send delivers a plain text message. identity is a phone number or JID.
func (c *Channel) Send(ctx context.Context, identity, text string) error {
	if c.sender == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	jid, err := ParseJID(identity)
	if err != nil {
		return fmt.Errorf("parse whatsapp identity %q: %w", identity, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if _, err := c.sender.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)}); err != nil {
		return fmt.Errorf("send whatsapp message: %w", err)
	}
	return nil
}

// Typing sets the "composing" chat presence.
func (c *Channel) Typing(ctx context.Context, identity string) error {
	if c.sender == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	jid, err := ParseJID(identity)
	if err != nil {
		return fmt.Errorf("parse whatsapp identity %q: %w", identity, err)
	}
	return c.sender.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

func (c *Channel) consumeQR(ctx context.Context, qrChan <-chan whatsmeow.QRChannelItem) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-qrChan:
			if !ok {
				return
			}
			switch evt.Event {
			case whatsmeow.QRChannelEventCode:
				c.logger.Info().Msg("Scan the QR code below with WhatsApp to pair")
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, c.qrOut)
			default:
				c.logger.Info().Err(evt.Error).Str("event", evt.Event).Msg("WhatsApp login event")
			}
		}
	}
}

func (c *Channel) handleEvent(evt any) {
	switch e := evt.(type) {
	case *events.Message:
		c.handleMessage(e)
	case *events.LoggedOut:
		c.logger.Warn().Msg("WhatsApp session logged out; restart to pair again")
	}
}

// handleMessage runs dispatch off the whatsmeow event goroutine.
func (c *Channel) handleMessage(evt *events.Message) {
	msg, ok := toInbound(evt)
	if !ok {
		return
	}

	c.mu.Lock()
	dispatch, ctx := c.dispatch, c.ctx
	if dispatch == nil {
		c.mu.Unlock()
		return
	}
	c.inflight.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.inflight.Done()
		if err := dispatch(ctx, msg); err != nil {
			c.logger.Error().Err(err).Str("message_id", evt.Info.ID).Msg("Failed to handle message")
		}
	}()
}

// toInbound accepts direct text messages from other accounts; group chats
// and own messages are ignored.
func toInbound(evt *events.Message) (channels.InboundMessage, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return channels.InboundMessage{}, false
	}
	text := extractText(evt.Message)
	if text == "" {
		return channels.InboundMessage{}, false
	}
	return channels.InboundMessage{
		Channel:    ChannelName,
		Identity:   evt.Info.Sender.ToNonAD().User,
		Text:       text,
		SenderName: evt.Info.PushName,
		MessageID:  evt.Info.ID,
		ReceivedAt: evt.Info.Timestamp,
	}, true
}

func extractText(msg *waE2E.Message) string {
	if text := strings.TrimSpace(msg.GetConversation()); text != "" {
		return text
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		if text := strings.TrimSpace(ext.GetText()); text != "" {
			return text
		}
	}
	if image := msg.GetImageMessage(); image != nil {
		return strings.TrimSpace(image.GetCaption())
	}
	return ""
}

// ParseJID accepts a full JID or a phone number with optional leading '+'.
func ParseJID(raw string) (types.JID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return types.EmptyJID, fmt.Errorf("empty jid")
	}
	if strings.Contains(raw, "@") {
		return types.ParseJID(raw)
	}
	user := strings.TrimPrefix(raw, "+")
	if !isDigits(user) {
		return types.EmptyJID, fmt.Errorf("not a phone number")
	}
	return types.NewJID(user, types.DefaultUserServer), nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
