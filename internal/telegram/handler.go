package telegram

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/harun/warband/pkg/channels"
)

// toInbound normalizes a Telegram message. Group messages are only accepted
// when they mention the bot, reply to it, or are commands; the mention is
// stripped from the text.
func toInbound(msg *tgbotapi.Message, botUsername string) (channels.InboundMessage, bool) {
	text := strings.TrimSpace(ParseCaption(msg))
	if msg.IsCommand() {
		// "/start@warbandbot CODE" -> "/start CODE"
		text = strings.TrimSpace("/" + msg.Command() + " " + msg.CommandArguments())
	}

	if isGroup(msg.Chat) && !msg.IsCommand() {
		if !isMentioned(msg, botUsername) && !isReplyToBot(msg, botUsername) {
			return channels.InboundMessage{}, false
		}
		if botUsername != "" {
			text = strings.TrimSpace(strings.ReplaceAll(text, "@"+botUsername, ""))
		}
	}
	if text == "" {
		return channels.InboundMessage{}, false
	}

	return channels.InboundMessage{
		Channel:    ChannelName,
		Identity:   strconv.FormatInt(msg.Chat.ID, 10),
		Text:       text,
		SenderName: senderName(msg.From),
		MessageID:  strconv.Itoa(msg.MessageID),
		ReceivedAt: time.Unix(int64(msg.Date), 0).UTC(),
	}, true
}

func isGroup(chat *tgbotapi.Chat) bool {
	return chat != nil && (chat.IsGroup() || chat.IsSuperGroup())
}

// isMentioned checks mention entities. Entity offsets count UTF-16 code units.
func isMentioned(msg *tgbotapi.Message, botUsername string) bool {
	if botUsername == "" {
		return false
	}
	text, entities := msg.Text, msg.Entities
	if text == "" {
		text, entities = msg.Caption, msg.CaptionEntities
	}
	units := utf16.Encode([]rune(text))
	for _, entity := range entities {
		if entity.Type != "mention" {
			continue
		}
		end := entity.Offset + entity.Length
		if entity.Offset < 0 || end > len(units) {
			continue
		}
		mention := string(utf16.Decode(units[entity.Offset:end]))
		if strings.EqualFold(mention, "@"+botUsername) {
			return true
		}
	}
	return false
}

func isReplyToBot(msg *tgbotapi.Message, botUsername string) bool {
	reply := msg.ReplyToMessage
	return reply != nil && reply.From != nil && reply.From.IsBot &&
		botUsername != "" && strings.EqualFold(reply.From.UserName, botUsername)
}

func senderName(user *tgbotapi.User) string {
	if user == nil {
		return ""
	}
	name := strings.TrimSpace(user.FirstName + " " + user.LastName)
	if name == "" {
		name = user.UserName
	}
	return name
}

// ParseCaption extracts caption from a message
func ParseCaption(msg *tgbotapi.Message) string {
	if msg.Caption != "" {
		return msg.Caption
	}
	return msg.Text
}
