// Package notify formats the Telegram notifications sent to managers and
// reads the Avito chat ID back from their replies.
package notify

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/go-telegram/bot/models"

	"github.com/edgard/avito-autoanswer/internal/avito"
)

const (
	historyLimit       = 20
	defaultClientName  = "Клиент"
	defaultAccountName = "Visa Way Pro"
	systemSender       = "Системное: [Системное сообщение]"
)

// Formatter builds manager notifications for one Avito account.
type Formatter struct {
	AccountID int64
	// AccountName is used for outgoing messages when the chat does not name the account.
	AccountName string
	// Location is the time zone of history timestamps. Defaults to time.Local.
	Location *time.Location
}

// ManagerText renders the notification for a client message that needs a manager.
// History is the Avito message list as returned by the API. The result is Telegram HTML.
func (f *Formatter) ManagerText(chatID, current string, history []avito.Message, chat *avito.Chat, userName string) string {
	client := strings.TrimSpace(userName)
	var interlocutor avito.ChatUser
	var hasInterlocutor bool
	if chat != nil {
		if interlocutor, hasInterlocutor = chat.Interlocutor(f.AccountID); hasInterlocutor && interlocutor.Name != "" {
			client = interlocutor.Name
		}
	}
	if client == "" {
		client = defaultClientName
	}

	account := f.AccountName
	if account == "" {
		account = defaultAccountName
	}
	var accountUser avito.ChatUser
	var hasAccount bool
	if chat != nil {
		if accountUser, hasAccount = chat.Account(f.AccountID); hasAccount && accountUser.Name != "" {
			account = accountUser.Name
		}
	}

	parts := []string{esc(client) + ": " + esc(current)}

	if lines := f.historyLines(history, client, account); len(lines) > 0 {
		parts = append(parts, "", "ИСТОРИЯ", "", strings.Join(lines, "\n"))
	}

	var details []string
	if chat != nil {
		item := chat.Context.Value
		if item.Title != "" {
			line := esc(item.Title)
			if p := strings.TrimSpace(item.PriceString); p != "" {
				if !strings.Contains(p, "₽") {
					p += " ₽"
				}
				line += " (" + esc(p) + ")"
			}
			if item.ID != 0 {
				line += fmt.Sprintf(" [#adv%d]", item.ID)
			}
			details = append(details, line)
		}
		if hasAccount && accountUser.Name != "" {
			details = append(details, fmt.Sprintf("Аккаунт: %s [#acc%d]", esc(accountUser.Name), f.AccountID))
		}
		if hasInterlocutor {
			name := interlocutor.Name
			if name == "" {
				name = client
			}
			line := "Собеседник: " + esc(name)
			if interlocutor.ID != 0 {
				line += fmt.Sprintf(" [#user%d]", interlocutor.ID)
			}
			details = append(details, line)
		}
		if loc := strings.TrimSpace(item.Location.Title); loc != "" {
			details = append(details, "Локация: "+esc(loc))
		}
	}
	if len(details) == 0 && chatID != "" {
		details = append(details, "Chat ID: "+esc(chatID))
	}
	if len(details) > 0 {
		parts = append(parts, "")
		parts = append(parts, details...)
	}

	parts = append(parts, "", "ОТВЕТЫ:\n", "<code>"+esc(chatID)+"</code>")
	return strings.Join(parts, "\n")
}

// historyLines formats the last messages, newest first.
func (f *Formatter) historyLines(history []avito.Message, client, account string) []string {
	loc := f.Location
	if loc == nil {
		loc = time.Local
	}
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}

	lines := make([]string, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		text := strings.TrimSpace(m.Content.Text)
		if text == "" {
			continue
		}

		var sender string
		switch {
		case m.IsSystem():
			sender = systemSender
		case m.Direction == "in":
			sender = client
		case m.Direction == "out":
			sender = account
		default:
			sender = "Системное"
		}

		line := esc(sender) + ": " + esc(text)
		if ts := m.CreatedAt(); !ts.IsZero() {
			line = ts.In(loc).Format("02.01 15:04") + " " + line
		}
		lines = append(lines, line)
	}
	return lines
}

func esc(s string) string {
	return html.EscapeString(s)
}

var (
	fullChatIDPattern = regexp.MustCompile(`^[uU]2[iIuU]-[0-9a-zA-Z_\-~]+$`)
	codeTagPattern    = regexp.MustCompile(`<code>([uU]2[iIuU]-[0-9a-zA-Z_\-~]+)</code>`)
	labelPattern      = regexp.MustCompile(`(?i)(?:Avito )?Chat ID:\s*([0-9a-zA-Z:_\-~]+)`)
	bareChatIDPattern = regexp.MustCompile(`[uU]2[iIuU]-[0-9a-zA-Z_\-~]+`)
	commandPattern    = regexp.MustCompile(`(?i)Avito Chat ID[:\s]*([0-9a-zA-Z:_\-~]+)`)
)

// ExtractChatID finds the Avito chat ID in the text of a notification.
// A code entity holding the ID wins, then the ID labels, then any bare ID.
func ExtractChatID(text string, entities []models.MessageEntity) (string, bool) {
	for _, e := range entities {
		if e.Type != models.MessageEntityTypeCode {
			continue
		}
		if s := strings.TrimSpace(entityText(text, e)); fullChatIDPattern.MatchString(s) {
			return s, true
		}
	}
	if m := codeTagPattern.FindStringSubmatch(text); m != nil {
		return m[1], true
	}
	if m := labelPattern.FindStringSubmatch(text); m != nil && plausibleChatID(m[1]) {
		return m[1], true
	}
	if m := bareChatIDPattern.FindString(text); m != "" {
		return m, true
	}
	return "", false
}

// ParseCommand splits a manager message of the form "Avito Chat ID: X text"
// into the chat ID and the text to send.
func ParseCommand(text string) (chatID, body string, ok bool) {
	loc := commandPattern.FindStringSubmatchIndex(text)
	if loc == nil {
		return "", "", false
	}
	chatID = text[loc[2]:loc[3]]
	body = strings.TrimSpace(text[:loc[0]] + text[loc[1]:])
	return chatID, body, true
}

func plausibleChatID(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "u2i-") || strings.HasPrefix(lower, "u2u-") || len(s) > 15
}

// entityText returns the part of text an entity covers. Offsets are UTF-16 code units.
func entityText(text string, e models.MessageEntity) string {
	units := utf16.Encode([]rune(text))
	start, end := e.Offset, e.Offset+e.Length
	if start < 0 || end > len(units) || start >= end {
		return ""
	}
	return string(utf16.Decode(units[start:end]))
}
