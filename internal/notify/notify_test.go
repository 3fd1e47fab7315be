package notify

import (
	"strings"
	"testing"
	"time"
	"unicode/utf16"

	"github.com/go-telegram/bot/models"

	"github.com/edgard/avito-autoanswer/internal/avito"
)

const testChatID = "u2i-AbC_12~xyz"

func testChat() *avito.Chat {
	return &avito.Chat{
		ID: testChatID,
		Context: avito.ChatContext{Type: "item", Value: avito.Item{
			ID: 555, Title: "Виза в Италию", PriceString: "9 000",
			Location: avito.Location{Title: "Москва"},
		}},
		Users: []avito.ChatUser{
			{ID: 42, Name: "Visa Way"},
			{ID: 7, Name: "Анна <VIP>"},
		},
	}
}

func TestManagerText(t *testing.T) {
	t.Parallel()

	f := &Formatter{AccountID: 42, Location: time.UTC}
	base := time.Date(2025, 3, 1, 9, 5, 0, 0, time.UTC).Unix()
	history := []avito.Message{
		{Content: avito.MessageContent{Text: "Здравствуйте"}, Direction: "in", Created: base},
		{Content: avito.MessageContent{Text: "Добрый день!"}, Direction: "out", Created: base + 60},
		{Content: avito.MessageContent{Text: "Чат создан"}, Type: "system", Created: base + 120},
		{Content: avito.MessageContent{Text: "  "}, Direction: "in", Created: base + 180},
	}

	got := f.ManagerText(testChatID, "Сколько стоит?", history, testChat(), "")
	want := strings.Join([]string{
		"Анна &lt;VIP&gt;: Сколько стоит?",
		"",
		"ИСТОРИЯ",
		"",
		"01.03 09:07 Системное: [Системное сообщение]: Чат создан",
		"01.03 09:06 Visa Way: Добрый день!",
		"01.03 09:05 Анна &lt;VIP&gt;: Здравствуйте",
		"",
		"Виза в Италию (9 000 ₽) [#adv555]",
		"Аккаунт: Visa Way [#acc42]",
		"Собеседник: Анна &lt;VIP&gt; [#user7]",
		"Локация: Москва",
		"",
		"ОТВЕТЫ:\n",
		"<code>" + testChatID + "</code>",
	}, "\n")
	if got != want {
		t.Errorf("ManagerText() =\n%s\nwant\n%s", got, want)
	}
}

func TestManagerTextWithoutChat(t *testing.T) {
	t.Parallel()

	f := &Formatter{AccountID: 42}
	got := f.ManagerText(testChatID, "Помогите", nil, nil, "")
	want := "Клиент: Помогите\n\nChat ID: " + testChatID + "\n\nОТВЕТЫ:\n\n<code>" + testChatID + "</code>"
	if got != want {
		t.Errorf("ManagerText() = %q, want %q", got, want)
	}
}

func TestManagerTextHistoryLimit(t *testing.T) {
	t.Parallel()

	var history []avito.Message
	for i := range 30 {
		history = append(history, avito.Message{Content: avito.MessageContent{Text: "m" + string(rune('a'+i%26))}, Direction: "in"})
	}
	f := &Formatter{AccountID: 42}
	got := f.ManagerText(testChatID, "x", history, nil, "Олег")
	if n := strings.Count(got, "Олег: m"); n != historyLimit {
		t.Errorf("history lines = %d, want %d", n, historyLimit)
	}
}

func codeEntity(text, sub string) models.MessageEntity {
	i := strings.Index(text, sub)
	return models.MessageEntity{
		Type:   models.MessageEntityTypeCode,
		Offset: len(utf16.Encode([]rune(text[:i]))),
		Length: len(utf16.Encode([]rune(sub))),
	}
}

func TestExtractChatID(t *testing.T) {
	t.Parallel()

	plain := "Анна: Сколько стоит? 🙂\n\nОТВЕТЫ:\n\n" + testChatID
	tests := []struct {
		name     string
		text     string
		entities []models.MessageEntity
		want     string
		wantOK   bool
	}{
		{"code entity after emoji", plain, []models.MessageEntity{codeEntity(plain, testChatID)}, testChatID, true},
		{"code tag", "text <code>u2u-Q1~w</code>", nil, "u2u-Q1~w", true},
		{"avito label", "Avito Chat ID: u2i-123~456 please", nil, "u2i-123~456", true},
		{"chat id label with long id", "Chat ID: 1234567890abcdefgh", nil, "1234567890abcdefgh", true},
		{"short label id is ignored", "Chat ID: 123", nil, "", false},
		{"bare id", "see U2I-zz~1 here", nil, "U2I-zz~1", true},
		{"nothing", "просто текст", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := ExtractChatID(tt.text, tt.entities)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ExtractChatID() = %q, %v, want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	id, body, ok := ParseCommand("Avito Chat ID: u2i-1~2 Добрый день, виза готова")
	if !ok || id != "u2i-1~2" || body != "Добрый день, виза готова" {
		t.Errorf("ParseCommand() = %q, %q, %v", id, body, ok)
	}
	if _, body, ok := ParseCommand("avito chat id u2i-9~9"); !ok || body != "" {
		t.Errorf("ParseCommand(no body) = %q, %v", body, ok)
	}
	if _, _, ok := ParseCommand("привет"); ok {
		t.Error("ParseCommand(no id) ok")
	}
}
