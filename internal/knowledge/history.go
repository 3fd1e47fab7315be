package knowledge

import (
	"strings"

	"github.com/edgard/avito-autoanswer/internal/database"
)

// Exchange is a client question with the answer that closed it, taken from a
// stored dialog. Source is SourceManagerLike for a manager answer and
// SourceUserLike for a bot answer the client thanked for.
type Exchange struct {
	Question string
	Answer   string
	Source   string
}

var gratitudeStems = []string{"спасиб", "благодар", "понятно", "отлично", "супер", "thank"}

// ExtractExchanges pairs consecutive client messages with the manager reply
// that follows them. A bot reply counts only when the next client message
// thanks for it.
func ExtractExchanges(messages []database.ChatMessage) []Exchange {
	var (
		out      []Exchange
		question []string
	)
	for i := 0; i < len(messages); {
		m := messages[i]
		text := strings.TrimSpace(m.Content)
		switch m.Role {
		case database.RoleUser:
			if text != "" {
				question = append(question, text)
			}
			i++
		case database.RoleManager, database.RoleAssistant:
			answer, next := joinRun(messages, i)
			if len(question) > 0 && answer != "" {
				switch {
				case m.Role == database.RoleManager:
					out = append(out, Exchange{Question: strings.Join(question, "\n"), Answer: answer, Source: SourceManagerLike})
				case next < len(messages) && messages[next].Role == database.RoleUser && thanks(messages[next].Content):
					out = append(out, Exchange{Question: strings.Join(question, "\n"), Answer: answer, Source: SourceUserLike})
				}
			}
			question = nil
			i = next
		default:
			i++
		}
	}
	return out
}

// joinRun joins the messages of one role starting at i and returns the index
// after the run.
func joinRun(messages []database.ChatMessage, i int) (string, int) {
	role := messages[i].Role
	var parts []string
	for ; i < len(messages) && messages[i].Role == role; i++ {
		if text := strings.TrimSpace(messages[i].Content); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n"), i
}

func thanks(text string) bool {
	return containsAny(strings.ToLower(text), gratitudeStems)
}
