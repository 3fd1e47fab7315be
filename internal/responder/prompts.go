package responder

import "strings"

// systemRules is always sent after the operator's system prompt.
const systemRules = "[ПРИОРИТЕТЫ]\n\n" +
	"P0 FAQ_MATCH: Если вопрос пользователя совпал (точно или ~≥0.9 схожести после нормализации) " +
	"с вопросом из FAQ, выведи строго поле «Ответ» для этого вопроса. " +
	"НИЧЕГО не добавляй и не перефразируй. Разрешено только: обрезать текст до 950 символов.\n\n" +
	"P1 DYNAMIC: Если FAQ_MATCH не сработал, отвечай по динамической информации.\n\n" +
	"P2 STYLE: Применяй стиль (вежливо, без длинных тире и звездочек), но НЕ изменяй факты P0/P1.\n\n" +
	"[СРАВНЕНИЕ]\n" +
	"- Перед сравнением сними ссылки/упоминания, приведи к нижнему регистру, убери пунктуацию и лишние пробелы.\n" +
	"- Если нашёл более одного кандидата, возьми с max score.\n\n" +
	"[ЕСЛИ НЕТ ДАННЫХ]\n" +
	"- Если в FAQ и динамике нет ответа: выведи ровно «" + FallbackPhrase + "»\n\n" +
	"ВАЖНО: Твой ответ не должен превышать 950 символов (ограничение Avito API). " +
	"Ты — вежливый визовый помощник. Будь лаконичен, но информативен. " +
	"Убирай звездочки из ответов, телеграм их не понимает."

const promptTemplate = `{system_prompt}

{system_rules}

Статическая информация о компании, услугах и профиле ассистента:
{static_context}

Динамическая информация о тарифах, услугах, стоимостях (актуальная на сегодня):
{dynamic_context}

История переписки с клиентом (последние сообщения):
{dialogue_context}

Найденные похожие вопросы и ответы из FAQ:
{faq_context}

ВАЖНО:
- Если P0 сработал (найден точный матч FAQ), данные из «Динамики» игнорируются, даже если противоречат FAQ.
- Если в FAQ и динамике нет информации для ответа на вопрос клиента,
  или если вопрос выходит за рамки твоих знаний — ОБЯЗАТЕЛЬНО напиши фразу:
  "{fallback}"

Имя клиента: {user_name}
Последний вопрос от клиента на который ты должен ответить:
{incoming_text}
`

const (
	emptyField   = "(нет)"
	unknownName  = "(неизвестно)"
	emptyMessage = "(пусто)"
)

// PromptInput holds the parts of an LLM prompt.
type PromptInput struct {
	SystemPrompt string
	Static       string
	Dynamic      string
	Dialogue     string
	Context      string
	UserName     string
	Text         string
}

// BuildPrompt renders the prompt. Empty parts are replaced with placeholders.
func BuildPrompt(in PromptInput) string {
	return strings.NewReplacer(
		"{system_prompt}", strings.TrimSpace(in.SystemPrompt),
		"{system_rules}", systemRules,
		"{static_context}", orDefault(in.Static, emptyField),
		"{dynamic_context}", orDefault(in.Dynamic, emptyField),
		"{dialogue_context}", orDefault(in.Dialogue, emptyField),
		"{faq_context}", orDefault(in.Context, emptyField),
		"{fallback}", FallbackPhrase,
		"{user_name}", orDefault(in.UserName, unknownName),
		"{incoming_text}", orDefault(in.Text, emptyMessage),
	).Replace(promptTemplate)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
