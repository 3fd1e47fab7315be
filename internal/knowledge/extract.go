package knowledge

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// countries maps a country tag to the word stems that mention it.
var countries = []struct {
	tag   string
	stems []string
}{
	{"италия", []string{"итали"}},
	{"греция", []string{"греци", "греческ"}},
	{"франция", []string{"франци", "французск"}},
	{"испания", []string{"испани", "испанск"}},
	{"болгария", []string{"болгари", "болгарск"}},
	{"великобритания", []string{"великобритани", "англи"}},
	{"сша", []string{"сша", "америк", "соединенн"}},
	{"япония", []string{"япони", "японск"}},
	{"швейцария", []string{"швейцари", "швейцарск"}},
	{"германия", []string{"германи", "немецк"}},
	{"австрия", []string{"австри"}},
	{"чехия", []string{"чехи", "чешск"}},
	{"польша", []string{"польш", "польск"}},
	{"португалия", []string{"португали", "португальск"}},
	{"нидерланды", []string{"нидерланд", "голланди", "голландск"}},
	{"кипр", []string{"кипр"}},
}

var tagKeywords = []struct {
	tag   string
	stems []string
}{
	{"виза", []string{"виза", "визы", "визов"}},
	{"шенген", []string{"шенген"}},
	{"документы", []string{"документ", "паспорт", "справк"}},
	{"стоимость", []string{"стоимост", "цена", "тариф", "оплат"}},
	{"сроки", []string{"срок", "день", "недел", "месяц"}},
}

func containsAny(s string, stems []string) bool {
	for _, stem := range stems {
		if strings.Contains(s, stem) {
			return true
		}
	}
	return false
}

// Country returns the country tag mentioned in text, if any.
func Country(text string) string {
	t := lowerTrim(text)
	for _, c := range countries {
		if containsAny(t, c.stems) {
			return c.tag
		}
	}
	return ""
}

// ExtractTags derives search tags from text.
func ExtractTags(text string) []string {
	t := lowerTrim(text)
	var tags []string
	if c := Country(t); c != "" {
		tags = append(tags, c)
	}
	for _, k := range tagKeywords {
		if containsAny(t, k.stems) {
			tags = append(tags, k.tag)
		}
	}
	return tags
}

// GuessCategory picks a category key from the words of a topic.
func GuessCategory(topic string) string {
	t := lowerTrim(topic)
	schengen := []string{"шенген", "итали", "греци", "франци", "испани"}
	switch {
	case containsAny(t, append([]string{"виза"}, schengen...)):
		if containsAny(t, schengen) {
			return "визы_шенген"
		}
		return "визы_другие"
	case containsAny(t, []string{"документ", "паспорт", "справк"}):
		return "документы"
	case containsAny(t, []string{"стоимост", "цена", "тариф", "оплат"}):
		return "стоимость"
	case containsAny(t, []string{"срок", "день", "недел", "месяц"}):
		return "сроки"
	case containsAny(t, []string{"процесс", "оформлен", "подач"}):
		return "процесс"
	case containsAny(t, []string{"услови", "ограничен", "особ"}):
		return "особые_условия"
	}
	return CategoryGeneral
}

// ParseKnowledgeText splits free text into cards. Paragraphs are separated by
// blank lines. A short paragraph that is not a list and has no sentence dot
// starts a new topic, as does one ending with a colon or starting with '#'.
// Text before the first header goes under a general topic.
func ParseKnowledgeText(text string) []CardInput {
	var cards []CardInput
	var topic string
	var facts []string

	flush := func() {
		if topic != "" && len(facts) > 0 {
			cards = append(cards, CardInput{
				Topic:    topic,
				Category: GuessCategory(topic),
				Facts:    facts,
				Tags:     ExtractTags(topic + " " + strings.Join(facts, " ")),
				Priority: PriorityMedium,
			})
		}
		facts = nil
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if isHeader(para) {
			flush()
			topic = strings.TrimSpace(strings.NewReplacer("#", "", ":", "").Replace(para))
			continue
		}
		if topic == "" {
			topic = "Общая информация"
		}
		if strings.HasPrefix(para, "-") || strings.HasPrefix(para, "•") {
			for _, line := range strings.Split(para, "\n") {
				if f := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-•")); f != "" {
					facts = append(facts, f)
				}
			}
			continue
		}
		facts = append(facts, para)
	}
	flush()
	return cards
}

func isHeader(para string) bool {
	if strings.HasPrefix(para, "-") || strings.HasPrefix(para, "•") {
		return false
	}
	if utf8.RuneCountInString(para) >= 100 {
		return false
	}
	head := para
	if r := []rune(para); len(r) > 50 {
		head = string(r[:50])
	}
	return strings.HasSuffix(para, ":") ||
		!strings.Contains(head, ".") ||
		strings.HasPrefix(para, "#") ||
		isUpper(para)
}

func isUpper(s string) bool {
	hasLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			hasLetter = true
			if !unicode.IsUpper(r) {
				return false
			}
		}
	}
	return hasLetter
}
