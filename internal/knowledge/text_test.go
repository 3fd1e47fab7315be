package knowledge

import (
	"strings"
	"testing"
	"unicode/utf8"

	"pgregory.net/rapid"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"lowercase and punctuation", "Сколько СТОИТ виза?!", "сколько стоит виза"},
		{"url with scheme", "смотрите https://example.com/visa?id=1 здесь", "смотрите здесь"},
		{"bare domain", "сайт visaway.ru тут", "сайт тут"},
		{"mention", "@manager_1 привет", "привет"},
		{"whitespace", "  много \t\n пробелов  ", "много пробелов"},
		{"underscore kept", "код_1", "код_1"},
		{"digits kept", "90 из 180 дней", "90 из 180 дней"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Normalize(tt.input); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	t.Parallel()

	alphabet := rapid.SampledFrom([]string{
		"а", "Б", "в", "Ж", "я", "a", "Z", "q", "1", "0", "_", " ", "\t", "\n",
		"?", "!", ".", ",", "-", "@", ":", "/", "https://", "www.", ".ru", ".com",
	})
	rapid.Check(t, func(t *rapid.T) {
		parts := rapid.SliceOfN(alphabet, 0, 40).Draw(t, "parts")
		s := strings.Join(parts, "")
		once := Normalize(s)
		if twice := Normalize(once); twice != once {
			t.Fatalf("Normalize not idempotent: %q -> %q -> %q", s, once, twice)
		}
	})
}

func TestSimilarity(t *testing.T) {
	t.Parallel()

	if got := Similarity("виза", "виза"); got != 1 {
		t.Errorf("Similarity(same) = %v, want 1", got)
	}
	if got := Similarity("", ""); got != 1 {
		t.Errorf("Similarity(empty) = %v, want 1", got)
	}
	if got := Similarity("абв", "где"); got != 0 {
		t.Errorf("Similarity(disjoint) = %v, want 0", got)
	}
	// Three matching runes over eight in total: 2*3/8.
	if got := Similarity("виза", "визы"); got != 0.75 {
		t.Errorf("Similarity(виза, визы) = %v, want 0.75", got)
	}
}

func TestAdaptiveCutoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want float64
	}{
		{"виза", CutoffShort},
		{"сколько стоит виза", CutoffShort},
		{"сколько стоит виза в италию", CutoffMedium},
		{strings.Repeat("слово ", 11), CutoffLong},
	}
	for _, tt := range tests {
		if got := AdaptiveCutoff(tt.text); got != tt.want {
			t.Errorf("AdaptiveCutoff(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if got := Truncate("короткий", 950); got != "короткий" {
		t.Errorf("Truncate(short) = %q", got)
	}
	if got := Truncate("один два три", 9); got != "один два..." {
		t.Errorf("Truncate(at space) = %q", got)
	}
	long := strings.Repeat("я", 300)
	if got := Truncate(long, 200); got != strings.Repeat("я", 200)+"..." {
		t.Errorf("Truncate(no space) has %d runes", utf8.RuneCountInString(got))
	}
	// A space earlier than the last 120 runes is not used.
	far := "ab " + strings.Repeat("x", 200)
	if got := Truncate(far, 150); utf8.RuneCountInString(got) != 153 {
		t.Errorf("Truncate(far space) has %d runes, want 153", utf8.RuneCountInString(got))
	}
}

func TestTruncateBound(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		s := rapid.StringOf(rapid.SampledFrom([]rune("ab вг \n."))).Draw(t, "s")
		n := rapid.IntRange(0, 300).Draw(t, "max")
		got := Truncate(s, n)
		if utf8.RuneCountInString(got) > n+3 {
			t.Fatalf("Truncate(%q, %d) = %q exceeds bound", s, n, got)
		}
		if utf8.RuneCountInString(s) <= n && got != s {
			t.Fatalf("Truncate changed a short string: %q -> %q", s, got)
		}
	})
}

func TestSanitize(t *testing.T) {
	t.Parallel()

	if got := Sanitize("  **Цена:** 5000 ₽ #виза "); got != "Цена: 5000 ₽ виза" {
		t.Errorf("Sanitize() = %q", got)
	}
}
