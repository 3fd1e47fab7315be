package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/edgard/avito-autoanswer/internal/database"
	"github.com/edgard/avito-autoanswer/internal/logger"
)

func newTestManager(t testing.TB) (*Manager, *time.Time) {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("NewDB() error = %v", err)
	}
	t.Cleanup(func() { database.CloseDB(db) })

	now := time.Unix(1_700_000_000, 0)
	m := NewManager(database.NewStore(db, nil), 15, "gpt-4o", logger.Discard())
	m.now = func() time.Time { return now }
	return m, &now
}

func TestCanReplyStates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, now := newTestManager(t)

	ok, err := m.CanReply(ctx, "", *now)
	if err != nil || !ok {
		t.Errorf("CanReply(\"\") = %v, %v; want true", ok, err)
	}
	if ok, _ := m.CanReply(ctx, "u2i-free", *now); !ok {
		t.Error("CanReply(no session) = false")
	}

	if err := m.SetWaitingManager(ctx, "u2i-wait"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := m.CanReply(ctx, "u2i-wait", now.Add(24*time.Hour)); ok {
		t.Error("CanReply(waiting_manager) = true")
	}

	if err := m.SetCooldown(ctx, "u2i-cool", 10); err != nil {
		t.Fatal(err)
	}
	if ok, _ := m.CanReply(ctx, "u2i-cool", now.Add(9*time.Minute)); ok {
		t.Error("CanReply(active cooldown) = true")
	}
	if ok, _ := m.CanReply(ctx, "u2i-cool", now.Add(11*time.Minute)); !ok {
		t.Error("CanReply(expired cooldown) = false")
	}
	if s, _ := m.Info(ctx, "u2i-cool"); s != nil {
		t.Errorf("expired cooldown was not removed: %+v", s)
	}
}

func TestSetCooldownMinutes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, now := newTestManager(t)

	if err := m.SetCooldown(ctx, "u2i-default", -1); err != nil {
		t.Fatal(err)
	}
	s, err := m.Info(ctx, "u2i-default")
	if err != nil || s == nil {
		t.Fatalf("Info() = %v, %v", s, err)
	}
	if want := now.Add(15 * time.Minute).Unix(); s.UntilUnix.Int64 != want {
		t.Errorf("until = %d, want %d", s.UntilUnix.Int64, want)
	}

	if err := m.SetWaitingManager(ctx, "u2i-zero"); err != nil {
		t.Fatal(err)
	}
	if err := m.SetCooldown(ctx, "u2i-zero", 0); err != nil {
		t.Fatal(err)
	}
	if s, _ := m.Info(ctx, "u2i-zero"); s != nil {
		t.Errorf("zero cooldown kept session %+v", s)
	}
}

func TestSettingsDefaults(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := newTestManager(t)

	if on, _ := m.Enabled(ctx); !on {
		t.Error("Enabled() default = false")
	}
	if mode, _ := m.Mode(ctx); mode != ModeFull {
		t.Errorf("Mode() default = %q", mode)
	}
	if pct, _ := m.PartialPercentage(ctx); pct != 50 {
		t.Errorf("PartialPercentage() default = %d", pct)
	}
	if model, _ := m.Model(ctx); model != "gpt-4o" {
		t.Errorf("Model() default = %q", model)
	}
}

func TestSettersValidate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := newTestManager(t)

	tests := []struct {
		name string
		err  error
	}{
		{"mode", m.SetMode(ctx, "auto")},
		{"percentage high", m.SetPartialPercentage(ctx, 101)},
		{"percentage low", m.SetPartialPercentage(ctx, -1)},
		{"model", m.SetModel(ctx, "gpt-3")},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, ErrInvalidValue) {
			t.Errorf("%s: error = %v, want ErrInvalidValue", tt.name, tt.err)
		}
	}

	if err := m.SetModel(ctx, "gpt-5-mini"); err != nil {
		t.Fatal(err)
	}
	if model, _ := m.Model(ctx); model != "gpt-5-mini" {
		t.Errorf("Model() = %q", model)
	}
}

func TestShouldAutoReply(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := newTestManager(t)

	if ok, _ := m.ShouldAutoReply(ctx, "u2i-1"); !ok {
		t.Error("full mode did not reply")
	}

	if err := m.SetMode(ctx, ModeListening); err != nil {
		t.Fatal(err)
	}
	if ok, _ := m.ShouldAutoReply(ctx, "u2i-1"); ok {
		t.Error("listening mode replied")
	}

	if err := m.SetMode(ctx, ModePartial); err != nil {
		t.Fatal(err)
	}
	for _, pct := range []int{0, 100} {
		if err := m.SetPartialPercentage(ctx, pct); err != nil {
			t.Fatal(err)
		}
		ok, _ := m.ShouldAutoReply(ctx, "u2i-1")
		if ok != (pct == 100) {
			t.Errorf("partial %d%% reply = %v", pct, ok)
		}
	}

	if err := m.SetMode(ctx, ModeFull); err != nil {
		t.Fatal(err)
	}
	if err := m.SetEnabled(ctx, false); err != nil {
		t.Fatal(err)
	}
	if ok, _ := m.ShouldAutoReply(ctx, "u2i-1"); ok {
		t.Error("disabled bot replied")
	}
}

func TestBucketIsStable(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		id := rapid.StringMatching(`u2[iu]-[A-Za-z0-9_~]{1,30}`).Draw(t, "chat_id")
		b := Bucket(id)
		if b < 0 || b > 99 {
			t.Fatalf("Bucket(%q) = %d out of range", id, b)
		}
		if Bucket(id) != b {
			t.Fatalf("Bucket(%q) not stable", id)
		}
	})
}

// The bot stays silent while waiting for a manager and during an active
// cooldown, and answers otherwise.
func TestCanReplyStateMachine(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, now := newTestManager(t)

	rapid.Check(t, func(rt *rapid.T) {
		chatID := rapid.StringMatching(`u2i-[a-z0-9]{6}`).Draw(rt, "chat_id")
		action := rapid.SampledFrom([]string{"wait", "cooldown", "clear"}).Draw(rt, "action")
		minutes := rapid.IntRange(1, 120).Draw(rt, "minutes")
		offset := rapid.IntRange(-10, 240).Draw(rt, "offset_minutes")
		at := now.Add(time.Duration(offset) * time.Minute)

		var err error
		switch action {
		case "wait":
			err = m.SetWaitingManager(ctx, chatID)
		case "cooldown":
			err = m.SetCooldown(ctx, chatID, minutes)
		case "clear":
			err = m.Clear(ctx, chatID)
		}
		if err != nil {
			rt.Fatalf("%s: %v", action, err)
		}

		ok, err := m.CanReply(ctx, chatID, at)
		if err != nil {
			rt.Fatal(err)
		}
		var want bool
		switch action {
		case "wait":
			want = false
		case "cooldown":
			want = offset > minutes
		case "clear":
			want = true
		}
		if ok != want {
			rt.Fatalf("CanReply after %s(%d) at +%dm = %v, want %v", action, minutes, offset, ok, want)
		}
	})
}
