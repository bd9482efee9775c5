package i18n

import (
	"context"
	"strings"
	"testing"
)

func TestInitAndTranslate(t *testing.T) {
	if err := Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	ctx := WithLocalizer(context.Background(), NewLocalizer("en"))
	if got := T(ctx, "feedback.correct"); got != "Correct!" {
		t.Errorf("expected 'Correct!', got %q", got)
	}

	ruCtx := WithLocalizer(context.Background(), NewLocalizer("ru"))
	if got := T(ruCtx, "feedback.correct"); got != "Верно!" {
		t.Errorf("expected Russian translation, got %q", got)
	}
}

func TestTemplateData(t *testing.T) {
	if err := Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	ctx := WithLocalizer(context.Background(), NewLocalizer("en"))
	got := Td(ctx, "feedback.match", map[string]any{"Percent": 85})
	if !strings.Contains(got, "85%") {
		t.Errorf("expected interpolated percent, got %q", got)
	}
}

func TestMissingTranslationFallsBackToID(t *testing.T) {
	if err := Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	ctx := context.Background()
	if got := T(ctx, "no.such.message"); got != "no.such.message" {
		t.Errorf("expected message ID fallback, got %q", got)
	}
}

func TestInitRejectsBadLanguage(t *testing.T) {
	if err := Init("not a language tag!!"); err == nil {
		t.Error("expected error for invalid language tag")
	}
}
