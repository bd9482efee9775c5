package feedback

import (
	"strings"
	"testing"

	"github.com/pavelanni/prepdeck/internal/model"
)

func TestBuildExplainPrompt(t *testing.T) {
	q := model.Question{
		Text:          "Explain the difference between a process and a thread.",
		ReferenceText: "A process has its own address space; threads share one.",
		Explanation:   "Threads are units of scheduling within a process.",
	}

	prompt := buildExplainPrompt(q, "en")
	if !strings.Contains(prompt, q.Text) {
		t.Error("prompt should contain question text")
	}
	if !strings.Contains(prompt, q.ReferenceText) {
		t.Error("prompt should contain reference answer")
	}
	if !strings.Contains(prompt, q.Explanation) {
		t.Error("prompt should contain catalog explanation")
	}
	if !strings.Contains(prompt, "language: en") {
		t.Error("prompt should carry the requested language")
	}

	t.Run("empty reference and explanation", func(t *testing.T) {
		q2 := model.Question{Text: "What is a mutex?"}
		prompt := buildExplainPrompt(q2, "ru")
		if strings.Contains(prompt, "REFERENCE ANSWER") {
			t.Error("prompt should not contain reference section when empty")
		}
		if strings.Contains(prompt, "CATALOG EXPLANATION") {
			t.Error("prompt should not contain explanation section when empty")
		}
		if !strings.Contains(prompt, "language: ru") {
			t.Error("prompt should carry the requested language")
		}
	})
}
