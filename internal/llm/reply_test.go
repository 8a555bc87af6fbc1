package llm

import (
	"strings"
	"testing"

	"github.com/chatlift/conversation-engine/internal/model"
)

func TestParseReplyJSON(t *testing.T) {
	raw := `{"text": "Стрижка стоит 1500 рублей.", "classification": "answer", "intent": "pricing", "confidence": 0.92}`
	reply := ParseReply(raw)
	if reply.Classification != model.ClassificationAnswer {
		t.Errorf("classification = %q, want answer", reply.Classification)
	}
	if reply.Text != "Стрижка стоит 1500 рублей." {
		t.Errorf("text = %q", reply.Text)
	}
	if reply.Intent != "pricing" || reply.Confidence != 0.92 {
		t.Errorf("intent/confidence = %q/%v", reply.Intent, reply.Confidence)
	}
}

func TestParseReplyFencedJSON(t *testing.T) {
	raw := "```json\n{\"text\": \"ok\", \"classification\": \"answer\"}\n```"
	reply := ParseReply(raw)
	if reply.Classification != model.ClassificationAnswer || reply.Text != "ok" {
		t.Errorf("fenced parse = %+v", reply)
	}
}

func TestParseReplyEscalation(t *testing.T) {
	cases := []string{
		`{"text": "", "classification": "escalate"}`,
		"I'm sorry, I cannot answer that question.",
		"К сожалению, не могу ответить на этот вопрос.",
		"",
		"   ",
		`{"text": "", "classification": "answer"}`, // empty answer escalates
		`{"text": "x", "classification": "bogus"}`, // unknown class escalates
	}
	for _, raw := range cases {
		if got := ParseReply(raw).Classification; got != model.ClassificationEscalate {
			t.Errorf("ParseReply(%q).Classification = %q, want escalate", raw, got)
		}
	}
}

func TestParseReplyPlainTextAnswer(t *testing.T) {
	reply := ParseReply("Мы работаем с 9 до 21.")
	if reply.Classification != model.ClassificationAnswer {
		t.Errorf("classification = %q, want answer", reply.Classification)
	}
	if reply.Text != "Мы работаем с 9 до 21." {
		t.Errorf("text = %q", reply.Text)
	}
}

func TestParseReplyOffTopic(t *testing.T) {
	reply := ParseReply(`{"text": "", "classification": "off_topic"}`)
	if reply.Classification != model.ClassificationOffTopic {
		t.Errorf("classification = %q, want off_topic", reply.Classification)
	}
}

func TestBuildPrompt(t *testing.T) {
	got := BuildPrompt([]string{"Haircut costs 1500", "Open 9-21"}, "How much is a haircut?")
	if !strings.Contains(got, "- Haircut costs 1500") {
		t.Errorf("prompt missing context chunk:\n%s", got)
	}
	if !strings.Contains(got, "Customer question: How much is a haircut?") {
		t.Errorf("prompt missing question:\n%s", got)
	}

	bare := BuildPrompt(nil, "hello")
	if strings.Contains(bare, "Knowledge base context") {
		t.Errorf("empty context should omit the context header:\n%s", bare)
	}
}
