package llm

import (
	"encoding/json"
	"strings"

	"github.com/chatlift/conversation-engine/internal/model"
)

// BotReply is the structured verdict extracted from a completion.
type BotReply struct {
	Text           string               `json:"text"`
	Classification model.Classification `json:"classification"`
	Intent         string               `json:"intent,omitempty"`
	Confidence     float64              `json:"confidence,omitempty"`
}

// escalationMarkers are scanned when the model ignores the JSON format.
var escalationMarkers = []string{
	"cannot answer",
	"cannot help",
	"не могу ответить",
	"не могу помочь",
	"позову менеджера",
	"[escalate]",
}

// ParseReply extracts the structured reply from raw model output. The answer
// prompt asks for a JSON object; when the model ignores it, the raw text is
// taken as the answer and classified by marker scan. An empty reply escalates.
func ParseReply(raw string) BotReply {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return BotReply{Classification: model.ClassificationEscalate}
	}

	// Models often wrap JSON in a code fence.
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	if strings.HasPrefix(trimmed, "{") {
		var reply BotReply
		if err := json.Unmarshal([]byte(trimmed), &reply); err == nil && reply.Classification != "" {
			if !validClassification(reply.Classification) {
				reply.Classification = model.ClassificationEscalate
			}
			if reply.Classification == model.ClassificationAnswer && strings.TrimSpace(reply.Text) == "" {
				reply.Classification = model.ClassificationEscalate
			}
			return reply
		}
	}

	lower := strings.ToLower(trimmed)
	for _, marker := range escalationMarkers {
		if strings.Contains(lower, marker) {
			return BotReply{Text: trimmed, Classification: model.ClassificationEscalate}
		}
	}

	return BotReply{Text: trimmed, Classification: model.ClassificationAnswer}
}

func validClassification(c model.Classification) bool {
	switch c {
	case model.ClassificationAnswer, model.ClassificationEscalate, model.ClassificationOffTopic:
		return true
	}
	return false
}

// AnswerSystemPrompt is the default prompt when a tenant has no prompt row.
const AnswerSystemPrompt = `You are a customer support assistant for a business.
Answer strictly from the provided knowledge base context.
Respond with a JSON object: {"text": "...", "classification": "answer"|"escalate"|"off_topic", "intent": "...", "confidence": 0.0}.
Use "escalate" when the context does not contain the answer or the user asks for a human.
Use "off_topic" when the question is unrelated to the business.`

// BuildPrompt assembles the user turn from retrieved context chunks and the
// inbound question.
func BuildPrompt(contextChunks []string, question string) string {
	var b strings.Builder
	if len(contextChunks) > 0 {
		b.WriteString("Knowledge base context:\n")
		for _, chunk := range contextChunks {
			b.WriteString("- ")
			b.WriteString(chunk)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("Customer question: ")
	b.WriteString(question)
	return b.String()
}
