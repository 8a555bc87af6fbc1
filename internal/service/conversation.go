package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/chatlift/conversation-engine/internal/fsm"
	"github.com/chatlift/conversation-engine/internal/llm"
	"github.com/chatlift/conversation-engine/internal/model"
	"github.com/chatlift/conversation-engine/internal/retrieval"
	"github.com/chatlift/conversation-engine/internal/store"
	"github.com/chatlift/conversation-engine/pkg/logger"
	"github.com/chatlift/conversation-engine/pkg/metrics"
)

// ErrClientDisabled is returned for inbound traffic on a disabled tenant.
var ErrClientDisabled = errors.New("client is disabled")

// contextMessages caps how much history feeds the completion.
const contextMessages = 10

// retrievalLimit caps knowledge base chunks per question.
const retrievalLimit = 5

// ConversationService runs the inbound message pipeline: resolve the tenant
// and user, record the message, and decide whether the bot answers.
type ConversationService struct {
	store      Datastore
	settings   SettingsSource
	retriever  retrieval.Retriever
	llm        llm.Client
	escalation *EscalationService
	events     EventSink
	logger     *logger.Logger
}

// NewConversationService wires the conversation service.
func NewConversationService(st Datastore, settings SettingsSource, r retrieval.Retriever, client llm.Client, esc *EscalationService, sink EventSink, log *logger.Logger) *ConversationService {
	return &ConversationService{
		store:      st,
		settings:   settings,
		retriever:  r,
		llm:        client,
		escalation: esc,
		events:     sink,
		logger:     log,
	}
}

// HandleInbound processes one webhook message end to end. Business outcomes
// (muted, escalated, empty reply) are reported in the response state, not as
// errors. A redelivery carrying a known channel message id replays the
// recorded outcome without re-running the pipeline.
func (s *ConversationService) HandleInbound(ctx context.Context, req *model.InboundRequest) (*model.InboundResponse, error) {
	client, err := s.store.GetClient(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}
	if client.Status != model.ClientActive {
		return nil, ErrClientDisabled
	}

	// First transaction: resolve the user and conversation, record the
	// inbound message. Committed before any external call so the pool
	// connection is not held across retrieval or the LLM.
	var (
		conv      *model.Conversation
		user      *model.User
		inbound   *model.Message
		duplicate bool
	)
	err = s.store.WithTx(ctx, func(tx pgx.Tx) error {
		user, err = s.store.UpsertUser(ctx, tx, req.ClientID, req.RemoteJID, model.UserProfile{
			Name:  req.Name,
			Phone: req.Phone,
		})
		if err != nil {
			return err
		}

		var created bool
		conv, created, err = s.store.GetOrCreateConversation(ctx, tx, req.ClientID, user.ID, req.BranchID)
		if err != nil {
			return err
		}
		if created {
			metrics.ConversationsTotal.WithLabelValues(req.ClientID.String()).Inc()
		}

		if conv.State == model.StateBotMuted && !conv.Muted(time.Now().UTC()) {
			// Mute expiry is observed lazily on inbound traffic.
			next, _, ferr := fsm.Next(conv.State, fsm.EventMuteExpired, fsm.Guards{
				Now:       time.Now().UTC(),
				MuteUntil: conv.MuteUntil,
			})
			if ferr != nil {
				return ferr
			}
			if err := s.store.ApplyConversationUpdate(ctx, tx, conv.ID, store.ConversationUpdate{
				State:     next,
				ClearMute: true,
			}); err != nil {
				return err
			}
			metrics.StateTransitionsTotal.WithLabelValues(string(conv.State), string(next)).Inc()
			conv.State = next
			conv.MuteUntil = nil
		}

		now := time.Now().UTC()
		msg := &model.Message{
			ID:             uuid.Must(uuid.NewV7()),
			ConversationID: conv.ID,
			ClientID:       conv.ClientID,
			Role:           model.RoleUser,
			Content:        req.Content,
		}
		if req.MessageID != "" {
			msg.ExternalID = &req.MessageID
		}
		var recorded bool
		inbound, recorded, err = s.store.RecordInbound(ctx, tx, msg)
		if err != nil {
			return err
		}
		duplicate = !recorded
		if duplicate {
			return nil
		}
		return s.store.TouchLastInbound(ctx, tx, conv.ID, now)
	})
	if err != nil {
		return nil, err
	}

	resp := &model.InboundResponse{
		Success:        true,
		ConversationID: conv.ID,
		State:          string(conv.State),
	}

	// A retry of an already-recorded delivery: the original run owns the
	// reply; answering again would double-send.
	if duplicate {
		return resp, nil
	}
	metrics.MessagesTotal.WithLabelValues(conv.ClientID.String(), string(model.RoleUser)).Inc()

	// The bot stays silent while muted or while a handover is in play.
	if conv.State != model.StateBotActive || conv.Muted(time.Now().UTC()) {
		return resp, nil
	}

	return s.decideBotReply(ctx, req, client, conv, inbound, resp)
}

// decideBotReply runs retrieval and the LLM outside any transaction, then
// commits the verdict (answer envelope or escalation) in a second one. The
// conversation is re-locked and re-checked in that transaction: a manager
// may have taken over while the completion ran.
func (s *ConversationService) decideBotReply(ctx context.Context, req *model.InboundRequest, client *model.Client, conv *model.Conversation, inbound *model.Message, resp *model.InboundResponse) (*model.InboundResponse, error) {
	reply, err := s.complete(ctx, client, conv, req)
	if err != nil {
		s.logger.WithConversation(conv.ClientID.String(), conv.ID.String()).Warn(
			"completion failed, escalating", zap.Error(err))
		reply = llm.BotReply{Classification: model.ClassificationEscalate}
	}

	cs, err := s.settings.Get(ctx, conv.ClientID)
	if err != nil {
		return nil, err
	}

	var ev eventBuffer
	answered := false
	err = s.store.WithTx(ctx, func(tx pgx.Tx) error {
		locked, err := s.store.GetConversationForUpdate(ctx, tx, conv.ID)
		if err != nil {
			return err
		}
		if locked.State != model.StateBotActive || locked.Muted(time.Now().UTC()) {
			// The conversation moved on while the completion ran.
			resp.State = string(locked.State)
			return nil
		}

		if reply.Classification == model.ClassificationEscalate {
			user, err := s.store.GetUser(ctx, locked.UserID)
			if err != nil {
				return err
			}
			if _, herr := s.escalation.Escalate(ctx, tx, locked, user, "bot_cannot_answer", req.Content, &ev); herr != nil {
				return herr
			}
			resp.State = string(locked.State)
			resp.Intent = string(model.ClassificationEscalate)
			resp.BotResponse = cs.EscalationAck

			// Canned acknowledgement back to the user, deduplicated on
			// the inbound message id against webhook retries.
			return s.enqueueReply(ctx, tx, locked, req, inbound.ID, cs.EscalationAck)
		}

		now := time.Now().UTC()
		msg := &model.Message{
			ID:             uuid.Must(uuid.NewV7()),
			ConversationID: locked.ID,
			ClientID:       locked.ClientID,
			Role:           model.RoleAssistant,
			Content:        reply.Text,
		}
		if reply.Intent != "" {
			msg.Intent = &reply.Intent
		}
		if reply.Confidence > 0 {
			msg.Confidence = &reply.Confidence
		}
		if _, err := s.store.InsertMessage(ctx, tx, msg); err != nil {
			return err
		}
		if err := s.store.ApplyConversationUpdate(ctx, tx, locked.ID, store.ConversationUpdate{
			State:          locked.State,
			LastBotReplyAt: &now,
		}); err != nil {
			return err
		}

		answered = true
		resp.Intent = reply.Intent
		resp.BotResponse = reply.Text
		return s.enqueueReply(ctx, tx, locked, req, inbound.ID, reply.Text)
	})
	if err != nil {
		return nil, err
	}
	ev.flush(ctx, s.events)

	if answered {
		metrics.MessagesTotal.WithLabelValues(conv.ClientID.String(), string(model.RoleAssistant)).Inc()
	}
	return resp, nil
}

// complete runs retrieval and the completion for one question.
func (s *ConversationService) complete(ctx context.Context, client *model.Client, conv *model.Conversation, req *model.InboundRequest) (llm.BotReply, error) {
	knowledgeTag := ""
	if conv.BranchID != nil {
		if branch, err := s.store.GetBranch(ctx, *conv.BranchID); err == nil {
			knowledgeTag = branch.KnowledgeTag
		}
	}

	var chunks []string
	if s.retriever != nil {
		vector, err := s.retriever.Embed(ctx, req.Content)
		if err != nil {
			return llm.BotReply{}, fmt.Errorf("embedding failed: %w", err)
		}
		found, err := s.retriever.Search(ctx, client.Slug, knowledgeTag, vector, retrievalLimit)
		if err != nil {
			return llm.BotReply{}, fmt.Errorf("knowledge search failed: %w", err)
		}
		for _, c := range found {
			chunks = append(chunks, c.Text)
		}
	}

	system := llm.AnswerSystemPrompt
	if prompt, err := s.store.GetActivePrompt(ctx, conv.ClientID); err == nil {
		system = prompt.Content
	}

	history, err := s.store.RecentMessages(ctx, s.store.Pool(), conv.ID, contextMessages)
	if err != nil {
		return llm.BotReply{}, err
	}
	// The inbound message is already recorded; it rides in the prompt turn
	// below, not in the history.
	if n := len(history); n > 0 && history[n-1].Role == model.RoleUser && history[n-1].Content == req.Content {
		history = history[:n-1]
	}
	messages := make([]llm.ChatMessage, 0, len(history)+1)
	for _, m := range history {
		switch m.Role {
		case model.RoleUser:
			messages = append(messages, llm.ChatMessage{Role: "user", Content: m.Content})
		case model.RoleAssistant:
			messages = append(messages, llm.ChatMessage{Role: "assistant", Content: m.Content})
		}
	}
	messages = append(messages, llm.ChatMessage{Role: "user", Content: llm.BuildPrompt(chunks, req.Content)})

	start := time.Now()
	out, err := s.llm.Complete(ctx, &llm.CompletionRequest{
		System:   system,
		Messages: messages,
	})
	if err != nil {
		return llm.BotReply{}, err
	}

	reply := llm.ParseReply(out.Content)
	metrics.RecordLLMRequest(out.Model, string(reply.Classification),
		time.Since(start).Seconds(), out.TokensIn, out.TokensOut)
	return reply, nil
}

// enqueueReply writes the user-facing reply envelope keyed by the inbound
// message id.
func (s *ConversationService) enqueueReply(ctx context.Context, tx pgx.Tx, conv *model.Conversation, req *model.InboundRequest, inboundID uuid.UUID, text string) error {
	raw, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	_, _, err = s.store.Enqueue(ctx, tx, &model.OutboxMessage{
		ID:               uuid.Must(uuid.NewV7()),
		ClientID:         conv.ClientID,
		ConversationID:   conv.ID,
		InboundMessageID: inboundID,
		Kind:             model.OutboxBotReply,
		Channel:          req.Channel,
		ChannelRef:       req.RemoteJID,
		Payload:          raw,
	})
	return err
}
