package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"line-agent-relay/internal/domain"
	"line-agent-relay/internal/integrations/agent"
)

type HistoryReadWriter interface {
	Load(ctx context.Context, sessionKey string) ([]domain.ChatMessage, error)
	Save(ctx context.Context, sessionKey string, turns []domain.ChatMessage) error
}

type AgentRunner interface {
	Run(ctx context.Context, sessionKey string, history []domain.ChatMessage) string
}

type ReplySender interface {
	Reply(ctx context.Context, replyToken, text string) error
}

// RelayService drives one inbound text event through the pipeline:
// history load, user turn append, agent run, assistant turn append, history
// save, reply delivery. Storage failures degrade (fresh history on a failed
// read, dropped window on a failed write); losing history is acceptable,
// losing the ability to reply is not.
type RelayService struct {
	history HistoryReadWriter
	agent   AgentRunner
	replies ReplySender
	logger  *slog.Logger
}

func NewRelayService(history HistoryReadWriter, agentClient AgentRunner, replies ReplySender) (*RelayService, error) {
	if history == nil {
		return nil, errors.New("usecase: history store must not be nil")
	}
	if agentClient == nil {
		return nil, errors.New("usecase: agent runner must not be nil")
	}
	if replies == nil {
		return nil, errors.New("usecase: reply sender must not be nil")
	}
	return &RelayService{
		history: history,
		agent:   agentClient,
		replies: replies,
		logger:  slog.Default(),
	}, nil
}

// Relay processes one text event end to end. It makes exactly one reply
// attempt against the event's single-use token: the agent layer already maps
// its own failures to deliverable text, and anything unexpected is caught
// here and answered with a generic apology so the user's one reply
// opportunity is not wasted. The returned error is for the caller's log only;
// it never aborts sibling events.
func (s *RelayService) Relay(ctx context.Context, ev domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("relay pipeline panic", "session", ev.SessionKey(), "panic", r)
			if replyErr := s.replies.Reply(ctx, ev.ReplyToken, agent.ErrorText); replyErr != nil {
				s.logger.Error("apology reply failed", "session", ev.SessionKey(), "err", replyErr)
			}
			err = newError(ErrorInternal, "relay_panic", fmt.Errorf("panic: %v", r))
		}
	}()

	key := ev.SessionKey()
	s.logger.Info("relaying message", "session", key, "text", headOf(ev.Message.Text, 100))

	turns, loadErr := s.history.Load(ctx, key)
	if loadErr != nil {
		// Store outage degrades to a fresh conversation, never a failure.
		s.logger.Warn("history load failed, starting fresh", "session", key, "err", loadErr)
		turns = nil
	}
	turns = append(turns, domain.ChatMessage{Role: domain.RoleUser, Content: ev.Message.Text})

	reply := s.agent.Run(ctx, key, turns)
	s.logger.Info("agent replied", "session", key, "reply", headOf(reply, 200))

	turns = append(turns, domain.ChatMessage{Role: domain.RoleAssistant, Content: reply})
	if saveErr := s.history.Save(ctx, key, turns); saveErr != nil {
		s.logger.Warn("history save failed, dropping window", "session", key, "err", saveErr)
	}

	if replyErr := s.replies.Reply(ctx, ev.ReplyToken, reply); replyErr != nil {
		return newError(ErrorDelivery, "reply_delivery_failed", replyErr)
	}
	return nil
}

func headOf(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
