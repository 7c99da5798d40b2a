package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/dgellow/bot-auth-bridge/internal/conversation"
	jsonwriter "github.com/dgellow/bot-auth-bridge/internal/json"
	"github.com/dgellow/bot-auth-bridge/internal/log"
)

const maxMessageBytes = 64 << 10

// Dispatcher runs a conversation turn.
type Dispatcher interface {
	Dispatch(ctx context.Context, turn conversation.Turn) error
}

// Outbox holds bot messages until the client collects them.
type Outbox interface {
	Drain(conversationKey string) []conversation.OutboundMessage
}

// MessageRequest is a user message sent to the bot.
type MessageRequest struct {
	Conversation conversation.Reference `json:"conversation"`
	Text         string                 `json:"text"`
}

// MessageResponse carries everything the bot posted to the conversation
// since the last request, including messages from browser callbacks.
type MessageResponse struct {
	Messages []conversation.OutboundMessage `json:"messages"`
}

// MessagesHandler is a minimal chat channel: each POST is one turn.
type MessagesHandler struct {
	dispatcher Dispatcher
	outbox     Outbox
}

func NewMessagesHandler(dispatcher Dispatcher, outbox Outbox) *MessagesHandler {
	return &MessagesHandler{dispatcher: dispatcher, outbox: outbox}
}

func (h *MessagesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonwriter.WriteMethodNotAllowed(w, http.MethodPost)
		return
	}

	var req MessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes)).Decode(&req); err != nil {
		jsonwriter.WriteBadRequest(w, "Invalid message body")
		return
	}
	ref := req.Conversation
	if ref.ChannelID == "" || ref.ConversationID == "" || ref.User.ID == "" {
		jsonwriter.WriteBadRequest(w, "conversation.channelId, conversation.conversationId and conversation.user.id are required")
		return
	}

	turn := conversation.Turn{Ref: ref, Event: conversation.Message{Text: req.Text}}
	if err := h.dispatcher.Dispatch(r.Context(), turn); err != nil {
		log.LogErrorWithFields("http", "Turn failed", map[string]any{
			"conversation": ref.Key(),
			"error":        err.Error(),
		})
		jsonwriter.WriteInternalServerError(w, "Failed to process message")
		return
	}

	messages := h.outbox.Drain(ref.Key())
	if messages == nil {
		messages = []conversation.OutboundMessage{}
	}
	_ = jsonwriter.Write(w, MessageResponse{Messages: messages})
}
