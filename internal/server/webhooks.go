package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/leaddesk/internal/delivery"
	"github.com/zulandar/leaddesk/internal/dispatch"
	"github.com/zulandar/leaddesk/internal/inbound"
	"go.uber.org/zap"
)

// emptyTwiML acknowledges a messaging webhook without replying.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// SignatureHeader carries the provider's request signature.
const SignatureHeader = "X-Twilio-Signature"

// requireSignature rejects webhook calls whose signature does not match
// the auth token, the public URL and the posted form.
func (s *Server) requireSignature(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	params := make(map[string]string, len(c.Request.PostForm))
	for k, v := range c.Request.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	sig := c.GetHeader(SignatureHeader)
	if sig == "" || !s.validator.Validate(s.webhookURL(c.Request), params, sig) {
		s.log.Warn("webhook signature rejected",
			zap.String("path", c.FullPath()),
			zap.String("remote", c.ClientIP()),
			zap.Bool("signed", sig != ""))
		c.AbortWithStatus(http.StatusForbidden)
		return
	}
	c.Next()
}

// webhookURL is the URL the provider signed for r.
func (s *Server) webhookURL(r *http.Request) string {
	if s.opts.PublicURL != "" {
		return strings.TrimRight(s.opts.PublicURL, "/") + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// replyInstruction is passed to the agent for webhook-triggered dispatches.
const replyInstruction = "The lead just sent a new message. Reply if a reply is appropriate."

// handleInboundSMS stores the message, acknowledges immediately and hands
// the dispatch to the queue.
func (s *Server) handleInboundSMS(c *gin.Context) {
	msg := inbound.Message{
		From:        c.PostForm("From"),
		To:          c.PostForm("To"),
		Body:        c.PostForm("Body"),
		MediaURL:    c.PostForm("MediaUrl0"),
		ProviderRef: c.PostForm("MessageSid"),
	}
	rec, err := s.opts.Intake.Receive(c.Request.Context(), msg)
	switch {
	case errors.Is(err, delivery.ErrInvalidAddress):
		s.log.Warn("inbound from unusable sender", zap.String("from", msg.From))
	case err != nil:
		s.log.Error("inbound intake failed", zap.String("provider_ref", msg.ProviderRef), zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	case rec.NeedsReply:
		if err := s.opts.Queue.Submit(dispatch.Request{
			ConversationID: rec.ConversationID,
			Instruction:    replyInstruction,
		}); err != nil {
			s.log.Error("enqueue dispatch", zap.String("conversation_id", rec.ConversationID), zap.Error(err))
		}
	}
	c.Data(http.StatusOK, "text/xml; charset=utf-8", []byte(emptyTwiML))
}

// handleStatus applies a delivery receipt.
func (s *Server) handleStatus(c *gin.Context) {
	u := delivery.StatusUpdate{
		ProviderRef:  c.PostForm("MessageSid"),
		Status:       c.PostForm("MessageStatus"),
		ErrorCode:    c.PostForm("ErrorCode"),
		ErrorMessage: c.PostForm("ErrorMessage"),
	}
	if u.ProviderRef == "" || u.Status == "" {
		c.Status(http.StatusBadRequest)
		return
	}
	changed, err := s.opts.Receipts.ApplyReceipt(c.Request.Context(), u)
	switch {
	case errors.Is(err, delivery.ErrUnknownMessage):
		s.log.Debug("receipt for unknown message", zap.String("provider_ref", u.ProviderRef))
	case err != nil:
		s.log.Warn("apply receipt", zap.String("provider_ref", u.ProviderRef), zap.Error(err))
	case changed:
		s.log.Debug("receipt applied", zap.String("provider_ref", u.ProviderRef), zap.String("status", u.Status))
	}
	c.Status(http.StatusNoContent)
}
