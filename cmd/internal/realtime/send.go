package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"deskwire/cmd/internal/ids"
	v1 "deskwire/shared/contracts/realtime/v1"
)

// SendRequest is one outbound message. ClientMsgNo is the idempotency key the
// server echoes back; an empty key is generated.
type SendRequest struct {
	ChannelID   string
	ChannelType ChannelType
	Payload     Payload
	ClientMsgNo string
}

// SendResult is the server's acceptance of a message.
type SendResult struct {
	ClientMsgNo string
	MessageID   string
	MessageSeq  int64
	ReasonCode  ReasonCode
}

func (r SendRequest) validate() error {
	if strings.TrimSpace(r.ChannelID) == "" {
		return fmt.Errorf("%w: missing channel id", ErrInvalidMessage)
	}
	if r.ChannelType == 0 {
		return fmt.Errorf("%w: missing channel type", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(r.Payload.Text) > maxMessageChars {
		return fmt.Errorf("%w: text longer than %d characters", ErrInvalidMessage, maxMessageChars)
	}
	return nil
}

// Send submits a message and waits for its acknowledgement.
//
// Preconditions are checked in order before anything is written: state
// consistency, presence of a connection, connected status, then a liveness
// probe when the connection supports one. A non-success reason code is
// returned as *SendError.
func (s *Session) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	h, err := s.usable()
	if err != nil {
		return SendResult{ClientMsgNo: req.ClientMsgNo}, err
	}

	if p, ok := h.conn.(Pinger); ok {
		pctx, cancel := context.WithTimeout(ctx, s.opts.PingTimeout)
		perr := p.Ping(pctx)
		cancel()
		if perr != nil {
			if ctx.Err() != nil {
				return SendResult{ClientMsgNo: req.ClientMsgNo}, ctx.Err()
			}
			lost := fmt.Errorf("%w: %v", ErrConnectionLost, perr)
			s.markDisconnected(h, lost)
			return SendResult{ClientMsgNo: req.ClientMsgNo}, lost
		}
	}

	if req.ClientMsgNo == "" {
		req.ClientMsgNo = ids.NewClientMsgNo()
	}
	res := SendResult{ClientMsgNo: req.ClientMsgNo}
	if req.Payload.Type == "" {
		req.Payload.Type = ContentText
	}
	if err := req.validate(); err != nil {
		return res, err
	}

	if !s.opts.SendLimiter.Allow(time.Now()) {
		se := &SendError{
			Code:           ReasonRateLimit,
			Classification: Classify(ReasonRateLimit),
			ClientMsgNo:    req.ClientMsgNo,
			Local:          true,
		}
		s.metrics.sendResult(CategoryRateLimit, -1)
		s.log.Info("session.send.limited", "channel_id", req.ChannelID, "client_msg_no", req.ClientMsgNo)
		return res, se
	}

	body, err := json.Marshal(req.Payload)
	if err != nil {
		return res, fmt.Errorf("%w: encode payload: %v", ErrInvalidMessage, err)
	}
	env, err := newEnvelope(v1.TypeMessageSend, v1.MessageSendPayload{
		ChannelID:   req.ChannelID,
		ChannelType: uint8(req.ChannelType),
		ClientMsgNo: req.ClientMsgNo,
		Payload:     body,
	})
	if err != nil {
		return res, err
	}

	s.signals.Publish(Signal{
		Name:        SignalMessageSent,
		ChannelID:   req.ChannelID,
		ChannelType: req.ChannelType,
		ClientMsgNo: req.ClientMsgNo,
	})

	start := time.Now()
	reply, err := h.request(ctx, env, s.opts.AckTimeout)
	if err != nil {
		if looksLikeConnectivity(err) {
			s.markDisconnected(h, err)
		}
		s.log.Warn("session.send.fail", "channel_id", req.ChannelID, "client_msg_no", req.ClientMsgNo, "err", err)
		return res, err
	}

	var ack v1.MessageAckPayload
	if err := decodeReply(reply, v1.TypeMessageAck, &ack); err != nil {
		s.log.Warn("session.send.rejected", "channel_id", req.ChannelID, "client_msg_no", req.ClientMsgNo, "err", err)
		return res, err
	}

	code := ReasonCode(ack.ReasonCode)
	cls := Classify(code)
	s.metrics.sendResult(cls.Category, time.Since(start).Seconds())

	res.MessageID = ack.MessageID
	res.MessageSeq = ack.MessageSeq
	res.ReasonCode = code
	if ack.ClientMsgNo != "" && ack.ClientMsgNo != req.ClientMsgNo {
		s.log.Warn("session.send.ack_mismatch", "want", req.ClientMsgNo, "got", ack.ClientMsgNo)
	}

	if code != ReasonSuccess {
		s.log.Info("session.send.reason", "channel_id", req.ChannelID, "client_msg_no", req.ClientMsgNo, "reason", cls.Key, "retryable", cls.Retryable)
		return res, &SendError{Code: code, Classification: cls, ClientMsgNo: req.ClientMsgNo}
	}
	return res, nil
}
