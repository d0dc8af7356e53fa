package relay

import "sync"

// Reply is the response future of one inbound message. The first Send wins;
// later sends are rejected and logged.
type Reply struct {
	msgID   string
	once    sync.Once
	deliver func(Result)
}

// NewReply creates a reply that hands the first result to deliver.
// Transports use it; handlers only call Send.
func NewReply(msgID string, deliver func(Result)) *Reply {
	return &Reply{msgID: msgID, deliver: deliver}
}

// Send delivers r to the requester.
func (r *Reply) Send(res Result) error {
	sent := false
	r.once.Do(func() {
		sent = true
		r.deliver(res)
	})
	if !sent {
		debugLog.Warnf("Dropping second reply for message %s: %s", r.msgID, res.Status)
		return ErrAlreadyReplied
	}
	return nil
}
