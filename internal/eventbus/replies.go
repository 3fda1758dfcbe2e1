package eventbus

import (
	"sync"
)

// pendingReply is the raw-socket correlation entry. It is resolved exactly
// once, by whoever takes it out of the slot.
type pendingReply struct {
	destination  string
	replyAddress string
	handler      ReplyHandler
	done         chan struct{}

	// err is the local failure the wait ended with; nil when a frame
	// answered it.
	err error
}

func newPendingReply(destination, replyAddress string, h ReplyHandler) *pendingReply {
	return &pendingReply{
		destination:  destination,
		replyAddress: replyAddress,
		handler:      h,
		done:         make(chan struct{}),
	}
}

func (p *pendingReply) matches(address string) bool {
	return address == p.replyAddress || address == p.destination
}

func (p *pendingReply) resolve(msg *Message, err error, local bool) {
	if local {
		p.err = err
	}
	defer close(p.done)
	p.handler(msg, err)
}

// replySlot holds the single in-flight correlation entry of a raw-socket
// connection. take and takeIf clear the slot under the same lock that tests
// it.
type replySlot struct {
	mu  sync.Mutex
	cur *pendingReply
}

func (s *replySlot) arm(p *pendingReply) {
	s.mu.Lock()
	s.cur = p
	s.mu.Unlock()
}

// take claims the armed entry if it answers to address. An err frame with
// no address answers whatever is armed.
func (s *replySlot) take(address string, isErr bool) *pendingReply {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.cur
	if p == nil {
		return nil
	}
	if p.matches(address) || (isErr && address == "") {
		s.cur = nil
		return p
	}
	return nil
}

// takeIf claims p only if it is still armed.
func (s *replySlot) takeIf(p *pendingReply) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != p {
		return false
	}
	s.cur = nil
	return true
}

func (s *replySlot) takeAny() *pendingReply {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.cur
	s.cur = nil
	return p
}
