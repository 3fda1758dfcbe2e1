package eventbus

import (
	"sync"
)

// Subscription delivers the messages of one address on a channel.
type Subscription struct {
	C <-chan *Message

	conn Connection
	reg  *Registration
	done chan struct{}
	once sync.Once
}

// Subscribe registers a handler that forwards to a channel with the given
// buffer. A full channel holds up the receive goroutine until the consumer
// catches up or the subscription ends.
func Subscribe(conn Connection, address string, buffer int) (*Subscription, error) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan *Message, buffer)
	sub := &Subscription{
		C:    ch,
		conn: conn,
		done: make(chan struct{}),
	}
	reg, err := conn.RegisterHandler(address, func(msg *Message) {
		select {
		case ch <- msg:
		case <-sub.done:
		case <-conn.Done():
		}
	})
	if err != nil {
		return nil, err
	}
	sub.reg = reg
	return sub, nil
}

func (s *Subscription) Address() string {
	return s.reg.Address()
}

// Done is closed by Unsubscribe. C itself is never closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.conn.UnregisterHandler(s.reg)
	})
	return err
}
