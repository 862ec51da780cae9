package network

import "sync"

// mailbox is an unbounded FIFO in front of an event channel. Producers never
// block, so transport callbacks cannot deadlock against a busy consumer.
type mailbox struct {
	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	out    chan Event
	done   chan struct{}
	wg     sync.WaitGroup
}

func newMailbox() *mailbox {
	m := &mailbox{
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

func (m *mailbox) push(ev Event) {
	m.mu.Lock()
	m.queue = append(m.queue, ev)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) run() {
	defer m.wg.Done()

	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			select {
			case <-m.notify:
				continue
			case <-m.done:
				return
			}
		}
		ev := m.queue[0]
		m.queue[0] = Event{}
		m.queue = m.queue[1:]
		m.mu.Unlock()

		select {
		case m.out <- ev:
		case <-m.done:
			return
		}
	}
}

// stop discards pending events and waits for the pump to exit.
func (m *mailbox) stop() {
	close(m.done)
	m.wg.Wait()

	m.mu.Lock()
	m.queue = nil
	m.mu.Unlock()
}
