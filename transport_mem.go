package edk

import "sync"

// memTransport is an in-memory Transport backed by a pair of Go channels.
// It carries handles by reference (no serialization), making it suitable
// for exercising handle-transfer and route-multiplexing logic in tests
// without touching the OS. newMemTransportPair returns two ends wired to
// each other, the way unixTransport/tcpTransport wire two processes.
type memTransport struct {
	out  chan Frame
	in   chan Frame
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// newMemTransportPair returns two Transports, each delivering WriteFrame
// calls made on the other to its own delegate's OnReadFrame.
func newMemTransportPair() (Transport, Transport) {
	ab := make(chan Frame, 64)
	ba := make(chan Frame, 64)
	a := &memTransport{out: ab, in: ba, done: make(chan struct{})}
	b := &memTransport{out: ba, in: ab, done: make(chan struct{})}
	return a, b
}

func (m *memTransport) Start(d TransportDelegate) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case f, ok := <-m.in:
				if !ok {
					return
				}
				d.OnReadFrame(f)
			case <-m.done:
				return
			}
		}
	}()
}

func (m *memTransport) WriteFrame(f Frame) error {
	select {
	case m.out <- f:
		return nil
	case <-m.done:
		return ErrChannelClosed
	}
}

func (m *memTransport) Close() error {
	m.once.Do(func() {
		close(m.done)
	})
	return nil
}
