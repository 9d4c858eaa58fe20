// Package edk implements a cross-process message pipe multiplexer: many
// logical bidirectional byte-and-handle streams ("pipes") routed over a
// single underlying transport between two processes, plus a broker that
// introduces sibling processes to each other and hands off pipe endpoints
// between them.
//
// The core pieces are MessagePipe (the in-process two-port endpoint),
// RoutedChannel (the demultiplexer that fans a Transport's inbound frames
// out to the right MessagePipeDispatcher by pipe ID), and BrokerHost /
// BrokerClient (the out-of-band control protocol that introduces two
// processes and tells each which pipe IDs the other side owns).
package edk
