// Package transport moves raw frames over duplex connections.
//
// Stream carries newline-delimited JSON over any io.ReadWriteCloser (raw TCP,
// tailnet sockets, net.Pipe in tests). WebSocket carries one frame per text
// message. Both satisfy Transport so the gateway loop does not care which
// one a client picked.
package transport
