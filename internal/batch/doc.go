// Package batch coalesces outbound items to amortize per-write overhead.
//
// A Batcher wraps one sink. Items are buffered until one of four triggers
// fires: the buffer reaches Config.Size, Config.Delay elapses after the first
// buffered item (when AutoFlush is set), Flush is called, or Close is called.
// Items always reach the sink in insertion order.
//
//	b := batch.New(conn.WriteFrame, batch.Config{Size: 32, Delay: 5 * time.Millisecond, AutoFlush: true},
//	    batch.WithAfterFlush(conn.Flush))
//	_ = b.Add(frame)
//	defer b.Close()
package batch
