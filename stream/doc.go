// Package stream implements the chunk-framed streaming protocol used to move
// large response bodies over the event transport.
//
// A logical stream is one Begin frame, one or more ordered Chunk frames and
// one End frame carrying the chunk count and a running checksum. The Emitter
// produces well-formed streams (synthesizing an empty chunk for empty bodies
// and a truncated End marker for abandoned ones); the Assembler reassembles
// frames on the consumer side, tolerating bounded reordering and surfacing
// loss or corruption as explicit errors instead of silent gaps.
package stream
