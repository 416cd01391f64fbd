// Package streamchange classifies stream state transitions for the broadcaster.
package streamchange

import "github.com/teamtalima/beastie/twitchapi"

// NoStreamID is the sentinel stream id meaning no stream has been observed yet.
const NoStreamID = "0"

// Result is the classification of one stream payload against the previous stream id.
type Result struct {
	Live      bool
	NewStream bool
	StreamID  string
	// EndOfStream reports that the broadcaster went offline after a known stream,
	// so an end of stream notification is due.
	EndOfStream bool
}

// Evaluate compares the newest stream payload with the previously recorded stream id.
// A nil payload means the broadcaster is offline. A payload without an id is malformed
// and treated the same way.
func Evaluate(stream *twitchapi.Stream, prevID string) Result {
	if prevID == "" {
		prevID = NoStreamID
	}
	if stream == nil || stream.ID == "" {
		return Result{
			StreamID:    prevID,
			EndOfStream: prevID != NoStreamID,
		}
	}
	if stream.ID != prevID {
		return Result{Live: true, NewStream: true, StreamID: stream.ID}
	}
	return Result{Live: true, StreamID: prevID}
}
