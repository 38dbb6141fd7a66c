package strategy

import "github.com/stellarlinkco/recall/internal/conversation"

// Policy holds the compression trigger thresholds attached to one working
// memory.
type Policy struct {
	TokenThreshold        int
	MessageCountThreshold int
	KeepRecent            int
}

// ShouldCompress reports whether a log has outgrown its policy: the message
// count passed its threshold (and there is more than the keep-recent tail),
// or the token total passed its threshold. This predicate is the single
// authority for automatic compression; strategies themselves run only when
// it fires or when a caller compresses explicitly.
func ShouldCompress(msgs []conversation.Message, p Policy) bool {
	return ShouldCompressCounts(len(msgs), conversation.TotalTokens(msgs), p)
}

// ShouldCompressCounts is ShouldCompress for callers that already track
// message and token counts.
func ShouldCompressCounts(count, tokens int, p Policy) bool {
	if count > p.MessageCountThreshold && count > p.KeepRecent {
		return true
	}
	return tokens > p.TokenThreshold
}
