package anthropic

// BuildCachedSystemBlocks returns the system prompt as a single block with a
// 5-minute cache breakpoint. Every document in a run shares the same
// extraction instructions, so only the first call pays for them.
func BuildCachedSystemBlocks(text string) []SystemBlock {
	return []SystemBlock{{
		Text:         text,
		CacheControl: &CacheControl{TTL: "5m"},
	}}
}
