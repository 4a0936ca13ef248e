// Package outbound chunks response text and delivers it through transport
// adapters in dry-run, provider, or channel-store mode, with deterministic
// retry backoff shared across adapters.
package outbound

// githubCommentCap is the hard limit for a single GitHub issue comment.
// Longer bodies overflow into an artifact with a pointer line.
const githubCommentCap = 65000

// ChunkText splits s into pieces of at most maxChars Unicode characters.
// Empty input yields a single empty chunk so a reply always produces at
// least one delivery receipt.
func ChunkText(s string, maxChars int) []string {
	if maxChars <= 0 || len(s) == 0 {
		return []string{s}
	}
	runes := []rune(s)
	if len(runes) <= maxChars {
		return []string{s}
	}
	var chunks []string
	for start := 0; start < len(runes); start += maxChars {
		end := start + maxChars
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
