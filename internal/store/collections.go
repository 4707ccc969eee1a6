package store

// SummariesCollection is the single shared collection holding summary
// partitions across all guilds.
const SummariesCollection = "summaries"

// EmbeddingsCollection returns the per-guild collection for transcript
// segment embeddings.
func EmbeddingsCollection(guildID string) string {
	return "embeddings_" + guildID
}

// ReelsCollection returns the per-guild auxiliary collection for reel clips.
func ReelsCollection(guildID string) string {
	return "reels_" + guildID
}
