package cel

var FilterExpressionExamples = map[string]string{
	"non_empty":        `size(content) > 0`,
	"short_posts":      `size(content) <= 280`,
	"keyword":          `content.contains("nostr")`,
	"regex":            `content.matches("(?i)^gm\\b")`,
	"named_authors":    `display_name != author`,
	"author_allowlist": `author in ["82341f882b6eabcd2ba7f1ef90aad961cf074af15b9ef44a09f9d2a8fbfbe6a2"]`,
	"recent":           `created_at > timestamp("2020-01-01T00:00:00Z")`,
	"hashtag":          `tags.exists(t, size(t) > 1 && t[0] == "t" && t[1] == "nostr")`,
	"no_replies":       `!tags.exists(t, size(t) > 0 && t[0] == "e")`,
	"text_notes_only":  `kind == 1`,
}
