package domain

import "time"

const MaxUserAgentLength = 500

// UsageEntry is an append-only record of one attempted operation.
// JobID is a weak reference and may point at a job that no longer exists.
type UsageEntry struct {
	ID               string
	ToolName         string
	ClientIP         string
	UserAgent        string
	Success          bool
	ProcessingTimeMS *int64
	JobID            string
	UsedAt           time.Time
}

// UsageQuery selects entries for the rate-limit window. Empty ToolName matches every tool.
type UsageQuery struct {
	ClientIP string
	ToolName string
	Since    time.Time
}

func TruncateUserAgent(userAgent string) string {
	runes := []rune(userAgent)
	if len(runes) > MaxUserAgentLength {
		return string(runes[:MaxUserAgentLength])
	}
	return userAgent
}
