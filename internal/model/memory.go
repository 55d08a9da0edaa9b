package model

import "time"

// TimeFormat encodes timestamps for SQLite storage. It is fixed width,
// unlike RFC3339Nano which trims trailing fractional zeros, so lexicographic
// order of stored strings equals time order; SQL range filters compare the
// strings directly.
const TimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Tier names for the memory hierarchy.
const (
	TierShortTerm = "short_term"
	TierLongTerm  = "long_term"
	TierShared    = "shared"
)

// ValidTiers are the tiers a remember hint may name.
var ValidTiers = map[string]bool{
	TierShortTerm: true,
	TierLongTerm:  true,
	TierShared:    true,
}

// MemoryItem is a materialized memory entry held in a tier. Tiers are
// derived state rebuilt from the event log; an item is never the system of
// record.
type MemoryItem struct {
	Key            string     `json:"key"`
	Value          string     `json:"value"`
	Tier           string     `json:"tier"`
	Importance     float64    `json:"importance_score"`
	AccessCount    int        `json:"access_count"`
	Seq            uint64     `json:"seq"`
	SubjectID      string     `json:"subject_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// SearchHit is a tier search result with its match score.
type SearchHit struct {
	Item  MemoryItem `json:"item"`
	Score float64    `json:"score"`
}

// AccessRecord is a single observed cache access, hit or miss.
type AccessRecord struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	Hit       bool      `json:"hit"`
}

// ConsentRecord is one purpose-scoped grant for a data subject. Revocation
// is terminal for the record; a fresh grant creates a new record.
type ConsentRecord struct {
	SubjectID string     `json:"subject_id"`
	Purpose   string     `json:"purpose"`
	GrantedAt time.Time  `json:"granted_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// RetentionPolicy maps a data class to its maximum retention age.
type RetentionPolicy map[string]time.Duration

// DefaultRetention mirrors the platform defaults: a year for personal data,
// 90 days for system logs, five years for research data.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{
		"personal_data": 365 * 24 * time.Hour,
		"system_logs":   90 * 24 * time.Hour,
		"research_data": 5 * 365 * 24 * time.Hour,
	}
}
