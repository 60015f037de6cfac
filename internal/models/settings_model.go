package models

import (
	"encoding/json"
	"time"
)

// Preference holds a user's automation settings. PostingSchedule is the
// serialized trigger rule list.
type Preference struct {
	UserID             int64           `db:"user_id" json:"user_id"`
	PostingSchedule    json.RawMessage `db:"posting_schedule" json:"posting_schedule"`
	Timezone           string          `db:"timezone" json:"timezone"`
	PreferredPlatforms []string        `db:"preferred_platforms" json:"preferred_platforms"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updated_at"`
}
