package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

type AccountStatus string

const (
	AccountStatusActive     AccountStatus = "active"
	AccountStatusRestricted AccountStatus = "restricted"
	AccountStatusRevoked    AccountStatus = "revoked"
	AccountStatusSetup      AccountStatus = "setup"
	AccountStatusArchived   AccountStatus = "archived"
)

type Capability string

const (
	CapabilityBasicPosting      Capability = "basic_posting"
	CapabilityImagePosting      Capability = "image_posting"
	CapabilityOrganizationAdmin Capability = "organization_admin"
	CapabilityAnalyticsRead     Capability = "analytics_read"
)

var knownCapabilities = []Capability{
	CapabilityBasicPosting,
	CapabilityImagePosting,
	CapabilityOrganizationAdmin,
	CapabilityAnalyticsRead,
}

// Capabilities is the verified feature matrix of an account. Unknown keys are
// dropped when reading from storage or JSON.
type Capabilities map[Capability]bool

func NewCapabilities() Capabilities {
	c := Capabilities{}
	for _, k := range knownCapabilities {
		c[k] = false
	}
	return c
}

func (c Capabilities) normalize() Capabilities {
	out := NewCapabilities()
	for _, k := range knownCapabilities {
		out[k] = c[k]
	}
	return out
}

func (c Capabilities) Value() (driver.Value, error) {
	return json.Marshal(c.normalize())
}

func (c *Capabilities) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*c = NewCapabilities()
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.New("capabilities: unsupported type")
	}
	raw := Capabilities{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = raw.normalize()
	return nil
}

func (c *Capabilities) UnmarshalJSON(data []byte) error {
	raw := map[Capability]bool{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = Capabilities(raw).normalize()
	return nil
}

type SocialAccount struct {
	ID              int64         `db:"id" json:"id"`
	UserID          int64         `db:"user_id" json:"user_id"`
	Platform        string        `db:"platform" json:"platform"`
	AccountID       string        `db:"account_id" json:"account_id"`
	AccountName     string        `db:"account_name" json:"account_name"`
	AccountUsername string        `db:"account_username" json:"account_username"`
	ProfilePicture  string        `db:"profile_picture_url" json:"profile_picture"`
	AccessToken     string        `db:"access_token" json:"-"`
	RefreshToken    string        `db:"refresh_token" json:"-"`
	TokenExpiresAt  time.Time     `db:"token_expires_at" json:"token_expires_at"`
	Capabilities    Capabilities  `db:"capabilities" json:"capabilities"`
	AccountStatus   AccountStatus `db:"account_status" json:"account_status"`
	LastVerifiedAt  *time.Time    `db:"last_verified_at" json:"last_verified_at,omitempty"`
	CreatedAt       time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at" json:"updated_at"`
}
