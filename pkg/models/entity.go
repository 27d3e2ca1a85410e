package models

import "time"

// CurrencyField is the snapshot field holding the entity's ISO currency code.
const CurrencyField = "currency"

// EntitySnapshot is the flat view of a business object that conditions are evaluated against.
type EntitySnapshot struct {
	Fields    Payload   `json:"fields"`
	Timestamp time.Time `json:"timestamp"`
	CreatedBy string    `json:"created_by,omitempty"`
}

func (s EntitySnapshot) Field(name string) (Value, bool) {
	v, ok := s.Fields[name]
	if !ok || v.IsNull() {
		return Value{}, false
	}

	return v, true
}

func (s EntitySnapshot) Currency() string {
	v, ok := s.Field(CurrencyField)
	if !ok {
		return ""
	}

	c, _ := v.AsString()

	return c
}

// User is the directory record the resolver and orphan detection read.
type User struct {
	ID        string   `json:"id"`
	CompanyID string   `json:"company_id"`
	Name      string   `json:"name"`
	Email     string   `json:"email"`
	ManagerID string   `json:"manager_id,omitempty"`
	SiteID    string   `json:"site_id,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	Active    bool     `json:"active"`
	Deleted   bool     `json:"deleted,omitempty"`
	Locale    string   `json:"locale,omitempty"`
}

func (u User) Eligible() bool {
	return u.Active && !u.Deleted
}

func (u User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}

	return false
}

// Site is a location/agency node; HeadUserID is the department head for users assigned to it.
type Site struct {
	ID         string `json:"id"`
	CompanyID  string `json:"company_id"`
	Name       string `json:"name"`
	HeadUserID string `json:"head_user_id,omitempty"`
}
