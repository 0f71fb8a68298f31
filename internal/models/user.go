package models

// ApprovalStatus mirrors the account approval state kept by the main application.
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "PENDING"
	StatusApproved ApprovalStatus = "APPROVED"
	StatusRejected ApprovalStatus = "REJECTED"
)

// User is a row of the external user store.
type User struct {
	ID          string         `db:"id" json:"id"`
	Name        *string        `db:"name" json:"name,omitempty"`
	Email       *string        `db:"email" json:"email,omitempty"`
	CommunityID *string        `db:"community_id" json:"communityId,omitempty"`
	Status      ApprovalStatus `db:"status" json:"status"`
}

// DisplayName falls back from name to email to "Anonymous".
func (u User) DisplayName() string {
	if u.Name != nil && *u.Name != "" {
		return *u.Name
	}
	if u.Email != nil && *u.Email != "" {
		return *u.Email
	}
	return "Anonymous"
}

// Identity is the immutable snapshot produced when a credential is resolved.
type Identity struct {
	UserID      string
	Username    string
	CommunityID *string
	Status      ApprovalStatus
}

// HasCommunity reports whether the identity belongs to a community.
func (i Identity) HasCommunity() bool {
	return i.CommunityID != nil && *i.CommunityID != ""
}

// Community returns the community id or "" when there is none.
func (i Identity) Community() string {
	if i.CommunityID == nil {
		return ""
	}
	return *i.CommunityID
}
