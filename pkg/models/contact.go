package models

import "time"

// Contact is an address book entry owned by an organizer.
type Contact struct {
	ID        string    `json:"id" db:"id"`
	OwnerID   string    `json:"owner_id" db:"owner_id"`
	Email     string    `json:"email" db:"email"`
	Name      string    `json:"name,omitempty" db:"name"`
	UserID    string    `json:"user_id,omitempty" db:"user_id"` // set when the contact has an account
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ContactList groups contacts for bulk invitations.
type ContactList struct {
	ID        string    `json:"id" db:"id"`
	OwnerID   string    `json:"owner_id" db:"owner_id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
