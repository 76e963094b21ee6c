package models

import "time"

// Role values carried on the wallet user and in the JWT role claim.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// WalletUser is the ledger's view of an account. Identity provisioning is
// owned by the external auth provider; this service only mutates Balance.
type WalletUser struct {
	ID        string    `json:"id" db:"id"`                 // opaque ID from the identity provider
	FullName  string    `json:"fullName" db:"full_name"`    // display name
	Phone     string    `json:"phone" db:"phone"`           // E.164 phone number
	Role      string    `json:"role" db:"role"`             // user or admin
	Balance   int64     `json:"balance" db:"balance"`       // in rial minor units, never negative
	Version   int       `json:"version" db:"version"`       // for optimistic locking
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
