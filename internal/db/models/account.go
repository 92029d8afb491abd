// Package models defines the database model types for the key portal.
// Each type corresponds to a database table and uses struct tags for sqlx row scanning.
// Models are pure data types; business logic belongs in the service layer, query logic belongs in the repositories layer.
package models

import "time"

// Account is the identity-provider principal behind a session. It is created on
// first sign-in and refreshed from the provider's claims on later sign-ins.
type Account struct {
	ID          string    `db:"id"` // provider subject (Google "sub")
	Email       string    `db:"email"`
	DisplayName string    `db:"display_name"`
	AvatarURL   string    `db:"avatar_url"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}
