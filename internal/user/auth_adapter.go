package user

import (
	"github.com/innova-app/teamcollab/internal/auth"
)

// TokenIssuer signs access tokens for authenticated users.
type TokenIssuer interface {
	Issue(u *auth.User) (string, error)
}

// ToAuthUser projects a stored user onto the identity carried in tokens.
func ToAuthUser(u *User) *auth.User {
	return &auth.User{
		ID:    u.ID,
		Email: u.Email,
		Name:  u.Name,
	}
}
