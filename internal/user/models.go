package user

import (
	"time"

	"github.com/innova-app/teamcollab/internal/apperr"
)

var (
	ErrNotFound           = apperr.New(apperr.KindNotFound, "user not found")
	ErrEmailTaken         = apperr.New(apperr.KindConflict, "email is already registered")
	ErrInvalidCredentials = apperr.New(apperr.KindAuthentication, "invalid email or password")
)

// User represents a registered user account. Teams is the side index of
// team ids the user belongs to, maintained by the team store.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Name         string    `json:"name"`
	Teams        []string  `json:"teams"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Brief returns the display fields embedded in team, message and file
// responses.
func (u *User) Brief() Brief {
	return Brief{ID: u.ID, Name: u.Name, Email: u.Email}
}

// Brief is the public projection of a user.
type Brief struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// CreateUserInput holds the fields required to create a new user.
type CreateUserInput struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	Name     string `json:"name" validate:"required,max=100"`
}
