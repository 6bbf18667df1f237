package user

import (
	"context"
	"errors"
	"fmt"
)

// Repository is the persistence surface used by Service.
type Repository interface {
	Create(ctx context.Context, in CreateUserInput) (*User, error)
	GetByID(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
}

// Service implements signup and login on top of a Repository.
type Service struct {
	repo   Repository
	tokens TokenIssuer
}

// NewService creates a user service.
func NewService(repo Repository, tokens TokenIssuer) *Service {
	return &Service{repo: repo, tokens: tokens}
}

// Session is the result of a successful signup or login.
type Session struct {
	Token string `json:"token"`
	User  *User  `json:"user"`
}

// Signup creates the account and returns a signed token for it.
func (s *Service) Signup(ctx context.Context, in CreateUserInput) (*Session, error) {
	u, err := s.repo.Create(ctx, in)
	if err != nil {
		return nil, err
	}
	return s.session(u)
}

// Login checks the credentials and returns a signed token.
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	u, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !CheckPassword(u, password) {
		return nil, ErrInvalidCredentials
	}
	return s.session(u)
}

// Get returns the user with the given id.
func (s *Service) Get(ctx context.Context, id string) (*User, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) session(u *User) (*Session, error) {
	token, err := s.tokens.Issue(ToAuthUser(u))
	if err != nil {
		return nil, fmt.Errorf("issuing token: %w", err)
	}
	return &Session{Token: token, User: u}, nil
}
