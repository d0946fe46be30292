package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/docvault/docvault/internal/apperr"
)

func HashPassword(password string) (string, error) {
	if len(password) < 8 {
		return "", apperr.Validation("password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func CheckPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return apperr.Authentication("invalid credentials")
	}
	return nil
}
