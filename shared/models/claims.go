package models

import "github.com/golang-jwt/jwt/v5"

// Claims представляет стандартные поля JWT и пользовательские данные.
// Идентификатор игрока берется из Subject.
type Claims struct {
	Roles                []string `json:"roles"`
	jwt.RegisteredClaims          // Встраиваем стандартные поля: Issuer, Subject, Audience, ExpiresAt, NotBefore, IssuedAt, ID (JTI)
}
