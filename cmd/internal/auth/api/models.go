package api

import (
	"time"

	"aegis/cmd/internal/auth/session"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type resetRequestRequest struct {
	Email string `json:"email"`
}

type resetConfirmRequest struct {
	Email       string `json:"email"`
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type emailChangeRequest struct {
	NewEmail string `json:"new_email"`
}

type emailConfirmRequest struct {
	NewEmail string `json:"new_email"`
	Token    string `json:"token"`
}

type emailVerifyConfirmRequest struct {
	Token string `json:"token"`
}

type bindConsumeRequest struct {
	BindToken   string `json:"bind_token"`
	Destination string `json:"destination"`
}

type sessionResponse struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type loginResponse struct {
	UserID  string          `json:"user_id"`
	Session sessionResponse `json:"session"`
}

type refreshResponse struct {
	Session sessionResponse `json:"session"`
}

type meResponse struct {
	UserID           string     `json:"user_id"`
	Email            string     `json:"email"`
	EmailConfirmedAt *time.Time `json:"email_confirmed_at,omitempty"`
	TwoFactorEnabled bool       `json:"two_factor_enabled"`
}

type stepupDecisionResponse struct {
	Action string `json:"action"`
	Status string `json:"status"`
}

type stepupResolutionResponse struct {
	Action          string `json:"action"`
	Status          string `json:"status"`
	AlreadyResolved bool   `json:"already_resolved"`
}

type acceptedResponse struct {
	Status string `json:"status"`
}

type bindTokenResponse struct {
	BindToken        string `json:"bind_token"`
	ExpiresInSeconds int64  `json:"expires_in_seconds"`
}

type bindConsumeResponse struct {
	UserID string `json:"user_id"`
}

func toSessionResponse(issued session.Issued) sessionResponse {
	return sessionResponse{
		AccessToken:      issued.AccessToken,
		AccessExpiresAt:  issued.AccessExp,
		RefreshToken:     issued.RefreshToken,
		RefreshExpiresAt: issued.RefreshExp,
	}
}
