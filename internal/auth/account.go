package auth

import (
	"context"
	"errors"
	"net/http"

	"trailkeep/internal/channel"
	errs "trailkeep/internal/infrastructure/errors"
)

// SignUpRequest registers a new account
type SignUpRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	GivenName  string `json:"givenName,omitempty"`
	FamilyName string `json:"familyName,omitempty"`
}

// SignUpResult is the identity provider's answer to a registration
type SignUpResult struct {
	UserSub       string `json:"userSub"`
	UserConfirmed bool   `json:"userConfirmed"`
}

// call posts an action to the identity provider. A 401 means the session is
// no longer valid, so it is cleared and reported as an AuthError.
func (s *Session) call(ctx context.Context, op string, body map[string]string, requireAuth bool) (*channel.Response, error) {
	resp, err := s.channel.Request(ctx, channel.Request{
		Method:      http.MethodPost,
		URL:         s.config.Endpoint,
		Body:        body,
		RequireAuth: requireAuth,
	})
	if err != nil {
		if errs.IsAuth(err) {
			return nil, err
		}
		var comm *errs.CommunicationError
		if errors.As(err, &comm) && comm.Status == http.StatusUnauthorized {
			s.clear(ctx, op)
			return nil, errs.NewAuthError(op, "session rejected", err)
		}
		return nil, err
	}
	return resp, nil
}

// SignUp registers an account. The account usually needs ConfirmSignUp before SignIn.
func (s *Session) SignUp(ctx context.Context, req SignUpRequest) (*SignUpResult, error) {
	const op = "AuthSession.SignUp"
	if err := validateEmail(op, req.Email); err != nil {
		return nil, err
	}
	if len(req.Password) < 8 {
		return nil, errs.NewValidationError(op, "password", "", "password must be at least 8 characters")
	}

	resp, err := s.call(ctx, op, map[string]string{
		"action":     "signUp",
		"email":      req.Email,
		"password":   req.Password,
		"givenName":  req.GivenName,
		"familyName": req.FamilyName,
	}, false)
	if err != nil {
		return nil, err
	}

	var result SignUpResult
	if len(resp.Raw) > 0 {
		if err := resp.DecodeJSON(&result); err != nil {
			return nil, &errs.CommunicationError{Op: op, Method: http.MethodPost, URL: s.config.Endpoint, Status: resp.Status, Err: err}
		}
	}
	s.logger.Info("Account registered", "user_sub", result.UserSub, "confirmed", result.UserConfirmed)
	return &result, nil
}

// ConfirmSignUp submits the verification code sent on registration
func (s *Session) ConfirmSignUp(ctx context.Context, email, code string) error {
	const op = "AuthSession.ConfirmSignUp"
	if err := validateEmail(op, email); err != nil {
		return err
	}
	if code == "" {
		return errs.NewValidationError(op, "code", "", "confirmation code is required")
	}
	_, err := s.call(ctx, op, map[string]string{"action": "confirmSignUp", "email": email, "code": code}, false)
	return err
}

// ForgotPassword starts a password reset
func (s *Session) ForgotPassword(ctx context.Context, email string) error {
	const op = "AuthSession.ForgotPassword"
	if err := validateEmail(op, email); err != nil {
		return err
	}
	_, err := s.call(ctx, op, map[string]string{"action": "forgotPassword", "email": email}, false)
	return err
}

// ConfirmForgotPassword completes a password reset
func (s *Session) ConfirmForgotPassword(ctx context.Context, email, code, newPassword string) error {
	const op = "AuthSession.ConfirmForgotPassword"
	if err := validateEmail(op, email); err != nil {
		return err
	}
	if code == "" {
		return errs.NewValidationError(op, "code", "", "confirmation code is required")
	}
	if len(newPassword) < 8 {
		return errs.NewValidationError(op, "password", "", "password must be at least 8 characters")
	}
	_, err := s.call(ctx, op, map[string]string{
		"action":      "confirmForgotPassword",
		"email":       email,
		"code":        code,
		"newPassword": newPassword,
	}, false)
	return err
}

// ChangePassword changes the signed-in user's password
func (s *Session) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	const op = "AuthSession.ChangePassword"
	if oldPassword == "" {
		return errs.NewValidationError(op, "old_password", "", "current password is required")
	}
	if len(newPassword) < 8 {
		return errs.NewValidationError(op, "new_password", "", "password must be at least 8 characters")
	}
	_, err := s.call(ctx, op, map[string]string{
		"action":           "changePassword",
		"previousPassword": oldPassword,
		"proposedPassword": newPassword,
	}, true)
	return err
}

// DeleteAccount deletes the remote account and then clears local session state
func (s *Session) DeleteAccount(ctx context.Context) error {
	const op = "AuthSession.DeleteAccount"
	if _, err := s.call(ctx, op, map[string]string{"action": "deleteUser"}, true); err != nil {
		return err
	}
	user, _ := s.CurrentUser()
	s.clear(ctx, op)
	if user != nil {
		s.logger.Info("Account deleted", "user_id", user.ID)
	}
	return nil
}
