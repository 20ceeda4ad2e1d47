package backend

import (
	"context"
	"net/http"
)

func (c *Client) Login(ctx context.Context, email, password string) (LoginResult, error) {
	var out struct {
		Messages
		User  User   `json:"user"`
		Token string `json:"token"`
	}
	err := c.Do(ctx, Request{
		Path: c.routes.Login,
		Body: map[string]string{"email": email, "password": password},
		Out:  &out,
	})
	if err != nil {
		return LoginResult{}, err
	}
	if out.Token == "" {
		return LoginResult{}, &Error{Kind: KindServerError, Status: http.StatusOK, Message: "Login response did not include a session token", Path: c.routes.Login}
	}
	return LoginResult{Token: out.Token, User: out.User, Messages: out.Messages}, nil
}

func (c *Client) Register(ctx context.Context, in RegisterRequest) (Messages, error) {
	var out Messages
	err := c.Do(ctx, Request{Path: c.routes.Register, Body: in, Out: &out})
	return out, err
}

func (c *Client) VerifyOTP(ctx context.Context, email, otp string) (Messages, error) {
	var out Messages
	err := c.Do(ctx, Request{
		Path: c.routes.VerifyOTP,
		Body: map[string]string{"email": email, "otp": otp},
		Out:  &out,
	})
	return out, err
}

func (c *Client) ResendOTP(ctx context.Context, email string) (Messages, error) {
	var out struct {
		Messages
		Message string `json:"message"`
	}
	err := c.Do(ctx, Request{
		Path: c.routes.ResendOTP,
		Body: map[string]string{"email": email},
		Out:  &out,
	})
	if out.EN == "" {
		out.EN = out.Message
	}
	return out.Messages, err
}

func (c *Client) ResetPassword(ctx context.Context, email, otp, newPassword string) (Messages, error) {
	var out Messages
	err := c.Do(ctx, Request{
		Path: c.routes.ResetPassword,
		Body: map[string]string{"email": email, "otp": otp, "newPassword": newPassword},
		Out:  &out,
	})
	return out, err
}

// CheckAuth returns the user behind token. An explicit authorized=false is
// reported as KindUnauthorized.
func (c *Client) CheckAuth(ctx context.Context, token string) (User, error) {
	var out struct {
		Authorized *bool `json:"authorized"`
		User       User  `json:"user"`
	}
	if err := c.Do(ctx, Request{Method: http.MethodGet, Path: c.routes.Check, Token: token, Out: &out}); err != nil {
		return User{}, err
	}
	if out.Authorized != nil && !*out.Authorized {
		return User{}, &Error{Kind: KindUnauthorized, Status: http.StatusOK, Message: "Your session has expired. Please sign in again.", Path: c.routes.Check}
	}
	return out.User, nil
}

func (c *Client) Logout(ctx context.Context, token string) error {
	return c.Do(ctx, Request{Path: c.routes.Logout, Token: token})
}
