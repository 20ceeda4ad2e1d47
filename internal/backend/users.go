package backend

import (
	"context"
	"io"
)

// UpdateUser sends only the given fields.
func (c *Client) UpdateUser(ctx context.Context, token string, fields map[string]string) (Messages, error) {
	var out Messages
	err := c.Do(ctx, Request{Path: c.routes.UserUpdate, Body: fields, Token: token, Out: &out})
	return out, err
}

func (c *Client) UpdateUserImage(ctx context.Context, token, username, filename, contentType string, image io.Reader) (Messages, error) {
	var out Messages
	err := c.Do(ctx, Request{
		Path:   c.routes.UserUpdateImage,
		Fields: map[string]string{"username": username},
		Files:  []File{{Field: "image", Name: filename, ContentType: contentType, Body: image}},
		Token:  token,
		Out:    &out,
	})
	return out, err
}

func (c *Client) DeleteUser(ctx context.Context, token, username string) (Messages, error) {
	var out struct {
		Messages
		Message string `json:"message"`
	}
	err := c.Do(ctx, Request{Path: c.routes.UserDelete, Body: map[string]string{"username": username}, Token: token, Out: &out})
	if out.EN == "" {
		out.EN = out.Message
	}
	return out.Messages, err
}

func (c *Client) GetUser(ctx context.Context, token, username string) (User, error) {
	var out struct {
		UserData User `json:"userData"`
	}
	err := c.Do(ctx, Request{Path: c.routes.UserGet, Body: map[string]string{"username": username}, Token: token, Out: &out})
	return out.UserData, err
}
