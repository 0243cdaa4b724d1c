package social

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"resty.dev/v3"
)

// CredentialProvider is the opaque auth collaborator: it hands out the
// current bearer credential and the current user's id. Acquisition and
// refresh happen elsewhere; either value may be temporarily unavailable.
type CredentialProvider interface {
	Token() (string, bool)
	UserID() (string, bool)
}

// StaticCredentials is a fixed-value CredentialProvider for tests and CLI use.
type StaticCredentials struct {
	BearerToken   string
	CurrentUserID string
}

func (s StaticCredentials) Token() (string, bool)  { return s.BearerToken, s.BearerToken != "" }
func (s StaticCredentials) UserID() (string, bool) { return s.CurrentUserID, s.CurrentUserID != "" }

const DefaultTimeout = 30 * time.Second

// Client talks to the remote HTTP API. Endpoint groups hang off it as
// sub-clients sharing one resty transport.
type Client struct {
	baseURL string
	http    *resty.Client
	creds   CredentialProvider
	log     *zap.Logger

	Posts         *PostsAPI
	Comments      *CommentsAPI
	Reactions     *ReactionsAPI
	Profiles      *ProfilesAPI
	Conversations *ConversationsAPI
	Users         *UsersAPI
}

// ClientOption customizes the Client.
type ClientOption func(*Client)

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.SetTimeout(d) }
}

// WithClientLogger attaches a logger; the default is a nop.
func WithClientLogger(log *zap.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates an API client rooted at baseURL (".../api"). Every
// request carries the current bearer credential when one is available; when
// none is, the request goes out anyway and the server's rejection surfaces
// as a normal mutation failure.
func NewClient(baseURL string, creds CredentialProvider, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		creds:   creds,
		http:    resty.New().SetBaseURL(baseURL).SetTimeout(DefaultTimeout),
		log:     zap.NewNop(),
	}
	c.http.AddRequestMiddleware(func(_ *resty.Client, req *resty.Request) error {
		if token, ok := c.creds.Token(); ok {
			req.SetHeader("Authorization", "Bearer "+token)
		}
		return nil
	})
	for _, opt := range opts {
		opt(c)
	}

	c.Posts = &PostsAPI{c: c}
	c.Comments = &CommentsAPI{c: c}
	c.Reactions = &ReactionsAPI{c: c}
	c.Profiles = &ProfilesAPI{c: c}
	c.Conversations = &ConversationsAPI{c: c}
	c.Users = &UsersAPI{c: c}
	return c
}

// Close releases the underlying transport.
func (c *Client) Close() error {
	return c.http.Close()
}

func (c *Client) r(ctx context.Context) *resty.Request {
	return c.http.R().WithContext(ctx).SetError(&APIError{})
}

// finish converts a resty response into the error taxonomy.
func (c *Client) finish(res *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	if res.IsError() {
		apiErr, ok := res.Error().(*APIError)
		if !ok || apiErr == nil {
			apiErr = &APIError{}
		}
		apiErr.Status = res.StatusCode()
		if apiErr.Message == "" {
			apiErr.Message = res.Status()
		}
		c.log.Debug("api error",
			zap.String("url", res.Request.URL),
			zap.Int("status", apiErr.Status))
		return apiErr
	}
	return nil
}

// IsNotFound reports whether err is the soft "entity not provisioned yet"
// failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntityNotFound)
}
