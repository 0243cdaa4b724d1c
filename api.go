package social

import (
	"bytes"
	"context"
	"encoding/json"
)

// ============================================================================
// Endpoint sub-clients
// ============================================================================

// PostsAPI covers the /posts endpoints.
type PostsAPI struct{ c *Client }

func (a *PostsAPI) List(ctx context.Context) ([]*Post, error) {
	var out []*Post
	res, err := a.c.r(ctx).SetResult(&out).Get("/posts")
	if err := a.c.finish(res, err); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *PostsAPI) ListByUser(ctx context.Context, userID string) ([]*Post, error) {
	var out []*Post
	res, err := a.c.r(ctx).SetResult(&out).Get("/posts/user/" + userID)
	if err := a.c.finish(res, err); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *PostsAPI) Create(ctx context.Context, userID, content string) (*Post, error) {
	res, err := a.c.r(ctx).
		SetBody(map[string]string{"content": content}).
		SetResult(&Post{}).
		Post("/posts/user/" + userID)
	if err := a.c.finish(res, err); err != nil {
		return nil, err
	}
	return res.Result().(*Post), nil
}

func (a *PostsAPI) Update(ctx context.Context, postID, userID, content string) (*Post, error) {
	res, err := a.c.r(ctx).
		SetBody(map[string]string{"content": content}).
		SetResult(&Post{}).
		Put("/posts/" + postID + "/user/" + userID)
	if err := a.c.finish(res, err); err != nil {
		return nil, err
	}
	return res.Result().(*Post), nil
}

func (a *PostsAPI) Delete(ctx context.Context, postID, userID string) error {
	res, err := a.c.r(ctx).Delete("/posts/" + postID + "/user/" + userID)
	return a.c.finish(res, err)
}

// CommentsAPI covers the /comments endpoints.
type CommentsAPI struct{ c *Client }

func (a *CommentsAPI) ListByPost(ctx context.Context, postID string) ([]*Comment, error) {
	var out []*Comment
	res, err := a.c.r(ctx).SetResult(&out).Get("/comments/post/" + postID)
	if err := a.c.finish(res, err); err != nil {
		return nil, err
	}
	return out, nil
}

// Create posts a comment; the server infers the author from the credential,
// postId travels as a query parameter.
func (a *CommentsAPI) Create(ctx context.Context, postID, content string) (*Comment, error) {
	res, err := a.c.r(ctx).
		SetQueryParam("postId", postID).
		SetBody(map[string]string{"content": content}).
		SetResult(&Comment{}).
		Post("/comments")
	if err := a.c.finish(res, err); err != nil {
		return nil, err
	}
	return res.Result().(*Comment), nil
}

func (a *CommentsAPI) Update(ctx context.Context, commentID, userID, content string) (*Comment, error) {
	res, err := a.c.r(ctx).
		SetBody(map[string]string{"content": content}).
		SetResult(&Comment{}).
		Put("/comments/" + commentID + "/user/" + userID)
	if err := a.c.finish(res, err); err != nil {
		return nil, err
	}
	return res.Result().(*Comment), nil
}

func (a *CommentsAPI) Delete(ctx context.Context, commentID, userID string) error {
	res, err := a.c.r(ctx).Delete("/comments/" + commentID + "/user/" + userID)
	return a.c.finish(res, err)
}

// ReactionsAPI covers the /reactions endpoints.
type ReactionsAPI struct{ c *Client }

// ForPostUser fetches the user's reaction on a post. No reaction is not an
// error: a 404 yields (nil, nil).
func (a *ReactionsAPI) ForPostUser(ctx context.Context, postID, userID string) (*Reaction, error) {
	res, err := a.c.r(ctx).
		SetResult(&Reaction{}).
		Get("/reactions/post/" + postID + "/user/" + userID)
	if err := a.c.finish(res, err); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return res.Result().(*Reaction), nil
}

// Add places a reaction; server-side it atomically supersedes any prior
// reaction by the same user on the same post.
func (a *ReactionsAPI) Add(ctx context.Context, postID, userID string, kind ReactionType) (*Reaction, error) {
	res, err := a.c.r(ctx).
		SetBody(map[string]ReactionType{"type": kind}).
		SetResult(&Reaction{}).
		Post("/reactions/post/" + postID + "/user/" + userID)
	if err := a.c.finish(res, err); err != nil {
		return nil, err
	}
	return res.Result().(*Reaction), nil
}

func (a *ReactionsAPI) Delete(ctx context.Context, reactionID, userID string) error {
	res, err := a.c.r(ctx).Delete("/reactions/" + reactionID + "/user/" + userID)
	return a.c.finish(res, err)
}

// ProfilesAPI covers the /profiles endpoints.
type ProfilesAPI struct{ c *Client }

func (a *ProfilesAPI) ByUser(ctx context.Context, userID string) (*Profile, error) {
	res, err := a.c.r(ctx).SetResult(&Profile{}).Get("/profiles/find/user/" + userID)
	if err := a.c.finish(res, err); err != nil {
		return nil, err
	}
	return res.Result().(*Profile), nil
}

func (a *ProfilesAPI) Create(ctx context.Context, userID string, p *Profile) (*Profile, error) {
	res, err := a.c.r(ctx).SetBody(p).SetResult(&Profile{}).Post("/profiles/user/" + userID)
	if err := a.c.finish(res, err); err != nil {
		return nil, err
	}
	return res.Result().(*Profile), nil
}

func (a *ProfilesAPI) Update(ctx context.Context, userID string, p *Profile) (*Profile, error) {
	res, err := a.c.r(ctx).SetBody(p).SetResult(&Profile{}).Put("/profiles/" + userID)
	if err := a.c.finish(res, err); err != nil {
		return nil, err
	}
	return res.Result().(*Profile), nil
}

// ConversationsAPI covers the /conversations and /messages endpoints.
type ConversationsAPI struct{ c *Client }

func (a *ConversationsAPI) Mine(ctx context.Context) ([]*Conversation, error) {
	var out []*Conversation
	res, err := a.c.r(ctx).SetResult(&out).Get("/conversations/me")
	if err := a.c.finish(res, err); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *ConversationsAPI) Create(ctx context.Context, user1ID, user2ID string) (*Conversation, error) {
	res, err := a.c.r(ctx).
		SetBody(map[string]string{"user1Id": user1ID, "user2Id": user2ID}).
		SetResult(&Conversation{}).
		Post("/conversations")
	if err := a.c.finish(res, err); err != nil {
		return nil, err
	}
	return res.Result().(*Conversation), nil
}

// Messages fetches a conversation's history. The endpoint answers either a
// bare array or a page object {"content":[…]}; both normalize here.
func (a *ConversationsAPI) Messages(ctx context.Context, convID string) ([]*Message, error) {
	var page messagesPage
	res, err := a.c.r(ctx).SetResult(&page).Get("/conversations/" + convID + "/messages")
	if err := a.c.finish(res, err); err != nil {
		return nil, err
	}
	return page.Content, nil
}

// Send posts a message over HTTP. The usual path is the push channel's
// publish; this is the REST equivalent the API also exposes.
func (a *ConversationsAPI) Send(ctx context.Context, m *Message) (*Message, error) {
	res, err := a.c.r(ctx).SetBody(m).SetResult(&Message{}).Post("/messages")
	if err := a.c.finish(res, err); err != nil {
		return nil, err
	}
	return res.Result().(*Message), nil
}

// UsersAPI covers the /users endpoints.
type UsersAPI struct{ c *Client }

func (a *UsersAPI) Me(ctx context.Context) (*User, error) {
	res, err := a.c.r(ctx).SetResult(&User{}).Get("/users/me")
	if err := a.c.finish(res, err); err != nil {
		return nil, err
	}
	return res.Result().(*User), nil
}

func (a *UsersAPI) List(ctx context.Context) ([]*User, error) {
	var out []*User
	res, err := a.c.r(ctx).SetResult(&out).Get("/users")
	if err := a.c.finish(res, err); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *UsersAPI) Get(ctx context.Context, userID string) (*User, error) {
	res, err := a.c.r(ctx).SetResult(&User{}).Get("/users/" + userID)
	if err := a.c.finish(res, err); err != nil {
		return nil, err
	}
	return res.Result().(*User), nil
}

// messagesPage absorbs both history response shapes.
type messagesPage struct {
	Content []*Message
}

func (p *messagesPage) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return json.Unmarshal(trimmed, &p.Content)
	}
	var wrapped struct {
		Content []*Message `json:"content"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return err
	}
	p.Content = wrapped.Content
	return nil
}
