package social

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// Entity kinds
// ============================================================================

// Kind tags the normalized entity tables and the id spaces of the loading,
// busy and error flags.
type Kind string

const (
	KindProfile      Kind = "profile"
	KindPost         Kind = "post"
	KindComment      Kind = "comment"
	KindConversation Kind = "conversation"
	KindMessage      Kind = "message"
)

// ============================================================================
// Canonical entities
//
// The backend is not consistent about shapes: a conversation arrives as
// {user1Id,user2Id}, {participants:[…]} or {participantIds:[…]} depending on
// the endpoint, a comment carries either "content" or "text", and numeric ids
// show up both quoted and bare. Everything is normalized here, at the
// ingestion boundary, before it can enter the cache.
// ============================================================================

// ReactionType is the vote a user can place on a post.
type ReactionType string

const (
	ReactionLike    ReactionType = "LIKE"
	ReactionDislike ReactionType = "DISLIKE"
)

// ReactionRef is the acting user's reaction as denormalized onto a post.
type ReactionRef struct {
	ID   string       `json:"id,omitempty"`
	Type ReactionType `json:"type"`
}

// Profile is a user's public profile, keyed by user id.
type Profile struct {
	UserID        string `json:"userId"`
	Name          string `json:"name,omitempty"`
	Username      string `json:"username,omitempty"`
	Avatar        string `json:"avatar,omitempty"`
	Bio           string `json:"bio,omitempty"`
	PostCount     int    `json:"postCount,omitempty"`
	CommentCount  int    `json:"commentCount,omitempty"`
	ReactionCount int    `json:"reactionCount,omitempty"`

	// Placeholder marks a profile synthesized locally after the server
	// reported the user as not yet provisioned.
	Placeholder bool `json:"-"`
}

// Post is a feed entry. Likes/Dislikes always include the acting user's own
// vote whenever UserReaction says one exists.
type Post struct {
	ID           string       `json:"id"`
	AuthorID     string       `json:"authorId"`
	Content      string       `json:"content"`
	Likes        int          `json:"likes"`
	Dislikes     int          `json:"dislikes"`
	CommentCount int          `json:"commentCount"`
	UserReaction *ReactionRef `json:"userReaction,omitempty"`
	CreatedAt    string       `json:"createdAt,omitempty"`
}

// Comment is a child of a post.
type Comment struct {
	ID        string `json:"id"`
	PostID    string `json:"postId"`
	UserID    string `json:"userId"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// Reaction is one user's vote on one post. At most one per (post, user);
// adding a reaction server-side supersedes any earlier one by the same user.
type Reaction struct {
	ID     string       `json:"id"`
	PostID string       `json:"postId"`
	UserID string       `json:"userId"`
	Type   ReactionType `json:"type"`
}

// Conversation is a two-party chat thread. ParticipantIDs is an unordered
// pair, always length 2.
type Conversation struct {
	ID                 string    `json:"id"`
	ParticipantIDs     [2]string `json:"participantIds"`
	CreatedAt          string    `json:"createdAt,omitempty"`
	LastUpdated        string    `json:"lastUpdated,omitempty"`
	LastMessagePreview string    `json:"lastMessagePreview,omitempty"`
}

// Has reports whether userID is one of the two participants.
func (c *Conversation) Has(userID string) bool {
	return c.ParticipantIDs[0] == userID || c.ParticipantIDs[1] == userID
}

// Other returns the participant that is not userID.
func (c *Conversation) Other(userID string) string {
	if c.ParticipantIDs[0] == userID {
		return c.ParticipantIDs[1]
	}
	return c.ParticipantIDs[0]
}

// Message is a chat message. ID is server-assigned and empty until the send
// is confirmed; ClientMessageID is the client-generated correlation token and
// is always present on locally created messages, surviving confirmation so
// push-delivered copies can be matched.
type Message struct {
	ID              string `json:"id,omitempty"`
	ConversationID  string `json:"conversationId"`
	SenderID        string `json:"senderId"`
	Content         string `json:"content"`
	Timestamp       string `json:"timestamp,omitempty"`
	ClientMessageID string `json:"clientMessageId,omitempty"`

	// Pending marks an optimistic entry not yet confirmed by the server.
	Pending bool `json:"-"`
}

// User is a directory entry from the users endpoint.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

// ============================================================================
// Wire-shape normalization
// ============================================================================

// flexID accepts ids that arrive either quoted or as bare JSON numbers.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id is neither string nor number: %w", err)
	}
	*f = flexID(n.String())
	return nil
}

func (c *Conversation) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID                 flexID   `json:"id"`
		User1ID            flexID   `json:"user1Id"`
		User2ID            flexID   `json:"user2Id"`
		Participants       []flexID `json:"participants"`
		ParticipantIDs     []flexID `json:"participantIds"`
		CreatedAt          string   `json:"createdAt"`
		LastUpdated        string   `json:"lastUpdated"`
		LastMessagePreview string   `json:"lastMessagePreview"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	pair := raw.ParticipantIDs
	if len(pair) == 0 {
		pair = raw.Participants
	}
	if len(pair) == 0 && (raw.User1ID != "" || raw.User2ID != "") {
		pair = []flexID{raw.User1ID, raw.User2ID}
	}
	if len(pair) != 2 {
		return fmt.Errorf("conversation %s: expected 2 participants, got %d", raw.ID, len(pair))
	}

	c.ID = string(raw.ID)
	c.ParticipantIDs = [2]string{string(pair[0]), string(pair[1])}
	c.CreatedAt = raw.CreatedAt
	c.LastUpdated = raw.LastUpdated
	c.LastMessagePreview = raw.LastMessagePreview
	return nil
}

func (c *Comment) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID        flexID `json:"id"`
		PostID    flexID `json:"postId"`
		UserID    flexID `json:"userId"`
		Content   string `json:"content"`
		Text      string `json:"text"`
		CreatedAt string `json:"createdAt"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	content := raw.Content
	if content == "" {
		content = raw.Text
	}
	c.ID = string(raw.ID)
	c.PostID = string(raw.PostID)
	c.UserID = string(raw.UserID)
	c.Content = content
	c.CreatedAt = raw.CreatedAt
	return nil
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID              flexID `json:"id"`
		ConversationID  flexID `json:"conversationId"`
		SenderID        flexID `json:"senderId"`
		Content         string `json:"content"`
		Timestamp       string `json:"timestamp"`
		CreatedAt       string `json:"createdAt"`
		ClientMessageID string `json:"clientMessageId"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ts := raw.Timestamp
	if ts == "" {
		ts = raw.CreatedAt
	}
	m.ID = string(raw.ID)
	m.ConversationID = string(raw.ConversationID)
	m.SenderID = string(raw.SenderID)
	m.Content = raw.Content
	m.Timestamp = ts
	m.ClientMessageID = raw.ClientMessageID
	m.Pending = false
	return nil
}

func (p *Post) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID           flexID       `json:"id"`
		AuthorID     flexID       `json:"authorId"`
		UserID       flexID       `json:"userId"`
		Content      string       `json:"content"`
		Text         string       `json:"text"`
		Likes        int          `json:"likes"`
		Dislikes     int          `json:"dislikes"`
		CommentCount int          `json:"commentCount"`
		UserReaction *ReactionRef `json:"userReaction"`
		CreatedAt    string       `json:"createdAt"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	author := raw.AuthorID
	if author == "" {
		author = raw.UserID
	}
	content := raw.Content
	if content == "" {
		content = raw.Text
	}
	p.ID = string(raw.ID)
	p.AuthorID = string(author)
	p.Content = content
	p.Likes = raw.Likes
	p.Dislikes = raw.Dislikes
	p.CommentCount = raw.CommentCount
	p.UserReaction = raw.UserReaction
	p.CreatedAt = raw.CreatedAt
	return nil
}

func (p *Profile) UnmarshalJSON(data []byte) error {
	var raw struct {
		UserID        flexID `json:"userId"`
		ID            flexID `json:"id"`
		Name          string `json:"name"`
		Username      string `json:"username"`
		Avatar        string `json:"avatar"`
		Bio           string `json:"bio"`
		PostCount     int    `json:"postCount"`
		CommentCount  int    `json:"commentCount"`
		ReactionCount int    `json:"reactionCount"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	uid := raw.UserID
	if uid == "" {
		uid = raw.ID
	}
	p.UserID = string(uid)
	p.Name = raw.Name
	p.Username = raw.Username
	p.Avatar = raw.Avatar
	p.Bio = raw.Bio
	p.PostCount = raw.PostCount
	p.CommentCount = raw.CommentCount
	p.ReactionCount = raw.ReactionCount
	p.Placeholder = false
	return nil
}

func (u *User) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID        flexID `json:"id"`
		Username  string `json:"username"`
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	u.ID = string(raw.ID)
	u.Username = raw.Username
	u.FirstName = raw.FirstName
	u.LastName = raw.LastName
	return nil
}

// PlaceholderProfile is the fallback used when the server has no profile for
// a user yet.
func PlaceholderProfile(userID string) *Profile {
	return &Profile{
		UserID:      userID,
		Name:        "User " + userID,
		Placeholder: true,
	}
}
