package social

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Mutation op names for the busy flags.
const (
	opReact  = "react"
	opEdit   = "edit"
	opDelete = "delete"
	opUpdate = "update"
)

// localID mints a sentinel id for an optimistic entity. The prefix keeps
// sentinels recognizable in logs; they never reach the server as ids.
func localID() string {
	return "local-" + uuid.NewString()
}

// Pipeline runs fetches and mutations against the remote API and folds the
// results into the Store. Fetches are deduplicated per scope; writes apply
// optimistically and roll back (or invalidate) on failure.
type Pipeline struct {
	store     *Store
	api       *Client
	transport *Transport
	creds     CredentialProvider
	log       *zap.Logger

	now   func() time.Time
	newID func() string
}

// PipelineOption customizes the Pipeline.
type PipelineOption func(*Pipeline)

// WithPipelineLogger attaches a logger; the default is a nop.
func WithPipelineLogger(log *zap.Logger) PipelineOption {
	return func(p *Pipeline) { p.log = log }
}

// NewPipeline wires the pipeline to its store, API client and push transport.
func NewPipeline(store *Store, api *Client, transport *Transport, creds CredentialProvider, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		store:     store,
		api:       api,
		transport: transport,
		creds:     creds,
		log:       zap.NewNop(),
		now:       time.Now,
		newID:     localID,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) timestamp() string {
	return p.now().UTC().Format(time.RFC3339)
}

// ============================================================================
// Ensure — deduplicated fetches
// ============================================================================

// EnsureFeed fetches the global feed once per cache generation. Each post is
// decorated with the acting user's reaction, so counts and the own-vote marker
// land in the cache together.
//
// Every Ensure claims its scope through BeginLoad, one atomic test-and-set:
// a scope that is loading, loaded, or errored is not fetched again until
// invalidated, and concurrent ensures collapse to exactly one remote call.
func (p *Pipeline) EnsureFeed(ctx context.Context) error {
	if !p.store.BeginLoad(KindPost, "") {
		return nil
	}
	defer p.store.SetLoading(KindPost, "", false)

	posts, err := p.api.Posts.List(ctx)
	if err != nil {
		p.store.SetError(KindPost, "", err)
		return err
	}
	p.decorateReactions(ctx, posts)
	p.store.SetFeed(posts)
	p.store.MarkLoaded(KindPost, "")
	return nil
}

// EnsureUserPosts fetches one author's posts once per cache generation.
func (p *Pipeline) EnsureUserPosts(ctx context.Context, userID string) error {
	if !p.store.BeginLoad(KindPost, userID) {
		return nil
	}
	defer p.store.SetLoading(KindPost, userID, false)

	posts, err := p.api.Posts.ListByUser(ctx, userID)
	if err != nil {
		p.store.SetError(KindPost, userID, err)
		return err
	}
	p.decorateReactions(ctx, posts)
	p.store.SetUserPosts(userID, posts)
	p.store.MarkLoaded(KindPost, userID)
	return nil
}

// decorateReactions attaches the acting user's vote to each post. Best
// effort: a failed lookup leaves that post undecorated rather than failing
// the whole fetch.
func (p *Pipeline) decorateReactions(ctx context.Context, posts []*Post) {
	userID, ok := p.creds.UserID()
	if !ok {
		return
	}
	for _, post := range posts {
		r, err := p.api.Reactions.ForPostUser(ctx, post.ID, userID)
		if err != nil {
			p.log.Debug("reaction lookup failed",
				zap.String("postId", post.ID), zap.Error(err))
			continue
		}
		if r != nil {
			post.UserReaction = &ReactionRef{ID: r.ID, Type: r.Type}
		}
	}
}

// EnsureComments fetches a post's comments once per cache generation.
func (p *Pipeline) EnsureComments(ctx context.Context, postID string) error {
	if !p.store.BeginLoad(KindComment, postID) {
		return nil
	}
	defer p.store.SetLoading(KindComment, postID, false)

	comments, err := p.api.Comments.ListByPost(ctx, postID)
	if err != nil {
		p.store.SetError(KindComment, postID, err)
		return err
	}
	p.store.SetComments(postID, comments)
	p.store.MarkLoaded(KindComment, postID)
	return nil
}

// EnsureProfile fetches a user's profile once per cache generation. A user
// the server has not provisioned yet gets a local placeholder instead of an
// error state.
func (p *Pipeline) EnsureProfile(ctx context.Context, userID string) error {
	if !p.store.BeginLoad(KindProfile, userID) {
		return nil
	}
	defer p.store.SetLoading(KindProfile, userID, false)

	profile, err := p.api.Profiles.ByUser(ctx, userID)
	switch {
	case err == nil:
		p.store.UpsertProfile(profile)
	case IsNotFound(err):
		p.store.UpsertProfile(PlaceholderProfile(userID))
	default:
		p.store.SetError(KindProfile, userID, err)
		return err
	}
	p.store.MarkLoaded(KindProfile, userID)
	return nil
}

// EnsureConversations fetches the acting user's conversation list once per
// cache generation.
func (p *Pipeline) EnsureConversations(ctx context.Context) error {
	if !p.store.BeginLoad(KindConversation, "") {
		return nil
	}
	defer p.store.SetLoading(KindConversation, "", false)

	convs, err := p.api.Conversations.Mine(ctx)
	if err != nil {
		p.store.SetError(KindConversation, "", err)
		return err
	}
	p.store.SetConversations(convs)
	p.store.MarkLoaded(KindConversation, "")
	return nil
}

// EnsureMessages fetches a conversation's history once per cache generation.
func (p *Pipeline) EnsureMessages(ctx context.Context, convID string) error {
	if !p.store.BeginLoad(KindMessage, convID) {
		return nil
	}
	defer p.store.SetLoading(KindMessage, convID, false)

	msgs, err := p.api.Conversations.Messages(ctx, convID)
	if err != nil {
		p.store.SetError(KindMessage, convID, err)
		return err
	}
	p.store.SetMessages(convID, msgs)
	p.store.MarkLoaded(KindMessage, convID)
	return nil
}

// ============================================================================
// Posts
// ============================================================================

// CreatePost inserts an optimistic sentinel post at the head of the feed,
// then creates it remotely. The sentinel is promoted in place on success and
// removed on failure.
func (p *Pipeline) CreatePost(ctx context.Context, content string) (*Post, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	userID, ok := p.creds.UserID()
	if !ok {
		return nil, ErrCredentialMissing
	}

	sentinel := &Post{
		ID:        p.newID(),
		AuthorID:  userID,
		Content:   content,
		CreatedAt: p.timestamp(),
	}
	p.store.PrependPost(sentinel)

	created, err := p.api.Posts.Create(ctx, userID, content)
	if err != nil {
		p.store.RemovePost(sentinel.ID)
		return nil, fmt.Errorf("create post: %w", err)
	}
	if created.AuthorID == "" {
		created.AuthorID = userID
	}
	p.store.ReplacePost(sentinel.ID, created)
	return created, nil
}

// EditPost applies the new content optimistically and confirms it remotely.
// There is no pre-edit snapshot: a failure invalidates the post's scopes so
// the next ensure refetches the truth.
func (p *Pipeline) EditPost(ctx context.Context, postID, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	userID, ok := p.creds.UserID()
	if !ok {
		return ErrCredentialMissing
	}
	if !p.store.BeginMutation(KindPost, postID, opEdit) {
		return ErrMutationPending
	}
	defer p.store.EndMutation(KindPost, postID, opEdit)

	p.store.PatchPost(postID, func(post *Post) { post.Content = content })

	updated, err := p.api.Posts.Update(ctx, postID, userID, content)
	if err != nil {
		p.store.Invalidate(KindPost, "")
		p.store.Invalidate(KindPost, userID)
		return fmt.Errorf("edit post %s: %w", postID, err)
	}
	p.store.PatchPost(postID, func(post *Post) {
		post.Content = updated.Content
		if updated.CreatedAt != "" {
			post.CreatedAt = updated.CreatedAt
		}
	})
	return nil
}

// DeletePost removes the post optimistically. The removal is best effort: on
// failure the scopes are invalidated rather than the entity resurrected.
func (p *Pipeline) DeletePost(ctx context.Context, postID string) error {
	userID, ok := p.creds.UserID()
	if !ok {
		return ErrCredentialMissing
	}
	if !p.store.BeginMutation(KindPost, postID, opDelete) {
		return ErrMutationPending
	}
	defer p.store.EndMutation(KindPost, postID, opDelete)

	p.store.RemovePost(postID)

	if err := p.api.Posts.Delete(ctx, postID, userID); err != nil {
		p.store.Invalidate(KindPost, "")
		p.store.Invalidate(KindPost, userID)
		return fmt.Errorf("delete post %s: %w", postID, err)
	}
	return nil
}

// ============================================================================
// Comments
// ============================================================================

// CreateComment appends an optimistic sentinel comment and bumps the parent
// post's counter, then creates it remotely. Both effects roll back exactly on
// failure.
func (p *Pipeline) CreateComment(ctx context.Context, postID, content string) (*Comment, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	userID, ok := p.creds.UserID()
	if !ok {
		return nil, ErrCredentialMissing
	}

	sentinel := &Comment{
		ID:        p.newID(),
		PostID:    postID,
		UserID:    userID,
		Content:   content,
		CreatedAt: p.timestamp(),
	}
	p.store.AppendComment(sentinel)
	p.store.PatchPost(postID, func(post *Post) { post.CommentCount++ })

	created, err := p.api.Comments.Create(ctx, postID, content)
	if err != nil {
		p.store.RemoveComment(sentinel.ID)
		p.store.PatchPost(postID, func(post *Post) { post.CommentCount-- })
		return nil, fmt.Errorf("create comment: %w", err)
	}
	if created.PostID == "" {
		created.PostID = postID
	}
	if created.UserID == "" {
		created.UserID = userID
	}
	p.store.ReplaceComment(sentinel.ID, created)
	return created, nil
}

// EditComment applies the new content optimistically; a failure invalidates
// the post's comment scope instead of restoring a snapshot.
func (p *Pipeline) EditComment(ctx context.Context, commentID, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	userID, ok := p.creds.UserID()
	if !ok {
		return ErrCredentialMissing
	}
	if !p.store.BeginMutation(KindComment, commentID, opEdit) {
		return ErrMutationPending
	}
	defer p.store.EndMutation(KindComment, commentID, opEdit)

	current, known := p.store.Comment(commentID)
	p.store.PatchComment(commentID, func(c *Comment) { c.Content = content })

	if _, err := p.api.Comments.Update(ctx, commentID, userID, content); err != nil {
		if known {
			p.store.Invalidate(KindComment, current.PostID)
		}
		return fmt.Errorf("edit comment %s: %w", commentID, err)
	}
	return nil
}

// DeleteComment removes the comment optimistically and decrements the parent
// counter. Best effort: failure invalidates the comment scope.
func (p *Pipeline) DeleteComment(ctx context.Context, commentID string) error {
	userID, ok := p.creds.UserID()
	if !ok {
		return ErrCredentialMissing
	}
	if !p.store.BeginMutation(KindComment, commentID, opDelete) {
		return ErrMutationPending
	}
	defer p.store.EndMutation(KindComment, commentID, opDelete)

	current, known := p.store.Comment(commentID)
	p.store.RemoveComment(commentID)
	if known {
		p.store.PatchPost(current.PostID, func(post *Post) {
			if post.CommentCount > 0 {
				post.CommentCount--
			}
		})
	}

	if err := p.api.Comments.Delete(ctx, commentID, userID); err != nil {
		if known {
			p.store.Invalidate(KindComment, current.PostID)
		}
		return fmt.Errorf("delete comment %s: %w", commentID, err)
	}
	return nil
}

// ============================================================================
// Reactions
// ============================================================================

// ToggleReaction applies one press of the like or dislike control. Same vote
// again removes it, the opposite vote switches it, no vote places it. The
// counts and the own-vote marker update optimistically before the network
// round trip; a second press while one is in flight is rejected, not queued.
//
// The failure rollback is deliberately imprecise: only the own-vote marker
// resets to nil, the optimistic counts stand. The next fetch re-decorates the
// true vote and counts.
func (p *Pipeline) ToggleReaction(ctx context.Context, postID string, kind ReactionType) error {
	userID, ok := p.creds.UserID()
	if !ok {
		return ErrCredentialMissing
	}
	if !p.store.BeginMutation(KindPost, postID, opReact) {
		return ErrMutationPending
	}
	defer p.store.EndMutation(KindPost, postID, opReact)

	before, known := p.store.Post(postID)
	if !known {
		return fmt.Errorf("toggle reaction: post %s: %w", postID, ErrEntityNotFound)
	}

	prior := before.UserReaction
	removing := prior != nil && prior.Type == kind

	p.store.PatchPost(postID, func(post *Post) {
		if prior != nil {
			bump(post, prior.Type, -1)
		}
		if removing {
			post.UserReaction = nil
		} else {
			bump(post, kind, +1)
			post.UserReaction = &ReactionRef{Type: kind}
		}
	})

	err := p.syncReaction(ctx, postID, userID, kind, removing)
	if err != nil {
		p.store.PatchPost(postID, func(post *Post) {
			post.UserReaction = nil
		})
		return fmt.Errorf("toggle reaction on post %s: %w", postID, err)
	}
	return nil
}

// syncReaction performs the server side of a toggle: look up the current
// reaction row, then delete it, replace it, or create one.
func (p *Pipeline) syncReaction(ctx context.Context, postID, userID string, kind ReactionType, removing bool) error {
	existing, err := p.api.Reactions.ForPostUser(ctx, postID, userID)
	if err != nil {
		return err
	}
	if removing {
		if existing == nil {
			return nil
		}
		return p.api.Reactions.Delete(ctx, existing.ID, userID)
	}
	created, err := p.api.Reactions.Add(ctx, postID, userID, kind)
	if err != nil {
		return err
	}
	p.store.PatchPost(postID, func(post *Post) {
		if post.UserReaction != nil && post.UserReaction.Type == kind {
			post.UserReaction.ID = created.ID
		}
	})
	return nil
}

func bump(post *Post, kind ReactionType, delta int) {
	switch kind {
	case ReactionLike:
		post.Likes += delta
		if post.Likes < 0 {
			post.Likes = 0
		}
	case ReactionDislike:
		post.Dislikes += delta
		if post.Dislikes < 0 {
			post.Dislikes = 0
		}
	}
}

// ============================================================================
// Profiles
// ============================================================================

// UpdateProfile applies the edited fields optimistically and confirms them
// remotely; a failure invalidates the profile scope so the next ensure
// refetches. A user the server has not provisioned yet (placeholder or
// unknown locally) gets a create instead of an update.
func (p *Pipeline) UpdateProfile(ctx context.Context, profile *Profile) error {
	userID, ok := p.creds.UserID()
	if !ok {
		return ErrCredentialMissing
	}
	if !p.store.BeginMutation(KindProfile, userID, opUpdate) {
		return ErrMutationPending
	}
	defer p.store.EndMutation(KindProfile, userID, opUpdate)

	existing, known := p.store.Profile(userID)
	provisioned := known && !existing.Placeholder

	cp := *profile
	cp.UserID = userID
	cp.Placeholder = false
	p.store.UpsertProfile(&cp)

	var (
		updated *Profile
		err     error
	)
	if provisioned {
		updated, err = p.api.Profiles.Update(ctx, userID, &cp)
	} else {
		updated, err = p.api.Profiles.Create(ctx, userID, &cp)
	}
	if err != nil {
		p.store.Invalidate(KindProfile, userID)
		return fmt.Errorf("update profile: %w", err)
	}
	if updated.UserID == "" {
		updated.UserID = userID
	}
	p.store.UpsertProfile(updated)
	return nil
}

// ============================================================================
// Conversations
// ============================================================================

// StartConversation returns the existing two-party conversation with the
// other user, or creates one remotely and prepends it to the list.
func (p *Pipeline) StartConversation(ctx context.Context, otherUserID string) (*Conversation, error) {
	userID, ok := p.creds.UserID()
	if !ok {
		return nil, ErrCredentialMissing
	}
	if existing, found := p.store.ConversationWith(userID, otherUserID); found {
		return &existing, nil
	}

	created, err := p.api.Conversations.Create(ctx, userID, otherUserID)
	if err != nil {
		return nil, fmt.Errorf("start conversation with %s: %w", otherUserID, err)
	}
	p.store.AddConversation(created)
	return created, nil
}

// SendMessage appends an optimistic pending message keyed by its correlation
// token, moves the conversation to the front, and publishes over the push
// channel. Publish is fire-and-forget; confirmation arrives as the push echo
// carrying the same token. A publish error removes the pending entry.
//
// Without a push transport the send falls back to the REST endpoint.
func (p *Pipeline) SendMessage(ctx context.Context, convID, content string) (*Message, error) {
	if p.transport == nil {
		return p.SendMessageHTTP(ctx, convID, content)
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	userID, ok := p.creds.UserID()
	if !ok {
		return nil, ErrCredentialMissing
	}

	msg := &Message{
		ConversationID:  convID,
		SenderID:        userID,
		Content:         content,
		Timestamp:       p.timestamp(),
		ClientMessageID: p.newID(),
		Pending:         true,
	}
	p.store.AppendMessage(msg)
	p.store.TouchConversation(convID, content, msg.Timestamp)

	if err := p.transport.Publish(ctx, "chat", msg); err != nil {
		p.store.RemoveMessage(msg.ClientMessageID)
		return nil, fmt.Errorf("send message: %w", err)
	}
	return msg, nil
}

// SendMessageHTTP is the REST fallback for environments without a live push
// channel: same optimistic insert, but the confirmation comes back on the
// response instead of the echo.
func (p *Pipeline) SendMessageHTTP(ctx context.Context, convID, content string) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	userID, ok := p.creds.UserID()
	if !ok {
		return nil, ErrCredentialMissing
	}

	msg := &Message{
		ConversationID:  convID,
		SenderID:        userID,
		Content:         content,
		Timestamp:       p.timestamp(),
		ClientMessageID: p.newID(),
		Pending:         true,
	}
	p.store.AppendMessage(msg)
	p.store.TouchConversation(convID, content, msg.Timestamp)

	sent, err := p.api.Conversations.Send(ctx, msg)
	if err != nil {
		p.store.RemoveMessage(msg.ClientMessageID)
		return nil, fmt.Errorf("send message: %w", err)
	}
	if sent.ClientMessageID == "" {
		sent.ClientMessageID = msg.ClientMessageID
	}
	p.store.ReplaceMessage(msg.ClientMessageID, sent)
	return sent, nil
}
