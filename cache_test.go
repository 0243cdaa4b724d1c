package social

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedPost(id, author string) *Post {
	return &Post{ID: id, AuthorID: author, Content: "post " + id}
}

func TestReplacePostKeepsPosition(t *testing.T) {
	s := NewStore()
	s.SetFeed([]*Post{feedPost("a", "u1"), feedPost("local-x", "u1"), feedPost("c", "u2")})

	ok := s.ReplacePost("local-x", feedPost("b", "u1"))
	require.True(t, ok)

	assert.Equal(t, []string{"a", "b", "c"}, s.FeedIDs())
	_, sentinel := s.Post("local-x")
	assert.False(t, sentinel)
	p, found := s.Post("b")
	require.True(t, found)
	assert.Equal(t, "post b", p.Content)
}

func TestUpsertPostPreservesKnownReaction(t *testing.T) {
	s := NewStore()
	p := feedPost("a", "u1")
	p.UserReaction = &ReactionRef{Type: ReactionLike}
	s.SetFeed([]*Post{p})

	// A refresh from an endpoint that omits userReaction must not clear it.
	s.SetFeed([]*Post{feedPost("a", "u1")})
	got, _ := s.Post("a")
	require.NotNil(t, got.UserReaction)
	assert.Equal(t, ReactionLike, got.UserReaction.Type)
}

func TestPrependPostDeduplicates(t *testing.T) {
	s := NewStore()
	s.SetFeed([]*Post{feedPost("a", "u1"), feedPost("b", "u2")})
	s.PrependPost(feedPost("b", "u2"))
	assert.Equal(t, []string{"b", "a"}, s.FeedIDs())
}

func TestRemovePostDropsComments(t *testing.T) {
	s := NewStore()
	s.SetFeed([]*Post{feedPost("a", "u1")})
	s.SetComments("a", []*Comment{{ID: "c1", PostID: "a", UserID: "u2", Content: "hi"}})

	s.RemovePost("a")
	_, ok := s.Comment("c1")
	assert.False(t, ok)
	assert.Empty(t, s.ChildrenOf(KindPost, "a"))
}

func TestTouchConversationMovesToFront(t *testing.T) {
	s := NewStore()
	s.SetConversations([]*Conversation{
		{ID: "1", ParticipantIDs: [2]string{"a", "b"}},
		{ID: "2", ParticipantIDs: [2]string{"a", "c"}},
		{ID: "3", ParticipantIDs: [2]string{"a", "d"}},
	})

	require.True(t, s.TouchConversation("3", "latest", "T1"))

	list := s.Conversations()
	require.Len(t, list.Conversations, 3)
	assert.Equal(t, "3", list.Conversations[0].ID)
	assert.Equal(t, "latest", list.Conversations[0].LastMessagePreview)
	assert.Equal(t, "T1", list.Conversations[0].LastUpdated)

	assert.False(t, s.TouchConversation("nope", "x", "T2"))
}

func TestConversationWith(t *testing.T) {
	s := NewStore()
	s.SetConversations([]*Conversation{
		{ID: "1", ParticipantIDs: [2]string{"a", "b"}},
		{ID: "2", ParticipantIDs: [2]string{"c", "a"}},
	})

	c, ok := s.ConversationWith("a", "c")
	require.True(t, ok)
	assert.Equal(t, "2", c.ID)

	_, ok = s.ConversationWith("b", "c")
	assert.False(t, ok)
}

func TestMessageDualKeyStorage(t *testing.T) {
	s := NewStore()
	pending := &Message{ConversationID: "1", SenderID: "a", Content: "hi",
		ClientMessageID: "local-x", Pending: true}
	s.AppendMessage(pending)

	// Confirmed copy arrives with a server id and the same correlation token.
	key, found := s.FindMessage("1", "42", "local-x")
	require.True(t, found)
	assert.Equal(t, "local-x", key)

	confirmed := &Message{ID: "42", ConversationID: "1", SenderID: "a",
		Content: "hi", ClientMessageID: "local-x"}
	require.True(t, s.ReplaceMessage(key, confirmed))

	list := s.MessagesFor("1")
	require.Len(t, list.Messages, 1)
	assert.Equal(t, "42", list.Messages[0].ID)
	assert.False(t, list.Messages[0].Pending)

	// Same message again matches by server id now.
	key, found = s.FindMessage("1", "42", "")
	require.True(t, found)
	assert.Equal(t, "42", key)
}

func TestLoadFlagsLifecycle(t *testing.T) {
	s := NewStore()
	assert.False(t, s.IsLoading(KindPost, ""))
	assert.False(t, s.IsLoaded(KindPost, ""))

	s.SetLoading(KindPost, "", true)
	assert.True(t, s.IsLoading(KindPost, ""))

	s.SetLoading(KindPost, "", false)
	s.MarkLoaded(KindPost, "")
	assert.True(t, s.IsLoaded(KindPost, ""))

	s.SetError(KindPost, "", ErrTransportUnavailable)
	require.Error(t, s.Err(KindPost, ""))

	s.Invalidate(KindPost, "")
	assert.False(t, s.IsLoaded(KindPost, ""))
	assert.NoError(t, s.Err(KindPost, ""))

	// Starting a fresh fetch clears a stale error.
	s.SetError(KindPost, "", ErrTransportUnavailable)
	s.SetLoading(KindPost, "", true)
	assert.NoError(t, s.Err(KindPost, ""))
}

func TestBeginLoadClaimsScopeOnce(t *testing.T) {
	s := NewStore()
	require.True(t, s.BeginLoad(KindPost, ""))
	assert.False(t, s.BeginLoad(KindPost, "")) // in flight
	assert.True(t, s.IsLoading(KindPost, ""))

	s.SetLoading(KindPost, "", false)
	s.MarkLoaded(KindPost, "")
	assert.False(t, s.BeginLoad(KindPost, "")) // already done

	s.Invalidate(KindPost, "")
	require.True(t, s.BeginLoad(KindPost, ""))
	s.SetLoading(KindPost, "", false)

	// An errored scope is not reclaimed until invalidated.
	s.SetError(KindPost, "", ErrTransportUnavailable)
	assert.False(t, s.BeginLoad(KindPost, ""))

	// Scopes are independent.
	assert.True(t, s.BeginLoad(KindPost, "u1"))
}

func TestBusyFlagSingleFlight(t *testing.T) {
	s := NewStore()
	require.True(t, s.BeginMutation(KindPost, "a", opReact))
	assert.False(t, s.BeginMutation(KindPost, "a", opReact))
	assert.True(t, s.MutationPending(KindPost, "a", opReact))

	// A different op on the same entity is independent.
	require.True(t, s.BeginMutation(KindPost, "a", opEdit))
	s.EndMutation(KindPost, "a", opEdit)

	s.EndMutation(KindPost, "a", opReact)
	assert.False(t, s.MutationPending(KindPost, "a", opReact))
	assert.True(t, s.BeginMutation(KindPost, "a", opReact))
}

func TestPlaceholderNeverOverwritesReal(t *testing.T) {
	s := NewStore()
	s.UpsertProfile(&Profile{UserID: "u1", Name: "Ada"})
	s.UpsertProfile(PlaceholderProfile("u1"))

	p, ok := s.Profile("u1")
	require.True(t, ok)
	assert.Equal(t, "Ada", p.Name)
	assert.False(t, p.Placeholder)

	// The reverse direction upgrades.
	s.UpsertProfile(PlaceholderProfile("u2"))
	s.UpsertProfile(&Profile{UserID: "u2", Name: "Grace"})
	p, _ = s.Profile("u2")
	assert.Equal(t, "Grace", p.Name)
}

func TestWatchNotifiesAndCancels(t *testing.T) {
	s := NewStore()
	fired := 0
	cancel := s.Watch(func() { fired++ })

	s.SetFeed([]*Post{feedPost("a", "u1")})
	assert.Equal(t, 1, fired)

	cancel()
	s.SetFeed([]*Post{feedPost("b", "u1")})
	assert.Equal(t, 1, fired)
}

func TestSnapshotsAreCopies(t *testing.T) {
	s := NewStore()
	s.SetFeed([]*Post{feedPost("a", "u1")})

	snap := s.Feed()
	snap.Posts[0].Content = "mutated"

	p, _ := s.Post("a")
	assert.Equal(t, "post a", p.Content)
}
