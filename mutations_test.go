package social

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPipeline(t *testing.T, handler http.Handler) (*Pipeline, *Store) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store := NewStore()
	creds := StaticCredentials{BearerToken: "tok", CurrentUserID: "u1"}
	client := NewClient(srv.URL, creds)
	t.Cleanup(func() { client.Close() })

	p := NewPipeline(store, client, nil, creds)
	var seq int
	p.newID = func() string {
		seq++
		return fmt.Sprintf("local-%d", seq)
	}
	p.now = func() time.Time { return time.Unix(0, 0).UTC() }
	return p, store
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func noReaction(mux *http.ServeMux) {
	mux.HandleFunc("GET /reactions/post/{pid}/user/{uid}", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"no reaction"}`, http.StatusNotFound)
	})
}

// ============================================================================
// Fetch dedup
// ============================================================================

func TestEnsureFeedFetchesOnce(t *testing.T) {
	var hits int
	mux := http.NewServeMux()
	mux.HandleFunc("GET /posts", func(w http.ResponseWriter, r *http.Request) {
		hits++
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"id":1,"authorId":2,"content":"first"},{"id":2,"authorId":3,"content":"second"}]`)
	})
	noReaction(mux)
	p, store := newTestPipeline(t, mux)
	ctx := context.Background()

	require.NoError(t, p.EnsureFeed(ctx))
	require.NoError(t, p.EnsureFeed(ctx))
	require.NoError(t, p.EnsureFeed(ctx))
	assert.Equal(t, 1, hits)
	assert.Equal(t, []string{"1", "2"}, store.FeedIDs())

	store.Invalidate(KindPost, "")
	require.NoError(t, p.EnsureFeed(ctx))
	assert.Equal(t, 2, hits)
}

func TestEnsureFeedConcurrentCallsCollapse(t *testing.T) {
	var hits int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /posts", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"id":1,"authorId":2,"content":"first"}]`)
	})
	noReaction(mux)
	p, store := newTestPipeline(t, mux)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.EnsureFeed(ctx))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	require.Eventually(t, func() bool {
		return store.IsLoaded(KindPost, "")
	}, time.Second, 5*time.Millisecond)
}

func TestEnsureFeedErrorStopsRetries(t *testing.T) {
	var hits int
	mux := http.NewServeMux()
	mux.HandleFunc("GET /posts", func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, `{"message":"boom"}`, http.StatusInternalServerError)
	})
	p, store := newTestPipeline(t, mux)
	ctx := context.Background()

	require.Error(t, p.EnsureFeed(ctx))
	require.NoError(t, p.EnsureFeed(ctx)) // skipped, error still recorded
	assert.Equal(t, 1, hits)
	require.Error(t, store.Feed().Err)

	store.Invalidate(KindPost, "")
	require.Error(t, p.EnsureFeed(ctx))
	assert.Equal(t, 2, hits)
}

func TestEnsureFeedDecoratesReactions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /posts", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"id":"a","authorId":"u2","content":"x","likes":3},{"id":"b","authorId":"u3","content":"y"}]`)
	})
	mux.HandleFunc("GET /reactions/post/{pid}/user/{uid}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("pid") == "a" {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"id":"r1","postId":"a","userId":"u1","type":"LIKE"}`)
			return
		}
		http.Error(w, `{}`, http.StatusNotFound)
	})
	p, store := newTestPipeline(t, mux)

	require.NoError(t, p.EnsureFeed(context.Background()))

	a, _ := store.Post("a")
	require.NotNil(t, a.UserReaction)
	assert.Equal(t, ReactionLike, a.UserReaction.Type)
	assert.Equal(t, "r1", a.UserReaction.ID)

	b, _ := store.Post("b")
	assert.Nil(t, b.UserReaction)
}

// ============================================================================
// Reactions
// ============================================================================

// reactionBackend is a minimal stateful server for toggle round trips.
type reactionBackend struct {
	mu       sync.Mutex
	reaction *Reaction
	seq      int
}

func (b *reactionBackend) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /posts", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"id":"a","authorId":"u2","content":"x","likes":3,"dislikes":1}]`)
	})
	mux.HandleFunc("GET /reactions/post/{pid}/user/{uid}", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.reaction == nil {
			http.Error(w, `{}`, http.StatusNotFound)
			return
		}
		writeJSON(w, b.reaction)
	})
	mux.HandleFunc("POST /reactions/post/{pid}/user/{uid}", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Type ReactionType `json:"type"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		b.mu.Lock()
		defer b.mu.Unlock()
		b.seq++
		b.reaction = &Reaction{
			ID:     fmt.Sprintf("r%d", b.seq),
			PostID: r.PathValue("pid"),
			UserID: r.PathValue("uid"),
			Type:   body.Type,
		}
		writeJSON(w, b.reaction)
	})
	mux.HandleFunc("DELETE /reactions/{rid}/user/{uid}", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.reaction = nil
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func TestToggleReactionRoundTrip(t *testing.T) {
	backend := &reactionBackend{}
	p, store := newTestPipeline(t, backend.mux())
	ctx := context.Background()
	require.NoError(t, p.EnsureFeed(ctx))

	// Like: 3/1 none -> 4/1 LIKE.
	require.NoError(t, p.ToggleReaction(ctx, "a", ReactionLike))
	post, _ := store.Post("a")
	assert.Equal(t, 4, post.Likes)
	assert.Equal(t, 1, post.Dislikes)
	require.NotNil(t, post.UserReaction)
	assert.Equal(t, ReactionLike, post.UserReaction.Type)
	assert.NotEmpty(t, post.UserReaction.ID)
	require.NotNil(t, backend.reaction)
	assert.Equal(t, ReactionLike, backend.reaction.Type)

	// Like again: removal, 3/1 none.
	require.NoError(t, p.ToggleReaction(ctx, "a", ReactionLike))
	post, _ = store.Post("a")
	assert.Equal(t, 3, post.Likes)
	assert.Equal(t, 1, post.Dislikes)
	assert.Nil(t, post.UserReaction)
	assert.Nil(t, backend.reaction)

	// Dislike: 3/2 DISLIKE.
	require.NoError(t, p.ToggleReaction(ctx, "a", ReactionDislike))
	post, _ = store.Post("a")
	assert.Equal(t, 3, post.Likes)
	assert.Equal(t, 2, post.Dislikes)
	require.NotNil(t, post.UserReaction)
	assert.Equal(t, ReactionDislike, post.UserReaction.Type)

	// Switch: 4/1 LIKE.
	require.NoError(t, p.ToggleReaction(ctx, "a", ReactionLike))
	post, _ = store.Post("a")
	assert.Equal(t, 4, post.Likes)
	assert.Equal(t, 1, post.Dislikes)
	require.NotNil(t, post.UserReaction)
	assert.Equal(t, ReactionLike, post.UserReaction.Type)
	assert.Equal(t, ReactionLike, backend.reaction.Type)
}

func TestToggleReactionRollbackClearsMarker(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /reactions/post/{pid}/user/{uid}", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{}`, http.StatusNotFound)
	})
	mux.HandleFunc("POST /reactions/post/{pid}/user/{uid}", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"down"}`, http.StatusInternalServerError)
	})
	p, store := newTestPipeline(t, mux)

	seeded := &Post{ID: "a", AuthorID: "u2", Content: "x", Likes: 3, Dislikes: 1,
		UserReaction: &ReactionRef{ID: "r0", Type: ReactionDislike}}
	store.SetFeed([]*Post{seeded})

	err := p.ToggleReaction(context.Background(), "a", ReactionLike)
	require.Error(t, err)

	// Only the own-vote marker resets; the optimistic counts stand until the
	// next fetch re-decorates the truth.
	post, _ := store.Post("a")
	assert.Equal(t, 4, post.Likes)
	assert.Equal(t, 0, post.Dislikes)
	assert.Nil(t, post.UserReaction)
	assert.False(t, store.MutationPending(KindPost, "a", opReact))
}

func TestToggleReactionRejectsWhilePending(t *testing.T) {
	release := make(chan struct{})
	backend := &reactionBackend{}
	mux := backend.mux()
	slow := http.NewServeMux()
	slow.HandleFunc("GET /reactions/post/{pid}/user/{uid}", func(w http.ResponseWriter, r *http.Request) {
		<-release
		http.Error(w, `{}`, http.StatusNotFound)
	})
	slow.Handle("POST /reactions/post/{pid}/user/{uid}", mux)
	slow.Handle("/", mux)
	p, store := newTestPipeline(t, slow)
	ctx := context.Background()

	store.SetFeed([]*Post{{ID: "a", AuthorID: "u2", Content: "x", Likes: 3, Dislikes: 1}})

	done := make(chan error, 1)
	go func() { done <- p.ToggleReaction(ctx, "a", ReactionLike) }()

	require.Eventually(t, func() bool {
		return store.MutationPending(KindPost, "a", opReact)
	}, time.Second, 5*time.Millisecond)

	err := p.ToggleReaction(ctx, "a", ReactionLike)
	require.ErrorIs(t, err, ErrMutationPending)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, store.MutationPending(KindPost, "a", opReact))
}

// ============================================================================
// Posts and comments
// ============================================================================

func TestCreatePostPromotesSentinel(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /posts/user/{uid}", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":99,"authorId":"u1","content":%q}`, body["content"])
	})
	p, store := newTestPipeline(t, mux)

	created, err := p.CreatePost(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "99", created.ID)
	assert.Equal(t, []string{"99"}, store.FeedIDs())
	assert.Equal(t, []string{"99"}, store.ChildrenOf(KindProfile, "u1"))
}

func TestCreatePostRollsBackSentinel(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /posts/user/{uid}", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"down"}`, http.StatusInternalServerError)
	})
	p, store := newTestPipeline(t, mux)
	store.SetFeed([]*Post{feedPost("a", "u2")})

	_, err := p.CreatePost(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, []string{"a"}, store.FeedIDs())
}

func TestCreateCommentConvergence(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /comments", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "a", r.URL.Query().Get("postId"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":7,"postId":"a","userId":"u1","content":"nice"}`)
	})
	p, store := newTestPipeline(t, mux)
	store.SetFeed([]*Post{feedPost("a", "u2")})
	store.SetComments("a", []*Comment{{ID: "c1", PostID: "a", UserID: "u3", Content: "first"}})

	created, err := p.CreateComment(context.Background(), "a", "nice")
	require.NoError(t, err)
	assert.Equal(t, "7", created.ID)

	// The confirmed comment sits where the sentinel was, after c1.
	assert.Equal(t, []string{"c1", "7"}, store.ChildrenOf(KindPost, "a"))
	post, _ := store.Post("a")
	assert.Equal(t, 1, post.CommentCount)
}

func TestCreateCommentRollsBackCounter(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /comments", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"down"}`, http.StatusInternalServerError)
	})
	p, store := newTestPipeline(t, mux)
	store.SetFeed([]*Post{feedPost("a", "u2")})

	_, err := p.CreateComment(context.Background(), "a", "nice")
	require.Error(t, err)
	assert.Empty(t, store.ChildrenOf(KindPost, "a"))
	post, _ := store.Post("a")
	assert.Equal(t, 0, post.CommentCount)
}

func TestEditPostFailureInvalidatesScopes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /posts/{pid}/user/{uid}", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"forbidden"}`, http.StatusForbidden)
	})
	p, store := newTestPipeline(t, mux)
	store.SetFeed([]*Post{feedPost("a", "u1")})
	store.MarkLoaded(KindPost, "")
	store.MarkLoaded(KindPost, "u1")

	err := p.EditPost(context.Background(), "a", "rewritten")
	require.ErrorIs(t, err, ErrMutationRejected)
	assert.False(t, store.IsLoaded(KindPost, ""))
	assert.False(t, store.IsLoaded(KindPost, "u1"))
}

func TestEmptyContentRejectedBeforeNetwork(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
	})
	p, _ := newTestPipeline(t, handler)
	ctx := context.Background()

	_, err := p.CreatePost(ctx, "   ")
	require.ErrorIs(t, err, ErrEmptyContent)
	_, err = p.CreateComment(ctx, "a", "")
	require.ErrorIs(t, err, ErrEmptyContent)
	_, err = p.SendMessage(ctx, "c1", "\n")
	require.ErrorIs(t, err, ErrEmptyContent)
	require.ErrorIs(t, p.EditPost(ctx, "a", ""), ErrEmptyContent)
}

// ============================================================================
// Profiles
// ============================================================================

func TestEnsureProfilePlaceholderOn404(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /profiles/find/user/{uid}", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"not provisioned"}`, http.StatusNotFound)
	})
	p, store := newTestPipeline(t, mux)

	require.NoError(t, p.EnsureProfile(context.Background(), "u9"))

	snap := store.ProfileFor("u9")
	require.True(t, snap.Known)
	assert.True(t, snap.Profile.Placeholder)
	assert.True(t, snap.Loaded)
	assert.NoError(t, snap.Err)
}

func TestUpdateProfileCreatesWhenUnprovisioned(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /profiles/user/{uid}", func(w http.ResponseWriter, r *http.Request) {
		var body Profile
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"userId":"u1","name":%q,"bio":%q}`, body.Name, body.Bio)
	})
	mux.HandleFunc("PUT /profiles/{uid}", func(w http.ResponseWriter, r *http.Request) {
		t.Error("update endpoint hit for an unprovisioned profile")
	})
	p, store := newTestPipeline(t, mux)
	store.UpsertProfile(PlaceholderProfile("u1"))

	err := p.UpdateProfile(context.Background(), &Profile{Name: "Ada", Bio: "hi"})
	require.NoError(t, err)

	snap := store.ProfileFor("u1")
	require.True(t, snap.Known)
	assert.Equal(t, "Ada", snap.Profile.Name)
	assert.False(t, snap.Profile.Placeholder)
}

func TestUpdateProfileUpdatesExisting(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /profiles/{uid}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"userId":"u1","name":"Ada Lovelace"}`)
	})
	mux.HandleFunc("POST /profiles/user/{uid}", func(w http.ResponseWriter, r *http.Request) {
		t.Error("create endpoint hit for a provisioned profile")
	})
	p, store := newTestPipeline(t, mux)
	store.UpsertProfile(&Profile{UserID: "u1", Name: "Ada"})

	require.NoError(t, p.UpdateProfile(context.Background(), &Profile{Name: "Ada Lovelace"}))
	got, _ := store.Profile("u1")
	assert.Equal(t, "Ada Lovelace", got.Name)
}

// ============================================================================
// Conversations and messages
// ============================================================================

func TestStartConversationReusesExisting(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
	})
	p, store := newTestPipeline(t, handler)
	store.SetConversations([]*Conversation{{ID: "5", ParticipantIDs: [2]string{"u2", "u1"}}})

	conv, err := p.StartConversation(context.Background(), "u2")
	require.NoError(t, err)
	assert.Equal(t, "5", conv.ID)
}

func TestStartConversationCreates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /conversations", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "u1", body["user1Id"])
		assert.Equal(t, "u7", body["user2Id"])
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":9,"user1Id":"u1","user2Id":"u7"}`)
	})
	p, store := newTestPipeline(t, mux)

	conv, err := p.StartConversation(context.Background(), "u7")
	require.NoError(t, err)
	assert.Equal(t, "9", conv.ID)
	list := store.Conversations()
	require.Len(t, list.Conversations, 1)
}

func TestSendMessageHTTPRoundTrip(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /messages", func(w http.ResponseWriter, r *http.Request) {
		var m Message
		_ = json.NewDecoder(r.Body).Decode(&m)
		m.ID = "42"
		writeJSON(w, &m)
	})
	p, store := newTestPipeline(t, mux)
	store.SetConversations([]*Conversation{
		{ID: "c1", ParticipantIDs: [2]string{"u1", "u2"}},
		{ID: "c2", ParticipantIDs: [2]string{"u1", "u3"}},
	})

	sent, err := p.SendMessage(context.Background(), "c2", "hello")
	require.NoError(t, err)
	assert.Equal(t, "42", sent.ID)
	assert.NotEmpty(t, sent.ClientMessageID)

	list := store.MessagesFor("c2")
	require.Len(t, list.Messages, 1)
	assert.False(t, list.Messages[0].Pending)

	// The conversation moved to the front with the new preview.
	convs := store.Conversations().Conversations
	assert.Equal(t, "c2", convs[0].ID)
	assert.Equal(t, "hello", convs[0].LastMessagePreview)
}

func TestSendMessageHTTPFailureRemovesPending(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /messages", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"down"}`, http.StatusInternalServerError)
	})
	p, store := newTestPipeline(t, mux)
	store.SetConversations([]*Conversation{{ID: "c1", ParticipantIDs: [2]string{"u1", "u2"}}})

	_, err := p.SendMessage(context.Background(), "c1", "hello")
	require.Error(t, err)
	assert.Empty(t, store.MessagesFor("c1").Messages)
}
