package social

import (
	"sync"

	"github.com/samber/lo"
)

// ============================================================================
// CacheStore
// ============================================================================

// loadKey addresses the loading/loaded/error flags. The id is the scope the
// fetch covers: "" for the global feed or the conversation list, a user id
// for per-author posts or a profile, a post id for its comments, a
// conversation id for its messages.
type loadKey struct {
	kind Kind
	id   string
}

// busyKey serializes mutations: at most one in-flight mutation per
// (entity kind, entity id, mutation kind).
type busyKey struct {
	kind Kind
	id   string
	op   string
}

// Store is the process-wide normalized cache. It is constructed once and
// passed by handle into every consumer; there are no package-level instances.
//
// One RWMutex guards every table and index, so a write is atomic as a whole:
// readers observe either none or all of a patch, and list membership never
// disagrees with the entity tables. Entities handed out are copies — callers
// never hold pointers into the cache.
type Store struct {
	mu sync.RWMutex

	posts         map[string]*Post
	comments      map[string]*Comment
	profiles      map[string]*Profile
	conversations map[string]*Conversation
	messages      map[string]*Message

	feed           []string            // global feed, most recent first
	postsByAuthor  map[string][]string // most recent first
	commentsByPost map[string][]string // chronological
	messagesByConv map[string][]string // chronological
	convOrder      []string            // most recently active first

	loading map[loadKey]bool
	loaded  map[loadKey]bool
	errs    map[loadKey]error
	busy    map[busyKey]bool

	watchers map[int]func()
	watchSeq int
}

// NewStore creates an empty cache.
func NewStore() *Store {
	return &Store{
		posts:          make(map[string]*Post),
		comments:       make(map[string]*Comment),
		profiles:       make(map[string]*Profile),
		conversations:  make(map[string]*Conversation),
		messages:       make(map[string]*Message),
		postsByAuthor:  make(map[string][]string),
		commentsByPost: make(map[string][]string),
		messagesByConv: make(map[string][]string),
		loading:        make(map[loadKey]bool),
		loaded:         make(map[loadKey]bool),
		errs:           make(map[loadKey]error),
		busy:           make(map[busyKey]bool),
		watchers:       make(map[int]func()),
	}
}

// Watch registers fn to run after every completed write. The returned cancel
// removes exactly this registration.
func (s *Store) Watch(fn func()) (cancel func()) {
	s.mu.Lock()
	id := s.watchSeq
	s.watchSeq++
	s.watchers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

func (s *Store) notify() {
	s.mu.RLock()
	fns := lo.Values(s.watchers)
	s.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

// ============================================================================
// Posts
// ============================================================================

// Post returns a copy of the post, if cached.
func (s *Store) Post(id string) (Post, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.posts[id]
	if !ok {
		return Post{}, false
	}
	return *p, true
}

// upsertPostLocked merges p into the table. UserReaction is the one field the
// server omits on most endpoints, so an incoming nil does not clear a known
// reaction.
func (s *Store) upsertPostLocked(p *Post) {
	cp := *p
	if existing, ok := s.posts[p.ID]; ok && cp.UserReaction == nil {
		cp.UserReaction = existing.UserReaction
	}
	s.posts[p.ID] = &cp
}

// SetFeed replaces the global feed with posts in server order.
func (s *Store) SetFeed(posts []*Post) {
	s.mu.Lock()
	s.feed = make([]string, 0, len(posts))
	for _, p := range posts {
		s.upsertPostLocked(p)
		if !lo.Contains(s.feed, p.ID) {
			s.feed = append(s.feed, p.ID)
		}
	}
	s.mu.Unlock()
	s.notify()
}

// SetUserPosts replaces one author's post list.
func (s *Store) SetUserPosts(userID string, posts []*Post) {
	s.mu.Lock()
	ids := make([]string, 0, len(posts))
	for _, p := range posts {
		s.upsertPostLocked(p)
		if !lo.Contains(ids, p.ID) {
			ids = append(ids, p.ID)
		}
	}
	s.postsByAuthor[userID] = ids
	s.mu.Unlock()
	s.notify()
}

// PrependPost inserts a new post at the head of the global feed and of its
// author's list.
func (s *Store) PrependPost(p *Post) {
	s.mu.Lock()
	s.upsertPostLocked(p)
	s.feed = append([]string{p.ID}, lo.Without(s.feed, p.ID)...)
	author := s.postsByAuthor[p.AuthorID]
	s.postsByAuthor[p.AuthorID] = append([]string{p.ID}, lo.Without(author, p.ID)...)
	s.mu.Unlock()
	s.notify()
}

// ReplacePost swaps the entry oldID for p, keeping its position in the feed
// and in the author list. Used to promote a sentinel to the canonical entity.
func (s *Store) ReplacePost(oldID string, p *Post) bool {
	s.mu.Lock()
	if _, ok := s.posts[oldID]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.posts, oldID)
	s.upsertPostLocked(p)
	s.feed = replaceID(s.feed, oldID, p.ID)
	for uid, ids := range s.postsByAuthor {
		s.postsByAuthor[uid] = replaceID(ids, oldID, p.ID)
	}
	s.mu.Unlock()
	s.notify()
	return true
}

// PatchPost applies fn to the cached post under the store lock. The closure
// mutates only the fields it cares about; unspecified fields survive.
func (s *Store) PatchPost(id string, fn func(*Post)) bool {
	s.mu.Lock()
	p, ok := s.posts[id]
	if ok {
		fn(p)
	}
	s.mu.Unlock()
	if ok {
		s.notify()
	}
	return ok
}

// RemovePost drops the post from the table, the feed, the author index and
// its comment child list.
func (s *Store) RemovePost(id string) {
	s.mu.Lock()
	p, ok := s.posts[id]
	if ok {
		delete(s.posts, id)
		s.feed = lo.Without(s.feed, id)
		s.postsByAuthor[p.AuthorID] = lo.Without(s.postsByAuthor[p.AuthorID], id)
		for _, cid := range s.commentsByPost[id] {
			delete(s.comments, cid)
		}
		delete(s.commentsByPost, id)
	}
	s.mu.Unlock()
	if ok {
		s.notify()
	}
}

// ============================================================================
// Comments
// ============================================================================

// Comment returns a copy of the comment, if cached.
func (s *Store) Comment(id string) (Comment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.comments[id]
	if !ok {
		return Comment{}, false
	}
	return *c, true
}

// SetComments replaces a post's comment list, chronological order.
func (s *Store) SetComments(postID string, comments []*Comment) {
	s.mu.Lock()
	ids := make([]string, 0, len(comments))
	for _, c := range comments {
		cp := *c
		s.comments[c.ID] = &cp
		if !lo.Contains(ids, c.ID) {
			ids = append(ids, c.ID)
		}
	}
	s.commentsByPost[postID] = ids
	s.mu.Unlock()
	s.notify()
}

// AppendComment adds a comment at the tail of its post's list.
func (s *Store) AppendComment(c *Comment) {
	s.mu.Lock()
	cp := *c
	s.comments[c.ID] = &cp
	ids := s.commentsByPost[c.PostID]
	if !lo.Contains(ids, c.ID) {
		s.commentsByPost[c.PostID] = append(ids, c.ID)
	}
	s.mu.Unlock()
	s.notify()
}

// ReplaceComment swaps the entry oldID for c in place.
func (s *Store) ReplaceComment(oldID string, c *Comment) bool {
	s.mu.Lock()
	old, ok := s.comments[oldID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.comments, oldID)
	cp := *c
	s.comments[c.ID] = &cp
	s.commentsByPost[old.PostID] = replaceID(s.commentsByPost[old.PostID], oldID, c.ID)
	s.mu.Unlock()
	s.notify()
	return true
}

// PatchComment applies fn to the cached comment under the store lock.
func (s *Store) PatchComment(id string, fn func(*Comment)) bool {
	s.mu.Lock()
	c, ok := s.comments[id]
	if ok {
		fn(c)
	}
	s.mu.Unlock()
	if ok {
		s.notify()
	}
	return ok
}

// RemoveComment drops the comment from its post's list and the table.
func (s *Store) RemoveComment(id string) {
	s.mu.Lock()
	c, ok := s.comments[id]
	if ok {
		delete(s.comments, id)
		s.commentsByPost[c.PostID] = lo.Without(s.commentsByPost[c.PostID], id)
	}
	s.mu.Unlock()
	if ok {
		s.notify()
	}
}

// ============================================================================
// Profiles
// ============================================================================

// Profile returns a copy of the profile, if cached.
func (s *Store) Profile(userID string) (Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return Profile{}, false
	}
	return *p, true
}

// UpsertProfile stores the profile, keyed by user id. A placeholder never
// overwrites a real profile.
func (s *Store) UpsertProfile(p *Profile) {
	s.mu.Lock()
	if existing, ok := s.profiles[p.UserID]; ok && p.Placeholder && !existing.Placeholder {
		s.mu.Unlock()
		return
	}
	cp := *p
	s.profiles[p.UserID] = &cp
	s.mu.Unlock()
	s.notify()
}

// ============================================================================
// Conversations
// ============================================================================

// Conversation returns a copy of the conversation, if cached.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, false
	}
	return *c, true
}

// SetConversations replaces the conversation list with server order,
// dropping duplicates.
func (s *Store) SetConversations(convs []*Conversation) {
	s.mu.Lock()
	s.convOrder = make([]string, 0, len(convs))
	for _, c := range convs {
		cp := *c
		s.conversations[c.ID] = &cp
		if !lo.Contains(s.convOrder, c.ID) {
			s.convOrder = append(s.convOrder, c.ID)
		}
	}
	s.mu.Unlock()
	s.notify()
}

// AddConversation prepends a conversation; an already-known id is updated in
// place instead of duplicated.
func (s *Store) AddConversation(c *Conversation) {
	s.mu.Lock()
	cp := *c
	_, known := s.conversations[c.ID]
	s.conversations[c.ID] = &cp
	if !known {
		s.convOrder = append([]string{c.ID}, lo.Without(s.convOrder, c.ID)...)
	}
	s.mu.Unlock()
	s.notify()
}

// TouchConversation updates the preview/lastUpdated of a conversation and
// moves it to the front of the list in one remove+prepend pass.
func (s *Store) TouchConversation(id, preview, when string) bool {
	s.mu.Lock()
	c, ok := s.conversations[id]
	if ok {
		c.LastMessagePreview = preview
		c.LastUpdated = when
		s.convOrder = append([]string{id}, lo.Without(s.convOrder, id)...)
	}
	s.mu.Unlock()
	if ok {
		s.notify()
	}
	return ok
}

// ConversationWith finds the two-party conversation between a and b, if any.
func (s *Store) ConversationWith(a, b string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.convOrder {
		c := s.conversations[id]
		if c.Has(a) && c.Has(b) {
			return *c, true
		}
	}
	return Conversation{}, false
}

// RemoveConversation drops the conversation, its order entry and its
// messages.
func (s *Store) RemoveConversation(id string) {
	s.mu.Lock()
	_, ok := s.conversations[id]
	if ok {
		delete(s.conversations, id)
		s.convOrder = lo.Without(s.convOrder, id)
		for _, mid := range s.messagesByConv[id] {
			delete(s.messages, mid)
		}
		delete(s.messagesByConv, id)
	}
	s.mu.Unlock()
	if ok {
		s.notify()
	}
}

// ============================================================================
// Messages
// ============================================================================

// Message returns a copy of the message, if cached.
func (s *Store) Message(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// messageKey returns the id a message is stored under: the server id once
// known, the correlation token before that.
func messageKey(m *Message) string {
	if m.ID != "" {
		return m.ID
	}
	return m.ClientMessageID
}

// SetMessages replaces a conversation's message list, chronological order.
func (s *Store) SetMessages(convID string, msgs []*Message) {
	s.mu.Lock()
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		cp := *m
		key := messageKey(&cp)
		s.messages[key] = &cp
		if !lo.Contains(ids, key) {
			ids = append(ids, key)
		}
	}
	s.messagesByConv[convID] = ids
	s.mu.Unlock()
	s.notify()
}

// AppendMessage adds a message at the tail of its conversation's list.
func (s *Store) AppendMessage(m *Message) {
	s.mu.Lock()
	cp := *m
	key := messageKey(&cp)
	s.messages[key] = &cp
	ids := s.messagesByConv[cp.ConversationID]
	if !lo.Contains(ids, key) {
		s.messagesByConv[cp.ConversationID] = append(ids, key)
	}
	s.mu.Unlock()
	s.notify()
}

// ReplaceMessage swaps the entry stored under oldKey for m, keeping the list
// position. The sentinel and the canonical entry never coexist.
func (s *Store) ReplaceMessage(oldKey string, m *Message) bool {
	s.mu.Lock()
	old, ok := s.messages[oldKey]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.messages, oldKey)
	cp := *m
	newKey := messageKey(&cp)
	s.messages[newKey] = &cp
	s.messagesByConv[old.ConversationID] = replaceID(s.messagesByConv[old.ConversationID], oldKey, newKey)
	s.mu.Unlock()
	s.notify()
	return true
}

// FindMessage locates a cached message of a conversation by server id or by
// correlation token and returns its storage key.
func (s *Store) FindMessage(convID, serverID, clientMessageID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, key := range s.messagesByConv[convID] {
		m := s.messages[key]
		if serverID != "" && m.ID == serverID {
			return key, true
		}
		if clientMessageID != "" && m.ClientMessageID == clientMessageID {
			return key, true
		}
	}
	return "", false
}

// RemoveMessage drops a message by its storage key.
func (s *Store) RemoveMessage(key string) {
	s.mu.Lock()
	m, ok := s.messages[key]
	if ok {
		delete(s.messages, key)
		s.messagesByConv[m.ConversationID] = lo.Without(s.messagesByConv[m.ConversationID], key)
	}
	s.mu.Unlock()
	if ok {
		s.notify()
	}
}

// ============================================================================
// Indices
// ============================================================================

// ChildrenOf returns the ordered child ids of a parent: comments of a post,
// messages of a conversation, posts of an author (profile). The returned
// slice is a copy.
func (s *Store) ChildrenOf(parent Kind, parentID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch parent {
	case KindPost:
		return append([]string(nil), s.commentsByPost[parentID]...)
	case KindConversation:
		return append([]string(nil), s.messagesByConv[parentID]...)
	case KindProfile:
		return append([]string(nil), s.postsByAuthor[parentID]...)
	}
	return nil
}

// FeedIDs returns the global feed order, most recent first.
func (s *Store) FeedIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.feed...)
}

// ============================================================================
// Loading / busy / error flags
// ============================================================================

// BeginLoad atomically claims a fetch for the scope. It returns false when a
// fetch is already in flight, already completed, or the scope carries an
// error — one test-and-set, so concurrent ensures of the same key can never
// both claim it.
func (s *Store) BeginLoad(kind Kind, id string) bool {
	s.mu.Lock()
	k := loadKey{kind, id}
	if s.loading[k] || s.loaded[k] || s.errs[k] != nil {
		s.mu.Unlock()
		return false
	}
	s.loading[k] = true
	s.mu.Unlock()
	s.notify()
	return true
}

// SetLoading marks a fetch scope in flight. Starting a fetch clears the
// scope's previous error.
func (s *Store) SetLoading(kind Kind, id string, loading bool) {
	s.mu.Lock()
	k := loadKey{kind, id}
	if loading {
		s.loading[k] = true
		delete(s.errs, k)
	} else {
		delete(s.loading, k)
	}
	s.mu.Unlock()
	s.notify()
}

// IsLoading reports whether a fetch for the scope is in flight.
func (s *Store) IsLoading(kind Kind, id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading[loadKey{kind, id}]
}

// MarkLoaded records that the scope has completed a fetch cycle. A failed
// fetch counts as done too; it is not retried until invalidated.
func (s *Store) MarkLoaded(kind Kind, id string) {
	s.mu.Lock()
	s.loaded[loadKey{kind, id}] = true
	s.mu.Unlock()
	s.notify()
}

// IsLoaded reports whether the scope has completed a fetch cycle.
func (s *Store) IsLoaded(kind Kind, id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded[loadKey{kind, id}]
}

// Invalidate clears the loaded flag and the error for a scope so the next
// ensure fetches again.
func (s *Store) Invalidate(kind Kind, id string) {
	s.mu.Lock()
	k := loadKey{kind, id}
	delete(s.loaded, k)
	delete(s.errs, k)
	s.mu.Unlock()
	s.notify()
}

// SetError records per-scope error state. A nil err clears it.
func (s *Store) SetError(kind Kind, id string, err error) {
	s.mu.Lock()
	k := loadKey{kind, id}
	if err == nil {
		delete(s.errs, k)
	} else {
		s.errs[k] = err
	}
	s.mu.Unlock()
	s.notify()
}

// Err returns the recorded error for a scope, if any.
func (s *Store) Err(kind Kind, id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errs[loadKey{kind, id}]
}

// BeginMutation acquires the busy flag for (kind, id, op). It returns false
// when a mutation of that kind is already in flight for the entity — the
// caller must reject, not queue.
func (s *Store) BeginMutation(kind Kind, id, op string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := busyKey{kind, id, op}
	if s.busy[k] {
		return false
	}
	s.busy[k] = true
	return true
}

// EndMutation releases the busy flag. Exactly one release per acquire,
// including on the failure path.
func (s *Store) EndMutation(kind Kind, id, op string) {
	s.mu.Lock()
	delete(s.busy, busyKey{kind, id, op})
	s.mu.Unlock()
	s.notify()
}

// MutationPending reports whether (kind, id, op) is busy; the UI renders a
// disabled control from this.
func (s *Store) MutationPending(kind Kind, id, op string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.busy[busyKey{kind, id, op}]
}

// ============================================================================
// Snapshots — the UI boundary
// ============================================================================

// PostList is a value snapshot of an ordered post list.
type PostList struct {
	Posts   []Post
	Loading bool
	Loaded  bool
	Err     error
}

// CommentList is a value snapshot of a post's comments.
type CommentList struct {
	Comments []Comment
	Loading  bool
	Loaded   bool
	Err      error
}

// ConversationList is a value snapshot of the conversation list.
type ConversationList struct {
	Conversations []Conversation
	Loading       bool
	Loaded        bool
	Err           error
}

// MessageList is a value snapshot of a conversation's messages.
type MessageList struct {
	Messages []Message
	Loading  bool
	Loaded   bool
	Err      error
}

// ProfileSnapshot is a value snapshot of one profile.
type ProfileSnapshot struct {
	Profile Profile
	Known   bool
	Loading bool
	Loaded  bool
	Err     error
}

// Feed snapshots the global feed.
func (s *Store) Feed() PostList {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return PostList{
		Posts:   s.postsLocked(s.feed),
		Loading: s.loading[loadKey{KindPost, ""}],
		Loaded:  s.loaded[loadKey{KindPost, ""}],
		Err:     s.errs[loadKey{KindPost, ""}],
	}
}

// UserPosts snapshots one author's posts.
func (s *Store) UserPosts(userID string) PostList {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return PostList{
		Posts:   s.postsLocked(s.postsByAuthor[userID]),
		Loading: s.loading[loadKey{KindPost, userID}],
		Loaded:  s.loaded[loadKey{KindPost, userID}],
		Err:     s.errs[loadKey{KindPost, userID}],
	}
}

// CommentsFor snapshots a post's comments.
func (s *Store) CommentsFor(postID string) CommentList {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Comment, 0, len(s.commentsByPost[postID]))
	for _, id := range s.commentsByPost[postID] {
		if c, ok := s.comments[id]; ok {
			out = append(out, *c)
		}
	}
	return CommentList{
		Comments: out,
		Loading:  s.loading[loadKey{KindComment, postID}],
		Loaded:   s.loaded[loadKey{KindComment, postID}],
		Err:      s.errs[loadKey{KindComment, postID}],
	}
}

// Conversations snapshots the conversation list, most recently active first.
func (s *Store) Conversations() ConversationList {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversation, 0, len(s.convOrder))
	for _, id := range s.convOrder {
		if c, ok := s.conversations[id]; ok {
			out = append(out, *c)
		}
	}
	return ConversationList{
		Conversations: out,
		Loading:       s.loading[loadKey{KindConversation, ""}],
		Loaded:        s.loaded[loadKey{KindConversation, ""}],
		Err:           s.errs[loadKey{KindConversation, ""}],
	}
}

// MessagesFor snapshots a conversation's messages, chronological.
func (s *Store) MessagesFor(convID string) MessageList {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, 0, len(s.messagesByConv[convID]))
	for _, id := range s.messagesByConv[convID] {
		if m, ok := s.messages[id]; ok {
			out = append(out, *m)
		}
	}
	return MessageList{
		Messages: out,
		Loading:  s.loading[loadKey{KindMessage, convID}],
		Loaded:   s.loaded[loadKey{KindMessage, convID}],
		Err:      s.errs[loadKey{KindMessage, convID}],
	}
}

// ProfileFor snapshots one profile.
func (s *Store) ProfileFor(userID string) ProfileSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := ProfileSnapshot{
		Loading: s.loading[loadKey{KindProfile, userID}],
		Loaded:  s.loaded[loadKey{KindProfile, userID}],
		Err:     s.errs[loadKey{KindProfile, userID}],
	}
	if p, ok := s.profiles[userID]; ok {
		snap.Profile = *p
		snap.Known = true
	}
	return snap
}

func (s *Store) postsLocked(ids []string) []Post {
	out := make([]Post, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.posts[id]; ok {
			out = append(out, *p)
		}
	}
	return out
}

// replaceID swaps old for new in a list, preserving position. If old is
// absent the list is returned unchanged.
func replaceID(ids []string, oldID, newID string) []string {
	for i, id := range ids {
		if id == oldID {
			ids[i] = newID
			return ids
		}
	}
	return ids
}
