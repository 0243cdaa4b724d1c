// Package social is the cache and synchronization engine for a social feed
// and chat client.
//
// It keeps a normalized in-memory cache of posts, comments, profiles,
// conversations and messages, runs optimistic mutations against the remote
// HTTP API, maintains the realtime push channel, and reconciles inbound chat
// traffic with locally pending sends.
//
// Example:
//
//	engine, _ := social.New(social.Options{
//		BaseURL:     "https://api.example.com/api",
//		WSURL:       "wss://api.example.com/ws",
//		Credentials: social.StaticCredentials{BearerToken: token, CurrentUserID: uid},
//	})
//	defer engine.Close()
//
//	engine.Pipeline.EnsureFeed(ctx)
//	feed := engine.Store.Feed()
//
//	engine.Pipeline.ToggleReaction(ctx, feed.Posts[0].ID, social.ReactionLike)
//
//	cancel, _ := engine.Bridge.WatchConversation(convID)
//	defer cancel()
//	engine.Pipeline.SendMessage(ctx, convID, "hello")
package social

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

// Options configures an Engine.
type Options struct {
	// BaseURL is the HTTP API root (".../api"). Required.
	BaseURL string

	// WSURL is the push channel endpoint (ws:// or wss://). Optional; when
	// empty the engine runs HTTP-only and SendMessage falls back to REST.
	WSURL string

	// Credentials supplies the bearer token and the acting user id. Required.
	Credentials CredentialProvider

	// Logger is shared by every component; nil means no logging.
	Logger *zap.Logger

	// HeartbeatInterval overrides the push keepalive period.
	HeartbeatInterval time.Duration

	// HTTPTimeout overrides the per-request API timeout.
	HTTPTimeout time.Duration
}

// Engine bundles the store, the API client, the push transport, the mutation
// pipeline and the reconciliation bridge into one wired unit.
type Engine struct {
	Store     *Store
	API       *Client
	Transport *Transport
	Pipeline  *Pipeline
	Bridge    *Bridge

	log *zap.Logger
}

// New wires an engine from options. Nothing connects until the first fetch,
// publish or subscription.
func New(opts Options) (*Engine, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("social: BaseURL is required")
	}
	if opts.Credentials == nil {
		return nil, errors.New("social: Credentials is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	store := NewStore()

	clientOpts := []ClientOption{WithClientLogger(log.Named("api"))}
	if opts.HTTPTimeout > 0 {
		clientOpts = append(clientOpts, WithTimeout(opts.HTTPTimeout))
	}
	api := NewClient(opts.BaseURL, opts.Credentials, clientOpts...)

	var transport *Transport
	if opts.WSURL != "" {
		transportOpts := []TransportOption{WithTransportLogger(log.Named("push"))}
		if opts.HeartbeatInterval > 0 {
			transportOpts = append(transportOpts, WithHeartbeatInterval(opts.HeartbeatInterval))
		}
		transport = NewTransport(opts.WSURL, opts.Credentials, transportOpts...)
	}

	pipeline := NewPipeline(store, api, transport, opts.Credentials,
		WithPipelineLogger(log.Named("pipeline")))

	var bridge *Bridge
	if transport != nil {
		bridge = NewBridge(store, transport, log.Named("bridge"))
	}

	return &Engine{
		Store:     store,
		API:       api,
		Transport: transport,
		Pipeline:  pipeline,
		Bridge:    bridge,
		log:       log,
	}, nil
}

// Close shuts the push channel and the HTTP transport down.
func (e *Engine) Close() error {
	var errs []error
	if e.Transport != nil {
		errs = append(errs, e.Transport.Close())
	}
	errs = append(errs, e.API.Close())
	return errors.Join(errs...)
}
