// Package spotty provides the public API for embedding the callback
// gateway. This is the stable API for external consumers.
package spotty

import (
	"github.com/spotty-im/spotty/internal/event"
	"github.com/spotty-im/spotty/internal/gateway"
	"github.com/spotty-im/spotty/internal/vkapi"
)

// Gateway dispatches Callback API requests to registered handlers.
// See internal/gateway.Gateway for full documentation.
type Gateway = gateway.Gateway

// Community is one registered webhook source and credential set.
type Community = gateway.Community

// Handler consumes one wrapped event.
type Handler = gateway.Handler

// Event is a wrapped callback payload; Message and Generic are its variants.
type Event = event.Event

// Message is the reply-capable wrapper for message-class events.
type Message = event.Message

// Generic is the wrapper for all other event types.
type Generic = event.Generic

// Client is the batching outbound API client.
type Client = vkapi.Client

// Params holds named parameters for an API method call.
type Params = vkapi.Params

// New creates a gateway for the given communities.
// Example:
//
//	gw := spotty.New([]spotty.Community{{
//	    ID:               12345678,
//	    AccessToken:      "token",
//	    ConfirmationCode: "code",
//	    SecretKey:        "secret",
//	}})
//	gw.On("message_new", func(ctx context.Context, ev spotty.Event) { ... })
//	http.ListenAndServe(":8080", http.HandlerFunc(gw.HandleCallback))
var New = gateway.New

// Gateway options.
var (
	WithLogger        = gateway.WithLogger
	WithClientOptions = gateway.WithClientOptions
)

// Client options, for use with WithClientOptions.
var (
	WithBaseURL       = vkapi.WithBaseURL
	WithVersion       = vkapi.WithVersion
	WithHTTPClient    = vkapi.WithHTTPClient
	WithFlushInterval = vkapi.WithFlushInterval
	WithBatchLimit    = vkapi.WithBatchLimit
	WithMaxAttempts   = vkapi.WithMaxAttempts
)
