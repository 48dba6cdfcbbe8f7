// Package gateway provides the public API for embedding the chat gateway.
package gateway

import (
	"github.com/tjfontaine/polyglot-chat-gateway/internal/runtime"
)

// Gateway is the main entry point for running the chat gateway.
// See internal/runtime.Gateway for full documentation.
type Gateway = runtime.Gateway

// Option is a functional option for configuring a Gateway.
type Option = runtime.Option

// New creates a new Gateway with the given options.
// Example:
//
//	gw, err := gateway.New(
//	    gateway.WithFileConfig("config.yaml"),
//	    gateway.WithSQLite("./data/chat.db"),
//	)
var New = runtime.New

// ChatPath is where the chat-turn endpoint is mounted.
const ChatPath = runtime.ChatPath

// Configuration options
var (
	// Config sources
	WithFileConfig = runtime.WithFileConfig
	WithConfig     = runtime.WithConfig

	// Storage
	WithStore  = runtime.WithStore
	WithSQLite = runtime.WithSQLite
	WithRedis  = runtime.WithRedis

	// Advanced options
	WithCompleter = runtime.WithCompleter
	WithMetrics   = runtime.WithMetrics
	WithLogger    = runtime.WithLogger
)
