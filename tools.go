//go:build tools

// Package chatsync pins tool dependencies run through go generate.
package chatsync

import (
	_ "go.uber.org/mock/mockgen"
)
