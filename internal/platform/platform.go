// Package platform holds the protocol adapters that talk to external social
// networks on behalf of a connected account.
package platform

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/socialsync/publisher/internal/models"
)

// Client publishes to one platform. Prepare does the per-post work (media
// uploads, link previews) once; Publish is then called for every target.
type Client interface {
	Platform() string
	Prepare(ctx context.Context, token, author string, content models.Content) (*Prepared, error)
	Publish(ctx context.Context, token string, p *Prepared, target models.Target, visibility models.Visibility) (string, error)
	Profile(ctx context.Context, token string) (*Profile, error)
	Capabilities(ctx context.Context, token string) (models.Capabilities, error)
}

type Prepared struct {
	Author   string
	Content  models.Content
	Category string
	// platform media references, in display order
	Media     []string
	Thumbnail string
	// source urls left out of the post
	Dropped []string
}

type Profile struct {
	ID       string
	Name     string
	Username string
	Picture  string
}

// Error is a non-success answer from a platform API.
type Error struct {
	Platform   string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Platform, e.Message)
	}
	return fmt.Sprintf("%s api %d: %s", e.Platform, e.StatusCode, e.Message)
}

// Unauthorized reports whether the token was rejected or lacks the
// permission for the call.
func (e *Error) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// Truncate cuts s to at most n bytes without splitting a rune.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Registry resolves the client for a platform id.
type Registry map[string]Client

func NewRegistry(clients ...Client) Registry {
	r := Registry{}
	for _, c := range clients {
		r[c.Platform()] = c
	}
	return r
}

func (r Registry) Get(platform string) (Client, error) {
	c, ok := r[strings.ToLower(platform)]
	if !ok {
		return nil, fmt.Errorf("platform %q is not supported for publishing", platform)
	}
	return c, nil
}
