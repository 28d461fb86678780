package shortener

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sundayezeilo/urlgroups/internal/errx"
	"github.com/sundayezeilo/urlgroups/internal/idgen"
)

const (
	MaxURLLength = 2048

	// MinGroupChildren is the smallest number of distinct targets a group holds.
	MinGroupChildren = 2

	// MaxGroupChildren bounds the work a single group request can cause.
	MaxGroupChildren = 100

	// MaxSecretBytes is the longest secret bcrypt will hash without truncation.
	MaxSecretBytes = 72
)

// ShortenInput is a validated Shorten request. Build it with ParseShortenInput.
type ShortenInput struct {
	target string
}

// Target returns the normalized target URL.
func (in ShortenInput) Target() string { return in.target }

// CreateGroupInput is a validated CreateGroup request.
type CreateGroupInput struct {
	secret   string
	children []string
}

// Children returns the deduplicated targets in first-seen order.
func (in CreateGroupInput) Children() []string { return in.children }

// EditGroupInput is a validated EditGroup request.
type EditGroupInput struct {
	id       string
	secret   string
	children []string
}

func (in EditGroupInput) ID() string { return in.id }

// Children returns the deduplicated targets in first-seen order.
func (in EditGroupInput) Children() []string { return in.children }

// ParseShortenInput validates a raw target URL.
func ParseShortenInput(target string) (ShortenInput, error) {
	const op = "shortener.ParseShortenInput"

	t, err := normalizeURL(target)
	if err != nil {
		return ShortenInput{}, errx.E(op, errx.Invalid, err)
	}
	return ShortenInput{target: t}, nil
}

// ParseCreateGroupInput validates a raw secret and child list.
func ParseCreateGroupInput(secret string, children []string) (CreateGroupInput, error) {
	const op = "shortener.ParseCreateGroupInput"

	if err := validateSecret(secret); err != nil {
		return CreateGroupInput{}, errx.E(op, errx.Invalid, err)
	}
	targets, err := normalizeChildren(children)
	if err != nil {
		return CreateGroupInput{}, errx.E(op, errx.Invalid, err)
	}
	return CreateGroupInput{secret: secret, children: targets}, nil
}

// ParseEditGroupInput validates a raw group id, secret and child list.
func ParseEditGroupInput(id, secret string, children []string) (EditGroupInput, error) {
	const op = "shortener.ParseEditGroupInput"

	gid, err := ParseID(id)
	if err != nil {
		return EditGroupInput{}, errx.E(op, errx.Invalid, err)
	}
	if err := validateSecret(secret); err != nil {
		return EditGroupInput{}, errx.E(op, errx.Invalid, err)
	}
	targets, err := normalizeChildren(children)
	if err != nil {
		return EditGroupInput{}, errx.E(op, errx.Invalid, err)
	}
	return EditGroupInput{id: gid, secret: secret, children: targets}, nil
}

// ParseID validates a link or group identifier taken from a request path.
func ParseID(id string) (string, error) {
	const op = "shortener.ParseID"

	id = strings.TrimSpace(id)
	if id == "" {
		return "", errx.New(op, errx.Invalid, "id cannot be empty")
	}
	if !idgen.Valid(id) {
		return "", errx.New(op, errx.Invalid, "malformed id")
	}
	return id, nil
}

func validateSecret(secret string) error {
	if strings.TrimSpace(secret) == "" {
		return errors.New("password cannot be empty")
	}
	if len(secret) > MaxSecretBytes {
		return fmt.Errorf("password too long (max %d bytes)", MaxSecretBytes)
	}
	return nil
}

func normalizeChildren(children []string) ([]string, error) {
	seen := make(map[string]struct{}, len(children))
	targets := make([]string, 0, len(children))

	for i, raw := range children {
		t, err := normalizeURL(raw)
		if err != nil {
			return nil, fmt.Errorf("children[%d]: %w", i, err)
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		targets = append(targets, t)
	}

	if len(targets) < MinGroupChildren {
		return nil, fmt.Errorf("a group needs at least %d distinct links", MinGroupChildren)
	}
	if len(targets) > MaxGroupChildren {
		return nil, fmt.Errorf("a group holds at most %d links", MaxGroupChildren)
	}
	return targets, nil
}

func normalizeURL(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", errors.New("url cannot be empty")
	}
	if len(rawURL) > MaxURLLength {
		return "", errors.New("url too long (max 2048 characters)")
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.New("invalid url format")
	}
	if parsedURL.Scheme == "" {
		return "", errors.New("url must include scheme (http or https)")
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return "", errors.New("url scheme must be http or https")
	}
	if parsedURL.Host == "" {
		return "", errors.New("url must include host")
	}
	return rawURL, nil
}
