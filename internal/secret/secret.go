// Package secret resolves credentials from inline values, shell commands or
// the system keyring.
package secret

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/99designs/keyring"
	"gopkg.in/yaml.v3"

	"github.com/pimalaya/calendula/internal/calendar"
)

// Source names where a secret comes from. Exactly one field is set.
type Source struct {
	Raw     string `yaml:"raw"`
	Command string `yaml:"command"`
	Keyring string `yaml:"keyring"`
}

// IsZero reports whether no source is configured.
func (s Source) IsZero() bool {
	return s.Raw == "" && s.Command == "" && s.Keyring == ""
}

// Kind returns "raw", "command", "keyring" or "" for an empty source.
func (s Source) Kind() string {
	switch {
	case s.Raw != "":
		return "raw"
	case s.Command != "":
		return "command"
	case s.Keyring != "":
		return "keyring"
	}
	return ""
}

// UnmarshalYAML accepts a plain scalar as a raw value, or a mapping with
// one of raw, command or keyring.
func (s *Source) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*s = Source{Raw: node.Value}
		return nil
	}
	type plain Source
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	set := 0
	for _, v := range []string{p.Raw, p.Command, p.Keyring} {
		if v != "" {
			set++
		}
	}
	if set > 1 {
		return fmt.Errorf("line %d: secret must set only one of raw, command or keyring", node.Line)
	}
	*s = Source(p)
	return nil
}

// String never includes the secret value itself.
func (s Source) String() string {
	switch s.Kind() {
	case "raw":
		return "raw(***)"
	case "command":
		return "command(" + s.Command + ")"
	case "keyring":
		return "keyring(" + s.Keyring + ")"
	}
	return "none"
}

// Resolver turns a Source into its value.
type Resolver interface {
	Resolve(ctx context.Context, src Source) (string, error)
}

// DefaultResolver runs commands through sh and reads keyring entries from
// the keyring service named at construction. The keyring is opened on first
// use.
type DefaultResolver struct {
	open func() (keyring.Keyring, error)

	mu   sync.Mutex
	ring keyring.Keyring
}

// NewResolver returns a resolver using the system keyring under service.
func NewResolver(service string) *DefaultResolver {
	return &DefaultResolver{
		open: func() (keyring.Keyring, error) {
			return keyring.Open(keyring.Config{ServiceName: service})
		},
	}
}

// NewResolverWithKeyring returns a resolver reading keyring entries from ring.
func NewResolverWithKeyring(ring keyring.Keyring) *DefaultResolver {
	return &DefaultResolver{ring: ring}
}

func (r *DefaultResolver) Resolve(ctx context.Context, src Source) (string, error) {
	switch src.Kind() {
	case "raw":
		return src.Raw, nil
	case "command":
		return runCommand(ctx, src.Command)
	case "keyring":
		return r.readKeyring(src.Keyring)
	}
	return "", fmt.Errorf("%w: no source configured", calendar.ErrSecretUnavailable)
}

func runCommand(ctx context.Context, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("%w: command %q: %v: %s", calendar.ErrSecretUnavailable, command, err, msg)
		}
		return "", fmt.Errorf("%w: command %q: %w", calendar.ErrSecretUnavailable, command, err)
	}
	sc := bufio.NewScanner(bytes.NewReader(out))
	if sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			return line, nil
		}
	}
	return "", fmt.Errorf("%w: command %q printed nothing", calendar.ErrSecretUnavailable, command)
}

func (r *DefaultResolver) readKeyring(key string) (string, error) {
	ring, err := r.keyring()
	if err != nil {
		return "", fmt.Errorf("%w: open keyring: %w", calendar.ErrSecretUnavailable, err)
	}
	item, err := ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("%w: keyring entry %q not found", calendar.ErrSecretUnavailable, key)
	}
	if err != nil {
		return "", fmt.Errorf("%w: keyring entry %q: %w", calendar.ErrSecretUnavailable, key, err)
	}
	return string(item.Data), nil
}

func (r *DefaultResolver) keyring() (keyring.Keyring, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ring != nil {
		return r.ring, nil
	}
	if r.open == nil {
		return nil, errors.New("no keyring configured")
	}
	ring, err := r.open()
	if err != nil {
		return nil, err
	}
	r.ring = ring
	return ring, nil
}
