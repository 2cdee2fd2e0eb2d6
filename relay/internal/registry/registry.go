// Package registry issues agent identities and their bearer tokens and
// resolves tokens back to identities.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/agentrelay/arc/pkg/protocol"
	"github.com/agentrelay/arc/relay/internal/store"
)

var (
	// ErrInvalidIdentityFormat is returned for a desired identity that does
	// not match the identity format.
	ErrInvalidIdentityFormat = errors.New("agent ID must be 3-64 chars, lowercase alphanumeric and hyphens, no leading or trailing hyphen")
	// ErrIdentityTaken is returned when the desired identity is already registered.
	ErrIdentityTaken = errors.New("agent ID is already registered")
	// ErrGenerationExhausted is returned when no unused identity could be
	// generated within the attempt budget. It is a server fault.
	ErrGenerationExhausted = errors.New("failed to generate a unique agent ID")
)

var identityPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}[a-z0-9]$`)

const (
	tokenPrefix    = "tok_"
	tokenBytes     = 16
	generatedChars = 8
	idAlphabet     = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// ValidIdentity reports whether id is a well-formed identity.
func ValidIdentity(id string) bool {
	return identityPattern.MatchString(id)
}

// Code maps a registration error to its wire error code. Errors that are
// not user errors map to protocol.CodeInternal.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidIdentityFormat):
		return protocol.CodeInvalidIdentityFormat
	case errors.Is(err, ErrIdentityTaken):
		return protocol.CodeIdentityTaken
	default:
		return protocol.CodeInternal
	}
}

// Digest returns the hex BLAKE2b-256 digest of a token. Only digests are
// kept in memory and persisted.
func Digest(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Options configures a Registry.
type Options struct {
	IDPrefix    string    // prefix of generated identities; default "agent-"
	MaxAttempts int       // generation attempts before ErrGenerationExhausted; default 100
	Rand        io.Reader // randomness source; default crypto/rand
}

// Registration is the result of a successful Register.
type Registration struct {
	Identity string
	Token    string
}

// Stats is a read-only registry snapshot.
type Stats struct {
	Registered int
	Agents     []string
}

// Registry is the authoritative identity/token table.
type Registry struct {
	mu         sync.RWMutex
	byDigest   map[string]string   // token digest -> identity
	identities map[string]struct{} // every registered identity

	store  store.Store
	audit  *store.Auditor
	logger *slog.Logger
	opts   Options
}

// New creates a Registry and loads every persisted identity from s.
func New(ctx context.Context, s store.Store, audit *store.Auditor, logger *slog.Logger, opts Options) (*Registry, error) {
	if opts.IDPrefix == "" {
		opts.IDPrefix = "agent-"
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 100
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}

	r := &Registry{
		byDigest:   make(map[string]string),
		identities: make(map[string]struct{}),
		store:      s,
		audit:      audit,
		logger:     logger.With("component", "registry"),
		opts:       opts,
	}

	idents, err := s.ListIdentities(ctx)
	if err != nil {
		return nil, fmt.Errorf("load identities: %w", err)
	}
	for _, ident := range idents {
		r.byDigest[ident.TokenDigest] = ident.ID
		r.identities[ident.ID] = struct{}{}
	}
	r.logger.Info("identities loaded", "count", len(idents))
	return r, nil
}

// Register creates a new identity and token. A non-empty desired identity
// is validated and checked for collision; an empty one is generated.
// Nothing is mutated on failure, and an existing identity or token is
// never overwritten.
func (r *Registry) Register(ctx context.Context, desired string) (Registration, error) {
	if desired != "" && !ValidIdentity(desired) {
		return Registration{}, ErrInvalidIdentityFormat
	}

	token, err := r.newToken()
	if err != nil {
		return Registration{}, err
	}
	digest := Digest(token)

	r.mu.Lock()
	id := desired
	if id != "" {
		if _, taken := r.identities[id]; taken {
			r.mu.Unlock()
			return Registration{}, ErrIdentityTaken
		}
	} else {
		id, err = r.generateLocked()
		if err != nil {
			r.mu.Unlock()
			r.logger.Error("identity generation exhausted", "attempts", r.opts.MaxAttempts)
			return Registration{}, err
		}
	}
	r.identities[id] = struct{}{}
	r.byDigest[digest] = id
	r.mu.Unlock()

	err = r.store.CreateIdentity(ctx, &store.Identity{ID: id, TokenDigest: digest, CreatedAt: time.Now()})
	if err != nil {
		r.mu.Lock()
		delete(r.identities, id)
		delete(r.byDigest, digest)
		r.mu.Unlock()
		if errors.Is(err, store.ErrIdentityExists) {
			// Registered by another relay sharing the store.
			return Registration{}, ErrIdentityTaken
		}
		return Registration{}, fmt.Errorf("persist identity: %w", err)
	}

	r.logger.Info("identity registered", "identity", id, "generated", desired == "")
	r.audit.Record(ctx, store.AuditIdentityRegister, id, "", map[string]bool{"generated": desired == ""})
	return Registration{Identity: id, Token: token}, nil
}

// Resolve returns the identity bound to token.
func (r *Registry) Resolve(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	digest := Digest(token)
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byDigest[digest]
	return id, ok
}

// Exists reports whether id has ever been registered.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.identities[id]
	return ok
}

// Stats returns the registered count and the sorted identity list.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	agents := make([]string, 0, len(r.identities))
	for id := range r.identities {
		agents = append(agents, id)
	}
	r.mu.RUnlock()
	sort.Strings(agents)
	return Stats{Registered: len(agents), Agents: agents}
}

// generateLocked picks an unused identity. Caller holds r.mu.
func (r *Registry) generateLocked() (string, error) {
	buf := make([]byte, generatedChars)
	for attempt := 0; attempt < r.opts.MaxAttempts; attempt++ {
		if _, err := io.ReadFull(r.opts.Rand, buf); err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		for i, b := range buf {
			buf[i] = idAlphabet[int(b)%len(idAlphabet)]
		}
		id := r.opts.IDPrefix + string(buf)
		if !ValidIdentity(id) {
			return "", fmt.Errorf("id prefix %q produces invalid identities", r.opts.IDPrefix)
		}
		if _, taken := r.identities[id]; !taken {
			return id, nil
		}
	}
	return "", ErrGenerationExhausted
}

func (r *Registry) newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := io.ReadFull(r.opts.Rand, b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}
