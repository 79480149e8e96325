// Package identity is the principal directory: usernames, roles, credential
// hashes, RSA key pairs and bearer tokens. The engine reads it; it never
// stores plaintext private keys on documents, only opaque handles resolved
// here when the holder personally signs.
package identity

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/regdoc/backend/internal/core"
	"github.com/regdoc/backend/internal/docsign"
	"github.com/regdoc/backend/internal/lifecycle"
)

// ============================================================================
// PRINCIPALS
// ============================================================================

// Principal is one directory entry. PasswordHash and the private key never
// leave the package; PublicKeyPEM is what document signatures snapshot.
type Principal struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	FullName     string    `json:"full_name"`
	Email        string    `json:"email"`
	Role         core.Role `json:"role"`
	PublicKeyPEM string    `json:"public_key_pem"`
	CreatedAt    time.Time `json:"created_at"`

	// KeyHandle is the opaque reference the crypto primitive resolves.
	KeyHandle string `json:"-"`

	passwordHash []byte
}

// Actor converts a principal to the state machine's actor shape.
func (p *Principal) Actor() lifecycle.Actor {
	return lifecycle.Actor{ID: p.ID, Name: p.FullName, Role: p.Role}
}

// Directory is the read-side contract the engine and request surface use.
type Directory interface {
	// Lookup resolves a principal id.
	Lookup(ctx context.Context, id string) (*Principal, error)

	// LookupToken resolves a bearer token to its principal.
	LookupToken(ctx context.Context, token string) (*Principal, error)

	// SignerFor resolves a principal's opaque key handle to a signer.
	// Only called when that principal personally triggers a signing
	// event; failure surfaces as ErrSignatureFailed upstream.
	SignerFor(ctx context.Context, handle string) (docsign.Signer, error)

	// ListByRole returns all principals holding a role, for reviewer
	// pickers. An empty role returns everyone.
	ListByRole(ctx context.Context, role core.Role) ([]*Principal, error)
}

// ============================================================================
// IN-MEMORY DIRECTORY
// ============================================================================

// MemoryDirectory implements Directory in process memory with bcrypt
// credential hashes and per-principal RSA-2048 key pairs generated at
// registration.
type MemoryDirectory struct {
	mu         sync.RWMutex
	byID       map[string]*Principal
	byUsername map[string]string // username -> id
	tokens     map[string]string // bearer token -> id
	signers    map[string]*docsign.RSASigner
	logger     *log.Logger
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		byID:       make(map[string]*Principal),
		byUsername: make(map[string]string),
		tokens:     make(map[string]string),
		signers:    make(map[string]*docsign.RSASigner),
		logger:     log.New(log.Writer(), "[IDENTITY] ", log.LstdFlags),
	}
}

// Register creates a principal with a fresh RSA key pair and a bcrypt-hashed
// password.
func (d *MemoryDirectory) Register(_ context.Context, username, fullName, email, password string, role core.Role) (*Principal, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: username and password are required", lifecycle.ErrInvalidInput)
	}
	if !core.ValidRole(role) {
		return nil, fmt.Errorf("%w: unknown role %q", lifecycle.ErrInvalidInput, role)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	signer, err := docsign.GenerateSigner()
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	pubPEM, err := signer.PublicKeyPEM()
	if err != nil {
		return nil, fmt.Errorf("encode public key: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, taken := d.byUsername[username]; taken {
		return nil, fmt.Errorf("%w: username %s already registered", lifecycle.ErrConflict, username)
	}
	p := &Principal{
		ID:           uuid.NewString(),
		Username:     username,
		FullName:     fullName,
		Email:        email,
		Role:         role,
		PublicKeyPEM: pubPEM,
		KeyHandle:    uuid.NewString(),
		CreatedAt:    time.Now().UTC(),
		passwordHash: hash,
	}
	d.byID[p.ID] = p
	d.byUsername[username] = p.ID
	d.signers[p.KeyHandle] = signer
	d.logger.Printf("👤 Registered %s (%s)", username, role)
	return p, nil
}

// Authenticate checks credentials and issues a bearer token.
func (d *MemoryDirectory) Authenticate(_ context.Context, username, password string) (*Principal, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id, ok := d.byUsername[username]
	if !ok {
		return nil, "", fmt.Errorf("%w: unknown credentials", lifecycle.ErrUnauthorized)
	}
	p := d.byID[id]
	if err := bcrypt.CompareHashAndPassword(p.passwordHash, []byte(password)); err != nil {
		return nil, "", fmt.Errorf("%w: unknown credentials", lifecycle.ErrUnauthorized)
	}
	token := uuid.NewString()
	d.tokens[token] = p.ID
	cp := *p
	return &cp, token, nil
}

func (d *MemoryDirectory) Lookup(_ context.Context, id string) (*Principal, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: principal %s", lifecycle.ErrNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (d *MemoryDirectory) LookupToken(_ context.Context, token string) (*Principal, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	id, ok := d.tokens[token]
	if !ok {
		return nil, fmt.Errorf("%w: invalid bearer token", lifecycle.ErrUnauthorized)
	}
	cp := *d.byID[id]
	return &cp, nil
}

func (d *MemoryDirectory) SignerFor(_ context.Context, handle string) (docsign.Signer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	signer, ok := d.signers[handle]
	if !ok {
		return nil, fmt.Errorf("%w: key handle cannot be resolved", lifecycle.ErrSignatureFailed)
	}
	return signer, nil
}

func (d *MemoryDirectory) ListByRole(_ context.Context, role core.Role) ([]*Principal, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*Principal
	for _, p := range d.byID {
		if role == "" || p.Role == role {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

// UpdateRole changes a principal's role. Admin-only; the request surface
// enforces that before calling.
func (d *MemoryDirectory) UpdateRole(_ context.Context, id string, role core.Role) error {
	if !core.ValidRole(role) {
		return fmt.Errorf("%w: unknown role %q", lifecycle.ErrInvalidInput, role)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.byID[id]
	if !ok {
		return fmt.Errorf("%w: principal %s", lifecycle.ErrNotFound, id)
	}
	p.Role = role
	return nil
}

// RotateKeys replaces a principal's key pair. Existing document signatures
// stay verifiable through their snapshotted public keys.
func (d *MemoryDirectory) RotateKeys(_ context.Context, id string) error {
	signer, err := docsign.GenerateSigner()
	if err != nil {
		return fmt.Errorf("generate key pair: %w", err)
	}
	pubPEM, err := signer.PublicKeyPEM()
	if err != nil {
		return fmt.Errorf("encode public key: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.byID[id]
	if !ok {
		return fmt.Errorf("%w: principal %s", lifecycle.ErrNotFound, id)
	}
	delete(d.signers, p.KeyHandle)
	p.KeyHandle = uuid.NewString()
	p.PublicKeyPEM = pubPEM
	d.signers[p.KeyHandle] = signer
	d.logger.Printf("🔑 Rotated keys for %s", p.Username)
	return nil
}

// RevokeToken invalidates a bearer token.
func (d *MemoryDirectory) RevokeToken(_ context.Context, token string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tokens, token)
}
