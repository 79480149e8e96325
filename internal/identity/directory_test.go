package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regdoc/backend/internal/core"
	"github.com/regdoc/backend/internal/docsign"
	"github.com/regdoc/backend/internal/lifecycle"
)

func TestRegisterAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory()

	p, err := dir.Register(ctx, "alice", "Alice Author", "alice@example.com", "s3cret", core.RoleContributor)
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.NotEmpty(t, p.PublicKeyPEM)
	assert.NotEmpty(t, p.KeyHandle)

	authed, token, err := dir.Authenticate(ctx, "alice", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, p.ID, authed.ID)
	assert.NotEmpty(t, token)

	fromToken, err := dir.LookupToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, p.ID, fromToken.ID)

	_, _, err = dir.Authenticate(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, lifecycle.ErrUnauthorized)
	_, err = dir.LookupToken(ctx, "made-up")
	assert.ErrorIs(t, err, lifecycle.ErrUnauthorized)
}

func TestDuplicateUsernameRejected(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory()
	_, err := dir.Register(ctx, "alice", "A", "", "pw", core.RoleContributor)
	require.NoError(t, err)

	_, err = dir.Register(ctx, "alice", "B", "", "pw", core.RoleReviewer)
	assert.ErrorIs(t, err, lifecycle.ErrConflict)
}

func TestInvalidRoleRejected(t *testing.T) {
	_, err := NewMemoryDirectory().Register(context.Background(), "bob", "B", "", "pw", core.Role("Wizard"))
	assert.ErrorIs(t, err, lifecycle.ErrInvalidInput)
}

func TestSignerForResolvesKeyHandle(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory()
	p, err := dir.Register(ctx, "aaron", "Aaron Approver", "", "pw", core.RoleApprover)
	require.NoError(t, err)

	signer, err := dir.SignerFor(ctx, p.KeyHandle)
	require.NoError(t, err)

	payload := []byte("revision bytes")
	sigB64, err := signer.Sign(payload)
	require.NoError(t, err)

	ok, err := docsign.Verify(p.PublicKeyPEM, payload, sigB64)
	require.NoError(t, err)
	assert.True(t, ok, "directory public key matches the handle's signer")

	_, err = dir.SignerFor(ctx, "bogus-handle")
	assert.ErrorIs(t, err, lifecycle.ErrSignatureFailed)
}

func TestRotateKeysInvalidatesOldHandle(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory()
	p, err := dir.Register(ctx, "aaron", "Aaron", "", "pw", core.RoleApprover)
	require.NoError(t, err)
	oldHandle, oldPub := p.KeyHandle, p.PublicKeyPEM

	require.NoError(t, dir.RotateKeys(ctx, p.ID))

	_, err = dir.SignerFor(ctx, oldHandle)
	assert.ErrorIs(t, err, lifecycle.ErrSignatureFailed)

	refreshed, err := dir.Lookup(ctx, p.ID)
	require.NoError(t, err)
	assert.NotEqual(t, oldHandle, refreshed.KeyHandle)
	assert.NotEqual(t, oldPub, refreshed.PublicKeyPEM)
}

func TestListByRole(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory()
	_, err := dir.Register(ctx, "q1", "Q One", "", "pw", core.RoleQC)
	require.NoError(t, err)
	_, err = dir.Register(ctx, "q2", "Q Two", "", "pw", core.RoleQC)
	require.NoError(t, err)
	_, err = dir.Register(ctx, "r1", "R One", "", "pw", core.RoleReviewer)
	require.NoError(t, err)

	qcs, err := dir.ListByRole(ctx, core.RoleQC)
	require.NoError(t, err)
	assert.Len(t, qcs, 2)

	all, err := dir.ListByRole(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestUpdateRole(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory()
	p, err := dir.Register(ctx, "carl", "Carl", "", "pw", core.RoleContributor)
	require.NoError(t, err)

	require.NoError(t, dir.UpdateRole(ctx, p.ID, core.RoleQualityManager))
	refreshed, err := dir.Lookup(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RoleQualityManager, refreshed.Role)

	assert.ErrorIs(t, dir.UpdateRole(ctx, p.ID, core.Role("Nope")), lifecycle.ErrInvalidInput)
	assert.ErrorIs(t, dir.UpdateRole(ctx, "ghost", core.RoleQC), lifecycle.ErrNotFound)
}

func TestRevokeToken(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory()
	_, err := dir.Register(ctx, "alice", "A", "", "pw", core.RoleContributor)
	require.NoError(t, err)
	_, token, err := dir.Authenticate(ctx, "alice", "pw")
	require.NoError(t, err)

	dir.RevokeToken(ctx, token)
	_, err = dir.LookupToken(ctx, token)
	assert.ErrorIs(t, err, lifecycle.ErrUnauthorized)
}
