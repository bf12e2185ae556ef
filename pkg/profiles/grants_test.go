package profiles

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bec-project/bec-atlas/pkg/errdefs"
	"github.com/bec-project/bec-atlas/pkg/models"
)

var (
	beamlineOwner = &models.User{Email: "owner@x", Groups: []string{"beamline"}}
	experimenter  = &models.User{Email: "alice", Groups: []string{"p1234"}}
)

func TestValidDeploymentID(t *testing.T) {
	assert.True(t, ValidDeploymentID("678aa8d4875568640bd92176"))
	assert.False(t, ValidDeploymentID(""))
	assert.False(t, ValidDeploymentID("a/b"))
	assert.False(t, ValidDeploymentID("d*"))
}

func TestGetGrant(t *testing.T) {
	tr, docs, _ := setupTranslator(t)
	ctx := context.Background()
	require.NoError(t, docs.Insert(ctx, models.CollectionDeploymentAccess, grant("d1")))

	_, err := tr.GetGrant(ctx, beamlineOwner, "bad/id")
	assert.True(t, errdefs.IsInvalidRequest(err))

	_, err = tr.GetGrant(ctx, beamlineOwner, "d2")
	assert.True(t, errdefs.IsNotFound(err))

	_, err = tr.GetGrant(ctx, &models.User{Groups: []string{"other"}}, "d1")
	assert.True(t, errdefs.IsNotFound(err), "invisible grants look absent")

	g, err := tr.GetGrant(ctx, experimenter, "d1")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, g.SuWriteAccess)
}

func TestPatchGrant(t *testing.T) {
	tr, docs, _ := setupTranslator(t)
	ctx := context.Background()
	require.NoError(t, docs.Insert(ctx, models.CollectionDeploymentAccess, grant("d1")))
	require.NoError(t, tr.Reconcile(ctx, nil, grant("d1")))

	patch, err := DecodeGrantPatch(strings.NewReader(`{"su_write_access":["dave"],"owner_groups":["attacker"],"_id":"d9"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"su_write_access"}, patch.Names())

	updated, err := tr.PatchGrant(ctx, beamlineOwner, "d1", patch)
	require.NoError(t, err)
	assert.Equal(t, "d1", updated.ID)
	assert.Equal(t, []string{"admin", "beamline"}, updated.OwnerGroups)
	assert.Equal(t, []string{"dave"}, updated.SuWriteAccess)

	assert.Equal(t, models.TierSuWrite, profileOf(t, docs, "d1", "dave").Profile)
	_, err = tr.Credential(ctx, &models.User{Groups: []string{"admin"}}, "d1", "bob")
	assert.True(t, errdefs.IsNotFound(err), "bob's profile is removed")
}

func TestPatchGrant_ReaderIsForbidden(t *testing.T) {
	tr, docs, _ := setupTranslator(t)
	ctx := context.Background()
	require.NoError(t, docs.Insert(ctx, models.CollectionDeploymentAccess, grant("d1")))

	_, err := tr.PatchGrant(ctx, experimenter, "d1", GrantPatch{SuWriteAccess: &[]string{"alice"}})
	assert.True(t, errdefs.IsForbidden(err))
}

func TestDecodeGrantPatch_RejectsWrongTypes(t *testing.T) {
	for _, body := range []string{
		`{"remote_read_access":"alice"}`,
		`{"user_write_access":[1,2]}`,
		`{"su_read_access":{"alice":true}}`,
		`not json`,
	} {
		_, err := DecodeGrantPatch(strings.NewReader(body))
		assert.True(t, errdefs.IsInvalidRequest(err), body)
	}

	patch, err := DecodeGrantPatch(strings.NewReader(`{"remote_read_access":null}`))
	require.NoError(t, err)
	assert.Empty(t, patch.Fields())
}

func TestPatchGrant_EmptyPrincipalLeavesGrantIntact(t *testing.T) {
	tr, docs, _ := setupTranslator(t)
	ctx := context.Background()
	require.NoError(t, docs.Insert(ctx, models.CollectionDeploymentAccess, grant("d1")))

	_, err := tr.PatchGrant(ctx, beamlineOwner, "d1", GrantPatch{RemoteReadAccess: &[]string{"alice", " "}})
	assert.True(t, errdefs.IsInvalidRequest(err))

	g, err := tr.GetGrant(ctx, beamlineOwner, "d1")
	require.NoError(t, err)
	assert.Empty(t, g.RemoteReadAccess)
}

func TestCredential(t *testing.T) {
	tr, docs, _ := setupTranslator(t)
	ctx := context.Background()
	require.NoError(t, docs.Insert(ctx, models.CollectionAccessProfiles, models.AccessProfile{
		ID: "p1", OwnerGroups: []string{"admin"}, AccessGroups: []string{"alice"},
		DeploymentID: "d1", Username: "alice",
		Passwords: map[string]string{"1700000000.5": "old", "1700000100.25": "new"},
	}))

	// alice is both the email and an access group of the profile
	alice := &models.User{Email: "alice", Groups: []string{"alice"}}
	token, err := tr.Credential(ctx, alice, "d1", "")
	require.NoError(t, err)
	assert.Equal(t, "new", token)

	_, err = tr.Credential(ctx, experimenter, "d1", "alice")
	assert.True(t, errdefs.IsNotFound(err))

	_, err = tr.Credential(ctx, alice, "d2", "")
	assert.True(t, errdefs.IsNotFound(err))
}
