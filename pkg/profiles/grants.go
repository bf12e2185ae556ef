package profiles

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/bec-project/bec-atlas/pkg/docstore"
	"github.com/bec-project/bec-atlas/pkg/errdefs"
	"github.com/bec-project/bec-atlas/pkg/models"
)

// GrantPatch is a partial update of a deployment's access lists. Nil
// fields are left unchanged; ownership fields cannot be patched.
type GrantPatch struct {
	UserReadAccess    *[]string `json:"user_read_access,omitempty"`
	UserWriteAccess   *[]string `json:"user_write_access,omitempty"`
	SuReadAccess      *[]string `json:"su_read_access,omitempty"`
	SuWriteAccess     *[]string `json:"su_write_access,omitempty"`
	RemoteReadAccess  *[]string `json:"remote_read_access,omitempty"`
	RemoteWriteAccess *[]string `json:"remote_write_access,omitempty"`
}

// DecodeGrantPatch reads a GrantPatch from JSON. Values of the wrong type
// are an InvalidRequest.
func DecodeGrantPatch(r io.Reader) (GrantPatch, error) {
	var patch GrantPatch
	if err := json.NewDecoder(r).Decode(&patch); err != nil {
		return GrantPatch{}, errdefs.InvalidRequest("profiles.decode_grant_patch", fmt.Sprintf("invalid deployment access patch: %v", err))
	}
	return patch, nil
}

// Fields returns the set fields keyed by their stored names
func (p GrantPatch) Fields() map[string]interface{} {
	fields := map[string]interface{}{}
	for name, list := range map[string]*[]string{
		"user_read_access":    p.UserReadAccess,
		"user_write_access":   p.UserWriteAccess,
		"su_read_access":      p.SuReadAccess,
		"su_write_access":     p.SuWriteAccess,
		"remote_read_access":  p.RemoteReadAccess,
		"remote_write_access": p.RemoteWriteAccess,
	} {
		if list != nil {
			fields[name] = append([]string{}, (*list)...)
		}
	}
	return fields
}

// Names returns the sorted names of the set fields
func (p GrantPatch) Names() []string {
	fields := p.Fields()
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (p GrantPatch) validate() error {
	for name, v := range p.Fields() {
		for _, principal := range v.([]string) {
			if strings.TrimSpace(principal) == "" {
				return errdefs.InvalidRequest("profiles.patch_grant", fmt.Sprintf("empty principal in %s", name))
			}
		}
	}
	return nil
}

// ValidDeploymentID reports whether id can name a deployment
func ValidDeploymentID(id string) bool {
	return id != "" && !strings.ContainsAny(id, "/*?[] \t\n")
}

// GetGrant returns the access grant of a deployment as visible to user
func (t *Translator) GetGrant(ctx context.Context, user *models.User, deploymentID string) (*models.DeploymentAccess, error) {
	if !ValidDeploymentID(deploymentID) {
		return nil, errdefs.InvalidRequest("profiles.get_grant", "invalid deployment id")
	}
	var grant models.DeploymentAccess
	err := t.docs.FindOne(ctx, models.CollectionDeploymentAccess, docstore.Filter{docstore.IDField: deploymentID}, &grant, docstore.WithUser(user))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, errdefs.NotFound("profiles.get_grant", "deployment access not found")
		}
		return nil, err
	}
	return &grant, nil
}

// PatchGrant applies patch to a deployment's access grant on behalf of user,
// reconciles the profiles against the change and republishes them
func (t *Translator) PatchGrant(ctx context.Context, user *models.User, deploymentID string, patch GrantPatch) (*models.DeploymentAccess, error) {
	if err := patch.validate(); err != nil {
		return nil, err
	}
	original, err := t.GetGrant(ctx, user, deploymentID)
	if err != nil {
		return nil, err
	}

	if fields := patch.Fields(); len(fields) > 0 {
		err := t.docs.Patch(ctx, models.CollectionDeploymentAccess, deploymentID, fields, docstore.WithUser(user))
		if errdefs.IsNotFound(err) {
			return nil, errdefs.Forbidden("profiles.patch_grant", "user cannot modify the deployment access")
		}
		if err != nil {
			return nil, fmt.Errorf("failed to patch deployment access: %w", err)
		}
	}

	var updated models.DeploymentAccess
	if err := t.docs.FindOne(ctx, models.CollectionDeploymentAccess, docstore.Filter{docstore.IDField: deploymentID}, &updated); err != nil {
		return nil, fmt.Errorf("failed to reload deployment access: %w", err)
	}

	if err := t.Reconcile(ctx, original, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// Credential returns the newest secret of username's profile on a
// deployment. An empty username means the caller's email.
func (t *Translator) Credential(ctx context.Context, user *models.User, deploymentID, username string) (string, error) {
	if username == "" {
		username = user.Email
	}
	var profile models.AccessProfile
	err := t.docs.FindOne(ctx, models.CollectionAccessProfiles,
		docstore.Filter{"deployment_id": deploymentID, "username": username}, &profile, docstore.WithUser(user))
	if errdefs.IsNotFound(err) {
		return "", errdefs.NotFound("profiles.credential", "Access key not found.")
	}
	if err != nil {
		return "", err
	}
	token, ok := profile.NewestCredential()
	if !ok {
		return "", errdefs.NotFound("profiles.credential", "Access key not found.")
	}
	return token, nil
}
