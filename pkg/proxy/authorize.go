package proxy

import (
	"context"

	"github.com/bec-project/bec-atlas/pkg/access"
	"github.com/bec-project/bec-atlas/pkg/docstore"
	"github.com/bec-project/bec-atlas/pkg/errdefs"
	"github.com/bec-project/bec-atlas/pkg/models"
)

// Authorization failures. Messages never reveal the patterns involved.
const (
	msgNoRemoteAccess = "user does not have remote access to the deployment"
	msgNoReadAccess   = "user does not have read access"
	msgNoWriteAccess  = "user does not have write access"
	msgNoKeyAccess    = "user does not have access to the key"
)

// authorize checks, in order, the deployment grant, the user's remote
// access level for the kind of call, and the user's access profile for the
// key itself. Every call other than a get is a write call.
func (p *Proxy) authorize(ctx context.Context, user *models.User, deploymentID, key string, op Operation, write bool) error {
	if user == nil {
		return errdefs.Forbidden("proxy.authorize", msgNoRemoteAccess)
	}

	var grant models.DeploymentAccess
	err := p.docs.FindOne(ctx, models.CollectionDeploymentAccess, docstore.Filter{docstore.IDField: deploymentID}, &grant)
	if errdefs.IsNotFound(err) {
		return errdefs.NotFound("proxy.authorize", "deployment not found")
	}
	if err != nil {
		return err
	}

	level := access.RemoteAccessFor(user, &grant)
	if level == access.None {
		return errdefs.Forbidden("proxy.authorize", msgNoRemoteAccess)
	}
	if !write {
		if !level.Allows(access.OpRead) {
			return errdefs.Forbidden("proxy.authorize", msgNoReadAccess)
		}
	} else if !level.Allows(access.OpWrite) {
		return errdefs.Forbidden("proxy.authorize", msgNoWriteAccess)
	}

	names := docstore.In{}
	for _, n := range []string{user.Email, user.Username} {
		if n != "" {
			names = append(names, n)
		}
	}
	var profile models.AccessProfile
	err = p.docs.FindOne(ctx, models.CollectionAccessProfiles,
		docstore.Filter{"deployment_id": deploymentID, "username": names}, &profile, docstore.WithUser(user))
	if errdefs.IsNotFound(err) {
		return errdefs.Forbidden("proxy.authorize", msgNoKeyAccess)
	}
	if err != nil {
		return err
	}

	return profileAllows(&profile, key, op)
}

// profileAllows checks an operation on key against a profile's key and
// channel patterns
func profileAllows(profile *models.AccessProfile, key string, op Operation) error {
	var ok bool
	switch op {
	case OpLPush, OpRPush, OpSet, OpXAdd, OpDelete:
		ok = access.KeyAccess(key, profile.Keys).CanWrite()
	case OpSend:
		ok = access.ChannelAccess(key, profile.Channels).CanWrite()
	case OpSetAndPublish:
		ok = access.KeyAccess(key, profile.Keys).CanWrite() && access.ChannelAccess(key, profile.Channels).CanWrite()
	case OpGet:
		ok = access.KeyAccess(key, profile.Keys).CanRead()
	default:
		return errdefs.InvalidRequest("proxy.authorize", "invalid operation")
	}
	if !ok {
		return errdefs.Forbidden("proxy.authorize", msgNoKeyAccess)
	}
	return nil
}
