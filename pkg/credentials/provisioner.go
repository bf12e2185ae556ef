// Package credentials manages the secrets deployments use to reach the
// shared store and the per-deployment ACL users they authenticate as.
package credentials

import (
	"context"
	"fmt"

	"github.com/bec-project/bec-atlas/pkg/docstore"
	"github.com/bec-project/bec-atlas/pkg/errdefs"
	"github.com/bec-project/bec-atlas/pkg/models"
	"github.com/bec-project/bec-atlas/pkg/observability"
	"github.com/bec-project/bec-atlas/pkg/profiles"
)

// ManagerGroups may read and rotate deployment credentials
var ManagerGroups = []string{models.AdminGroup, "bec_group"}

// ACL creates or updates store ACL users. store.Client implements it.
type ACL interface {
	ACLSetUser(ctx context.Context, username string, rules ...string) error
}

// Provisioner keeps deployment credentials and their ACL users in step
type Provisioner struct {
	docs   docstore.Store
	acl    ACL
	logger *observability.Logger
}

// NewProvisioner creates a provisioner
func NewProvisioner(docs docstore.Store, acl ACL, logger *observability.Logger) *Provisioner {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Provisioner{docs: docs, acl: acl, logger: logger}
}

// IngestorUser names the ACL user of a deployment
func IngestorUser(deploymentID string) string {
	return "ingestor_" + deploymentID
}

// DeploymentRules returns the ACL rules confining a deployment to its own
// keys and channels
func DeploymentRules(cred models.DeploymentCredential) []string {
	base := "internal/deployment/" + cred.ID
	return []string{
		"on",
		"resetkeys",
		"resetchannels",
		">" + cred.Credential,
		"+@all",
		"-@dangerous",
		"~" + base + "/*",
		"~" + base + "/*/state",
		"~" + base + "/*/data/*",
		"~" + base + "/bec_access",
		"&" + base + "/*/state",
		"&" + base + "/*",
		"&" + base + "/request",
		"&" + base + "/request_response/*",
		"&" + base + "/bec_access",
		"+keys|" + base + "/*/state",
	}
}

// ProvisionDeployment creates or updates the ACL user of a deployment
func (p *Provisioner) ProvisionDeployment(ctx context.Context, cred models.DeploymentCredential) error {
	if !profiles.ValidDeploymentID(cred.ID) || cred.Credential == "" {
		return errdefs.InvalidRequest("credentials.provision", "invalid deployment credential")
	}
	if err := p.acl.ACLSetUser(ctx, IngestorUser(cred.ID), DeploymentRules(cred)...); err != nil {
		return fmt.Errorf("provision %s: %w", IngestorUser(cred.ID), err)
	}
	p.logger.WithField("deployment_id", cred.ID).Info("provisioned deployment ACL user")
	return nil
}

// ProvisionAll provisions every stored deployment credential. Failures are
// logged and counted; the first one is returned after all were tried.
func (p *Provisioner) ProvisionAll(ctx context.Context) (int, error) {
	var creds []models.DeploymentCredential
	if err := p.docs.Find(ctx, models.CollectionDeploymentCredentials, docstore.Filter{}, &creds); err != nil {
		return 0, err
	}
	var firstErr error
	n := 0
	for _, cred := range creds {
		if err := p.ProvisionDeployment(ctx, cred); err != nil {
			p.logger.WithError(err).WithField("deployment_id", cred.ID).Error("failed to provision deployment ACL user")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		n++
	}
	return n, firstErr
}

// Get returns the credential of a deployment
func (p *Provisioner) Get(ctx context.Context, user *models.User, deploymentID string) (*models.DeploymentCredential, error) {
	if err := authorize(user, "credentials.get"); err != nil {
		return nil, err
	}
	if !profiles.ValidDeploymentID(deploymentID) {
		return nil, errdefs.InvalidRequest("credentials.get", "invalid deployment id")
	}
	var cred models.DeploymentCredential
	err := p.docs.FindOne(ctx, models.CollectionDeploymentCredentials, docstore.Filter{docstore.IDField: deploymentID}, &cred)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, errdefs.NotFound("credentials.get", "deployment credential not found")
		}
		return nil, err
	}
	return &cred, nil
}

// Refresh mints a new credential for a deployment, stores it and
// re-provisions the deployment's ACL user with it
func (p *Provisioner) Refresh(ctx context.Context, user *models.User, deploymentID string) (*models.DeploymentCredential, error) {
	cred, err := p.Get(ctx, user, deploymentID)
	if err != nil {
		return nil, err
	}
	token, err := profiles.NewToken()
	if err != nil {
		return nil, err
	}
	if err := p.docs.Patch(ctx, models.CollectionDeploymentCredentials, deploymentID, map[string]interface{}{"credential": token}); err != nil {
		return nil, err
	}
	cred.Credential = token
	if err := p.ProvisionDeployment(ctx, *cred); err != nil {
		return nil, err
	}
	p.logger.WithFields(map[string]interface{}{
		"deployment_id": deploymentID,
		"user":          user.Email,
	}).Info("refreshed deployment credential")
	return cred, nil
}

// Create stores a fresh credential for a new deployment and provisions its
// ACL user
func (p *Provisioner) Create(ctx context.Context, deploymentID string) (*models.DeploymentCredential, error) {
	if !profiles.ValidDeploymentID(deploymentID) {
		return nil, errdefs.InvalidRequest("credentials.create", "invalid deployment id")
	}
	token, err := profiles.NewToken()
	if err != nil {
		return nil, err
	}
	cred := models.DeploymentCredential{ID: deploymentID, Credential: token}
	if err := p.docs.Insert(ctx, models.CollectionDeploymentCredentials, cred); err != nil {
		return nil, err
	}
	return &cred, p.ProvisionDeployment(ctx, cred)
}

// SetupServiceUsers provisions the ingestor and user service accounts and
// restricts the default user to authentication
func (p *Provisioner) SetupServiceUsers(ctx context.Context, password string) error {
	if password == "" {
		return errdefs.InvalidRequest("credentials.setup", "service password is empty")
	}
	users := []struct {
		name  string
		rules []string
	}{
		{"ingestor", []string{"on", ">" + password, "+@all", "~*", "&*"}},
		{"user", []string{"on", ">user", "+@all", "~*", "&*"}},
		{"default", []string{"on", "-@all", "+auth", "+acl|whoami"}},
	}
	for _, u := range users {
		if err := p.acl.ACLSetUser(ctx, u.name, u.rules...); err != nil {
			return fmt.Errorf("setup service user %s: %w", u.name, err)
		}
	}
	p.logger.Info("provisioned service ACL users")
	return nil
}

func authorize(user *models.User, op string) error {
	if user == nil || !user.InGroup(ManagerGroups...) {
		return errdefs.Forbidden(op, "user does not have permission to access this resource")
	}
	return nil
}
