// Package profiles turns coarse per-deployment access grants into the
// per-principal access profiles a deployment enforces, and publishes them
// to the deployment.
package profiles

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/bec-project/bec-atlas/pkg/codec"
	"github.com/bec-project/bec-atlas/pkg/docstore"
	"github.com/bec-project/bec-atlas/pkg/errdefs"
	"github.com/bec-project/bec-atlas/pkg/models"
	"github.com/bec-project/bec-atlas/pkg/observability"
	"github.com/bec-project/bec-atlas/pkg/store"
)

// Publisher stores a value and announces it on the channel of the same name
type Publisher interface {
	SetAndPublish(ctx context.Context, name string, value []byte, ttl time.Duration) error
}

var _ Publisher = (*store.Client)(nil)

// Translator reconciles access grants into access profiles
type Translator struct {
	docs      docstore.Store
	publisher Publisher
	codec     codec.Codec
	logger    *observability.Logger
	metrics   *observability.Metrics

	now   func() time.Time
	token func() (string, error)
}

// NewTranslator creates a Translator. Profiles are published with c.
func NewTranslator(docs docstore.Store, publisher Publisher, c codec.Codec, logger *observability.Logger, metrics *observability.Metrics) *Translator {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if c == nil {
		c = codec.Msgpack{}
	}
	return &Translator{
		docs:      docs,
		publisher: publisher,
		codec:     c,
		logger:    logger.WithField("component", "profiles"),
		metrics:   metrics,
		now:       time.Now,
		token:     NewToken,
	}
}

// NewToken returns 32 random bytes, URL-safe base64 encoded without padding
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Canonical returns the access profile a principal gets at tier on a deployment
func Canonical(tier, principal, deploymentID string) models.AccessProfile {
	p := models.AccessProfile{
		OwnerGroups:  []string{models.AdminGroup},
		AccessGroups: []string{principal},
		DeploymentID: deploymentID,
		Username:     principal,
		Categories:   []string{"+@all", "-@dangerous"},
		Keys:         []string{"*"},
		Channels:     []string{"*"},
		Profile:      tier,
	}
	switch tier {
	case models.TierSuWrite:
		p.Categories = []string{"+@all"}
		p.Commands = []string{"+all"}
	case models.TierUserWrite:
		p.Commands = []string{"+write"}
	default:
		p.Commands = []string{"+read"}
	}
	return p
}

// Reconcile brings the stored profiles of a deployment in line with updated,
// given that they previously reflected original, then republishes them.
// Reconciling a grant against itself writes nothing when every profile
// already matches.
func (t *Translator) Reconcile(ctx context.Context, original, updated *models.DeploymentAccess) (err error) {
	ctx, span := observability.StartSpan(ctx, "profiles.reconcile", "deployment_id", updated.ID)
	defer func() { observability.EndSpan(span, err) }()

	deploymentID := updated.ID
	logger := t.logger.WithField("deployment_id", deploymentID)

	current := updated.ProfilePrincipals()
	if original != nil {
		for principal := range original.ProfilePrincipals() {
			if _, keep := current[principal]; keep {
				continue
			}
			if err := t.deleteProfile(ctx, deploymentID, principal); err != nil {
				return err
			}
			logger.WithField("principal", principal).Info("access profile removed")
		}
	}

	principals := make([]string, 0, len(current))
	for p := range current {
		principals = append(principals, p)
	}
	sort.Strings(principals)

	for _, principal := range principals {
		if err := t.upsertProfile(ctx, updated.TierFor(principal), principal, deploymentID); err != nil {
			return err
		}
	}

	if err := t.Republish(ctx, deploymentID); err != nil {
		logger.WithError(err).Error("failed to publish access profiles")
	}
	return nil
}

func (t *Translator) deleteProfile(ctx context.Context, deploymentID, principal string) error {
	var existing models.AccessProfile
	err := t.docs.FindOne(ctx, models.CollectionAccessProfiles,
		docstore.Filter{"username": principal, "deployment_id": deploymentID}, &existing)
	if errdefs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up profile of %s: %w", principal, err)
	}
	if err := t.docs.Delete(ctx, models.CollectionAccessProfiles, existing.ID); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete profile of %s: %w", principal, err)
	}
	t.metrics.ObserveProfile("deleted")
	return nil
}

func (t *Translator) upsertProfile(ctx context.Context, tier, principal, deploymentID string) error {
	want := Canonical(tier, principal, deploymentID)

	var existing models.AccessProfile
	err := t.docs.FindOne(ctx, models.CollectionAccessProfiles,
		docstore.Filter{"username": principal, "deployment_id": deploymentID}, &existing)
	switch {
	case err == nil:
		if samePatterns(&existing, &want) {
			t.metrics.ObserveProfile("unchanged")
			return nil
		}
		// Credentials are never touched on an existing profile.
		fields := map[string]interface{}{
			"categories": want.Categories,
			"keys":       want.Keys,
			"channels":   want.Channels,
			"commands":   want.Commands,
			"profile":    want.Profile,
		}
		if err := t.docs.Patch(ctx, models.CollectionAccessProfiles, existing.ID, fields); err != nil {
			return fmt.Errorf("failed to update profile of %s: %w", principal, err)
		}
		t.metrics.ObserveProfile("updated")
		return nil

	case errdefs.IsNotFound(err):
		token, err := t.token()
		if err != nil {
			return err
		}
		want.ID = uuid.NewString()
		want.Passwords = map[string]string{timestamp(t.now()): token}
		if err := t.docs.Insert(ctx, models.CollectionAccessProfiles, want); err != nil {
			return fmt.Errorf("failed to create profile of %s: %w", principal, err)
		}
		t.metrics.ObserveProfile("created")
		return nil

	default:
		return fmt.Errorf("failed to look up profile of %s: %w", principal, err)
	}
}

func samePatterns(a, b *models.AccessProfile) bool {
	return a.Profile == b.Profile &&
		reflect.DeepEqual(a.Categories, b.Categories) &&
		reflect.DeepEqual(a.Keys, b.Keys) &&
		reflect.DeepEqual(a.Channels, b.Channels) &&
		reflect.DeepEqual(a.Commands, b.Commands)
}

// timestamp formats t as fractional unix seconds
func timestamp(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', -1, 64)
}

// Republish writes the current profiles of a deployment, without ownership
// metadata, to its access key and announces them
func (t *Translator) Republish(ctx context.Context, deploymentID string) error {
	var profiles []models.AccessProfile
	if err := t.docs.Find(ctx, models.CollectionAccessProfiles, docstore.Filter{"deployment_id": deploymentID}, &profiles); err != nil {
		return fmt.Errorf("failed to list profiles: %w", err)
	}

	views := make([]models.PublicView, 0, len(profiles))
	for i := range profiles {
		views = append(views, profiles[i].Public())
	}
	data, err := t.codec.Marshal(views)
	if err != nil {
		return fmt.Errorf("failed to encode profiles: %w", err)
	}
	return t.publisher.SetAndPublish(ctx, store.AccessKey(deploymentID), data, 0)
}
