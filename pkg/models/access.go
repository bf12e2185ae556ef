package models

import (
	"sort"
	"strconv"
)

// Profile tiers, highest privilege first
const (
	TierSuWrite   = "su_write"
	TierSuRead    = "su_read"
	TierUserWrite = "user_write"
	TierUserRead  = "user_read"
)

// AdminGroup bypasses access-group filtering and owns generated records
const AdminGroup = "admin"

// DeploymentAccess holds the coarse access lists of one deployment
type DeploymentAccess struct {
	ID                string   `json:"_id,omitempty"`
	OwnerGroups       []string `json:"owner_groups"`
	AccessGroups      []string `json:"access_groups"`
	UserReadAccess    []string `json:"user_read_access"`
	UserWriteAccess   []string `json:"user_write_access"`
	SuReadAccess      []string `json:"su_read_access"`
	SuWriteAccess     []string `json:"su_write_access"`
	RemoteReadAccess  []string `json:"remote_read_access"`
	RemoteWriteAccess []string `json:"remote_write_access"`
}

// ProfilePrincipals returns the principals that receive an access profile.
// Remote lists only govern remote access and never create profiles.
func (d *DeploymentAccess) ProfilePrincipals() map[string]struct{} {
	out := make(map[string]struct{})
	for _, list := range [][]string{d.UserReadAccess, d.UserWriteAccess, d.SuReadAccess, d.SuWriteAccess} {
		for _, p := range list {
			out[p] = struct{}{}
		}
	}
	return out
}

// TierFor returns the governing tier of a principal, or "" if the principal
// is not in any of the four profile lists
func (d *DeploymentAccess) TierFor(principal string) string {
	switch {
	case contains(d.SuWriteAccess, principal):
		return TierSuWrite
	case contains(d.SuReadAccess, principal):
		return TierSuRead
	case contains(d.UserWriteAccess, principal):
		return TierUserWrite
	case contains(d.UserReadAccess, principal):
		return TierUserRead
	}
	return ""
}

// AccessProfile is the fine-grained permission profile of one principal on one deployment
type AccessProfile struct {
	ID           string            `json:"_id,omitempty"`
	OwnerGroups  []string          `json:"owner_groups"`
	AccessGroups []string          `json:"access_groups"`
	DeploymentID string            `json:"deployment_id"`
	Username     string            `json:"username"`
	Passwords    map[string]string `json:"passwords,omitempty"`
	Categories   []string          `json:"categories"`
	Keys         []string          `json:"keys"`
	Channels     []string          `json:"channels"`
	Commands     []string          `json:"commands"`
	Profile      string            `json:"profile"`
}

// NewestCredential returns the secret with the most recent rotation timestamp
func (p *AccessProfile) NewestCredential() (string, bool) {
	if len(p.Passwords) == 0 {
		return "", false
	}
	stamps := make([]string, 0, len(p.Passwords))
	for ts := range p.Passwords {
		stamps = append(stamps, ts)
	}
	sort.Slice(stamps, func(i, j int) bool {
		fi, errI := strconv.ParseFloat(stamps[i], 64)
		fj, errJ := strconv.ParseFloat(stamps[j], 64)
		if errI == nil && errJ == nil {
			return fi < fj
		}
		return stamps[i] < stamps[j]
	})
	return p.Passwords[stamps[len(stamps)-1]], true
}

// PublicView is the profile as broadcast to the deployment, without ownership metadata
type PublicView struct {
	Username   string            `json:"username"`
	Passwords  map[string]string `json:"passwords,omitempty"`
	Categories []string          `json:"categories"`
	Keys       []string          `json:"keys"`
	Channels   []string          `json:"channels"`
	Commands   []string          `json:"commands"`
	Profile    string            `json:"profile"`
}

// Public strips owner/access groups, deployment id and record id
func (p *AccessProfile) Public() PublicView {
	return PublicView{
		Username:   p.Username,
		Passwords:  p.Passwords,
		Categories: p.Categories,
		Keys:       p.Keys,
		Channels:   p.Channels,
		Commands:   p.Commands,
		Profile:    p.Profile,
	}
}

// DeploymentCredential is the secret a deployment uses to reach the shared store
type DeploymentCredential struct {
	ID         string `json:"_id"`
	Credential string `json:"credential"`
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
