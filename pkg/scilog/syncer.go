// Package scilog mirrors the SciLog logbooks of each realm into the shared
// store and links them to new experiment sessions.
package scilog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/oauth2"

	"github.com/bec-project/bec-atlas/pkg/async"
	"github.com/bec-project/bec-atlas/pkg/codec"
	"github.com/bec-project/bec-atlas/pkg/observability"
	"github.com/bec-project/bec-atlas/pkg/store"
)

// Logbook is one SciLog logbook, kept verbatim
type Logbook map[string]interface{}

// ID returns the logbook id
func (l Logbook) ID() string {
	id, _ := l["id"].(string)
	return id
}

// OwnerGroup returns the group owning the logbook
func (l Logbook) OwnerGroup() string {
	g, _ := l["ownerGroup"].(string)
	return g
}

// Resources is the document stored per realm
type Resources struct {
	Resource []Logbook `json:"resource"`
}

// KV is the part of the store the syncer and linker use
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Config configures a Syncer
type Config struct {
	// BaseURL is the SciLog API root, e.g. https://scilog.example.org/api/v1
	BaseURL string
	Token   string
	// Realms maps a realm id to the functional account whose logbooks it
	// mirrors
	Realms map[string]string
	// Schedule is a cron spec; defaults to every ten minutes
	Schedule string
	Workers  int
	Timeout  time.Duration
	Codec    codec.Codec
	Logger   *observability.Logger
}

// Syncer periodically fetches logbooks per realm
type Syncer struct {
	kv     KV
	client *http.Client
	cfg    Config
	logger *observability.Logger
	cron   *cron.Cron
}

// ParseRealms reads "realm=account" entries. An entry without an account
// uses the realm id as the account.
func ParseRealms(entries []string) map[string]string {
	realms := make(map[string]string, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		realm, account, ok := strings.Cut(e, "=")
		if !ok {
			account = realm
		}
		realms[strings.TrimSpace(realm)] = strings.TrimSpace(account)
	}
	return realms
}

// NewSyncer creates a syncer. Requests carry the configured bearer token.
func NewSyncer(kv KV, cfg Config) *Syncer {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 10m"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.Msgpack{}
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"})
	client := oauth2.NewClient(context.Background(), src)
	client.Timeout = cfg.Timeout

	return &Syncer{
		kv:     kv,
		client: client,
		cfg:    cfg,
		logger: cfg.Logger.WithField("component", "scilog"),
	}
}

// Fetch returns the logbooks the realm's functional account may update
func (s *Syncer) Fetch(ctx context.Context, account string) ([]Logbook, error) {
	filter, err := json.Marshal(map[string]interface{}{
		"where": map[string]interface{}{
			"updateACL": map[string]interface{}{"in": []string{account}},
		},
	})
	if err != nil {
		return nil, err
	}
	u := s.cfg.BaseURL + "/logbooks?" + url.Values{"filter": {string(filter)}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch logbooks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch logbooks: unexpected status %d", resp.StatusCode)
	}

	var logbooks []Logbook
	if err := json.NewDecoder(resp.Body).Decode(&logbooks); err != nil {
		return nil, fmt.Errorf("decode logbooks: %w", err)
	}
	return logbooks, nil
}

// SyncRealm fetches and stores the logbooks of one realm
func (s *Syncer) SyncRealm(ctx context.Context, realm string) error {
	account, ok := s.cfg.Realms[realm]
	if !ok {
		return fmt.Errorf("unknown realm %q", realm)
	}
	logbooks, err := s.Fetch(ctx, account)
	if err != nil {
		return fmt.Errorf("realm %s: %w", realm, err)
	}
	data, err := s.cfg.Codec.Marshal(Resources{Resource: logbooks})
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, store.LogbooksKey(realm), data, 0); err != nil {
		return fmt.Errorf("realm %s: %w", realm, err)
	}
	s.logger.WithFields(map[string]interface{}{
		"realm":    realm,
		"logbooks": len(logbooks),
	}).Info("updated logbooks")
	return nil
}

// SyncAll syncs every configured realm concurrently and returns the errors
// of the realms that failed
func (s *Syncer) SyncAll(ctx context.Context) []error {
	realms := make([]string, 0, len(s.cfg.Realms))
	for r := range s.cfg.Realms {
		realms = append(realms, r)
	}
	errs := async.Batch(ctx, s.logger, realms, s.cfg.Workers, "logbook sync", s.cfg.Timeout, s.SyncRealm)
	for _, err := range errs {
		s.logger.WithError(err).Warn("logbook sync failed")
	}
	return errs
}

// Start syncs once and then on the configured schedule until ctx is done
func (s *Syncer) Start(ctx context.Context) error {
	s.cron = cron.New(cron.WithLogger(cron.PrintfLogger(s.logger)))
	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() { s.SyncAll(ctx) }); err != nil {
		return fmt.Errorf("invalid logbook sync schedule %q: %w", s.cfg.Schedule, err)
	}
	async.SafeGo(ctx, s.logger, 5*time.Minute, "initial logbook sync", func(ctx context.Context) error {
		s.SyncAll(ctx)
		return nil
	})
	s.cron.Start()
	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
	}()
	s.logger.WithField("schedule", s.cfg.Schedule).Info("logbook sync started")
	return nil
}
