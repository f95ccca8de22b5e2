// Package privacy owns consent, the telemetry filter, privacy settings and
// the GDPR export, delete and retention operations.
package privacy

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	errs "trailkeep/internal/infrastructure/errors"
	"trailkeep/internal/infrastructure/logging"
	"trailkeep/internal/infrastructure/metrics"
	"trailkeep/internal/keystore"
	"trailkeep/internal/platform"
	"trailkeep/internal/repository"
	"trailkeep/internal/types"
)

const (
	settingsPrefix     = "privacy."
	keyDefaultPrivacy  = "privacy.default_activity_privacy"
	keyStripExif       = "privacy.strip_exif_on_share"
	keyAllowLocation   = "privacy.allow_location_sharing"
	keyRetentionDays   = "privacy.retention_days"
	keyConsent         = "privacy.consent"
	pendingConsentItem = "privacy.pending_consent"

	settingsCacheKey = "settings"
)

// Vault is the part of the keystore the ledger uses
type Vault interface {
	SetItem(ctx context.Context, key, value string, opts keystore.SetItemOptions) error
	GetItem(ctx context.Context, key string) (string, bool, error)
	RemoveItem(ctx context.Context, key string) error
	ClearAll(ctx context.Context) error
}

// Ledger enforces consent and privacy policy. It is safe for concurrent use.
type Ledger struct {
	config  Config
	repo    repository.Repository
	vault   Vault
	sink    platform.AnalyticsSink
	metrics *metrics.Metrics
	logger  logging.Logger
	now     func() time.Time

	denylist map[string]struct{}
	settings *cache.Cache

	mu      sync.RWMutex
	consent types.ConsentStatus
}

// New creates a ledger. A nil sink drops every telemetry event.
func New(config Config, repo repository.Repository, vault Vault, sink platform.AnalyticsSink, m *metrics.Metrics, logger logging.Logger) (*Ledger, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if repo == nil || vault == nil {
		return nil, errs.NewValidationError("privacy.New", "dependencies", "", "repository and vault are required")
	}
	deny := make(map[string]struct{}, len(config.SensitiveKeys))
	for _, k := range config.SensitiveKeys {
		deny[normalizeKey(k)] = struct{}{}
	}
	return &Ledger{
		config:   config,
		repo:     repo,
		vault:    vault,
		sink:     sink,
		metrics:  m,
		logger:   logging.OrDefault(logger),
		now:      time.Now,
		denylist: deny,
		settings: cache.New(config.SettingsCacheTTL, 2*config.SettingsCacheTTL+time.Minute),
	}, nil
}

// SetClock replaces the time source
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *Ledger) clock() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.now().UTC()
}

// Initialize loads the stored consent and replays a consent change that could
// not be persisted during the previous run
func (l *Ledger) Initialize(ctx context.Context) error {
	const op = "PrivacyLedger.Initialize"

	stored, found, err := l.loadConsent(ctx)
	if err != nil {
		logging.LogError(l.logger, err, op, map[string]interface{}{"key": keyConsent})
	}

	pending, ok, err := l.vault.GetItem(ctx, pendingConsentItem)
	if err != nil {
		logging.LogError(l.logger, err, op, map[string]interface{}{"item": pendingConsentItem})
	}
	if ok {
		var parked types.ConsentStatus
		if err := json.Unmarshal([]byte(pending), &parked); err != nil {
			l.logger.Warn("Discarding unreadable parked consent", "error", err)
			l.removePending(ctx)
		} else if !found || parked.LastUpdated.After(stored.LastUpdated) {
			if err := l.repo.SetPreference(ctx, keyConsent, pending, true); err != nil {
				l.logger.Warn("Parked consent still cannot be persisted", "error", err)
			} else {
				l.logger.Info("Replayed parked consent")
				l.removePending(ctx)
			}
			stored = parked
		} else {
			l.removePending(ctx)
		}
	}

	l.mu.Lock()
	l.consent = stored
	l.mu.Unlock()
	return ctx.Err()
}

func (l *Ledger) loadConsent(ctx context.Context) (types.ConsentStatus, bool, error) {
	pref, ok, err := l.repo.GetPreference(ctx, keyConsent)
	if err != nil || !ok {
		return types.ConsentStatus{}, false, err
	}
	var c types.ConsentStatus
	if err := json.Unmarshal([]byte(pref.Value), &c); err != nil {
		return types.ConsentStatus{}, false, errs.HandleCorruptionError("PrivacyLedger.loadConsent", keyConsent, err)
	}
	return c, true, nil
}

func (l *Ledger) removePending(ctx context.Context) {
	if err := l.vault.RemoveItem(ctx, pendingConsentItem); err != nil {
		l.logger.Warn("Failed to remove parked consent", "error", err)
	}
}

// Consent returns the current consent status
func (l *Ledger) Consent() types.ConsentStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.consent
}

// UpdateConsent merges update into the current consent. Memory is updated
// even when persistence fails; the merged status is then parked in the vault
// and replayed by the next Initialize, and a PrivacyError is returned.
func (l *Ledger) UpdateConsent(ctx context.Context, update types.ConsentUpdate) (types.ConsentStatus, error) {
	const op = "PrivacyLedger.UpdateConsent"

	now := l.clock()
	l.mu.Lock()
	merged := l.consent.Apply(update, now)
	l.consent = merged
	l.mu.Unlock()

	data, err := json.Marshal(merged)
	if err != nil {
		return merged, errs.NewPrivacyError(op, err, nil)
	}

	if err := l.repo.SetPreference(ctx, keyConsent, string(data), true); err != nil {
		parked := "true"
		if perr := l.vault.SetItem(context.WithoutCancel(ctx), pendingConsentItem, string(data), keystore.SetItemOptions{}); perr != nil {
			parked = "false"
			l.logger.Error("Failed to park consent update", "error", perr)
		}
		logging.LogError(l.logger, err, op, map[string]interface{}{"parked": parked})
		return merged, errs.NewPrivacyError(op, err, map[string]string{"parked": parked})
	}
	l.removePending(ctx)

	l.logger.Info("Consent updated",
		"analytics", merged.Analytics,
		"crash_reporting", merged.CrashReporting,
		"performance", merged.Performance,
		"personalization", merged.Personalization,
	)
	return merged, nil
}

// GetPrivacySettings returns the stored settings, defaults filling any gap
func (l *Ledger) GetPrivacySettings(ctx context.Context) (types.PrivacySettings, error) {
	if v, ok := l.settings.Get(settingsCacheKey); ok {
		return v.(types.PrivacySettings), nil
	}

	prefs, err := l.repo.ListPreferences(ctx, settingsPrefix)
	if err != nil {
		return types.DefaultPrivacySettings(), err
	}

	s := types.DefaultPrivacySettings()
	for _, p := range prefs {
		var perr error
		switch p.Key {
		case keyDefaultPrivacy:
			level := types.PrivacyLevel(p.Value)
			if level.Valid() {
				s.DefaultActivityPrivacy = level
			} else {
				perr = errors.New("unknown privacy level")
			}
		case keyStripExif:
			s.StripExifOnShare, perr = strconv.ParseBool(p.Value)
		case keyAllowLocation:
			s.AllowLocationSharing, perr = strconv.ParseBool(p.Value)
		case keyRetentionDays:
			s.RetentionDays, perr = strconv.Atoi(p.Value)
		}
		if perr != nil {
			l.logger.Warn("Ignoring unreadable privacy setting", "key", p.Key, "error", perr)
		}
	}
	l.settings.SetDefault(settingsCacheKey, s)
	return s, nil
}

// UpdatePrivacySettings applies a partial settings change atomically
func (l *Ledger) UpdatePrivacySettings(ctx context.Context, update types.PrivacySettingsUpdate) (types.PrivacySettings, error) {
	const op = "PrivacyLedger.UpdatePrivacySettings"
	if update.DefaultActivityPrivacy != nil && !update.DefaultActivityPrivacy.Valid() {
		return types.PrivacySettings{}, errs.NewValidationError(op, "default_activity_privacy", string(*update.DefaultActivityPrivacy), "unknown privacy level")
	}
	if update.RetentionDays != nil && *update.RetentionDays < 0 {
		return types.PrivacySettings{}, errs.NewValidationError(op, "retention_days", strconv.Itoa(*update.RetentionDays), "must not be negative")
	}

	writes := map[string]string{}
	if update.DefaultActivityPrivacy != nil {
		writes[keyDefaultPrivacy] = string(*update.DefaultActivityPrivacy)
	}
	if update.StripExifOnShare != nil {
		writes[keyStripExif] = strconv.FormatBool(*update.StripExifOnShare)
	}
	if update.AllowLocationSharing != nil {
		writes[keyAllowLocation] = strconv.FormatBool(*update.AllowLocationSharing)
	}
	if update.RetentionDays != nil {
		writes[keyRetentionDays] = strconv.Itoa(*update.RetentionDays)
	}

	err := l.repo.WithTransaction(ctx, func(tx repository.Repository) error {
		for key, value := range writes {
			if err := tx.SetPreference(ctx, key, value, false); err != nil {
				return err
			}
		}
		return nil
	})
	l.settings.Delete(settingsCacheKey)
	if err != nil {
		return types.PrivacySettings{}, err
	}
	return l.GetPrivacySettings(ctx)
}

// DefaultActivityPrivacy is the tier new activities start with. Storage
// failures fall back to private.
func (l *Ledger) DefaultActivityPrivacy(ctx context.Context) types.PrivacyLevel {
	s, err := l.GetPrivacySettings(ctx)
	if err != nil {
		l.logger.Warn("Using private default after settings read failure", "error", err)
		return types.PrivacyPrivate
	}
	return s.DefaultActivityPrivacy
}

// SetActivityPrivacy changes the privacy tier of an activity
func (l *Ledger) SetActivityPrivacy(ctx context.Context, activityID string, level types.PrivacyLevel) error {
	if err := l.repo.SetActivityPrivacy(ctx, activityID, level); err != nil {
		return err
	}
	l.logger.Info("Activity privacy changed", "activity_id", activityID, "privacy_level", string(level))
	return nil
}

// GetActivityPrivacy returns the privacy tier of an activity
func (l *Ledger) GetActivityPrivacy(ctx context.Context, activityID string) (types.PrivacyLevel, error) {
	a, err := l.repo.GetActivity(ctx, activityID)
	if err != nil {
		return "", err
	}
	return a.PrivacyLevel, nil
}

// CanShareActivity reports whether the activity is shareable or public
func (l *Ledger) CanShareActivity(ctx context.Context, activityID string) (bool, error) {
	level, err := l.GetActivityPrivacy(ctx, activityID)
	if err != nil {
		return false, err
	}
	return level.Shareable(), nil
}
