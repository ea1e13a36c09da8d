package analyzer

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
)

// DeviceConfig tunes the device fingerprint rule.
type DeviceConfig struct {
	// MaxDevicesPerUser is the device count above which enrolling another
	// device is penalized harder.
	MaxDevicesPerUser int
	// VelocityWindow bounds the per-device transaction rate check.
	VelocityWindow time.Duration
	// MaxTxPerMinute is the per-device rate above which the velocity
	// penalty applies.
	MaxTxPerMinute float64
	// RapidReuseWithin flags a device transacting again within this
	// interval.
	RapidReuseWithin time.Duration
}

// DefaultDeviceConfig returns the stock device tuning.
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		MaxDevicesPerUser: 5,
		VelocityWindow:    time.Hour,
		MaxTxPerMinute:    2,
		RapidReuseWithin:  time.Minute,
	}
}

type deviceProfile struct {
	userAgent string
	ipAddress string
	screenRes string
	timezone  string
	firstSeen time.Time
	lastSeen  time.Time
	trusted   bool
	users     map[string]struct{}
	recent    []time.Time
}

// Device scores transactions by device fingerprint: new or shared devices,
// drifting fingerprint attributes, rapid reuse, and per-device transaction
// rate. Devices are keyed by explicit device ID when present, otherwise by
// a hash of the fingerprint attributes. Transactions carrying no device
// signal at all score zero.
type Device struct {
	cfg      DeviceConfig
	locks    keyedLock
	profiles sync.Map // device key -> *deviceProfile

	mu       sync.Mutex
	perUser  map[string]map[string]struct{}
}

// NewDevice builds a device analyzer with the given tuning.
func NewDevice(cfg DeviceConfig) *Device {
	if cfg.MaxDevicesPerUser <= 0 {
		cfg.MaxDevicesPerUser = 5
	}
	if cfg.VelocityWindow <= 0 {
		cfg.VelocityWindow = time.Hour
	}
	if cfg.MaxTxPerMinute <= 0 {
		cfg.MaxTxPerMinute = 2
	}
	if cfg.RapidReuseWithin <= 0 {
		cfg.RapidReuseWithin = time.Minute
	}
	return &Device{cfg: cfg, perUser: make(map[string]map[string]struct{})}
}

func (d *Device) Name() string { return domain.RuleDevice }

func (d *Device) Analyze(ctx context.Context, tx *domain.Transaction) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	key := d.deviceKey(tx)
	if key == "" {
		return 0, nil
	}

	unlock := d.locks.lock(key)
	defer unlock()

	p, known := d.profile(key)
	score := 0.0

	if !known {
		if d.userDeviceCount(tx.UserID) >= d.cfg.MaxDevicesPerUser {
			score += 0.6
		} else {
			score += 0.3
		}
	} else {
		drift := 0.0
		if tx.UserAgent != "" && p.userAgent != "" && tx.UserAgent != p.userAgent {
			drift += 0.3
		}
		if tx.IPAddress != "" && p.ipAddress != "" && tx.IPAddress != p.ipAddress {
			drift += 0.2
		}
		if sr := tx.Meta("screen_resolution"); sr != "" && p.screenRes != "" && sr != p.screenRes {
			drift += 0.1
		}
		if tzo := tx.Meta("timezone"); tzo != "" && p.timezone != "" && tzo != p.timezone {
			drift += 0.1
		}
		if drift > 0.8 {
			drift = 0.8
		}
		score += drift

		if _, mine := p.users[tx.UserID]; !mine {
			// Device hopping between accounts.
			score += 0.5
		}
		if !p.lastSeen.IsZero() && tx.Timestamp.Sub(p.lastSeen) < d.cfg.RapidReuseWithin {
			score += 0.2
		}

		if d.rate(p, tx.Timestamp) > d.cfg.MaxTxPerMinute {
			score += 0.4
		}
	}

	if p.trusted && score > 0.2 {
		score = 0.2
	}

	d.record(p, key, tx)

	return clamp01(score), nil
}

// KnownDevice reports whether the transaction's device has been seen for
// this user before. Used as a feature by the heuristic scorer.
func (d *Device) KnownDevice(tx *domain.Transaction) bool {
	key := d.deviceKey(tx)
	if key == "" {
		return false
	}
	unlock := d.locks.lock(key)
	defer unlock()
	p, ok := d.profiles.Load(key)
	if !ok {
		return false
	}
	_, mine := p.(*deviceProfile).users[tx.UserID]
	return mine
}

// MarkTrusted flags a device so its score is capped from then on.
func (d *Device) MarkTrusted(deviceID string) {
	unlock := d.locks.lock(deviceID)
	defer unlock()
	p, _ := d.profile(deviceID)
	p.trusted = true
}

func (d *Device) deviceKey(tx *domain.Transaction) string {
	if tx.DeviceID != "" {
		return tx.DeviceID
	}
	if tx.UserAgent == "" && tx.IPAddress == "" {
		return ""
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s", tx.UserAgent, tx.IPAddress, tx.Meta("screen_resolution"))
	return fmt.Sprintf("fp-%x", h.Sum64())
}

func (d *Device) profile(key string) (*deviceProfile, bool) {
	if p, ok := d.profiles.Load(key); ok {
		return p.(*deviceProfile), true
	}
	p, loaded := d.profiles.LoadOrStore(key, &deviceProfile{users: make(map[string]struct{})})
	return p.(*deviceProfile), loaded
}

func (d *Device) userDeviceCount(userID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.perUser[userID])
}

func (d *Device) record(p *deviceProfile, key string, tx *domain.Transaction) {
	if p.firstSeen.IsZero() {
		p.firstSeen = tx.Timestamp
	}
	p.lastSeen = tx.Timestamp
	if tx.UserAgent != "" {
		p.userAgent = tx.UserAgent
	}
	if tx.IPAddress != "" {
		p.ipAddress = tx.IPAddress
	}
	if sr := tx.Meta("screen_resolution"); sr != "" {
		p.screenRes = sr
	}
	if tzo := tx.Meta("timezone"); tzo != "" {
		p.timezone = tzo
	}
	p.users[tx.UserID] = struct{}{}

	cutoff := tx.Timestamp.Add(-d.cfg.VelocityWindow)
	keep := p.recent[:0]
	for _, at := range p.recent {
		if at.After(cutoff) {
			keep = append(keep, at)
		}
	}
	p.recent = append(keep, tx.Timestamp)

	d.mu.Lock()
	set := d.perUser[tx.UserID]
	if set == nil {
		set = make(map[string]struct{})
		d.perUser[tx.UserID] = set
	}
	set[key] = struct{}{}
	d.mu.Unlock()
}

func (d *Device) rate(p *deviceProfile, now time.Time) float64 {
	cutoff := now.Add(-d.cfg.VelocityWindow)
	n := 0
	for _, at := range p.recent {
		if at.After(cutoff) {
			n++
		}
	}
	minutes := d.cfg.VelocityWindow.Minutes()
	if minutes <= 0 {
		return 0
	}
	return float64(n) / minutes
}
