package kvcache

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	defaultFailoverThreshold = 3
	defaultQuotaRecovery     = 12 * time.Hour
	defaultTransportRecovery = 30 * time.Minute
	defaultProbePeriod       = time.Minute
)

// failover tracks which provider serves L2 calls. Consecutive quota or
// transport failures of the primary, at least threshold in a row, flip
// the active provider to the backup. The primary is probed again after a
// class-dependent recovery interval (quota errors clear on a much longer
// horizon than transport blips) and reinstated on the first success.
type failover struct {
	primary Provider
	backup  Provider

	threshold         int
	quotaRecovery     time.Duration
	transportRecovery time.Duration
	probePeriod       time.Duration

	mu        sync.Mutex
	onBackup  bool
	failures  int
	lastClass errorClass
	nextProbe time.Time
}

func newFailover(cfg Config) *failover {
	var f = &failover{
		primary:           cfg.Primary,
		backup:            cfg.Backup,
		threshold:         cfg.FailoverThreshold,
		quotaRecovery:     cfg.QuotaRecovery,
		transportRecovery: cfg.TransportRecovery,
		probePeriod:       cfg.ProbePeriod,
	}
	if f.threshold == 0 {
		f.threshold = defaultFailoverThreshold
	}
	if f.quotaRecovery == 0 {
		f.quotaRecovery = defaultQuotaRecovery
	}
	if f.transportRecovery == 0 {
		f.transportRecovery = defaultTransportRecovery
	}
	if f.probePeriod == 0 {
		f.probePeriod = defaultProbePeriod
	}
	return f
}

// active returns the provider that should serve the next call.
func (f *failover) active() Provider {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onBackup && f.backup != nil {
		return f.backup
	}
	return f.primary
}

// observe records the outcome of a call served by |p|. Only outcomes of
// the primary count toward switching; backup failures just surface.
func (f *failover) observe(p Provider, err error) {
	var class = classifyError(err)
	if class != classNone {
		providerErrors.WithLabelValues(p.Name(), class.String()).Inc()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.onBackup || p != f.primary {
		return
	}
	switch class {
	case classQuota, classTransport:
		f.failures++
		f.lastClass = class
		if f.backup != nil && f.failures >= f.threshold {
			f.switchToBackupLocked()
		}
	default:
		// Successes and validation errors both break the streak.
		f.failures = 0
	}
}

func (f *failover) switchToBackupLocked() {
	var recovery = f.transportRecovery
	if f.lastClass == classQuota {
		recovery = f.quotaRecovery
	}
	f.onBackup = true
	f.failures = 0
	f.nextProbe = time.Now().Add(recovery)
	failoverTransitions.WithLabelValues("to_backup").Inc()
	onBackupGauge.Set(1)

	log.WithFields(log.Fields{
		"primary":   f.primary.Name(),
		"backup":    f.backup.Name(),
		"class":     f.lastClass.String(),
		"nextProbe": f.nextProbe.Format(time.RFC3339),
	}).Warn("kv provider failed over to backup")
}

// probeDue reports whether a primary recovery probe should run now.
func (f *failover) probeDue(now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onBackup && !now.Before(f.nextProbe)
}

// deferProbe pushes the next recovery probe out by one probe period,
// called after a failed probe.
func (f *failover) deferProbe(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextProbe = now.Add(f.probePeriod)
}

// restorePrimary reinstates the primary after a successful probe.
func (f *failover) restorePrimary() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.onBackup {
		return
	}
	f.onBackup = false
	f.failures = 0
	failoverTransitions.WithLabelValues("to_primary").Inc()
	onBackupGauge.Set(0)

	log.WithField("provider", f.primary.Name()).Info("kv primary recovered")
}
