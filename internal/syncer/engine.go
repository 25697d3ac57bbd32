package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/relevolab/relevo/internal/audit"
	"github.com/relevolab/relevo/internal/session"
	"github.com/relevolab/relevo/internal/settings"
	"github.com/relevolab/relevo/internal/store"
)

// Engine-level errors surfaced to callers.
var (
	ErrSyncInProgress = errors.New("a sync is already in progress")
	ErrOffline        = errors.New("no network connection")
	ErrNoSession      = session.ErrNoSession
)

// Cosmetic auto-idle delays after a finished cycle.
const (
	defaultSuccessIdleDelay = 3 * time.Second
	defaultErrorIdleDelay   = 5 * time.Second
)

// Notifier receives user-facing notices (a toast equivalent).
type Notifier interface {
	Notify(message string)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(message string)

// Notify implements Notifier.
func (f NotifierFunc) Notify(message string) { f(message) }

// EngineConfig wires the engine dependencies.
type EngineConfig struct {
	Store    *store.Store
	Settings *settings.Registry
	Session  *session.Session
	Client   *Client
	Notifier Notifier
	Logger   *zap.Logger

	// Test hooks; zero values select the production defaults.
	SuccessIdleDelay time.Duration
	ErrorIdleDelay   time.Duration
}

// Engine owns the sync state machine. Only one cycle runs at a time;
// re-entrant requests are rejected with a notice, never queued.
type Engine struct {
	store    *store.Store
	settings *settings.Registry
	session  *session.Session
	client   *Client
	notifier Notifier
	logger   *zap.Logger

	successIdleDelay time.Duration
	errorIdleDelay   time.Duration

	mu        sync.Mutex
	state     State
	idleTimer *time.Timer
}

// NewEngine constructs an Engine in the idle state.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("syncer: store is required")
	}
	if cfg.Settings == nil {
		return nil, errors.New("syncer: settings registry is required")
	}
	if cfg.Session == nil {
		return nil, errors.New("syncer: session is required")
	}
	if cfg.Client == nil {
		return nil, errors.New("syncer: client is required")
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NotifierFunc(func(string) {})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	successDelay := cfg.SuccessIdleDelay
	if successDelay <= 0 {
		successDelay = defaultSuccessIdleDelay
	}
	errorDelay := cfg.ErrorIdleDelay
	if errorDelay <= 0 {
		errorDelay = defaultErrorIdleDelay
	}
	return &Engine{
		store:            cfg.Store,
		settings:         cfg.Settings,
		session:          cfg.Session,
		client:           cfg.Client,
		notifier:         notifier,
		logger:           logger,
		successIdleDelay: successDelay,
		errorIdleDelay:   errorDelay,
		state:            StateIdle,
	}, nil
}

// State returns the current engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SetOnline feeds network availability changes into the state machine.
// Restoring the network returns the engine to idle and auto-triggers a sync.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	if online {
		if e.state != StateNoNetwork {
			e.mu.Unlock()
			return
		}
		e.state = StateIdle
		e.mu.Unlock()
		if _, err := e.Sync(context.Background()); err != nil {
			e.logger.Debug("auto sync after network restore", zap.Error(err))
		}
		return
	}
	if e.state != StateSyncing {
		e.stopIdleTimerLocked()
		e.state = StateNoNetwork
	}
	e.mu.Unlock()
}

// Sync runs one reconciliation cycle: push every unsynced record (pending
// changes and rejected records due for a retry), apply the server response
// atomically and surface per-record outcomes.
func (e *Engine) Sync(ctx context.Context) (Report, error) {
	token, err := e.session.Token()
	if err != nil {
		return Report{}, err
	}

	e.mu.Lock()
	switch e.state {
	case StateSyncing:
		e.mu.Unlock()
		e.notifier.Notify("Sync already in progress")
		return Report{}, ErrSyncInProgress
	case StateNoNetwork:
		e.mu.Unlock()
		e.notifier.Notify("No network connection")
		return Report{}, ErrOffline
	}
	e.stopIdleTimerLocked()
	e.state = StateSyncing
	e.mu.Unlock()

	report, err := e.runCycle(ctx, token)
	if err != nil {
		e.enterError(err, e.errorIdleDelay)
		return Report{}, err
	}

	rejected := 0
	for _, result := range report.Results {
		if result.Outcome == OutcomeRejected {
			rejected++
			e.notifier.Notify(fmt.Sprintf("Record %s rejected: %s", result.RecordID, result.Message))
		}
	}
	for _, conflict := range report.Conflicts {
		e.notifier.Notify("Sync conflict: " + conflict.Message)
	}

	if rejected > 0 {
		// Sticky: stays in error until the next successful sync.
		e.enterError(fmt.Errorf("%d record(s) rejected by the server", rejected), 0)
		return report, nil
	}

	e.enterSuccess()
	return report, nil
}

func (e *Engine) runCycle(ctx context.Context, token string) (Report, error) {
	watermark, err := e.settings.GetInt(settings.KeySyncWatermark, 0)
	if err != nil {
		return Report{}, err
	}

	request := SyncRequest{
		LastSyncTimestamp: watermark,
		Changes:           map[string][]json.RawMessage{},
	}
	sentIDs := map[string][]string{}
	pushed := 0
	for _, collection := range e.store.Collections() {
		if !collection.Syncable() {
			continue
		}
		records, err := collection.Unsynced(e.store.DB())
		if err != nil {
			return Report{}, err
		}
		if len(records) == 0 {
			continue
		}
		name := collection.Name()
		for _, record := range records {
			if name == audit.CollectionName {
				request.AuditLogs = append(request.AuditLogs, record.Payload)
			} else {
				request.Changes[name] = append(request.Changes[name], record.Payload)
			}
			sentIDs[name] = append(sentIDs[name], record.ID)
			pushed++
		}
	}

	response, err := e.client.Sync(ctx, token, request)
	if err != nil {
		e.logger.Warn("sync transport failed", zap.Error(err))
		e.notifier.Notify("Could not reach the server")
		return Report{}, err
	}

	report := Report{
		Pushed:    pushed,
		Conflicts: response.Conflicts,
		Watermark: response.NewSyncTimestamp,
	}

	rejectedIDs := map[string]string{}
	for _, recordError := range response.Errors {
		rejectedIDs[recordError.ClientRecordID] = recordError.Message
	}

	txErr := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		// (1) Server-pushed updates.
		for name, payloads := range response.Updates {
			collection, ok := e.store.Collection(name)
			if !ok || !collection.Syncable() {
				e.logger.Warn("server update for unknown collection", zap.String("collection", name))
				continue
			}
			for _, payload := range payloads {
				if err := collection.Upsert(tx, payload); err != nil {
					return err
				}
				report.Applied++
			}
		}

		// (2) Everything sent and not rejected is now synced.
		for name, ids := range sentIDs {
			collection, ok := e.store.Collection(name)
			if !ok {
				continue
			}
			accepted := make([]string, 0, len(ids))
			for _, id := range ids {
				if message, rejected := rejectedIDs[id]; rejected {
					report.Results = append(report.Results, RecordResult{
						Collection: name, RecordID: id, Outcome: OutcomeRejected, Message: message,
					})
					continue
				}
				accepted = append(accepted, id)
				report.Results = append(report.Results, RecordResult{
					Collection: name, RecordID: id, Outcome: OutcomeAccepted,
				})
			}
			if err := collection.MarkSynced(tx, accepted); err != nil {
				return err
			}
		}

		// (3) Rejections land on the record wherever it lives.
		for id, message := range rejectedIDs {
			if err := e.markErrorAcross(tx, id, message); err != nil {
				return err
			}
		}

		// (5) Watermark advances only after the whole batch is applied.
		return e.settings.WithTx(tx).Set(settings.KeySyncWatermark, response.NewSyncTimestamp)
	})
	if txErr != nil {
		e.logger.Error("sync apply failed", zap.Error(txErr))
		e.notifier.Notify("Applying the sync response failed")
		return Report{}, txErr
	}

	for _, conflict := range response.Conflicts {
		for i := range report.Results {
			if report.Results[i].RecordID == conflict.RecordID && conflict.RecordID != "" {
				report.Results[i].Outcome = OutcomeConflict
				report.Results[i].Message = conflict.Message
			}
		}
	}

	e.logger.Info("sync cycle finished",
		zap.Int("pushed", pushed),
		zap.Int("applied", report.Applied),
		zap.Int("errors", len(response.Errors)),
		zap.Int("conflicts", len(response.Conflicts)),
		zap.Int64("watermark", response.NewSyncTimestamp))
	return report, nil
}

func (e *Engine) markErrorAcross(tx *gorm.DB, id, message string) error {
	for _, collection := range e.store.Collections() {
		if !collection.Syncable() {
			continue
		}
		found, err := collection.MarkError(tx, id, message)
		if err != nil {
			return err
		}
		if found {
			return nil
		}
	}
	e.logger.Warn("server reported error for unknown record", zap.String("record_id", id))
	return nil
}

// Bootstrap performs the one-shot destructive full pull: it wipes every
// syncable collection, repopulates from the server payload and sets the
// watermark. It is never merged with the incremental path and assumes the
// caller guaranteed there are no unsynced local changes.
func (e *Engine) Bootstrap(ctx context.Context) error {
	token, err := e.session.Token()
	if err != nil {
		return err
	}

	e.mu.Lock()
	switch e.state {
	case StateSyncing:
		e.mu.Unlock()
		e.notifier.Notify("Sync already in progress")
		return ErrSyncInProgress
	case StateNoNetwork:
		e.mu.Unlock()
		e.notifier.Notify("No network connection")
		return ErrOffline
	}
	e.stopIdleTimerLocked()
	e.state = StateSyncing
	e.mu.Unlock()

	response, err := e.client.Bootstrap(ctx, token)
	if err != nil {
		e.logger.Warn("bootstrap transport failed", zap.Error(err))
		e.notifier.Notify("Could not reach the server")
		e.enterError(err, e.errorIdleDelay)
		return err
	}

	txErr := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		for _, collection := range e.store.Collections() {
			if !collection.Syncable() {
				continue
			}
			if err := collection.Replace(tx, response.Data[collection.Name()]); err != nil {
				return err
			}
		}
		return e.settings.WithTx(tx).Set(settings.KeySyncWatermark, response.NewSyncTimestamp)
	})
	if txErr != nil {
		e.logger.Error("bootstrap apply failed", zap.Error(txErr))
		e.enterError(txErr, e.errorIdleDelay)
		return txErr
	}

	e.logger.Info("bootstrap finished", zap.Int64("watermark", response.NewSyncTimestamp))
	e.enterSuccess()
	return nil
}

func (e *Engine) enterSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateSuccess
	e.scheduleIdleLocked(e.successIdleDelay, StateSuccess)
}

// enterError transitions to error. delay zero keeps the state sticky until
// the next cycle; otherwise the engine cools down to idle after delay.
func (e *Engine) enterError(cause error, delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateError
	e.logger.Debug("engine entered error state", zap.Error(cause))
	if delay > 0 {
		e.scheduleIdleLocked(delay, StateError)
	}
}

func (e *Engine) scheduleIdleLocked(delay time.Duration, from State) {
	e.stopIdleTimerLocked()
	e.idleTimer = time.AfterFunc(delay, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.state == from {
			e.state = StateIdle
		}
	})
}

func (e *Engine) stopIdleTimerLocked() {
	if e.idleTimer != nil {
		e.idleTimer.Stop()
		e.idleTimer = nil
	}
}
