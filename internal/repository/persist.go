package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/starford/timesnap/internal/apperr"
	"github.com/starford/timesnap/internal/capsule"
	"github.com/starford/timesnap/internal/checksum"
	"github.com/starford/timesnap/internal/kv"
	"github.com/starford/timesnap/internal/media"
)

// PersistError reports a mutation that was applied in memory but could not be
// written to the slot. It matches apperr.ErrNotPersisted.
type PersistError struct {
	Op  string
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("repository: %s: not persisted: %v", e.Op, e.Err)
}

func (e *PersistError) Unwrap() []error { return []error{apperr.ErrNotPersisted, e.Err} }

// CleanupError lists media files that could not be deleted after their
// capsule or item was removed. It matches apperr.ErrIO.
type CleanupError struct {
	CapsuleID string
	Refs      []media.AssetRef
	Err       error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("repository: cleanup %s: %d file(s) left behind: %v", e.CapsuleID, len(e.Refs), e.Err)
}

func (e *CleanupError) Unwrap() []error { return []error{apperr.ErrIO, e.Err} }

// LoadReport describes what happened when the slot was read at startup.
type LoadReport struct {
	Empty       bool   `json:"empty"`
	Loaded      int    `json:"loaded"`
	Version     int    `json:"version"`
	RecoveryKey string `json:"recovery_key,omitempty"`
	DecodeError string `json:"decode_error,omitempty"`
}

// Recovered reports whether a corrupt slot was moved aside.
func (l LoadReport) Recovered() bool { return l.RecoveryKey != "" }

// LoadReport returns the startup load summary.
func (r *Repository) LoadReport() LoadReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.report
}

// RecoveryPrefix is the key prefix under which undecodable blobs are kept.
func (r *Repository) RecoveryPrefix() string { return r.key + ".recovery." }

// RecoverySlots lists every recovery slot kept for this collection, including
// those written by earlier runs, in key order.
func (r *Repository) RecoverySlots(ctx context.Context) ([]string, error) {
	keys, err := r.store.Keys(ctx, r.RecoveryPrefix())
	if err != nil {
		return nil, fmt.Errorf("repository: list recovery slots: %w: %w", apperr.ErrIO, err)
	}
	return keys, nil
}

// DropRecovery deletes a recovery slot once its content is no longer needed.
// Only keys under RecoveryPrefix are accepted.
func (r *Repository) DropRecovery(ctx context.Context, key string) error {
	if !strings.HasPrefix(key, r.RecoveryPrefix()) {
		return fmt.Errorf("repository: %q is not a recovery slot: %w", key, apperr.ErrInvalid)
	}
	if err := r.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("repository: drop %s: %w: %w", key, apperr.ErrIO, err)
	}
	r.logger.Info("recovery slot dropped", slog.String("recovery_key", key))
	return nil
}

// load reads the slot. An undecodable blob is copied verbatim to a recovery
// slot keyed by its digest before the collection starts empty, so the next
// persist cannot destroy the only copy.
func (r *Repository) load(ctx context.Context) error {
	raw, err := r.store.Get(ctx, r.key)
	if errors.Is(err, kv.ErrKeyNotFound) {
		r.report = LoadReport{Empty: true, Version: capsule.FormatVersion}
		r.logger.Info("capsule store empty", slog.String("key", r.key))
		return nil
	}
	if err != nil {
		return fmt.Errorf("repository: read %s: %w: %w", r.key, apperr.ErrIO, err)
	}

	caps, version, err := capsule.DecodeVersion(raw)
	if err == nil {
		r.capsules = caps
		r.report = LoadReport{Empty: len(caps) == 0, Loaded: len(caps), Version: version}
		r.logger.Info("capsules loaded", slog.String("key", r.key), slog.Int("count", len(caps)), slog.Int("version", version))
		return nil
	}

	recoveryKey := r.RecoveryPrefix() + checksum.Short(raw, 12)
	if setErr := r.store.Set(ctx, recoveryKey, raw); setErr != nil {
		return fmt.Errorf("repository: preserve undecodable slot: %w: %w", apperr.ErrIO, setErr)
	}
	r.capsules = nil
	r.report = LoadReport{Empty: true, Version: capsule.FormatVersion, RecoveryKey: recoveryKey, DecodeError: err.Error()}
	r.logger.Warn("capsule slot undecodable, starting empty",
		slog.String("key", r.key),
		slog.String("recovery_key", recoveryKey),
		slog.String("error", err.Error()))
	return nil
}

// persist encodes and writes the whole collection. Caller holds mu.
func (r *Repository) persist(ctx context.Context, op string) error {
	blob, err := capsule.Encode(r.capsules)
	if err == nil {
		err = r.store.Set(ctx, r.key, blob)
	}
	if err != nil {
		r.lastErr = &PersistError{Op: op, Err: err}
		r.logger.Error("persist failed",
			slog.String("op", op),
			slog.Int("count", len(r.capsules)),
			slog.String("error", err.Error()))
		return r.lastErr
	}
	r.lastErr = nil
	return nil
}
