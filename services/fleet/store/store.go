// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store implements the durable accounting database.
//
// # Description
//
// A single SQLite file holds, per model, the request records, runtime
// intervals, and pricing tables, plus a global name mapping and the
// program runtime log. User-visible model names never appear in SQL
// identifiers: each model gets a stable filesystem-safe token derived
// from a hash of its name, recorded in model_name_mapping.
//
// # Thread Safety
//
// All methods are safe for concurrent use. The connection pool is
// capped at one connection, which serialises writes the way SQLite
// expects.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/AleutianAI/AleutianFleet/services/fleet/datatypes"
)

// =============================================================================
// Store
// =============================================================================

// Store is the accounting database handle.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	// names caches original name -> safe table token.
	mu    sync.Mutex
	names map[string]string
}

// Open opens (creating if needed) the accounting database.
//
// # Inputs
//
//   - path: Database file path; parent directories are created.
//   - logger: Structured logger.
//
// # Outputs
//
//   - *Store: Ready store with global tables ensured.
//   - error: Non-nil on open or migration failure.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create db directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	// SQLite handles one writer; a single pooled connection avoids
	// SQLITE_BUSY churn under concurrent request recording.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		path:   path,
		logger: logger,
		names:  make(map[string]string),
	}
	if err := s.ensureGlobalTables(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// ensureGlobalTables creates the cross-model tables.
func (s *Store) ensureGlobalTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS model_name_mapping (
			original_name TEXT PRIMARY KEY,
			safe_name     TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS program_runtime (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			start_time REAL NOT NULL,
			end_time   REAL NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure global tables: %w", err)
		}
	}
	return nil
}

// =============================================================================
// Safe Names
// =============================================================================

// SafeName derives the stable table token for a model name:
// "model_" plus the first 16 hex chars of the name's SHA-256.
func SafeName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return "model_" + hex.EncodeToString(sum[:])[:16]
}

// safeFor resolves the safe token for a model, creating its tables
// and mapping row on first sight.
func (s *Store) safeFor(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	if safe, ok := s.names[name]; ok {
		s.mu.Unlock()
		return safe, nil
	}
	s.mu.Unlock()

	if err := s.EnsureModel(ctx, name); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.names[name], nil
}

// lookupSafe resolves the safe token without creating anything.
func (s *Store) lookupSafe(ctx context.Context, name string) (string, bool, error) {
	s.mu.Lock()
	if safe, ok := s.names[name]; ok {
		s.mu.Unlock()
		return safe, true, nil
	}
	s.mu.Unlock()

	var safe string
	err := s.db.QueryRowContext(ctx,
		`SELECT safe_name FROM model_name_mapping WHERE original_name = ?`, name).Scan(&safe)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup model %s: %w", name, err)
	}

	s.mu.Lock()
	s.names[name] = safe
	s.mu.Unlock()
	return safe, true, nil
}

// EnsureModel creates the per-model tables and defaults if missing.
//
// # Description
//
// Idempotent. On first creation the model gets the tiered billing
// default: billing method tiered, hourly price 0, and a single tier
// (index 1, bounds 0..32768 on both axes, all prices 0).
func (s *Store) EnsureModel(ctx context.Context, name string) error {
	safe := SafeName(name)

	_, known, err := s.lookupSafe(ctx, name)
	if err != nil {
		return err
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_requests (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			start_time    REAL NOT NULL,
			end_time      REAL NOT NULL,
			input_tokens  INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cache_n       INTEGER NOT NULL DEFAULT 0,
			prompt_n      INTEGER NOT NULL DEFAULT 0
		)`, safe),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_requests_end_idx ON %s_requests (end_time)`, safe, safe),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_runtime (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			start_time REAL NOT NULL,
			end_time   REAL NOT NULL
		)`, safe),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_tier_pricing (
			tier_index        INTEGER PRIMARY KEY,
			min_input_tokens  INTEGER NOT NULL,
			max_input_tokens  INTEGER NOT NULL,
			min_output_tokens INTEGER NOT NULL,
			max_output_tokens INTEGER NOT NULL,
			input_price       REAL NOT NULL,
			output_price      REAL NOT NULL,
			support_cache     INTEGER NOT NULL DEFAULT 0,
			cache_write_price REAL NOT NULL DEFAULT 0,
			cache_read_price  REAL NOT NULL DEFAULT 0
		)`, safe),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_hourly_price (
			id    INTEGER PRIMARY KEY CHECK (id = 1),
			price REAL NOT NULL
		)`, safe),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_billing_method (
			id               INTEGER PRIMARY KEY CHECK (id = 1),
			use_tier_pricing INTEGER NOT NULL
		)`, safe),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure tables for %s: %w", name, err)
		}
	}

	if !known {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO model_name_mapping (original_name, safe_name) VALUES (?, ?)`,
			name, safe); err != nil {
			return fmt.Errorf("register model %s: %w", name, err)
		}
		defaults := []string{
			fmt.Sprintf(`INSERT OR IGNORE INTO %s_billing_method (id, use_tier_pricing) VALUES (1, 1)`, safe),
			fmt.Sprintf(`INSERT OR IGNORE INTO %s_hourly_price (id, price) VALUES (1, 0)`, safe),
			fmt.Sprintf(`INSERT OR IGNORE INTO %s_tier_pricing
				(tier_index, min_input_tokens, max_input_tokens, min_output_tokens, max_output_tokens,
				 input_price, output_price, support_cache, cache_write_price, cache_read_price)
				VALUES (1, 0, 32768, 0, 32768, 0, 0, 0, 0, 0)`, safe),
		}
		for _, stmt := range defaults {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("seed defaults for %s: %w", name, err)
			}
		}
		s.logger.Info("accounting tables created", "model", name, "safe_name", safe)
	}

	s.mu.Lock()
	s.names[name] = safe
	s.mu.Unlock()
	return nil
}

// =============================================================================
// Requests
// =============================================================================

// RecordRequest persists one completed request.
func (s *Store) RecordRequest(ctx context.Context, model string, rec datatypes.RequestRecord) error {
	safe, err := s.safeFor(ctx, model)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s_requests (start_time, end_time, input_tokens, output_tokens, cache_n, prompt_n)
		 VALUES (?, ?, ?, ?, ?, ?)`, safe),
		rec.StartTS, rec.EndTS, rec.InTok, rec.OutTok, rec.CacheN, rec.PromptN)
	if err != nil {
		return fmt.Errorf("record request for %s: %w", model, err)
	}
	return nil
}

// =============================================================================
// Runtime Intervals
// =============================================================================

// OpenRuntime opens a model runtime interval with end == start.
//
// Returns the row id used to advance and finalise the interval.
func (s *Store) OpenRuntime(ctx context.Context, model string, start float64) (int64, error) {
	safe, err := s.safeFor(ctx, model)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s_runtime (start_time, end_time) VALUES (?, ?)`, safe), start, start)
	if err != nil {
		return 0, fmt.Errorf("open runtime for %s: %w", model, err)
	}
	return res.LastInsertId()
}

// AdvanceRuntime moves an open interval's end forward. Also used to
// finalise the interval at stop.
func (s *Store) AdvanceRuntime(ctx context.Context, model string, id int64, end float64) error {
	safe, err := s.safeFor(ctx, model)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s_runtime SET end_time = ? WHERE id = ?`, safe), end, id)
	if err != nil {
		return fmt.Errorf("advance runtime for %s: %w", model, err)
	}
	return nil
}

// OpenProgramRuntime opens the program-level runtime interval.
func (s *Store) OpenProgramRuntime(ctx context.Context, start float64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO program_runtime (start_time, end_time) VALUES (?, ?)`, start, start)
	if err != nil {
		return 0, fmt.Errorf("open program runtime: %w", err)
	}
	return res.LastInsertId()
}

// AdvanceProgramRuntime moves the program interval's end forward.
func (s *Store) AdvanceProgramRuntime(ctx context.Context, id int64, end float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE program_runtime SET end_time = ? WHERE id = ?`, end, id)
	if err != nil {
		return fmt.Errorf("advance program runtime: %w", err)
	}
	return nil
}

// ProgramStart returns the start of the most recent program interval.
func (s *Store) ProgramStart(ctx context.Context) (float64, error) {
	var start float64
	err := s.db.QueryRowContext(ctx,
		`SELECT start_time FROM program_runtime ORDER BY id DESC LIMIT 1`).Scan(&start)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("program start: %w", err)
	}
	return start, nil
}

// =============================================================================
// Model Inventory, Orphans, Storage
// =============================================================================

// ModelNames lists every model known to the store, sorted.
func (s *Store) ModelNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT original_name FROM model_name_mapping ORDER BY original_name`)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// ListOrphans returns store models absent from the live catalogue.
//
// # Inputs
//
//   - catalogued: Membership test against the current catalogue.
func (s *Store) ListOrphans(ctx context.Context, catalogued func(string) bool) ([]string, error) {
	names, err := s.ModelNames(ctx)
	if err != nil {
		return nil, err
	}
	orphans := make([]string, 0)
	for _, n := range names {
		if !catalogued(n) {
			orphans = append(orphans, n)
		}
	}
	return orphans, nil
}

// Drop deletes all accounting data for one model.
//
// # Description
//
// Refused with OrphanProtected when the model is still catalogued,
// and with ModelNotFound when the store has never seen the name.
func (s *Store) Drop(ctx context.Context, name string, catalogued bool) error {
	if catalogued {
		return datatypes.NewError(datatypes.KindOrphanProtected,
			"model %q is still in the catalogue", name)
	}
	safe, known, err := s.lookupSafe(ctx, name)
	if err != nil {
		return err
	}
	if !known {
		return datatypes.NewError(datatypes.KindModelNotFound,
			"model %q has no stored data", name)
	}

	for _, table := range []string{"requests", "runtime", "tier_pricing", "hourly_price", "billing_method"} {
		if _, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`DROP TABLE IF EXISTS %s_%s`, safe, table)); err != nil {
			return fmt.Errorf("drop %s tables: %w", name, err)
		}
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM model_name_mapping WHERE original_name = ?`, name); err != nil {
		return fmt.Errorf("unregister %s: %w", name, err)
	}

	s.mu.Lock()
	delete(s.names, name)
	s.mu.Unlock()
	s.logger.Info("accounting data dropped", "model", name)
	return nil
}

// StorageStats reports the database footprint.
func (s *Store) StorageStats(ctx context.Context) (datatypes.StorageStats, error) {
	stats := datatypes.StorageStats{DBPath: s.path}
	if info, err := os.Stat(s.path); err == nil {
		stats.FileBytes = info.Size()
	}

	names, err := s.ModelNames(ctx)
	if err != nil {
		return stats, err
	}
	for _, name := range names {
		safe, known, err := s.lookupSafe(ctx, name)
		if err != nil || !known {
			continue
		}
		ms := datatypes.ModelStorageStats{Name: name}
		if err := s.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM %s_requests`, safe)).Scan(&ms.RequestCount); err != nil {
			return stats, fmt.Errorf("count requests for %s: %w", name, err)
		}
		if err := s.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM %s_runtime`, safe)).Scan(&ms.RuntimeCount); err != nil {
			return stats, fmt.Errorf("count runtime for %s: %w", name, err)
		}
		ms.HasRuntimeData = ms.RuntimeCount > 0
		ms.HasBillingData = ms.RequestCount > 0
		stats.Models = append(stats.Models, ms)
	}
	sort.Slice(stats.Models, func(i, j int) bool { return stats.Models[i].Name < stats.Models[j].Name })
	return stats, nil
}
