// Package journal 结算日志：按订单记录每个已提交/已确认的链上步骤，
// 使重试可以跳过已完成的步骤，已完成的结算不会被重复执行。
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type Step string

const (
	StepExecuteOrder Step = "execute_order"
	StepPull         Step = "pull"
	StepApprove      Step = "approve"
	StepSwap         Step = "swap"
	StepForward      Step = "forward"
)

type StepStatus string

const (
	StepSubmitted StepStatus = "submitted" // 已广播，回执未知
	StepConfirmed StepStatus = "confirmed"
)

type SettlementStatus string

const (
	SettlementInProgress SettlementStatus = "in_progress"
	SettlementCompleted  SettlementStatus = "completed"
)

type StepRecord struct {
	Step      Step
	Status    StepStatus
	TxHash    string
	Output    string // swap 步骤记录解析出的产出（最小单位）
	UpdatedAt time.Time
}

type Settlement struct {
	OrderID     string
	Status      SettlementStatus
	InputToken  string
	OutputToken string
	InputAmount string // 最小单位
	UserAddress string
	Result      json.RawMessage
	Steps       map[Step]StepRecord
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Confirmed 步骤是否已确认
func (s *Settlement) Confirmed(step Step) (StepRecord, bool) {
	if s == nil {
		return StepRecord{}, false
	}
	r, ok := s.Steps[step]
	return r, ok && r.Status == StepConfirmed
}

type Journal struct {
	db *sql.DB
}

func Open(path string) (*Journal, error) {
	if path == "" {
		return nil, errors.New("journal db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir journal dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func (j *Journal) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`
CREATE TABLE IF NOT EXISTS settlements (
  order_id TEXT PRIMARY KEY,
  status TEXT NOT NULL,
  input_token TEXT NOT NULL,
  output_token TEXT NOT NULL,
  input_amount TEXT NOT NULL,
  user_address TEXT NOT NULL,
  result_json TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS settlement_steps (
  order_id TEXT NOT NULL REFERENCES settlements(order_id) ON DELETE CASCADE,
  step TEXT NOT NULL,
  status TEXT NOT NULL,
  tx_hash TEXT NOT NULL,
  output TEXT,
  updated_at TEXT NOT NULL,
  PRIMARY KEY (order_id, step)
);`,
		`
CREATE TABLE IF NOT EXISTS keeper_state (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
	}
	for _, stmt := range stmts {
		if _, err := j.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// Get 不存在时返回 (nil, nil)
func (j *Journal) Get(ctx context.Context, orderID string) (*Settlement, error) {
	row := j.db.QueryRowContext(ctx, `
SELECT order_id, status, input_token, output_token, input_amount, user_address, COALESCE(result_json, ''), created_at, updated_at
FROM settlements WHERE order_id=?`, orderID)
	var (
		s                Settlement
		result           string
		created, updated string
	)
	if err := row.Scan(&s.OrderID, &s.Status, &s.InputToken, &s.OutputToken, &s.InputAmount, &s.UserAddress, &result, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get settlement: %w", err)
	}
	if result != "" {
		s.Result = json.RawMessage(result)
	}
	s.CreatedAt, s.UpdatedAt = parseTime(created), parseTime(updated)

	rows, err := j.db.QueryContext(ctx, `
SELECT step, status, tx_hash, COALESCE(output, ''), updated_at FROM settlement_steps WHERE order_id=?`, orderID)
	if err != nil {
		return nil, fmt.Errorf("get settlement steps: %w", err)
	}
	defer rows.Close()
	s.Steps = make(map[Step]StepRecord)
	for rows.Next() {
		var r StepRecord
		var ts string
		if err := rows.Scan(&r.Step, &r.Status, &r.TxHash, &r.Output, &ts); err != nil {
			return nil, fmt.Errorf("scan settlement step: %w", err)
		}
		r.UpdatedAt = parseTime(ts)
		s.Steps[r.Step] = r
	}
	return &s, rows.Err()
}

// Begin 开始一次结算；已存在时不覆盖（续做同一笔结算）
func (j *Journal) Begin(ctx context.Context, s Settlement) error {
	ts := now()
	_, err := j.db.ExecContext(ctx, `
INSERT OR IGNORE INTO settlements (order_id, status, input_token, output_token, input_amount, user_address, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?)`,
		s.OrderID, SettlementInProgress, s.InputToken, s.OutputToken, s.InputAmount, s.UserAddress, ts, ts)
	if err != nil {
		return fmt.Errorf("begin settlement: %w", err)
	}
	return nil
}

func (j *Journal) upsertStep(ctx context.Context, orderID string, step Step, status StepStatus, txHash, output string) error {
	ts := now()
	_, err := j.db.ExecContext(ctx, `
INSERT INTO settlement_steps (order_id, step, status, tx_hash, output, updated_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(order_id, step) DO UPDATE SET status=excluded.status, tx_hash=excluded.tx_hash, output=excluded.output, updated_at=excluded.updated_at
`, orderID, step, status, txHash, output, ts)
	if err != nil {
		return fmt.Errorf("record step %s: %w", step, err)
	}
	_, err = j.db.ExecContext(ctx, `UPDATE settlements SET updated_at=? WHERE order_id=?`, ts, orderID)
	return err
}

// RecordSubmitted 交易广播后立即记录哈希，崩溃重启后可以按哈希对账
func (j *Journal) RecordSubmitted(ctx context.Context, orderID string, step Step, txHash string) error {
	return j.upsertStep(ctx, orderID, step, StepSubmitted, txHash, "")
}

func (j *Journal) RecordConfirmed(ctx context.Context, orderID string, step Step, txHash, output string) error {
	return j.upsertStep(ctx, orderID, step, StepConfirmed, txHash, output)
}

// Complete 记录最终结果；之后同一订单的结算请求直接返回该结果
func (j *Journal) Complete(ctx context.Context, orderID string, result json.RawMessage) error {
	_, err := j.db.ExecContext(ctx, `UPDATE settlements SET status=?, result_json=?, updated_at=? WHERE order_id=?`,
		SettlementCompleted, string(result), now(), orderID)
	if err != nil {
		return fmt.Errorf("complete settlement: %w", err)
	}
	return nil
}

func (j *Journal) GetState(ctx context.Context, key string) (string, bool, error) {
	row := j.db.QueryRowContext(ctx, `SELECT value FROM keeper_state WHERE key=?`, key)
	var v string
	if err := row.Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

func (j *Journal) SetState(ctx context.Context, key, value string) error {
	_, err := j.db.ExecContext(ctx, `
INSERT INTO keeper_state (key, value, updated_at)
VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at
`, key, value, now())
	if err != nil {
		return fmt.Errorf("set keeper state: %w", err)
	}
	return nil
}
