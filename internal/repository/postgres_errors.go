package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/orderfeed/ingest/pkg/errors"
	"github.com/orderfeed/ingest/pkg/validate"
)

const errorColumns = `id, partner_id, external_order_id, error_code, message,
       details, original_payload, timestamp_ms`

// errorFilterClause 静态过滤子句，占位符 $1..$4 由 errorFilterArgs 填充
const errorFilterClause = `($1 = '' OR partner_id = $1)
	  AND ($2 = '' OR error_code = $2)
	  AND ($3::bigint IS NULL OR timestamp_ms >= $3)
	  AND ($4::bigint IS NULL OR timestamp_ms <= $4)`

// PostgresErrorStore 错误仓储的 Postgres 实现
type PostgresErrorStore struct {
	db *sql.DB
}

// NewPostgresErrorStore 创建仓储
func NewPostgresErrorStore(db *sql.DB) *PostgresErrorStore {
	return &PostgresErrorStore{db: db}
}

// Save 保存错误记录，ID 为空时分配 UUID 并回写入参
func (r *PostgresErrorStore) Save(ctx context.Context, event *ErrorEvent) error {
	if event == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	query := `
		INSERT INTO order_errors
		(id, partner_id, external_order_id, error_code, message, details, original_payload, timestamp_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query,
		event.ID, string(event.PartnerID), nullText(event.ExternalOrderID),
		string(event.ErrorCode), event.Message,
		marshalDetails(event.Details), marshalPayload(event.OriginalPayload),
		instantMs(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert error event: %w", err)
	}
	return nil
}

// FindByID 按内部 ID 查找
func (r *PostgresErrorStore) FindByID(ctx context.Context, id string) (*ErrorEvent, error) {
	query := `SELECT ` + errorColumns + ` FROM order_errors WHERE id = $1`
	return r.scanError(r.db.QueryRowContext(ctx, query, id))
}

// FindMany 过滤 -> 按 timestamp 排序 -> 分页
func (r *PostgresErrorStore) FindMany(ctx context.Context, filters ErrorFilters, page Pagination, dir SortDirection) (*ErrorPage, error) {
	page = page.Normalize()
	if dir != SortAsc {
		dir = SortDesc
	}

	total, err := r.Count(ctx, filters)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + errorColumns + ` FROM order_errors
		WHERE ` + errorFilterClause + `
		ORDER BY timestamp_ms ` + sortKeyword(dir) + `, ingest_seq ASC
		LIMIT $5 OFFSET $6`

	args := append(errorFilterArgs(filters), page.PageSize, (page.Page-1)*page.PageSize)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query error events: %w", err)
	}
	defer rows.Close()

	data := make([]*ErrorEvent, 0, page.PageSize)
	for rows.Next() {
		evt, err := scanErrorRow(rows)
		if err != nil {
			return nil, err
		}
		data = append(data, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error event rows: %w", err)
	}

	totalPages := 0
	if total > 0 {
		totalPages = (total + page.PageSize - 1) / page.PageSize
	}

	return &ErrorPage{
		Data:       data,
		Total:      total,
		Page:       page.Page,
		PageSize:   page.PageSize,
		TotalPages: totalPages,
		HasMore:    page.Page < totalPages,
	}, nil
}

// GetStatistics 过滤子集上的 SQL 聚合，近 24 小时计数在同一查询内完成
func (r *PostgresErrorStore) GetStatistics(ctx context.Context, filters ErrorFilters) (*ErrorStatistics, error) {
	query := `SELECT partner_id, error_code, COUNT(*),
		       COUNT(*) FILTER (WHERE timestamp_ms >= $5)
		FROM order_errors
		WHERE ` + errorFilterClause + `
		GROUP BY partner_id, error_code`

	dayAgo := time.Now().Add(-24 * time.Hour).UnixMilli()
	args := append(errorFilterArgs(filters), dayAgo)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error statistics: %w", err)
	}
	defer rows.Close()

	stats := &ErrorStatistics{
		ErrorsByPartner: make(map[PartnerID]int, len(Partners())),
		ErrorsByCode:    make(map[apperrors.Code]int),
	}
	for _, p := range Partners() {
		stats.ErrorsByPartner[p] = 0
	}

	for rows.Next() {
		var partner, code string
		var count, recent int
		if err := rows.Scan(&partner, &code, &count, &recent); err != nil {
			return nil, fmt.Errorf("scan error statistics: %w", err)
		}
		stats.TotalErrors += count
		stats.ErrorsByPartner[PartnerID(partner)] += count
		stats.ErrorsByCode[apperrors.Code(code)] += count
		stats.Last24Hours += recent
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error statistics rows: %w", err)
	}

	return stats, nil
}

// Count 过滤后计数
func (r *PostgresErrorStore) Count(ctx context.Context, filters ErrorFilters) (int, error) {
	query := `SELECT COUNT(*) FROM order_errors WHERE ` + errorFilterClause
	var total int
	if err := r.db.QueryRowContext(ctx, query, errorFilterArgs(filters)...).Scan(&total); err != nil {
		return 0, fmt.Errorf("count error events: %w", err)
	}
	return total, nil
}

// DeleteOlderThan 删除 cutoff 之前的记录，返回删除条数
func (r *PostgresErrorStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM order_errors WHERE timestamp_ms < $1`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete error events: %w", err)
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// Clear 清空错误表（仅测试环境的重置入口使用）
func (r *PostgresErrorStore) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM order_errors`); err != nil {
		return fmt.Errorf("clear error events: %w", err)
	}
	return nil
}

func (r *PostgresErrorStore) scanError(row *sql.Row) (*ErrorEvent, error) {
	var e ErrorEvent
	var partner, code string
	var external sql.NullString
	var details, payload []byte
	var tsMs int64

	err := row.Scan(&e.ID, &partner, &external, &code, &e.Message, &details, &payload, &tsMs)
	if err == sql.ErrNoRows {
		return nil, ErrErrorEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan error event: %w", err)
	}

	fillErrorEvent(&e, partner, external, code, details, payload, tsMs)
	return &e, nil
}

func scanErrorRow(rows *sql.Rows) (*ErrorEvent, error) {
	var e ErrorEvent
	var partner, code string
	var external sql.NullString
	var details, payload []byte
	var tsMs int64

	if err := rows.Scan(&e.ID, &partner, &external, &code, &e.Message, &details, &payload, &tsMs); err != nil {
		return nil, fmt.Errorf("scan error event: %w", err)
	}

	fillErrorEvent(&e, partner, external, code, details, payload, tsMs)
	return &e, nil
}

func fillErrorEvent(e *ErrorEvent, partner string, external sql.NullString, code string, details, payload []byte, tsMs int64) {
	e.PartnerID = PartnerID(partner)
	e.ExternalOrderID = external.String
	e.ErrorCode = apperrors.Code(code)
	e.Timestamp = FormatInstant(time.UnixMilli(tsMs))
	if len(details) > 0 {
		var fes []validate.FieldError
		if err := json.Unmarshal(details, &fes); err == nil {
			e.Details = fes
		}
	}
	if len(payload) > 0 {
		var raw any
		if err := json.Unmarshal(payload, &raw); err == nil {
			e.OriginalPayload = raw
		}
	}
}

func errorFilterArgs(f ErrorFilters) []interface{} {
	return []interface{}{
		string(f.PartnerID), string(f.ErrorCode),
		nullMs(f.FromDate), nullMs(f.ToDate),
	}
}

func nullText(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func marshalDetails(details []validate.FieldError) []byte {
	if len(details) == 0 {
		return nil
	}
	data, err := json.Marshal(details)
	if err != nil {
		return nil
	}
	return data
}

func marshalPayload(payload any) []byte {
	if payload == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return data
}

var _ ErrorStore = (*PostgresErrorStore)(nil)
