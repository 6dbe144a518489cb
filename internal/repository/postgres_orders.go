package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// orderColumns 与 orders 表列序一致，scanOrder/queryOrders 按此顺序读取
const orderColumns = `id, external_order_id, partner_id, sequence_number, product_id, customer_id,
       quantity, unit_price, tax_rate, gross_amount, tax_amount, net_amount,
       transaction_time_ms, processed_at_ms, metadata`

// orderFilterClause 静态过滤子句：空串/NULL 参数表示不过滤。
// 占位符 $1..$7 由 orderFilterArgs 按序填充。
const orderFilterClause = `($1 = '' OR partner_id = $1)
	  AND ($2 = '' OR customer_id = $2)
	  AND ($3 = '' OR product_id = $3)
	  AND ($4::bigint IS NULL OR transaction_time_ms >= $4)
	  AND ($5::bigint IS NULL OR transaction_time_ms <= $5)
	  AND ($6::double precision IS NULL OR gross_amount >= $6)
	  AND ($7::double precision IS NULL OR gross_amount <= $7)`

// PostgresOrderStore 订单仓储的 Postgres 实现
type PostgresOrderStore struct {
	db *sql.DB
}

// NewPostgresOrderStore 创建仓储
func NewPostgresOrderStore(db *sql.DB) *PostgresOrderStore {
	return &PostgresOrderStore{db: db}
}

// Save 保存单条订单，按 id 幂等
func (r *PostgresOrderStore) Save(ctx context.Context, order *OrderEvent) error {
	_, err := r.db.ExecContext(ctx, insertOrderQuery, insertOrderArgs(order)...)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// SaveBatch 事务内批量保存，整批成功或整批回滚
func (r *PostgresOrderStore) SaveBatch(ctx context.Context, orders []*OrderEvent) error {
	if len(orders) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, o := range orders {
		if _, err := tx.ExecContext(ctx, insertOrderQuery, insertOrderArgs(o)...); err != nil {
			return fmt.Errorf("insert order %s: %w", o.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

const insertOrderQuery = `
		INSERT INTO orders
		(id, external_order_id, partner_id, sequence_number, product_id, customer_id,
		 quantity, unit_price, tax_rate, gross_amount, tax_amount, net_amount,
		 transaction_time_ms, processed_at_ms, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
		 external_order_id = EXCLUDED.external_order_id,
		 partner_id = EXCLUDED.partner_id,
		 sequence_number = EXCLUDED.sequence_number,
		 product_id = EXCLUDED.product_id,
		 customer_id = EXCLUDED.customer_id,
		 quantity = EXCLUDED.quantity,
		 unit_price = EXCLUDED.unit_price,
		 tax_rate = EXCLUDED.tax_rate,
		 gross_amount = EXCLUDED.gross_amount,
		 tax_amount = EXCLUDED.tax_amount,
		 net_amount = EXCLUDED.net_amount,
		 transaction_time_ms = EXCLUDED.transaction_time_ms,
		 processed_at_ms = EXCLUDED.processed_at_ms,
		 metadata = EXCLUDED.metadata
	`

func insertOrderArgs(o *OrderEvent) []interface{} {
	return []interface{}{
		o.ID, o.ExternalOrderID, string(o.PartnerID), o.SequenceNumber,
		o.ProductID, o.CustomerID, o.Quantity, o.UnitPrice, o.TaxRate,
		o.GrossAmount, o.TaxAmount, o.NetAmount,
		instantMs(o.TransactionTime), instantMs(o.ProcessedAt),
		marshalMetadata(o.Metadata),
	}
}

// FindByID 按内部 ID 查找
func (r *PostgresOrderStore) FindByID(ctx context.Context, id string) (*OrderEvent, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	return r.scanOrder(r.db.QueryRowContext(ctx, query, id))
}

// FindByExternalID 按外部 ID 查找，重复提交时命中最近一次保存的记录
func (r *PostgresOrderStore) FindByExternalID(ctx context.Context, externalID string, partner PartnerID) (*OrderEvent, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE partner_id = $1 AND external_order_id = $2
		ORDER BY ingest_seq DESC
		LIMIT 1`
	return r.scanOrder(r.db.QueryRowContext(ctx, query, string(partner), externalID))
}

// ExistsByExternalID 外部 ID 是否已入库
func (r *PostgresOrderStore) ExistsByExternalID(ctx context.Context, externalID string, partner PartnerID) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM orders WHERE partner_id = $1 AND external_order_id = $2)`
	var exists bool
	if err := r.db.QueryRowContext(ctx, query, string(partner), externalID).Scan(&exists); err != nil {
		return false, fmt.Errorf("exists by external id: %w", err)
	}
	return exists, nil
}

// FindMany 过滤 -> 排序 -> 分页，ingest_seq 作为稳定次序键
func (r *PostgresOrderStore) FindMany(ctx context.Context, filters OrderFilters, page Pagination, sortBy OrderSort) (*OrderPage, error) {
	page = page.Normalize()
	sortBy = sortBy.Normalize()

	total, err := r.Count(ctx, filters)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE ` + orderFilterClause + `
		ORDER BY ` + orderSortColumn(sortBy.Field) + ` ` + sortKeyword(sortBy.Direction) + `, ingest_seq ASC
		LIMIT $8 OFFSET $9`

	args := append(orderFilterArgs(filters), page.PageSize, (page.Page-1)*page.PageSize)
	data, err := r.queryOrders(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	totalPages := 0
	if total > 0 {
		totalPages = (total + page.PageSize - 1) / page.PageSize
	}

	return &OrderPage{
		Data:       data,
		Total:      total,
		Page:       page.Page,
		PageSize:   page.PageSize,
		TotalPages: totalPages,
		HasMore:    page.Page < totalPages,
	}, nil
}

// GetStatistics 过滤子集上的 SQL 聚合，合作方维度全量初始化为 0
func (r *PostgresOrderStore) GetStatistics(ctx context.Context, filters OrderFilters) (*OrderStatistics, error) {
	query := `SELECT partner_id, COUNT(*),
		       COALESCE(SUM(gross_amount), 0), COALESCE(SUM(tax_amount), 0),
		       COALESCE(SUM(net_amount), 0), COALESCE(MAX(sequence_number), 0)
		FROM orders
		WHERE ` + orderFilterClause + `
		GROUP BY partner_id`

	rows, err := r.db.QueryContext(ctx, query, orderFilterArgs(filters)...)
	if err != nil {
		return nil, fmt.Errorf("order statistics: %w", err)
	}
	defer rows.Close()

	stats := &OrderStatistics{
		OrdersByPartner: make(map[PartnerID]int, len(Partners())),
		HighestSequence: make(map[PartnerID]int64, len(Partners())),
	}
	for _, p := range Partners() {
		stats.OrdersByPartner[p] = 0
		stats.HighestSequence[p] = 0
	}

	var gross, tax, net float64
	for rows.Next() {
		var partner string
		var count int
		var g, t, n float64
		var maxSeq int64
		if err := rows.Scan(&partner, &count, &g, &t, &n, &maxSeq); err != nil {
			return nil, fmt.Errorf("scan order statistics: %w", err)
		}
		p := PartnerID(partner)
		stats.TotalOrders += count
		stats.OrdersByPartner[p] = count
		stats.HighestSequence[p] = maxSeq
		gross += g
		tax += t
		net += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order statistics rows: %w", err)
	}

	stats.TotalGrossAmount = RoundCents(gross)
	stats.TotalTaxAmount = RoundCents(tax)
	stats.TotalNetAmount = RoundCents(net)
	if stats.TotalOrders > 0 {
		stats.AverageOrderValue = RoundCents(gross / float64(stats.TotalOrders))
	}

	return stats, nil
}

// Count 过滤后计数
func (r *PostgresOrderStore) Count(ctx context.Context, filters OrderFilters) (int, error) {
	query := `SELECT COUNT(*) FROM orders WHERE ` + orderFilterClause
	var total int
	if err := r.db.QueryRowContext(ctx, query, orderFilterArgs(filters)...).Scan(&total); err != nil {
		return 0, fmt.Errorf("count orders: %w", err)
	}
	return total, nil
}

// Clear 清空订单表（仅测试环境的重置入口使用）
func (r *PostgresOrderStore) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM orders`); err != nil {
		return fmt.Errorf("clear orders: %w", err)
	}
	return nil
}

func (r *PostgresOrderStore) scanOrder(row *sql.Row) (*OrderEvent, error) {
	var o OrderEvent
	var partner string
	var txMs, procMs int64
	var metadata []byte

	err := row.Scan(
		&o.ID, &o.ExternalOrderID, &partner, &o.SequenceNumber, &o.ProductID, &o.CustomerID,
		&o.Quantity, &o.UnitPrice, &o.TaxRate, &o.GrossAmount, &o.TaxAmount, &o.NetAmount,
		&txMs, &procMs, &metadata,
	)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}

	o.PartnerID = PartnerID(partner)
	o.TransactionTime = FormatInstant(time.UnixMilli(txMs))
	o.ProcessedAt = FormatInstant(time.UnixMilli(procMs))
	o.Metadata = unmarshalMetadata(metadata)

	return &o, nil
}

func (r *PostgresOrderStore) queryOrders(ctx context.Context, query string, args ...interface{}) ([]*OrderEvent, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []*OrderEvent
	for rows.Next() {
		var o OrderEvent
		var partner string
		var txMs, procMs int64
		var metadata []byte

		if err := rows.Scan(
			&o.ID, &o.ExternalOrderID, &partner, &o.SequenceNumber, &o.ProductID, &o.CustomerID,
			&o.Quantity, &o.UnitPrice, &o.TaxRate, &o.GrossAmount, &o.TaxAmount, &o.NetAmount,
			&txMs, &procMs, &metadata,
		); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}

		o.PartnerID = PartnerID(partner)
		o.TransactionTime = FormatInstant(time.UnixMilli(txMs))
		o.ProcessedAt = FormatInstant(time.UnixMilli(procMs))
		o.Metadata = unmarshalMetadata(metadata)

		orders = append(orders, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order rows: %w", err)
	}
	orders = ensureOrders(orders)
	return orders, nil
}

// ensureOrders 空结果返回空切片而非 nil，JSON 序列化为 [] 而非 null
func ensureOrders(orders []*OrderEvent) []*OrderEvent {
	if orders == nil {
		return []*OrderEvent{}
	}
	return orders
}

func orderFilterArgs(f OrderFilters) []interface{} {
	return []interface{}{
		string(f.PartnerID), f.CustomerID, f.ProductID,
		nullMs(f.FromDate), nullMs(f.ToDate),
		nullFloat(f.MinAmount), nullFloat(f.MaxAmount),
	}
}

// orderSortColumn 白名单映射，杜绝排序字段注入
func orderSortColumn(f SortField) string {
	switch f {
	case SortTransactionTime:
		return "transaction_time_ms"
	case SortGrossAmount:
		return "gross_amount"
	case SortSequenceNumber:
		return "sequence_number"
	default:
		return "processed_at_ms"
	}
}

func sortKeyword(d SortDirection) string {
	if d == SortAsc {
		return "ASC"
	}
	return "DESC"
}

func nullMs(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func marshalMetadata(m map[string]any) []byte {
	if len(m) == 0 {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return data
}

func unmarshalMetadata(data []byte) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

var _ OrderStore = (*PostgresOrderStore)(nil)
