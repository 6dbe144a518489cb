// Package repository 订单数据访问层
package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	apperrors "github.com/orderfeed/ingest/pkg/errors"
	"github.com/orderfeed/ingest/pkg/validate"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrErrorEventNotFound = errors.New("error event not found")
)

// PartnerID 合作方标识（闭集）
type PartnerID string

const (
	PartnerA PartnerID = "PARTNER_A"
	PartnerB PartnerID = "PARTNER_B"
)

// Partners 返回全部合作方，统计输出按此初始化零值
func Partners() []PartnerID {
	return []PartnerID{PartnerA, PartnerB}
}

func (p PartnerID) String() string { return string(p) }

func (p PartnerID) Valid() bool {
	return p == PartnerA || p == PartnerB
}

// ParsePartnerID 接受 PARTNER_A / partner-a / A 等形式
func ParsePartnerID(s string) (PartnerID, bool) {
	norm := strings.ToUpper(strings.TrimSpace(strings.ReplaceAll(s, "-", "_")))
	switch norm {
	case "PARTNER_A", "A":
		return PartnerA, true
	case "PARTNER_B", "B":
		return PartnerB, true
	}
	return "", false
}

// InstantLayout 规范时间格式：UTC 毫秒精度，字面 Z 结尾
const InstantLayout = "2006-01-02T15:04:05.000Z"

// FormatInstant 输出规范时间串，入参先归一到 UTC
func FormatInstant(t time.Time) string {
	return t.UTC().Format(InstantLayout)
}

// instantMs 解析规范时间串为毫秒时间戳，解析失败返回 0
func instantMs(s string) int64 {
	t, err := time.Parse(InstantLayout, s)
	if err != nil {
		// 旧快照可能带时区偏移，宽松回退
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return 0
		}
	}
	return t.UnixMilli()
}

// OrderEvent 规范化订单记录，入库后不再变更
type OrderEvent struct {
	ID              string         `json:"id"`
	ExternalOrderID string         `json:"externalOrderId"`
	PartnerID       PartnerID      `json:"partnerId"`
	SequenceNumber  int64          `json:"sequenceNumber"`
	ProductID       string         `json:"productId"`
	CustomerID      string         `json:"customerId"`
	Quantity        int            `json:"quantity"`
	UnitPrice       float64        `json:"unitPrice"`
	TaxRate         float64        `json:"taxRate"`
	GrossAmount     float64        `json:"grossAmount"`
	TaxAmount       float64        `json:"taxAmount"`
	NetAmount       float64        `json:"netAmount"`
	TransactionTime string         `json:"transactionTime"`
	ProcessedAt     string         `json:"processedAt"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// ErrorEvent 被拒负载的留痕记录
type ErrorEvent struct {
	ID              string                `json:"id"`
	PartnerID       PartnerID             `json:"partnerId"`
	ExternalOrderID string                `json:"externalOrderId,omitempty"`
	ErrorCode       apperrors.Code        `json:"errorCode"`
	Message         string                `json:"message"`
	Details         []validate.FieldError `json:"details,omitempty"`
	OriginalPayload any                   `json:"originalPayload,omitempty"`
	Timestamp       string                `json:"timestamp"`
}

// OrderFilters 订单查询条件，零值字段表示不过滤，全部条件 AND 组合
type OrderFilters struct {
	PartnerID  PartnerID
	CustomerID string
	ProductID  string
	FromDate   *time.Time // 含边界，作用于 transactionTime
	ToDate     *time.Time
	MinAmount  *float64 // 含边界，作用于 grossAmount
	MaxAmount  *float64
}

// Matches 判断订单是否满足全部过滤条件
func (f OrderFilters) Matches(o *OrderEvent) bool {
	if o == nil {
		return false
	}
	if f.PartnerID != "" && o.PartnerID != f.PartnerID {
		return false
	}
	if f.CustomerID != "" && o.CustomerID != f.CustomerID {
		return false
	}
	if f.ProductID != "" && o.ProductID != f.ProductID {
		return false
	}
	if f.FromDate != nil || f.ToDate != nil {
		ms := instantMs(o.TransactionTime)
		if f.FromDate != nil && ms < f.FromDate.UnixMilli() {
			return false
		}
		if f.ToDate != nil && ms > f.ToDate.UnixMilli() {
			return false
		}
	}
	if f.MinAmount != nil && o.GrossAmount < *f.MinAmount {
		return false
	}
	if f.MaxAmount != nil && o.GrossAmount > *f.MaxAmount {
		return false
	}
	return true
}

// ErrorFilters 错误查询条件，作用于 timestamp
type ErrorFilters struct {
	PartnerID PartnerID
	ErrorCode apperrors.Code
	FromDate  *time.Time
	ToDate    *time.Time
}

func (f ErrorFilters) Matches(e *ErrorEvent) bool {
	if e == nil {
		return false
	}
	if f.PartnerID != "" && e.PartnerID != f.PartnerID {
		return false
	}
	if f.ErrorCode != "" && e.ErrorCode != f.ErrorCode {
		return false
	}
	if f.FromDate != nil || f.ToDate != nil {
		ms := instantMs(e.Timestamp)
		if f.FromDate != nil && ms < f.FromDate.UnixMilli() {
			return false
		}
		if f.ToDate != nil && ms > f.ToDate.UnixMilli() {
			return false
		}
	}
	return true
}

// 分页上限与默认值
const (
	DefaultPage     = 1
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Pagination 页码从 1 开始
type Pagination struct {
	Page     int
	PageSize int
}

// Normalize 返回钳制后的分页参数
func (p Pagination) Normalize() Pagination {
	if p.Page < 1 {
		p.Page = DefaultPage
	}
	if p.PageSize < 1 {
		p.PageSize = DefaultPageSize
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
	return p
}

// SortField 可排序字段
type SortField string

const (
	SortProcessedAt     SortField = "processedAt"
	SortTransactionTime SortField = "transactionTime"
	SortGrossAmount     SortField = "grossAmount"
	SortSequenceNumber  SortField = "sequenceNumber"
)

// ParseSortField 非法字段返回 false
func ParseSortField(s string) (SortField, bool) {
	switch SortField(s) {
	case SortProcessedAt, SortTransactionTime, SortGrossAmount, SortSequenceNumber:
		return SortField(s), true
	}
	return "", false
}

// SortDirection 排序方向
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

func ParseSortDirection(s string) (SortDirection, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "asc":
		return SortAsc, true
	case "desc":
		return SortDesc, true
	}
	return "", false
}

// OrderSort 排序规则，零值表示 processedAt desc
type OrderSort struct {
	Field     SortField
	Direction SortDirection
}

// Normalize 填充默认排序
func (s OrderSort) Normalize() OrderSort {
	if s.Field == "" {
		s.Field = SortProcessedAt
	}
	if s.Direction == "" {
		s.Direction = SortDesc
	}
	return s
}

// OrderPage 分页查询结果
type OrderPage struct {
	Data       []*OrderEvent `json:"data"`
	Total      int           `json:"total"`
	Page       int           `json:"page"`
	PageSize   int           `json:"pageSize"`
	TotalPages int           `json:"totalPages"`
	HasMore    bool          `json:"hasMore"`
}

// ErrorPage 错误事件分页结果
type ErrorPage struct {
	Data       []*ErrorEvent `json:"data"`
	Total      int           `json:"total"`
	Page       int           `json:"page"`
	PageSize   int           `json:"pageSize"`
	TotalPages int           `json:"totalPages"`
	HasMore    bool          `json:"hasMore"`
}

// OrderStatistics 过滤子集上的聚合
type OrderStatistics struct {
	TotalOrders       int                 `json:"totalOrders"`
	OrdersByPartner   map[PartnerID]int   `json:"ordersByPartner"`
	TotalGrossAmount  float64             `json:"totalGrossAmount"`
	TotalTaxAmount    float64             `json:"totalTaxAmount"`
	TotalNetAmount    float64             `json:"totalNetAmount"`
	AverageOrderValue float64             `json:"averageOrderValue"`
	HighestSequence   map[PartnerID]int64 `json:"highestSequence"`
}

// ErrorStatistics 错误事件聚合
type ErrorStatistics struct {
	TotalErrors     int                    `json:"totalErrors"`
	ErrorsByPartner map[PartnerID]int      `json:"errorsByPartner"`
	ErrorsByCode    map[apperrors.Code]int `json:"errorsByCode"`
	Last24Hours     int                    `json:"last24Hours"`
}

// OrderStore 订单仓储契约
type OrderStore interface {
	Save(ctx context.Context, order *OrderEvent) error
	SaveBatch(ctx context.Context, orders []*OrderEvent) error
	FindByID(ctx context.Context, id string) (*OrderEvent, error)
	FindByExternalID(ctx context.Context, externalID string, partner PartnerID) (*OrderEvent, error)
	ExistsByExternalID(ctx context.Context, externalID string, partner PartnerID) (bool, error)
	FindMany(ctx context.Context, filters OrderFilters, page Pagination, sort OrderSort) (*OrderPage, error)
	GetStatistics(ctx context.Context, filters OrderFilters) (*OrderStatistics, error)
	Count(ctx context.Context, filters OrderFilters) (int, error)
	Clear(ctx context.Context) error
}

// ErrorStore 错误事件仓储契约
type ErrorStore interface {
	Save(ctx context.Context, event *ErrorEvent) error
	FindByID(ctx context.Context, id string) (*ErrorEvent, error)
	FindMany(ctx context.Context, filters ErrorFilters, page Pagination, dir SortDirection) (*ErrorPage, error)
	GetStatistics(ctx context.Context, filters ErrorFilters) (*ErrorStatistics, error)
	Count(ctx context.Context, filters ErrorFilters) (int, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	Clear(ctx context.Context) error
}
