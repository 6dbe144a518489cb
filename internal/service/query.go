package service

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/orderfeed/ingest/internal/repository"
	apperrors "github.com/orderfeed/ingest/pkg/errors"
)

// QueryService 查询协调器：解析外部查询参数并委托给仓储。
// 可选过滤参数解析失败按未提供处理；路径里的合作方标识非法则报错。
type QueryService struct {
	orders repository.OrderStore
	errs   repository.ErrorStore
}

func NewQueryService(orders repository.OrderStore, errs repository.ErrorStore) *QueryService {
	return &QueryService{orders: orders, errs: errs}
}

// Orders 过滤 + 分页 + 排序的订单列表
func (s *QueryService) Orders(ctx context.Context, q url.Values) (*repository.OrderPage, error) {
	return s.orders.FindMany(ctx, ParseOrderFilters(q), ParsePagination(q), ParseOrderSort(q))
}

// OrderByID 按内部 ID 查单，未命中返回 NOT_FOUND
func (s *QueryService) OrderByID(ctx context.Context, id string) (*repository.OrderEvent, error) {
	o, err := s.orders.FindByID(ctx, id)
	if errors.Is(err, repository.ErrOrderNotFound) {
		return nil, apperrors.Newf(apperrors.CodeNotFound, "order %s not found", id)
	}
	return o, err
}

// OrderByExternalID 按合作方 + 外部订单号查单
func (s *QueryService) OrderByExternalID(ctx context.Context, partnerRaw, externalID string) (*repository.OrderEvent, error) {
	partner, ok := repository.ParsePartnerID(partnerRaw)
	if !ok {
		return nil, apperrors.Newf(apperrors.CodeUnknownPartner, "unknown partner: %s", partnerRaw)
	}
	o, err := s.orders.FindByExternalID(ctx, externalID, partner)
	if errors.Is(err, repository.ErrOrderNotFound) {
		return nil, apperrors.Newf(apperrors.CodeNotFound, "order %s not found for %s", externalID, partner)
	}
	return o, err
}

// OrdersByPartner 指定合作方的订单列表
func (s *QueryService) OrdersByPartner(ctx context.Context, partnerRaw string, q url.Values) (*repository.OrderPage, error) {
	partner, ok := repository.ParsePartnerID(partnerRaw)
	if !ok {
		return nil, apperrors.Newf(apperrors.CodeUnknownPartner, "unknown partner: %s", partnerRaw)
	}
	return s.orders.FindMany(ctx, repository.OrderFilters{PartnerID: partner}, ParsePagination(q), ParseOrderSort(q))
}

// OrdersByCustomer 指定客户的订单列表
func (s *QueryService) OrdersByCustomer(ctx context.Context, customerID string, q url.Values) (*repository.OrderPage, error) {
	return s.orders.FindMany(ctx, repository.OrderFilters{CustomerID: customerID}, ParsePagination(q), ParseOrderSort(q))
}

// OrderStats 过滤子集上的订单聚合
func (s *QueryService) OrderStats(ctx context.Context, q url.Values) (*repository.OrderStatistics, error) {
	return s.orders.GetStatistics(ctx, ParseOrderFilters(q))
}

// Errors 过滤 + 分页的错误事件列表，默认时间倒序
func (s *QueryService) Errors(ctx context.Context, q url.Values) (*repository.ErrorPage, error) {
	dir, _ := repository.ParseSortDirection(q.Get("sortOrder"))
	return s.errs.FindMany(ctx, ParseErrorFilters(q), ParsePagination(q), dir)
}

// ErrorByID 按 ID 查错误事件
func (s *QueryService) ErrorByID(ctx context.Context, id string) (*repository.ErrorEvent, error) {
	e, err := s.errs.FindByID(ctx, id)
	if errors.Is(err, repository.ErrErrorEventNotFound) {
		return nil, apperrors.Newf(apperrors.CodeNotFound, "error event %s not found", id)
	}
	return e, err
}

// ErrorStats 错误事件聚合
func (s *QueryService) ErrorStats(ctx context.Context, q url.Values) (*repository.ErrorStatistics, error) {
	return s.errs.GetStatistics(ctx, ParseErrorFilters(q))
}

// ParseOrderFilters 从查询参数构造订单过滤条件
func ParseOrderFilters(q url.Values) repository.OrderFilters {
	f := repository.OrderFilters{
		CustomerID: strings.TrimSpace(q.Get("customerId")),
		ProductID:  strings.TrimSpace(q.Get("productId")),
	}
	if p, ok := repository.ParsePartnerID(q.Get("partnerId")); ok {
		f.PartnerID = p
	}
	f.FromDate = parseInstantParam(q.Get("fromDate"))
	f.ToDate = parseInstantParam(q.Get("toDate"))
	f.MinAmount = parseFloatParam(q.Get("minAmount"))
	f.MaxAmount = parseFloatParam(q.Get("maxAmount"))
	return f
}

// ParseErrorFilters 从查询参数构造错误过滤条件
func ParseErrorFilters(q url.Values) repository.ErrorFilters {
	f := repository.ErrorFilters{}
	if p, ok := repository.ParsePartnerID(q.Get("partnerId")); ok {
		f.PartnerID = p
	}
	if code := strings.TrimSpace(q.Get("errorCode")); code != "" {
		f.ErrorCode = apperrors.Code(strings.ToUpper(code))
	}
	f.FromDate = parseInstantParam(q.Get("fromDate"))
	f.ToDate = parseInstantParam(q.Get("toDate"))
	return f
}

// ParsePagination 解析 page/pageSize，非法值落回默认并钳制上限
func ParsePagination(q url.Values) repository.Pagination {
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("pageSize"))
	return repository.Pagination{Page: page, PageSize: size}.Normalize()
}

// ParseOrderSort 解析 sortBy/sortOrder，非法值落回默认排序
func ParseOrderSort(q url.Values) repository.OrderSort {
	var s repository.OrderSort
	if f, ok := repository.ParseSortField(q.Get("sortBy")); ok {
		s.Field = f
	}
	if d, ok := repository.ParseSortDirection(q.Get("sortOrder")); ok {
		s.Direction = d
	}
	return s.Normalize()
}

// parseInstantParam 接受 RFC3339 时刻或纯日期，解析失败视为未提供
func parseInstantParam(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t = t.UTC()
		return &t
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return &t
	}
	return nil
}

func parseFloatParam(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}
