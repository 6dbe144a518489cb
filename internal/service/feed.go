package service

import (
	"context"
	"io"
	"time"

	"github.com/orderfeed/ingest/internal/bus"
	"github.com/orderfeed/ingest/internal/metrics"
	"github.com/orderfeed/ingest/internal/repository"
	apperrors "github.com/orderfeed/ingest/pkg/errors"
	"github.com/orderfeed/ingest/pkg/logger"
	"github.com/orderfeed/ingest/pkg/validate"
)

// SequenceSource 进件序号来源
type SequenceSource interface {
	Next(partner repository.PartnerID) int64
	Current(partner repository.PartnerID) int64
}

// Publisher 事件发布端，生产侧只依赖 Emit
type Publisher interface {
	Emit(kind bus.Kind, payload any) bus.Event
}

// DuplicateChecker 判断外部订单号是否已进件过
type DuplicateChecker interface {
	ExistsByExternalID(ctx context.Context, externalID string, partner repository.PartnerID) (bool, error)
}

// ProcessingResult 单笔负载的处理结果
type ProcessingResult struct {
	Success        bool                  `json:"success"`
	PartnerID      repository.PartnerID  `json:"partnerId"`
	OrderID        string                `json:"orderId,omitempty"`
	SequenceNumber int64                 `json:"sequenceNumber,omitempty"`
	Errors         []validate.FieldError `json:"errors,omitempty"`
}

// BatchResult 批量处理结果，逐元素与输入同序
type BatchResult struct {
	Total    int                `json:"total"`
	Accepted int                `json:"accepted"`
	Rejected int                `json:"rejected"`
	Results  []ProcessingResult `json:"results"`
}

// FeedService 进件协调器：校验 -> 查重 -> 取号 -> 规范化 -> 发布。
// 序号只在校验（与查重）通过后取，被拒负载不消耗序号。
type FeedService struct {
	seq   SequenceSource
	pub   Publisher
	dupes DuplicateChecker

	log *logger.Logger
	m   *metrics.Metrics
}

// NewFeedService 创建进件协调器。log、m 可为 nil。
func NewFeedService(seq SequenceSource, pub Publisher, log *logger.Logger, m *metrics.Metrics) *FeedService {
	if log == nil {
		log = logger.New("feed", io.Discard)
	}
	return &FeedService{
		seq: seq,
		pub: pub,
		log: log,
		m:   m,
	}
}

// EnableDuplicateRejection 打开重复外部订单号拒收策略。
// 仓储查重失败时放行（记 Warn），进件可用性优先于去重严格性。
func (s *FeedService) EnableDuplicateRejection(checker DuplicateChecker) {
	s.dupes = checker
}

// ProcessSingle 处理单笔原始负载
func (s *FeedService) ProcessSingle(ctx context.Context, partner repository.PartnerID, raw any) ProcessingResult {
	start := time.Now()
	defer func() {
		s.m.ObserveProcessLatency(time.Since(start))
	}()

	if !partner.Valid() {
		return s.reject(partner, raw, []validate.FieldError{{
			Field:         "partnerId",
			Code:          apperrors.CodeUnknownPartner,
			Message:       "unknown partner: " + partner.String(),
			ReceivedValue: partner.String(),
		}})
	}

	m, fe := validate.Payload(raw)
	if fe != nil {
		return s.reject(partner, raw, []validate.FieldError{*fe})
	}

	var (
		typedA *PartnerAInput
		typedB *PartnerBInput
		errs   []validate.FieldError
	)
	switch partner {
	case repository.PartnerA:
		typedA, errs = validatePartnerA(m)
	case repository.PartnerB:
		typedB, errs = validatePartnerB(m)
	}
	if len(errs) > 0 {
		return s.reject(partner, raw, errs)
	}

	externalID := ""
	if typedA != nil {
		externalID = typedA.OrderID
	} else {
		externalID = typedB.TransactionID
	}

	if s.dupes != nil {
		exists, err := s.dupes.ExistsByExternalID(ctx, externalID, partner)
		if err != nil {
			s.log.WithError(err).Warnf("duplicate check failed, accepting payload", map[string]interface{}{
				"partnerId": partner.String(),
				"orderId":   externalID,
			})
		} else if exists {
			return s.reject(partner, raw, []validate.FieldError{{
				Field:         externalIDField(partner),
				Code:          apperrors.CodeDuplicateOrder,
				Message:       "order with this external id was already ingested",
				ReceivedValue: externalID,
			}})
		}
	}

	seq := s.seq.Next(partner)
	now := time.Now()

	var event *repository.OrderEvent
	if typedA != nil {
		event = normalizeA(typedA, seq, now)
	} else {
		event = normalizeB(typedB, seq, now)
	}

	s.pub.Emit(bus.EventValidOrder, bus.ValidOrderPayload{
		Order:      *event,
		ReceivedAt: repository.FormatInstant(now),
	})

	s.m.IncOrderAccepted(partner.String())
	s.m.SetSequenceCurrent(partner.String(), seq)
	s.log.Infof("order accepted", map[string]interface{}{
		"partnerId":      partner.String(),
		"orderId":        externalID,
		"sequenceNumber": seq,
	})

	return ProcessingResult{
		Success:        true,
		PartnerID:      partner,
		OrderID:        externalID,
		SequenceNumber: seq,
	}
}

// ProcessBatch 按输入顺序逐笔处理，单笔失败不中断批次
func (s *FeedService) ProcessBatch(ctx context.Context, partner repository.PartnerID, raws []any) BatchResult {
	out := BatchResult{
		Total:   len(raws),
		Results: make([]ProcessingResult, 0, len(raws)),
	}
	for _, raw := range raws {
		r := s.ProcessSingle(ctx, partner, raw)
		if r.Success {
			out.Accepted++
		} else {
			out.Rejected++
		}
		out.Results = append(out.Results, r)
	}
	return out
}

// reject 发布错误事件并构造失败结果，originalOrderId 尽力从原始负载提取
func (s *FeedService) reject(partner repository.PartnerID, raw any, errs []validate.FieldError) ProcessingResult {
	originalID := extractOriginalID(raw, externalIDField(partner))

	s.pub.Emit(bus.EventErrorOrder, bus.ErrorOrderPayload{
		PartnerID:       partner,
		OriginalOrderID: originalID,
		Errors:          errs,
		RawInput:        raw,
		Timestamp:       repository.FormatInstant(time.Now()),
	})

	code := apperrors.CodeInvalidRequest
	if len(errs) > 0 {
		code = errs[0].Code
	}
	s.m.IncOrderRejected(partner.String(), string(code))
	s.log.Warnf("payload rejected", map[string]interface{}{
		"partnerId":  partner.String(),
		"orderId":    originalID,
		"errorCode":  string(code),
		"errorCount": len(errs),
	})

	return ProcessingResult{
		Success:   false,
		PartnerID: partner,
		OrderID:   originalID,
		Errors:    errs,
	}
}

// externalIDField 各渠道外部订单号的字段名
func externalIDField(partner repository.PartnerID) string {
	if partner == repository.PartnerB {
		return "transactionId"
	}
	return "orderId"
}

// extractOriginalID 原始负载是对象且字段为字符串时返回其值，否则返回空串
func extractOriginalID(raw any, field string) string {
	m, ok := raw.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m[field].(string)
	return s
}
