package service

import (
	"time"

	"github.com/google/uuid"

	"github.com/orderfeed/ingest/internal/repository"
)

// normalizeA 将 A 渠道输入转换为规范订单。
// 金额口径：gross = quantity*unitPrice，tax = gross*rate，net = gross+tax，
// 各项独立舍入到分。
func normalizeA(in *PartnerAInput, seq int64, now time.Time) *repository.OrderEvent {
	gross := repository.RoundCents(float64(in.Quantity) * in.UnitPrice)
	tax := repository.RoundCents(gross * in.TaxRate)
	return &repository.OrderEvent{
		ID:              uuid.NewString(),
		ExternalOrderID: in.OrderID,
		PartnerID:       repository.PartnerA,
		SequenceNumber:  seq,
		ProductID:       in.SkuID,
		CustomerID:      in.CustomerID,
		Quantity:        in.Quantity,
		UnitPrice:       repository.RoundCents(in.UnitPrice),
		TaxRate:         in.TaxRate,
		GrossAmount:     gross,
		TaxAmount:       tax,
		NetAmount:       repository.RoundCents(gross + tax),
		TransactionTime: repository.FormatInstant(time.UnixMilli(in.TransactionTimeMs)),
		ProcessedAt:     repository.FormatInstant(now),
		Metadata:        in.Metadata,
	}
}

// normalizeB 将 B 渠道输入转换为规范订单。
// 税率从百分比换算为 0-1 比率，notes 落入 metadata。
func normalizeB(in *PartnerBInput, seq int64, now time.Time) *repository.OrderEvent {
	rate := in.Tax / 100
	gross := repository.RoundCents(float64(in.Qty) * in.Price)
	tax := repository.RoundCents(gross * rate)

	var meta map[string]any
	if in.HasNotes {
		meta = map[string]any{"notes": in.Notes}
	}

	return &repository.OrderEvent{
		ID:              uuid.NewString(),
		ExternalOrderID: in.TransactionID,
		PartnerID:       repository.PartnerB,
		SequenceNumber:  seq,
		ProductID:       in.ItemCode,
		CustomerID:      in.ClientID,
		Quantity:        in.Qty,
		UnitPrice:       repository.RoundCents(in.Price),
		TaxRate:         rate,
		GrossAmount:     gross,
		TaxAmount:       tax,
		NetAmount:       repository.RoundCents(gross + tax),
		TransactionTime: repository.FormatInstant(in.PurchaseTime),
		ProcessedAt:     repository.FormatInstant(now),
		Metadata:        meta,
	}
}
