package service

import (
	"time"

	"github.com/orderfeed/ingest/pkg/validate"
)

// PartnerBInput B 渠道经过校验的类型化输入。
// Tax 为百分比（0-100），规范化阶段换算成 0-1 比率。
type PartnerBInput struct {
	TransactionID string
	ItemCode      string
	ClientID      string
	Qty           int
	Price         float64
	Tax           float64
	PurchaseTime  time.Time
	Notes         string
	HasNotes      bool
}

// validatePartnerB 校验 B 渠道负载，语义与 A 渠道对齐，仅字段命名与口径不同。
func validatePartnerB(m map[string]any) (*PartnerBInput, []validate.FieldError) {
	c := validate.NewCollector()

	in := &PartnerBInput{
		TransactionID: c.RequireString(m, "transactionId"),
		ItemCode:      c.RequireString(m, "itemCode"),
		ClientID:      c.RequireString(m, "clientId"),
		Qty:           c.RequirePositiveInt(m, "qty"),
		Price:         c.RequirePositiveNumber(m, "price"),
		Tax:           c.RequireNumberBetween(m, "tax", 0, 100),
		PurchaseTime:  c.RequireInstant(m, "purchaseTime"),
	}
	in.Notes, in.HasNotes = c.OptionalString(m, "notes")

	if c.HasErrors() {
		return nil, c.Errors()
	}
	return in, nil
}
