// Package service 订单接入的业务层：校验、规范化、进件与查询协调
package service

import (
	"github.com/orderfeed/ingest/pkg/validate"
)

// PartnerAInput A 渠道经过校验的类型化输入
type PartnerAInput struct {
	OrderID           string
	SkuID             string
	CustomerID        string
	Quantity          int
	UnitPrice         float64
	TaxRate           float64
	TransactionTimeMs int64
	Metadata          map[string]any
}

// validatePartnerA 校验 A 渠道负载。
// 字段间不短路：所有字段错误一次性收齐返回。
func validatePartnerA(m map[string]any) (*PartnerAInput, []validate.FieldError) {
	c := validate.NewCollector()

	in := &PartnerAInput{
		OrderID:           c.RequireString(m, "orderId"),
		SkuID:             c.RequireString(m, "skuId"),
		CustomerID:        c.RequireString(m, "customerId"),
		Quantity:          c.RequirePositiveInt(m, "quantity"),
		UnitPrice:         c.RequirePositiveNumber(m, "unitPrice"),
		TaxRate:           c.RequireNumberBetween(m, "taxRate", 0, 1),
		TransactionTimeMs: c.RequireEpochMillis(m, "transactionTimeMs"),
		Metadata:          c.OptionalMap(m, "metadata"),
	}

	if c.HasErrors() {
		return nil, c.Errors()
	}
	return in, nil
}
