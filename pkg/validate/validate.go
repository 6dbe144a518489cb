package validate

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/orderfeed/ingest/pkg/errors"
)

// minTransactionMs 为 2000-01-01T00:00:00Z，早于该时刻的交易时间视为不可信
const minTransactionMs int64 = 946684800000

// FieldError 单个字段的校验错误
type FieldError struct {
	Field         string      `json:"field"`
	Code          errors.Code `json:"code"`
	Message       string      `json:"message"`
	ReceivedValue any         `json:"receivedValue,omitempty"`
	ExpectedType  string      `json:"expectedType,omitempty"`
}

func (e FieldError) String() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Payload 校验原始负载是一个 JSON 对象（非 null、非数组、非标量）
func Payload(raw any) (map[string]any, *FieldError) {
	if raw == nil {
		return nil, &FieldError{
			Field:        "payload",
			Code:         errors.CodeNullValue,
			Message:      "payload must not be null",
			ExpectedType: "object",
		}
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, &FieldError{
			Field:         "payload",
			Code:          errors.CodeInvalidDataType,
			Message:       "payload must be a JSON object",
			ReceivedValue: raw,
			ExpectedType:  "object",
		}
	}
	return m, nil
}

// Collector 逐字段累积校验错误，不在首个错误处停止。
// 单个字段内部按 存在性 -> 类型 -> 取值 的顺序短路，字段之间互不影响。
type Collector struct {
	errors []FieldError
}

func NewCollector() *Collector {
	return &Collector{}
}

// Add 追加一个外部构造的字段错误
func (c *Collector) Add(fe FieldError) *Collector {
	c.errors = append(c.errors, fe)
	return c
}

func (c *Collector) reject(field string, code errors.Code, message string, received any, expected string) {
	c.errors = append(c.errors, FieldError{
		Field:         field,
		Code:          code,
		Message:       message,
		ReceivedValue: received,
		ExpectedType:  expected,
	})
}

// present 处理 缺失/null 两级，返回字段值与是否可继续
func (c *Collector) present(m map[string]any, field string) (any, bool) {
	v, ok := m[field]
	if !ok {
		c.reject(field, errors.CodeMissingRequiredField, field+" is required", nil, "")
		return nil, false
	}
	if v == nil {
		c.reject(field, errors.CodeNullValue, field+" must not be null", nil, "")
		return nil, false
	}
	return v, true
}

// RequireString 必填字符串，拒绝空串与纯空白
func (c *Collector) RequireString(m map[string]any, field string) string {
	v, ok := c.present(m, field)
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		c.reject(field, errors.CodeInvalidDataType, field+" must be a string", v, "string")
		return ""
	}
	if strings.TrimSpace(s) == "" {
		c.reject(field, errors.CodeInvalidValue, field+" must not be empty or whitespace", s, "")
		return ""
	}
	return s
}

// OptionalString 可选字符串；缺失或 null 视为未提供，提供则不得为空白
func (c *Collector) OptionalString(m map[string]any, field string) (string, bool) {
	v, ok := m[field]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		c.reject(field, errors.CodeInvalidDataType, field+" must be a string", v, "string")
		return "", false
	}
	if strings.TrimSpace(s) == "" {
		c.reject(field, errors.CodeInvalidValue, field+" must not be empty or whitespace", s, "")
		return "", false
	}
	return s, true
}

// OptionalMap 可选对象字段；缺失或 null 视为未提供
func (c *Collector) OptionalMap(m map[string]any, field string) map[string]any {
	v, ok := m[field]
	if !ok || v == nil {
		return nil
	}
	mm, ok := v.(map[string]any)
	if !ok {
		c.reject(field, errors.CodeInvalidDataType, field+" must be an object", v, "object")
		return nil
	}
	return mm
}

// RequirePositiveInt 必填正整数（>0）
func (c *Collector) RequirePositiveInt(m map[string]any, field string) int {
	v, ok := c.present(m, field)
	if !ok {
		return 0
	}
	f, ok := asNumber(v)
	if !ok {
		c.reject(field, errors.CodeInvalidDataType, field+" must be a number", v, "integer")
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		c.reject(field, errors.CodeNotANumber, field+" is not a valid number", v, "integer")
		return 0
	}
	if f != math.Trunc(f) {
		c.reject(field, errors.CodeInvalidDataType, field+" must be an integer", v, "integer")
		return 0
	}
	n := int(f)
	if n == 0 {
		c.reject(field, errors.CodeZeroValue, field+" must be greater than 0", v, "")
		return 0
	}
	if n < 0 {
		c.reject(field, errors.CodeNegativeNumber, field+" must not be negative", v, "")
		return 0
	}
	return n
}

// RequirePositiveNumber 必填正数（>0）
func (c *Collector) RequirePositiveNumber(m map[string]any, field string) float64 {
	v, ok := c.present(m, field)
	if !ok {
		return 0
	}
	f, ok := asNumber(v)
	if !ok {
		c.reject(field, errors.CodeInvalidDataType, field+" must be a number", v, "number")
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		c.reject(field, errors.CodeNotANumber, field+" is not a valid number", v, "number")
		return 0
	}
	if f == 0 {
		c.reject(field, errors.CodeZeroValue, field+" must be greater than 0", v, "")
		return 0
	}
	if f < 0 {
		c.reject(field, errors.CodeNegativeNumber, field+" must not be negative", v, "")
		return 0
	}
	return f
}

// RequireNumberBetween 必填闭区间数值，负数单独报 NEGATIVE_NUMBER
func (c *Collector) RequireNumberBetween(m map[string]any, field string, min, max float64) float64 {
	v, ok := c.present(m, field)
	if !ok {
		return 0
	}
	f, ok := asNumber(v)
	if !ok {
		c.reject(field, errors.CodeInvalidDataType, field+" must be a number", v, "number")
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		c.reject(field, errors.CodeNotANumber, field+" is not a valid number", v, "number")
		return 0
	}
	if f < 0 {
		c.reject(field, errors.CodeNegativeNumber, field+" must not be negative", v, "")
		return 0
	}
	if f < min || f > max {
		c.reject(field, errors.CodeInvalidValue, fmt.Sprintf("%s must be between %g and %g", field, min, max), v, "")
		return 0
	}
	return f
}

// RequireEpochMillis 必填毫秒时间戳，允许窗口为 [2000-01-01T00:00:00Z, now+100y]
func (c *Collector) RequireEpochMillis(m map[string]any, field string) int64 {
	v, ok := c.present(m, field)
	if !ok {
		return 0
	}
	f, ok := asNumber(v)
	if !ok {
		c.reject(field, errors.CodeInvalidDataType, field+" must be a number", v, "integer")
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		c.reject(field, errors.CodeNotANumber, field+" is not a valid number", v, "integer")
		return 0
	}
	if f != math.Trunc(f) {
		c.reject(field, errors.CodeInvalidDataType, field+" must be an integer", v, "integer")
		return 0
	}
	ms := int64(f)
	maxMs := time.Now().UTC().AddDate(100, 0, 0).UnixMilli()
	if ms < minTransactionMs || ms > maxMs {
		c.reject(field, errors.CodeInvalidTimestamp, field+" is outside the accepted time window", v, "")
		return 0
	}
	return ms
}

// RequireInstant 必填 ISO-8601 时刻字符串，返回解析结果
func (c *Collector) RequireInstant(m map[string]any, field string) time.Time {
	v, ok := c.present(m, field)
	if !ok {
		return time.Time{}
	}
	s, ok := v.(string)
	if !ok {
		c.reject(field, errors.CodeInvalidDataType, field+" must be a string", v, "string")
		return time.Time{}
	}
	if strings.TrimSpace(s) == "" {
		c.reject(field, errors.CodeInvalidValue, field+" must not be empty or whitespace", s, "")
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		c.reject(field, errors.CodeInvalidTimestamp, field+" is not a valid ISO-8601 timestamp", s, "")
		return time.Time{}
	}
	return t
}

func (c *Collector) Errors() []FieldError {
	out := make([]FieldError, len(c.errors))
	copy(out, c.errors)
	return out
}

func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

func (c *Collector) FirstError() *FieldError {
	if len(c.errors) == 0 {
		return nil
	}
	return &c.errors[0]
}

// Messages 以 "field: message" 形式展开全部错误，用于面向调用方的响应
func Messages(errs []FieldError) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.String())
	}
	return out
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
