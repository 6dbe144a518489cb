// Package errors 定义统一错误码
package errors

import (
	"fmt"
	"net/http"
)

// Code 错误码
type Code string

// 错误码定义
const (
	// 校验错误（字段级）
	CodeMissingRequiredField Code = "MISSING_REQUIRED_FIELD"
	CodeNullValue            Code = "NULL_VALUE"
	CodeInvalidDataType      Code = "INVALID_DATA_TYPE"
	CodeInvalidValue         Code = "INVALID_VALUE"
	CodeNegativeNumber       Code = "NEGATIVE_NUMBER"
	CodeZeroValue            Code = "ZERO_VALUE"
	CodeNotANumber           Code = "NOT_A_NUMBER"
	CodeInvalidTimestamp     Code = "INVALID_TIMESTAMP"
	CodeFutureTimestamp      Code = "FUTURE_TIMESTAMP"

	// 订单级
	CodeDuplicateOrder      Code = "DUPLICATE_ORDER"
	CodeUnknownPartner      Code = "UNKNOWN_PARTNER"
	CodeTransformationError Code = "TRANSFORMATION_ERROR"

	// 鉴权
	CodeMissingAPIKey Code = "MISSING_API_KEY"
	CodeInvalidAPIKey Code = "INVALID_API_KEY"

	// 请求与系统
	CodeInvalidRequest Code = "INVALID_REQUEST"
	CodeNotFound       Code = "NOT_FOUND"
	CodeRateLimited    Code = "RATE_LIMITED"
	CodeInternalError  Code = "INTERNAL_ERROR"
)

// Error 业务错误
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// New 创建错误
func New(code Code, message string) *Error {
	if message == "" {
		message = defaultMessage(code)
	}
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// WithRequestID 添加请求 ID
func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// HTTPStatus 返回对应的 HTTP 状态码
func (e *Error) HTTPStatus() int {
	return HTTPStatus(e.Code)
}

// HTTPStatus 错误码对应的 HTTP 状态码
func HTTPStatus(code Code) int {
	switch code {
	case CodeInvalidRequest, CodeUnknownPartner:
		return http.StatusBadRequest
	case CodeMissingAPIKey:
		return http.StatusUnauthorized
	case CodeInvalidAPIKey:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeDuplicateOrder:
		return http.StatusConflict
	case CodeMissingRequiredField, CodeNullValue, CodeInvalidDataType,
		CodeInvalidValue, CodeNegativeNumber, CodeZeroValue,
		CodeNotANumber, CodeInvalidTimestamp, CodeFutureTimestamp:
		return http.StatusUnprocessableEntity
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeTransformationError, CodeInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func defaultMessage(code Code) string {
	switch code {
	case CodeMissingRequiredField:
		return "required field is missing"
	case CodeNullValue:
		return "field value is null"
	case CodeInvalidDataType:
		return "field has the wrong type"
	case CodeInvalidValue:
		return "field value is outside the permitted domain"
	case CodeNegativeNumber:
		return "value must not be negative"
	case CodeZeroValue:
		return "value must not be zero"
	case CodeNotANumber:
		return "value is not a number"
	case CodeInvalidTimestamp:
		return "timestamp is unparseable or implausible"
	case CodeFutureTimestamp:
		return "timestamp lies in the future"
	case CodeDuplicateOrder:
		return "order with this external id already exists"
	case CodeUnknownPartner:
		return "partner id is not recognized"
	case CodeTransformationError:
		return "normalization failed"
	case CodeMissingAPIKey:
		return "API key header is missing"
	case CodeInvalidAPIKey:
		return "API key is not valid for this partner"
	case CodeInvalidRequest:
		return "malformed request"
	case CodeNotFound:
		return "not found"
	case CodeRateLimited:
		return "rate limited"
	case CodeInternalError:
		return "internal error"
	default:
		return string(code)
	}
}

// 预定义错误
var (
	ErrInvalidRequest = New(CodeInvalidRequest, "")
	ErrNotFound       = New(CodeNotFound, "")
	ErrMissingAPIKey  = New(CodeMissingAPIKey, "")
	ErrInvalidAPIKey  = New(CodeInvalidAPIKey, "")
	ErrUnknownPartner = New(CodeUnknownPartner, "")
	ErrRateLimited    = New(CodeRateLimited, "")
	ErrInternal       = New(CodeInternalError, "")
)
