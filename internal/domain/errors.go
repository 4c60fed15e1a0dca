package domain

import (
	"errors"
	"fmt"
)

// ErrorKind 业务错误分类，HTTP 层据此映射状态码
type ErrorKind string

const (
	KindUnauthorized       ErrorKind = "UNAUTHORIZED"
	KindNotFound           ErrorKind = "NOT_FOUND"
	KindBadRequest         ErrorKind = "BAD_REQUEST"
	KindServiceUnavailable ErrorKind = "SERVICE_UNAVAILABLE"
	KindInternal           ErrorKind = "INTERNAL"
)

// AppError 携带分类信息的应用错误
type AppError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError 创建应用错误
func NewAppError(kind ErrorKind, err error, format string, args ...interface{}) *AppError {
	return &AppError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// Unauthorized 认证失败
func Unauthorized(format string, args ...interface{}) *AppError {
	return NewAppError(KindUnauthorized, nil, format, args...)
}

// NotFound 资源不存在
func NotFound(format string, args ...interface{}) *AppError {
	return NewAppError(KindNotFound, nil, format, args...)
}

// BadRequest 业务校验失败
func BadRequest(format string, args ...interface{}) *AppError {
	return NewAppError(KindBadRequest, nil, format, args...)
}

// ServiceUnavailable 服务配置缺失
func ServiceUnavailable(format string, args ...interface{}) *AppError {
	return NewAppError(KindServiceUnavailable, nil, format, args...)
}

// KindOf 返回错误分类，非 AppError 视为内部错误
func KindOf(err error) ErrorKind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}
