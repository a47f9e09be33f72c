package types

import (
	"errors"
	"fmt"
)

// BadRequestError 定义缺失/格式错误、重复label、缺少必需选项等客户端错误
type BadRequestError struct {
	Message string
}

func (e *BadRequestError) Error() string {
	return e.Message
}

// NotFoundError 未知的定义名称或实例ID
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string {
	return e.Message
}

// ForbiddenError 在错误的生命周期阶段执行操作（如删除运行中的工作流）
type ForbiddenError struct {
	Message string
}

func (e *ForbiddenError) Error() string {
	return e.Message
}

// TaskCancellationError 任务/工作流取消错误，同时作为取消信号传递给正在执行的任务
type TaskCancellationError struct {
	Message string
}

func (e *TaskCancellationError) Error() string {
	return e.Message
}

// NewBadRequestError 创建BadRequest错误（对外导出）
func NewBadRequestError(format string, args ...interface{}) error {
	return &BadRequestError{Message: fmt.Sprintf(format, args...)}
}

// NewNotFoundError 创建NotFound错误（对外导出）
func NewNotFoundError(format string, args ...interface{}) error {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// NewForbiddenError 创建Forbidden错误（对外导出）
func NewForbiddenError(format string, args ...interface{}) error {
	return &ForbiddenError{Message: fmt.Sprintf(format, args...)}
}

// NewTaskCancellationError 创建取消错误（对外导出）
func NewTaskCancellationError(format string, args ...interface{}) error {
	return &TaskCancellationError{Message: fmt.Sprintf(format, args...)}
}

// IsBadRequest 判断错误链中是否包含BadRequestError
func IsBadRequest(err error) bool {
	var target *BadRequestError
	return errors.As(err, &target)
}

// IsNotFound 判断错误链中是否包含NotFoundError
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsForbidden 判断错误链中是否包含ForbiddenError
func IsForbidden(err error) bool {
	var target *ForbiddenError
	return errors.As(err, &target)
}

// IsTaskCancellation 判断错误链中是否包含TaskCancellationError
func IsTaskCancellation(err error) bool {
	var target *TaskCancellationError
	return errors.As(err, &target)
}

// AsBadRequest 将未分类的错误转换为BadRequest，已分类的错误原样返回
func AsBadRequest(err error) error {
	if err == nil {
		return nil
	}
	if IsBadRequest(err) || IsNotFound(err) || IsForbidden(err) || IsTaskCancellation(err) {
		return err
	}
	return &BadRequestError{Message: err.Error()}
}
