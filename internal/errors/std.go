package errors

import stderrors "errors"

// 转发标准库函数，避免调用方同时导入两个 errors 包

func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func New(text string) error { return stderrors.New(text) }
