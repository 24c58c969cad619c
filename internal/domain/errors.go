package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrEmptyBatch    = errors.New("batch has no items")
	ErrBatchTooLarge = errors.New("batch exceeds maximum size")
	ErrDuplicateItem = errors.New("duplicate item id in batch")
	ErrJobTerminal   = errors.New("job already terminal")
	ErrItemTerminal  = errors.New("item already terminal")
	ErrQueueFull     = errors.New("task queue full")
)
