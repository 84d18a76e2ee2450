// Package storage 定义存储层领域错误
//
// 这些错误用于隔离业务层与底层存储引擎的错误类型，
// 各驱动实现（repository/mongostore/etcd）负责将底层错误转换为这些领域错误。
package storage

import "errors"

var (
	// ErrNotFound 实体不存在
	// 替代 sql.ErrNoRows / mongo.ErrNoDocuments
	ErrNotFound = errors.New("entity not found")

	// ErrConflict 状态冲突（条件更新未命中）
	ErrConflict = errors.New("conflict: run is not in an allowed state")

	// ErrDuplicate 唯一键冲突（INSERT 重复 ID 或重复 seq）
	ErrDuplicate = errors.New("duplicate: entity already exists")

	// ErrRunTerminal 事件日志已写入终止事件
	ErrRunTerminal = errors.New("run event log is closed by a terminal event")
)
