// Package migrations 内嵌目标存储的 MySQL DDL。
package migrations

import "embed"

// Files 暴露所有 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
