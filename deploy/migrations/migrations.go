package migrations

import "embed"

// Files 暴露按版本号排序执行的 SQL 迁移脚本。
//
//go:embed *.sql
var Files embed.FS
