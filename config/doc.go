// Package config 提供 citerag 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（前缀 CITERAG）的顺序叠加，
// 启动时一次性加载并通过 Validate 校验。
package config
