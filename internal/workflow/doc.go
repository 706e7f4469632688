// Package workflow 定义支付工作流各组件共享的数据模型与错误类型。
package workflow
