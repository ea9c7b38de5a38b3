// Package strategy 聚合 fetch 拦截策略（cache-first / network-first 等），并提供统一的注册入口。
//
// 策略作者需要：
//  1. 在 internal/strategy/<key>/ 目录下实现 Handler；
//  2. 通过本包暴露的 MustRegister 在 init() 中注册元数据与默认 Profile；
//  3. 只通过 Env 读写当前版本的 bucket，不直接访问其它 bucket。
//
// worker 配置中的覆盖项（如 NetworkTimeout）经 ResolveProfile 合并后注入 Env。
package strategy
