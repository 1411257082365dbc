// Package session 管理会话注册表：会话与智能体的绑定、执行串行化、
// 准入控制、停止与空闲回收。
package session
