// Package agent 定义会话使用的智能体协作契约，并提供基于大模型逐步推理、
// 可派发子智能体的参考实现。
package agent
