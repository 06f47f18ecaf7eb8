package collab

import (
	"context"
	"errors"
)

const DefaultSemaphoreSize = 100

var errNotAcquired = errors.New("release failed, semaphore is not acquired")

// SemaphoreControl 限制同时进行中的提交 / kafka 发送数量
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(size int) *SemaphoreControl {
	if size <= 0 {
		size = DefaultSemaphoreSize
	}
	return &SemaphoreControl{ch: make(chan struct{}, size)}
}

// Acquire 阻塞到拿到名额或 ctx 结束
func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrBusy
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return errNotAcquired
	}
}

// InUse 当前占用的名额
func (s *SemaphoreControl) InUse() int { return len(s.ch) }
