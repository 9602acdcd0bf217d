// Package sigchan provides a non-blocking signal channel used to notify
// that something happened without carrying data. The dashboard selects on
// it to re-render after store mutations.
package sigchan

// Chan 是一个非阻塞的信号 channel
type Chan struct {
	c chan struct{}
}

// New 创建新的信号 channel
func New(bufferSize int) *Chan {
	return &Chan{
		c: make(chan struct{}, bufferSize),
	}
}

// Emit 发送信号（非阻塞；channel 已满则丢弃）
func (c *Chan) Emit() {
	select {
	case c.c <- struct{}{}:
	default:
	}
}

// C 返回内部的 channel（用于 select）
func (c *Chan) C() <-chan struct{} {
	return c.c
}
