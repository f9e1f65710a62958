package bridge

import "sync/atomic"

type NotifyFunc func(topic string, payload string)

var impl atomic.Pointer[NotifyFunc]

// SetNotifyImpl 由宿主（CLI 或 c-shared 入口）注入事件回调，传 nil 取消
func SetNotifyImpl(f NotifyFunc) {
	if f == nil {
		impl.Store(nil)
		return
	}
	impl.Store(&f)
}

// Notify 供编排层调用，把会话事件推给宿主
func Notify(topic string, payload string) {
	if f := impl.Load(); f != nil {
		(*f)(topic, payload)
	}
}
