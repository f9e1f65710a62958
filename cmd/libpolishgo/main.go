package main

/*
#include <stdlib.h>

// 定义回调函数的函数指针类型
// topic: event
// payload: JSON数据
typedef void (*EventCallback)(char* topic, char* payload);

// Go 不能直接调用 C 函数指针，需通过 C 桥接
static void invokeCallback(EventCallback cb, char* topic, char* payload) {
    if (cb) {
        cb(topic, payload);
    }
}
*/
import "C"
import (
	"context"
	"sync"
	"time"
	"unsafe"

	"github.com/dyike/PolishGo/config"
	"github.com/dyike/PolishGo/pkg/app"
	"github.com/dyike/PolishGo/pkg/bridge"
)

var (
	globalCallback C.EventCallback

	mu     sync.Mutex
	sdkApp *app.App
)

func init() {
	// 设置Go内部发送事件的实现
	bridge.SetNotifyImpl(func(topic, payload string) {
		if globalCallback == nil {
			return
		}
		cTopic := C.CString(topic)
		cPayload := C.CString(payload)
		// 必须释放 Go 创建的 C 字符串
		defer C.free(unsafe.Pointer(cTopic))
		defer C.free(unsafe.Pointer(cPayload))

		C.invokeCallback(globalCallback, cTopic, cPayload)
	})
}

// InitSDK opens the store under workDir, applies configJson on top of the
// saved config and starts the workers. Calling it again restarts the app.
//
//export InitSDK
func InitSDK(workDir *C.char, configJson *C.char) *C.char {
	dir := C.GoString(workDir)
	cfgJSON := C.GoString(configJson)

	mu.Lock()
	defer mu.Unlock()
	if sdkApp != nil {
		shutdown(sdkApp)
		sdkApp = nil
	}

	mgr, err := config.NewManager(config.WithConfigDir(dir))
	if err != nil {
		return C.CString("Error: " + err.Error())
	}
	if cfgJSON != "" {
		if err := mgr.UpdateFromJSON(cfgJSON); err != nil {
			return C.CString("Error: " + err.Error())
		}
	}

	a, err := app.New(context.Background(), mgr)
	if err != nil {
		return C.CString("Error: " + err.Error())
	}
	sdkApp = a
	return C.CString("Success")
}

//export RegisterCallback
func RegisterCallback(cb C.EventCallback) {
	globalCallback = cb
}

//export UpdateConfig
func UpdateConfig(jsonStr *C.char) *C.char {
	resp := Dispatch("config.update", C.GoString(jsonStr))
	return C.CString(resp)
}

//export Call
func Call(method *C.char, params *C.char) *C.char {
	m := C.GoString(method)
	p := C.GoString(params)

	resp := Dispatch(m, p)

	return C.CString(resp)
}

//export Shutdown
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()
	if sdkApp != nil {
		shutdown(sdkApp)
		sdkApp = nil
	}
}

//export FreeString
func FreeString(str *C.char) {
	C.free(unsafe.Pointer(str))
}

func shutdown(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Close(ctx)
}

func current() *app.App {
	mu.Lock()
	defer mu.Unlock()
	return sdkApp
}

func main() {}
