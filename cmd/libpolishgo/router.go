package main

import (
	"encoding/json"

	"github.com/dyike/PolishGo/consts"
	"github.com/dyike/PolishGo/internal/service"
)

// Dispatch handles host-level methods and hands the rest to the service router.
func Dispatch(method string, paramsJson string) string {
	if method == consts.MethodSystemInfo {
		return jsonResp(200, "Ok", service.SystemInfo())
	}
	a := current()
	if a == nil {
		return jsonResp(503, "SDK not initialized", nil)
	}

	switch method {
	case consts.MethodConfigUpdate:
		if err := a.Runtime.UpdateConfigJSON(paramsJson); err != nil {
			return jsonResp(400, err.Error(), nil)
		}
		return jsonResp(200, "Ok", a.Runtime.Config().Redacted())
	default:
		return a.Service.Dispatch(method, paramsJson)
	}
}

func jsonResp(code int, msg string, data any) string {
	resp := service.Response{Code: code, Msg: msg, Data: data}
	b, _ := json.Marshal(resp)
	return string(b)
}
