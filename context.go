/*
File: context.go
Version: 1.0.0
Description: Defines the RequestContext struct and its lifecycle management (pooling).
*/

package main

import (
	"net"
	"sync"
)

type RequestContext struct {
	ClientIP  net.IP
	QueryName string
	Protocol  string
}

func (rc *RequestContext) Reset() {
	rc.ClientIP = nil
	rc.QueryName = ""
	rc.Protocol = ""
}

var reqCtxPool = sync.Pool{
	New: func() any {
		return &RequestContext{}
	},
}

func getReqCtx() *RequestContext {
	return reqCtxPool.Get().(*RequestContext)
}

func putReqCtx(rc *RequestContext) {
	rc.Reset()
	reqCtxPool.Put(rc)
}
