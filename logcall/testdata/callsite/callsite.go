// Package callsite holds annotated functions that are only compiled through a rewritten overlay.
package callsite

import (
	"errors"

	"github.com/PatchLens/go-logcall/future"
	"github.com/PatchLens/go-logcall/logrt"
)

var errBoom = errors.New("boom")

//logcall:"info"
func Inc() int {
	return 2
}

//logcall: ok="info"
func Div(a, b int) (int, error) {
	if b == 0 {
		return 0, errors.New("divide by zero")
	}
	return a / b, nil
}

//logcall: ingress="info"
func Pair(a, b int) {
	logrt.Warnf("pair body")
}

//logcall: ingress="info", skip=[secret]
func Login(user, secret string) {
}

//logcall: ingress="debug", ok="info", err="error"
func Fetch(id int) *future.Future[int] {
	return future.Try(func() (int, error) {
		if id < 0 {
			return 0, errBoom
		}
		return id * 2, nil
	})
}
