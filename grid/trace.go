package grid

import (
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang/glog"
)

// Runs `do`, recovering a panic. The recovered value is returned and passed to
// each `onPanic` as an error. Goroutines that apply remote input run their
// work through this so one bad payload cannot take the process down.
func HandleError(do func(), onPanic ...func(error)) (r any) {
	defer func() {
		r = recover()
		if r == nil {
			return
		}
		glog.Warningf("[trace]recovered %s\n", panicJson(r, debug.Stack()))
		err, ok := r.(error)
		if !ok {
			err = fmt.Errorf("panic: %v", r)
		}
		for _, handler := range onPanic {
			handler(err)
		}
	}()
	do()
	return nil
}

func panicJson(r any, stack []byte) string {
	frames := []string{}
	for _, frame := range strings.Split(string(stack), "\n") {
		if frame = strings.TrimSpace(frame); frame != "" {
			frames = append(frames, frame)
		}
	}
	out, err := sonic.MarshalString(map[string]any{
		"panic": fmt.Sprintf("%T=%v", r, r),
		"stack": frames,
	})
	if err != nil {
		return fmt.Sprintf("%T=%v", r, r)
	}
	return out
}

// logs the duration and error of `do` at V(2)
func TraceWithReturnError[R any](tag string, do func() (R, error)) (R, error) {
	if !glog.V(2) {
		return do()
	}
	startTime := time.Now()
	result, err := do()
	elapsed := time.Since(startTime)
	if err != nil {
		glog.Infof("%s (%.2fms) err = %s\n", tag, float64(elapsed)/float64(time.Millisecond), err)
	} else {
		glog.Infof("%s (%.2fms)\n", tag, float64(elapsed)/float64(time.Millisecond))
	}
	return result, err
}
