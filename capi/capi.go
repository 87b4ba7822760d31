//go:build cgo

// Command capi builds a C-shared/C-archive library exposing the framework
// facade as a flat, C-callable ABI: every exported function takes and
// returns only scalar integers and null-terminated strings, per the
// spec's external interface contract. A pure-Go caller should use the
// framework package directly instead of linking this.
//
// Build with: go build -buildmode=c-shared -o libd2.so ./capi
package main

/*
#include <stdlib.h>
*/
import "C"

import (
	"github.com/nbtaylor/d2/framework"
	"github.com/nbtaylor/d2/ids"
)

//export d2_enable_event_logging
func d2_enable_event_logging() {
	framework.Default().Enable()
}

//export d2_disable_event_logging
func d2_disable_event_logging() {
	framework.Default().Disable()
}

//export d2_is_enabled
func d2_is_enabled() C.int {
	if framework.Default().IsEnabled() {
		return 1
	}
	return 0
}

//export d2_set_log_repository
func d2_set_log_repository(path *C.char) C.int {
	if err := framework.Default().SetRepository(C.GoString(path)); err != nil {
		return 1
	}
	return 0
}

//export d2_unset_log_repository
func d2_unset_log_repository() {
	_ = framework.Default().UnsetRepository()
}

//export d2_notify_acquire
func d2_notify_acquire(tid, lid C.ulonglong) {
	framework.Default().NotifyAcquire(ids.ThreadID(tid), ids.LockID(lid))
}

//export d2_notify_recursive_acquire
func d2_notify_recursive_acquire(tid, lid C.ulonglong) {
	framework.Default().NotifyRecursiveAcquire(ids.ThreadID(tid), ids.LockID(lid))
}

//export d2_notify_release
func d2_notify_release(tid, lid C.ulonglong) {
	framework.Default().NotifyRelease(ids.ThreadID(tid), ids.LockID(lid))
}

//export d2_notify_recursive_release
func d2_notify_recursive_release(tid, lid C.ulonglong) {
	framework.Default().NotifyRecursiveRelease(ids.ThreadID(tid), ids.LockID(lid))
}

//export d2_notify_start
func d2_notify_start(ptid, ctid C.ulonglong) {
	framework.Default().NotifyStart(ids.ThreadID(ptid), ids.ThreadID(ctid))
}

//export d2_notify_join
func d2_notify_join(ptid, ctid C.ulonglong) {
	framework.Default().NotifyJoin(ids.ThreadID(ptid), ids.ThreadID(ctid))
}

func main() {}
